package dingtalk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"crypto-data-collector/internal/apperr"
	"crypto-data-collector/internal/scheduler"
)

type NotifierConfig struct {
	Title string
	// OnlyFailures suppresses reports for clean cycles.
	OnlyFailures bool
	// MinInterval drops reports sent sooner than this after the previous one.
	MinInterval time.Duration
}

// Notifier pushes a markdown summary of each finished cycle. Send failures
// are logged and never reach the scheduler.
type Notifier struct {
	client *Client
	cfg    NotifierConfig
	log    logrus.FieldLogger
	now    func() time.Time

	mu       sync.Mutex
	lastSent time.Time
}

func NewNotifier(client *Client, cfg NotifierConfig, log logrus.FieldLogger) *Notifier {
	if cfg.Title == "" {
		cfg.Title = "Crypto collector report"
	}
	return &Notifier{client: client, cfg: cfg, log: log, now: time.Now}
}

func (n *Notifier) TickSkipped() {}

func (n *Notifier) CycleFinished(ctx context.Context, rep scheduler.CycleReport) {
	if n.cfg.OnlyFailures && !rep.Failed() {
		return
	}
	if !n.allow() {
		return
	}

	log := n.log.WithField("cycle", rep.Seq)
	resp, err := n.client.SendMarkdown(ctx, n.cfg.Title, FormatCycleReport(n.cfg.Title, rep))
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		log.WithError(err).Warn("dingtalk push failed")
		return
	}
	log.Debug("dingtalk report sent")
}

func (n *Notifier) allow() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if n.cfg.MinInterval > 0 && !n.lastSent.IsZero() && now.Sub(n.lastSent) < n.cfg.MinInterval {
		return false
	}
	n.lastSent = now
	return true
}

func FormatCycleReport(title string, rep scheduler.CycleReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s #%d\n\n", title, rep.Seq)
	fmt.Fprintf(&b, "- started: %s\n", rep.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- duration: %s\n", rep.Duration.Round(time.Millisecond))

	if rep.CollectErr != nil {
		fmt.Fprintf(&b, "- collection: **failed** (%s) %v\n", apperr.Stage(rep.CollectErr), rep.CollectErr)
	} else {
		c := rep.Collection
		fmt.Fprintf(&b, "- collection: fetched %d, indexed %d, skipped %d, failed %d\n", c.Fetched, c.Indexed, c.Skipped, c.Failed)
	}
	for _, item := range rep.Collection.Errors {
		fmt.Fprintf(&b, "  - item %d id=%s: %v\n", item.Position, item.ID, item.Err)
	}

	switch {
	case rep.AveragePrice != nil:
		fmt.Fprintf(&b, "- average %s over %s: **%s**\n", rep.Symbol, rep.Window, rep.AveragePrice.String())
	case rep.AverageErr != nil:
		fmt.Fprintf(&b, "- average %s over %s: %v\n", rep.Symbol, rep.Window, rep.AverageErr)
	}

	switch {
	case rep.TopMoverErr != nil:
		fmt.Fprintf(&b, "- top mover: %v\n", rep.TopMoverErr)
	case rep.TopMover != nil:
		fmt.Fprintf(&b, "- top mover: **%s** (%s) %s%%\n", rep.TopMover.Symbol, rep.TopMover.Name, rep.TopMover.PercentChange24h.String())
	default:
		b.WriteString("- top mover: none\n")
	}
	return b.String()
}
