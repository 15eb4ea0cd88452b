package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"crypto-data-collector/internal/analysis"
	"crypto-data-collector/internal/model"
	"crypto-data-collector/internal/push/dingtalk"
	"crypto-data-collector/internal/scheduler"
)

type Analyzer interface {
	AveragePrice(ctx context.Context, symbol string, window time.Duration) (decimal.Decimal, error)
	TopMover(ctx context.Context) (*model.Observation, error)
}

type Cycles interface {
	LastReport() (scheduler.CycleReport, bool)
	State() scheduler.State
	Tick(ctx context.Context) bool
}

type Pusher interface {
	SendMarkdown(ctx context.Context, title, markdown string) (*dingtalk.Response, error)
}

type Deps struct {
	Analyzer Analyzer
	Cycles   Cycles
	// Push and Metrics are optional.
	Push    Pusher
	Metrics *prometheus.Registry

	DefaultSymbol string
	DefaultWindow time.Duration
	// CycleContext outlives requests; cycles triggered over HTTP run on it.
	CycleContext context.Context
	Log          logrus.FieldLogger
}

type TestPushRequest struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

const maxWindowSec = 30 * 24 * 60 * 60

func RegisterRoutes(h *server.Hertz, d Deps) {
	if d.CycleContext == nil {
		d.CycleContext = context.Background()
	}

	h.GET("/healthz", func(_ context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, map[string]any{"ok": true, "scheduler": d.Cycles.State()})
	})

	h.GET("/api/v1/analysis/average", func(ctx context.Context, c *app.RequestContext) {
		symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
		if symbol == "" {
			symbol = d.DefaultSymbol
		}
		window, err := parseWindow(c.Query("window_sec"), d.DefaultWindow)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}

		avg, err := d.Analyzer.AveragePrice(ctx, symbol, window)
		resp := map[string]any{
			"ok":         true,
			"symbol":     symbol,
			"window_sec": int64(window / time.Second),
		}
		switch {
		case errors.Is(err, analysis.ErrNoData):
			resp["no_data"] = true
			resp["average_price"] = nil
		case err != nil:
			d.Log.WithError(err).Error("average price request failed")
			c.JSON(http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
			return
		default:
			resp["average_price"] = avg.String()
		}
		c.JSON(http.StatusOK, resp)
	})

	h.GET("/api/v1/analysis/top-mover", func(ctx context.Context, c *app.RequestContext) {
		top, err := d.Analyzer.TopMover(ctx)
		if err != nil {
			d.Log.WithError(err).Error("top mover request failed")
			c.JSON(http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "top_mover": top})
	})

	h.GET("/api/v1/cycles/last", func(_ context.Context, c *app.RequestContext) {
		rep, ok := d.Cycles.LastReport()
		if !ok {
			c.JSON(http.StatusNotFound, map[string]any{"ok": false, "error": "no cycle has run yet"})
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "cycle": newCycleView(rep)})
	})

	h.POST("/api/v1/cycles/run", func(_ context.Context, c *app.RequestContext) {
		if !d.Cycles.Tick(d.CycleContext) {
			c.JSON(http.StatusConflict, map[string]any{"ok": false, "error": "a cycle is already running"})
			return
		}
		c.JSON(http.StatusAccepted, map[string]any{"ok": true})
	})

	if d.Push != nil {
		h.POST("/api/v1/test/push", func(ctx context.Context, c *app.RequestContext) {
			var req TestPushRequest
			if err := c.BindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid json body"})
				return
			}
			resp, err := d.Push.SendMarkdown(ctx, req.Title, req.Markdown)
			if err == nil {
				err = resp.Err()
			}
			if err != nil {
				c.JSON(http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, map[string]any{"ok": true})
		})
	}

	if d.Metrics != nil {
		h.GET("/metrics", adaptor.HertzHandler(promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{})))
	}
}

func parseWindow(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		if def <= 0 {
			return 0, errors.New("window_sec is required")
		}
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxWindowSec {
		return 0, fmt.Errorf("invalid window_sec: %q", raw)
	}
	return time.Duration(n) * time.Second, nil
}

type cycleView struct {
	Seq          uint64             `json:"seq"`
	StartedAt    string             `json:"started_at"`
	DurationMs   int64              `json:"duration_ms"`
	Fetched      int                `json:"fetched"`
	Indexed      int                `json:"indexed"`
	Skipped      int                `json:"skipped"`
	Failed       int                `json:"failed"`
	IndexedIDs   []string           `json:"indexed_ids"`
	ItemErrors   []string           `json:"item_errors,omitempty"`
	CollectError string             `json:"collect_error,omitempty"`
	Symbol       string             `json:"symbol"`
	WindowSec    int64              `json:"window_sec"`
	AveragePrice *string            `json:"average_price"`
	AverageError string             `json:"average_error,omitempty"`
	TopMover     *model.Observation `json:"top_mover"`
	TopMoverErr  string             `json:"top_mover_error,omitempty"`
	HasFailures  bool               `json:"has_failures"`
}

func newCycleView(r scheduler.CycleReport) cycleView {
	v := cycleView{
		Seq:         r.Seq,
		StartedAt:   model.FormatTimestamp(r.StartedAt),
		DurationMs:  r.Duration.Milliseconds(),
		Fetched:     r.Collection.Fetched,
		Indexed:     r.Collection.Indexed,
		Skipped:     r.Collection.Skipped,
		Failed:      r.Collection.Failed,
		IndexedIDs:  r.Collection.IndexedIDs,
		Symbol:      r.Symbol,
		WindowSec:   int64(r.Window / time.Second),
		TopMover:    r.TopMover,
		HasFailures: r.Failed(),
	}
	for _, e := range r.Collection.Errors {
		v.ItemErrors = append(v.ItemErrors, fmt.Sprintf("position %d id=%s: %v", e.Position, e.ID, e.Err))
	}
	if r.CollectErr != nil {
		v.CollectError = r.CollectErr.Error()
	}
	if r.AveragePrice != nil {
		s := r.AveragePrice.String()
		v.AveragePrice = &s
	}
	if r.AverageErr != nil {
		v.AverageError = r.AverageErr.Error()
	}
	if r.TopMoverErr != nil {
		v.TopMoverErr = r.TopMoverErr.Error()
	}
	return v
}
