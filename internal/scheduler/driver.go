package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"crypto-data-collector/internal/analysis"
	"crypto-data-collector/internal/apperr"
	"crypto-data-collector/internal/collector"
	"crypto-data-collector/internal/model"
)

type Collector interface {
	Run(ctx context.Context) (collector.Report, error)
}

type Analyzer interface {
	AveragePrice(ctx context.Context, symbol string, window time.Duration) (decimal.Decimal, error)
	TopMover(ctx context.Context) (*model.Observation, error)
}

// Observer is told about every finished cycle and every dropped tick.
type Observer interface {
	CycleFinished(ctx context.Context, r CycleReport)
	TickSkipped()
}

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

type Config struct {
	Interval     time.Duration
	CycleTimeout time.Duration
	Symbol       string
	Window       time.Duration
}

type CycleReport struct {
	Seq        uint64
	StartedAt  time.Time
	Duration   time.Duration
	Collection collector.Report
	// CollectErr is a soft failure of the whole collection step.
	CollectErr error

	Symbol       string
	Window       time.Duration
	AveragePrice *decimal.Decimal
	AverageErr   error

	TopMover    *model.Observation
	TopMoverErr error
}

// Failed reports whether any step of the cycle ended in an error other
// than an empty average window.
func (r CycleReport) Failed() bool {
	return r.CollectErr != nil ||
		(r.AverageErr != nil && !errors.Is(r.AverageErr, analysis.ErrNoData)) ||
		r.TopMoverErr != nil ||
		len(r.Collection.Errors) > 0
}

// Driver runs one collection-and-analysis cycle per tick. A tick that
// arrives while a cycle is still running is dropped.
type Driver struct {
	cfg       Config
	collector Collector
	analyzer  Analyzer
	observers []Observer
	log       logrus.FieldLogger
	now       func() time.Time

	running atomic.Bool
	seq     atomic.Uint64

	mu   sync.RWMutex
	last *CycleReport

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, c Collector, a Analyzer, log logrus.FieldLogger, observers ...Observer) *Driver {
	return &Driver{
		cfg:       cfg,
		collector: c,
		analyzer:  a,
		observers: observers,
		log:       log,
		now:       time.Now,
	}
}

// Start fires the first cycle immediately, then one per interval until ctx
// is cancelled or Stop is called.
func (d *Driver) Start(ctx context.Context) error {
	if d.cfg.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", d.cfg.Interval)
	}
	if d.done != nil {
		return errors.New("scheduler already started")
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	go d.loop(ctx)
	d.log.WithField("interval", d.cfg.Interval.String()).Info("scheduler started")
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle.
func (d *Driver) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.wg.Wait()
	d.log.Info("scheduler stopped")
}

func (d *Driver) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick starts a cycle in the background unless one is already running.
func (d *Driver) Tick(ctx context.Context) bool {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped()
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.running.Store(false)
		d.runCycle(ctx)
	}()
	return true
}

// RunOnce runs a cycle synchronously under the same overrun rule as Tick.
func (d *Driver) RunOnce(ctx context.Context) (CycleReport, bool) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped()
		return CycleReport{}, false
	}
	defer d.running.Store(false)
	return d.runCycle(ctx), true
}

func (d *Driver) State() State {
	if d.running.Load() {
		return StateRunning
	}
	return StateIdle
}

func (d *Driver) LastReport() (CycleReport, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.last == nil {
		return CycleReport{}, false
	}
	return *d.last, true
}

func (d *Driver) skipped() {
	d.log.Warn("previous cycle still running, skipping tick")
	for _, o := range d.observers {
		o.TickSkipped()
	}
}

func (d *Driver) runCycle(parent context.Context) CycleReport {
	ctx := parent
	if d.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.cfg.CycleTimeout)
		defer cancel()
	}

	rep := CycleReport{
		Seq:       d.seq.Add(1),
		StartedAt: d.now(),
		Symbol:    d.cfg.Symbol,
		Window:    d.cfg.Window,
	}
	log := d.log.WithField("cycle", rep.Seq)

	rep.Collection, rep.CollectErr = guard("collect", func() (collector.Report, error) {
		return d.collector.Run(ctx)
	})
	if rep.CollectErr != nil {
		log.WithError(rep.CollectErr).WithField("stage", apperr.Stage(rep.CollectErr)).Error("collection failed")
	}

	avg, err := guard("average price", func() (decimal.Decimal, error) {
		return d.analyzer.AveragePrice(ctx, d.cfg.Symbol, d.cfg.Window)
	})
	rep.AverageErr = err
	switch {
	case err == nil:
		rep.AveragePrice = &avg
		log.WithFields(logrus.Fields{"symbol": d.cfg.Symbol, "window": d.cfg.Window.String(), "average": avg.String()}).
			Info("average price")
	case errors.Is(err, analysis.ErrNoData):
		log.WithField("symbol", d.cfg.Symbol).Info("no observations in window")
	default:
		log.WithError(err).WithField("stage", apperr.Stage(err)).Error("average price query failed")
	}

	rep.TopMover, rep.TopMoverErr = guard("top mover", func() (*model.Observation, error) {
		return d.analyzer.TopMover(ctx)
	})
	switch {
	case rep.TopMoverErr != nil:
		log.WithError(rep.TopMoverErr).WithField("stage", apperr.Stage(rep.TopMoverErr)).Error("top mover query failed")
	case rep.TopMover == nil:
		log.Info("no top mover yet")
	default:
		log.WithFields(logrus.Fields{
			"symbol": rep.TopMover.Symbol,
			"change": rep.TopMover.PercentChange24h.String(),
		}).Info("top mover")
	}

	rep.Duration = d.now().Sub(rep.StartedAt)
	d.mu.Lock()
	d.last = &rep
	d.mu.Unlock()

	for _, o := range d.observers {
		notify(log, func() { o.CycleFinished(parent, rep) })
	}
	return rep
}

// guard turns a panic inside fn into an error.
func guard[T any](step string, fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", step, r)
		}
	}()
	return fn()
}

func notify(log logrus.FieldLogger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("cycle observer panicked")
		}
	}()
	fn()
}
