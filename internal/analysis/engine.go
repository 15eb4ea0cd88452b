package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crypto-data-collector/internal/apperr"
	"crypto-data-collector/internal/model"
	"crypto-data-collector/internal/store"
)

// ErrNoData means the query matched no observations.
var ErrNoData = errors.New("no data")

type Engine struct {
	backend store.Backend
	index   string
	now     func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func New(backend store.Backend, index string, opts ...Option) *Engine {
	e := &Engine{backend: backend, index: index, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AveragePrice is the mean price of symbol over observations captured in the
// trailing window.
func (e *Engine) AveragePrice(ctx context.Context, symbol string, window time.Duration) (decimal.Decimal, error) {
	if symbol == "" {
		return decimal.Decimal{}, errors.New("symbol is empty")
	}
	if window <= 0 {
		return decimal.Decimal{}, fmt.Errorf("window must be positive, got %s", window)
	}

	since := e.now().Add(-window)
	res, err := e.backend.Search(ctx, e.index, store.Query{
		Term:     &store.Term{Field: model.FieldSymbol, Value: symbol},
		Range:    &store.Range{Field: model.FieldTimestamp, Gte: model.FormatTimestamp(since)},
		AvgField: model.FieldPrice,
	})
	if errors.Is(err, store.ErrIndexNotFound) {
		return decimal.Decimal{}, ErrNoData
	}
	if err != nil {
		return decimal.Decimal{}, apperr.Storage("average price", e.index, symbol, err)
	}
	if res.Total == 0 || res.Avg == nil {
		return decimal.Decimal{}, ErrNoData
	}
	return *res.Avg, nil
}

// TopMover returns the observation with the largest 24h percent change, or
// nil when nothing has been indexed yet.
func (e *Engine) TopMover(ctx context.Context) (*model.Observation, error) {
	res, err := e.backend.Search(ctx, e.index, store.Query{
		SortField: model.FieldPercentChange24h,
		SortDesc:  true,
		Size:      1,
	})
	if errors.Is(err, store.ErrIndexNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Storage("top mover", e.index, "", err)
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}
	obs, err := model.Decode(res.Hits[0])
	if err != nil {
		return nil, apperr.Schema("top mover", "", "", err)
	}
	return &obs, nil
}
