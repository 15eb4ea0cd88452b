package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-data-collector/internal/analysis"
	"crypto-data-collector/internal/collector"
	"crypto-data-collector/internal/model"
	"crypto-data-collector/internal/push/dingtalk"
	"crypto-data-collector/internal/scheduler"
)

type fakeAnalyzer struct {
	avg       decimal.Decimal
	avgErr    error
	gotSymbol string
	gotWindow time.Duration
	top       *model.Observation
	topErr    error
}

func (f *fakeAnalyzer) AveragePrice(_ context.Context, symbol string, window time.Duration) (decimal.Decimal, error) {
	f.gotSymbol, f.gotWindow = symbol, window
	return f.avg, f.avgErr
}

func (f *fakeAnalyzer) TopMover(context.Context) (*model.Observation, error) {
	return f.top, f.topErr
}

type fakeCycles struct {
	last    *scheduler.CycleReport
	accept  bool
	tickCtx context.Context
}

func (f *fakeCycles) LastReport() (scheduler.CycleReport, bool) {
	if f.last == nil {
		return scheduler.CycleReport{}, false
	}
	return *f.last, true
}

func (f *fakeCycles) State() scheduler.State { return scheduler.StateIdle }

func (f *fakeCycles) Tick(ctx context.Context) bool {
	f.tickCtx = ctx
	return f.accept
}

type fakePusher struct {
	resp *dingtalk.Response
	err  error
	got  string
}

func (f *fakePusher) SendMarkdown(_ context.Context, title, _ string) (*dingtalk.Response, error) {
	f.got = title
	return f.resp, f.err
}

func newServer(t *testing.T, d Deps) *server.Hertz {
	t.Helper()
	logger, _ := test.NewNullLogger()
	d.Log = logger
	if d.DefaultSymbol == "" {
		d.DefaultSymbol = "BTC"
	}
	if d.DefaultWindow == 0 {
		d.DefaultWindow = time.Hour
	}
	h := server.New()
	RegisterRoutes(h, d)
	return h
}

func decodeBody(t *testing.T, w *ut.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Result().Body(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := newServer(t, Deps{Analyzer: &fakeAnalyzer{}, Cycles: &fakeCycles{}})

	w := ut.PerformRequest(h.Engine, "GET", "/healthz", nil)

	require.Equal(t, 200, w.Result().StatusCode())
	body := decodeBody(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "idle", body["scheduler"])
}

func TestAverage(t *testing.T) {
	t.Parallel()

	t.Run("explicit parameters", func(t *testing.T) {
		t.Parallel()
		// Arrange
		a := &fakeAnalyzer{avg: decimal.RequireFromString("200.5")}
		h := newServer(t, Deps{Analyzer: a, Cycles: &fakeCycles{}})

		// Act
		w := ut.PerformRequest(h.Engine, "GET", "/api/v1/analysis/average?symbol=eth&window_sec=600", nil)

		// Assert
		require.Equal(t, 200, w.Result().StatusCode())
		body := decodeBody(t, w)
		assert.Equal(t, "200.5", body["average_price"])
		assert.Equal(t, "ETH", a.gotSymbol)
		assert.Equal(t, 10*time.Minute, a.gotWindow)
	})

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		a := &fakeAnalyzer{avg: decimal.NewFromInt(1)}
		h := newServer(t, Deps{Analyzer: a, Cycles: &fakeCycles{}})

		w := ut.PerformRequest(h.Engine, "GET", "/api/v1/analysis/average", nil)

		require.Equal(t, 200, w.Result().StatusCode())
		assert.Equal(t, "BTC", a.gotSymbol)
		assert.Equal(t, time.Hour, a.gotWindow)
	})

	t.Run("no data", func(t *testing.T) {
		t.Parallel()
		h := newServer(t, Deps{Analyzer: &fakeAnalyzer{avgErr: analysis.ErrNoData}, Cycles: &fakeCycles{}})

		w := ut.PerformRequest(h.Engine, "GET", "/api/v1/analysis/average", nil)

		require.Equal(t, 200, w.Result().StatusCode())
		body := decodeBody(t, w)
		assert.Equal(t, true, body["no_data"])
		assert.Nil(t, body["average_price"])
	})

	t.Run("bad window", func(t *testing.T) {
		t.Parallel()
		h := newServer(t, Deps{Analyzer: &fakeAnalyzer{}, Cycles: &fakeCycles{}})

		for _, q := range []string{"abc", "0", "-5"} {
			w := ut.PerformRequest(h.Engine, "GET", "/api/v1/analysis/average?window_sec="+q, nil)
			assert.Equal(t, 400, w.Result().StatusCode(), q)
		}
	})

	t.Run("backend failure", func(t *testing.T) {
		t.Parallel()
		h := newServer(t, Deps{Analyzer: &fakeAnalyzer{avgErr: errors.New("cluster down")}, Cycles: &fakeCycles{}})

		w := ut.PerformRequest(h.Engine, "GET", "/api/v1/analysis/average", nil)

		assert.Equal(t, 502, w.Result().StatusCode())
	})
}

func TestTopMover(t *testing.T) {
	t.Parallel()

	top := &model.Observation{ID: "825", Symbol: "USDT", PercentChange24h: decimal.RequireFromString("9.9")}
	h := newServer(t, Deps{Analyzer: &fakeAnalyzer{top: top}, Cycles: &fakeCycles{}})

	w := ut.PerformRequest(h.Engine, "GET", "/api/v1/analysis/top-mover", nil)

	require.Equal(t, 200, w.Result().StatusCode())
	body := decodeBody(t, w)
	mover, ok := body["top_mover"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "USDT", mover["symbol"])
	assert.Equal(t, "9.9", mover["percentChange24h"])

	empty := newServer(t, Deps{Analyzer: &fakeAnalyzer{}, Cycles: &fakeCycles{}})
	w = ut.PerformRequest(empty.Engine, "GET", "/api/v1/analysis/top-mover", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Nil(t, decodeBody(t, w)["top_mover"])
}

func TestLastCycle(t *testing.T) {
	t.Parallel()

	cycles := &fakeCycles{}
	h := newServer(t, Deps{Analyzer: &fakeAnalyzer{}, Cycles: cycles})

	w := ut.PerformRequest(h.Engine, "GET", "/api/v1/cycles/last", nil)
	require.Equal(t, 404, w.Result().StatusCode())

	avg := decimal.RequireFromString("10.25")
	cycles.last = &scheduler.CycleReport{
		Seq:          3,
		StartedAt:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Duration:     1500 * time.Millisecond,
		Collection:   collector.Report{Fetched: 3, Indexed: 2, Skipped: 1, IndexedIDs: []string{"1", "1027"}},
		Symbol:       "BTC",
		Window:       time.Hour,
		AveragePrice: &avg,
		TopMoverErr:  errors.New("search timeout"),
	}

	w = ut.PerformRequest(h.Engine, "GET", "/api/v1/cycles/last", nil)

	require.Equal(t, 200, w.Result().StatusCode())
	cycle, ok := decodeBody(t, w)["cycle"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, cycle["seq"])
	assert.Equal(t, "2024-05-01T10:00:00.000000Z", cycle["started_at"])
	assert.EqualValues(t, 1500, cycle["duration_ms"])
	assert.EqualValues(t, 2, cycle["indexed"])
	assert.Equal(t, "10.25", cycle["average_price"])
	assert.Equal(t, "search timeout", cycle["top_mover_error"])
	assert.Equal(t, true, cycle["has_failures"])
}

func TestRunCycle(t *testing.T) {
	t.Parallel()

	type ctxKey struct{}
	base := context.WithValue(context.Background(), ctxKey{}, "driver")
	cycles := &fakeCycles{accept: true}
	h := newServer(t, Deps{Analyzer: &fakeAnalyzer{}, Cycles: cycles, CycleContext: base})

	w := ut.PerformRequest(h.Engine, "POST", "/api/v1/cycles/run", nil)
	require.Equal(t, 202, w.Result().StatusCode())
	assert.Equal(t, "driver", cycles.tickCtx.Value(ctxKey{}))

	cycles.accept = false
	w = ut.PerformRequest(h.Engine, "POST", "/api/v1/cycles/run", nil)
	assert.Equal(t, 409, w.Result().StatusCode())
}

func TestTestPush(t *testing.T) {
	t.Parallel()

	jsonHeader := ut.Header{Key: "Content-Type", Value: "application/json"}
	body := func() *ut.Body {
		s := `{"title":"hello","markdown":"### hi"}`
		return &ut.Body{Body: strings.NewReader(s), Len: len(s)}
	}

	t.Run("not registered without pusher", func(t *testing.T) {
		t.Parallel()
		h := newServer(t, Deps{Analyzer: &fakeAnalyzer{}, Cycles: &fakeCycles{}})
		w := ut.PerformRequest(h.Engine, "POST", "/api/v1/test/push", body(), jsonHeader)
		assert.Equal(t, 404, w.Result().StatusCode())
	})

	t.Run("delivered", func(t *testing.T) {
		t.Parallel()
		p := &fakePusher{resp: &dingtalk.Response{ErrCode: 0, ErrMsg: "ok"}}
		h := newServer(t, Deps{Analyzer: &fakeAnalyzer{}, Cycles: &fakeCycles{}, Push: p})

		w := ut.PerformRequest(h.Engine, "POST", "/api/v1/test/push", body(), jsonHeader)

		assert.Equal(t, 200, w.Result().StatusCode())
		assert.Equal(t, "hello", p.got)
	})

	t.Run("robot rejected", func(t *testing.T) {
		t.Parallel()
		p := &fakePusher{resp: &dingtalk.Response{ErrCode: 310000, ErrMsg: "sign not match"}}
		h := newServer(t, Deps{Analyzer: &fakeAnalyzer{}, Cycles: &fakeCycles{}, Push: p})

		w := ut.PerformRequest(h.Engine, "POST", "/api/v1/test/push", body(), jsonHeader)

		assert.Equal(t, 502, w.Result().StatusCode())
	})
}

// /metrics streams through the net/http adaptor, which needs a live
// connection, so it is exercised over a real listener.
func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	// Arrange
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "collector_cycles_total", Help: "cycles"})
	reg.MustRegister(c)
	c.Inc()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	logger, _ := test.NewNullLogger()
	h := server.New(server.WithHostPorts(addr), server.WithDisablePrintRoute(true))
	RegisterRoutes(h, Deps{
		Analyzer: &fakeAnalyzer{}, Cycles: &fakeCycles{}, Metrics: reg,
		DefaultSymbol: "BTC", DefaultWindow: time.Hour, Log: logger,
	})
	go func() { _ = h.Run() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})

	// Act
	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		body = string(raw)
		return true
	}, 5*time.Second, 50*time.Millisecond)

	// Assert
	assert.Contains(t, body, "collector_cycles_total 1")
}
