package dingtalk

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-data-collector/internal/analysis"
	"crypto-data-collector/internal/apperr"
	"crypto-data-collector/internal/collector"
	"crypto-data-collector/internal/model"
	"crypto-data-collector/internal/scheduler"
)

func cleanReport() scheduler.CycleReport {
	avg := decimal.RequireFromString("67234.5")
	return scheduler.CycleReport{
		Seq:          7,
		StartedAt:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Duration:     1200 * time.Millisecond,
		Collection:   collector.Report{Fetched: 3, Indexed: 3},
		Symbol:       "BTC",
		Window:       time.Hour,
		AveragePrice: &avg,
		TopMover: &model.Observation{
			ID: "825", Name: "Tether USDt", Symbol: "USDT",
			PercentChange24h: decimal.RequireFromString("9.9"),
		},
	}
}

func TestFormatCycleReport(t *testing.T) {
	t.Parallel()

	md := FormatCycleReport("Collector", cleanReport())

	assert.Contains(t, md, "### Collector #7")
	assert.Contains(t, md, "fetched 3, indexed 3, skipped 0, failed 0")
	assert.Contains(t, md, "average BTC over 1h0m0s: **67234.5**")
	assert.Contains(t, md, "top mover: **USDT** (Tether USDt) 9.9%")
}

func TestFormatCycleReport_Failures(t *testing.T) {
	t.Parallel()

	rep := scheduler.CycleReport{
		Seq:        8,
		Symbol:     "BTC",
		Window:     time.Hour,
		CollectErr: apperr.Transport("fetch listings", 429, errors.New("rate limited")),
		AverageErr: analysis.ErrNoData,
	}

	md := FormatCycleReport("Collector", rep)

	assert.Contains(t, md, "collection: **failed** (transport)")
	assert.Contains(t, md, "average BTC over 1h0m0s: no data")
	assert.Contains(t, md, "top mover: none")
}

func TestNotifier_OnlyFailures(t *testing.T) {
	t.Parallel()

	robot, srv := newRobot(t, `{"errcode":0,"errmsg":"ok"}`)
	logger, _ := test.NewNullLogger()
	n := NewNotifier(NewClient(srv.URL, "", time.Second), NotifierConfig{OnlyFailures: true}, logger)

	n.CycleFinished(t.Context(), cleanReport())
	assert.Equal(t, 0, robot.count())

	failed := cleanReport()
	failed.TopMoverErr = errors.New("search timeout")
	n.CycleFinished(t.Context(), failed)
	assert.Equal(t, 1, robot.count())
}

func TestNotifier_MinInterval(t *testing.T) {
	t.Parallel()

	robot, srv := newRobot(t, `{"errcode":0,"errmsg":"ok"}`)
	logger, _ := test.NewNullLogger()
	n := NewNotifier(NewClient(srv.URL, "", time.Second), NotifierConfig{MinInterval: time.Minute}, logger)
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return clock }

	n.CycleFinished(t.Context(), cleanReport())
	clock = clock.Add(30 * time.Second)
	n.CycleFinished(t.Context(), cleanReport())
	clock = clock.Add(31 * time.Second)
	n.CycleFinished(t.Context(), cleanReport())

	assert.Equal(t, 2, robot.count())
}

func TestNotifier_SendFailureIsLogged(t *testing.T) {
	t.Parallel()

	_, srv := newRobot(t, `{"errcode":300001,"errmsg":"token is not exist"}`)
	logger, hook := test.NewNullLogger()
	n := NewNotifier(NewClient(srv.URL, "", time.Second), NotifierConfig{}, logger)

	require.NotPanics(t, func() { n.CycleFinished(t.Context(), cleanReport()) })

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "dingtalk push failed", entry.Message)
}
