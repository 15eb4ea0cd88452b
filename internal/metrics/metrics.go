package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"

	"crypto-data-collector/internal/analysis"
	"crypto-data-collector/internal/apperr"
	"crypto-data-collector/internal/scheduler"
)

const namespace = "collector"

type PushConfig struct {
	URL      string
	Job      string
	User     string
	Password string
}

// Recorder turns cycle reports into Prometheus series and optionally pushes
// them to a Pushgateway after each cycle.
type Recorder struct {
	registry *prometheus.Registry

	cycles        prometheus.Counter
	skippedTicks  prometheus.Counter
	indexedDocs   prometheus.Counter
	failures      *prometheus.CounterVec
	cycleDuration prometheus.Gauge
	averagePrice  *prometheus.GaugeVec

	push PushConfig
	log  logrus.FieldLogger
}

func NewRecorder(push PushConfig, log logrus.FieldLogger) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Collection cycles run.",
		}),
		skippedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_ticks_total",
			Help:      "Ticks dropped because the previous cycle was still running.",
		}),
		indexedDocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexed_documents_total",
			Help:      "Observations upserted into the index.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failures by step and error stage.",
		}, []string{"step", "stage"}),
		cycleDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_duration_seconds",
			Help:      "Wall time of the last cycle.",
		}),
		averagePrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "average_price",
			Help:      "Last computed average price per symbol.",
		}, []string{"symbol"}),
		push: push,
		log:  log,
	}
	r.registry.MustRegister(r.cycles, r.skippedTicks, r.indexedDocs, r.failures, r.cycleDuration, r.averagePrice)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) TickSkipped() {
	r.skippedTicks.Inc()
}

func (r *Recorder) CycleFinished(ctx context.Context, rep scheduler.CycleReport) {
	r.cycles.Inc()
	r.indexedDocs.Add(float64(rep.Collection.Indexed))
	r.cycleDuration.Set(rep.Duration.Seconds())

	if rep.CollectErr != nil {
		r.failures.WithLabelValues("collect", apperr.Stage(rep.CollectErr)).Inc()
	}
	for _, item := range rep.Collection.Errors {
		r.failures.WithLabelValues("item", apperr.Stage(item.Err)).Inc()
	}
	if rep.AverageErr != nil && !errors.Is(rep.AverageErr, analysis.ErrNoData) {
		r.failures.WithLabelValues("average_price", apperr.Stage(rep.AverageErr)).Inc()
	}
	if rep.TopMoverErr != nil {
		r.failures.WithLabelValues("top_mover", apperr.Stage(rep.TopMoverErr)).Inc()
	}
	if rep.AveragePrice != nil {
		r.averagePrice.WithLabelValues(rep.Symbol).Set(rep.AveragePrice.InexactFloat64())
	}

	if r.push.URL != "" {
		if err := r.Push(ctx); err != nil {
			r.log.WithError(err).Error("could not push metrics to pushgateway")
		}
	}
}

func (r *Recorder) Push(ctx context.Context) error {
	job := r.push.Job
	if job == "" {
		job = "crypto_data_collector"
	}
	pusher := push.New(r.push.URL, job).Gatherer(r.registry)
	if r.push.User != "" {
		pusher = pusher.BasicAuth(r.push.User, r.push.Password)
	}
	return pusher.PushContext(ctx)
}
