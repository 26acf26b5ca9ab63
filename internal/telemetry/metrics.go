package telemetry

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSink records run outcomes as Prometheus metrics.
type MetricsSink struct {
	mRuns        *prometheus.CounterVec
	mExceptions  *prometheus.CounterVec
	mLastSuccess *prometheus.GaugeVec
	mLastRun     *prometheus.GaugeVec
	mDuration    *prometheus.HistogramVec
}

// NewMetricsSink registers its collectors with reg.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	f := promauto.With(reg)
	labels := []string{"test", "location"}
	return &MetricsSink{
		mRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "availprobe_runs_total", Help: "Completed availability runs by result.",
		}, append(labels, "success")),
		mExceptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "availprobe_exceptions_total", Help: "Runs that ended with an unexpected failure.",
		}, labels),
		mLastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "availprobe_last_success_timestamp_seconds", Help: "Unix time of the last passing run.",
		}, labels),
		mLastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "availprobe_last_run_success", Help: "1 if the last run passed, 0 otherwise.",
		}, labels),
		mDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "availprobe_run_duration_seconds",
			Help:    "Wall-clock duration of availability runs.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200},
		}, labels),
	}
}

func (s *MetricsSink) Name() string { return "prometheus" }

func (s *MetricsSink) Send(_ context.Context, b Batch) error {
	for _, a := range b.Availability {
		s.mRuns.WithLabelValues(a.Name, a.RunLocation, strconv.FormatBool(a.Success)).Inc()
		s.mDuration.WithLabelValues(a.Name, a.RunLocation).Observe(a.Duration.Seconds())
		if a.Success {
			s.mLastRun.WithLabelValues(a.Name, a.RunLocation).Set(1)
			s.mLastSuccess.WithLabelValues(a.Name, a.RunLocation).Set(float64(a.Timestamp.Add(a.Duration).Unix()))
		} else {
			s.mLastRun.WithLabelValues(a.Name, a.RunLocation).Set(0)
		}
	}
	for _, e := range b.Exceptions {
		s.mExceptions.WithLabelValues(e.TestName, e.Location).Inc()
	}
	return nil
}
