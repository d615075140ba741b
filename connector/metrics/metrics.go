// Package metrics records run statistics for the node exporter textfile
// collector. A nil *Recorder discards everything.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Recorder struct {
	registry *prometheus.Registry

	builds       *prometheus.CounterVec
	transactions *prometheus.CounterVec
	events       *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	lastRun      prometheus.Gauge
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		builds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_builds_total",
			Help: "Make invocations by target and result",
		}, []string{"target", "result"}),
		transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_transactions_total",
			Help: "Submitted NEAR transactions by receiver method and outcome",
		}, []string{"method", "outcome"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_events_total",
			Help: "Events written to the log by type",
		}, []string{"type"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "connector_step_duration_seconds",
			Help:    "Time taken by each deployment step",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"step", "result"}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connector_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (r *Recorder) Build(target string, err error) {
	if r == nil {
		return
	}
	r.builds.WithLabelValues(target, result(err)).Inc()
}

// Transaction counts one submitted transaction. outcome is "success",
// "near_failure" or "evm_failure".
func (r *Recorder) Transaction(method, outcome string) {
	if r == nil {
		return
	}
	r.transactions.WithLabelValues(method, outcome).Inc()
}

func (r *Recorder) Event(eventType string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(eventType).Inc()
}

func (r *Recorder) Step(step string, d time.Duration, err error) {
	if r == nil {
		return
	}
	r.stepDuration.WithLabelValues(step, result(err)).Observe(d.Seconds())
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// WriteTextfile stamps the run time and writes every metric to path.
func (r *Recorder) WriteTextfile(path string, now time.Time) error {
	if r == nil {
		return nil
	}
	r.lastRun.Set(float64(now.Unix()))
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
