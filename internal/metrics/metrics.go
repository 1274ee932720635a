// Package metrics provides Prometheus metrics for confsyncd.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/confsyncd/internal/changeset"
)

// Run results used as the result label
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics groups the collectors of one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	syncRuns           *prometheus.CounterVec
	syncDuration       prometheus.Histogram
	filesChanged       *prometheus.CounterVec
	healthy            prometheus.Gauge
	lastSuccess        prometheus.Gauge
	manualSyncRejected prometheus.Counter
}

// New registers all collectors on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		syncRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "confsyncd_sync_runs_total",
				Help: "Total number of completed sync runs",
			},
			[]string{"result"},
		),

		syncDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "confsyncd_sync_duration_seconds",
				Help:    "Duration of sync runs in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		filesChanged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "confsyncd_files_changed_total",
				Help: "Total number of file changes applied, by kind",
			},
			[]string{"kind"},
		),

		healthy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "confsyncd_healthy",
				Help: "1 if the last completed sync run succeeded",
			},
		),

		lastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "confsyncd_last_success_timestamp_seconds",
				Help: "Unix time of the last successful sync run",
			},
		),

		manualSyncRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "confsyncd_manual_sync_rejected_total",
				Help: "Manual sync requests rejected by the rate limiter",
			},
		),
	}
	m.healthy.Set(1)
	return m
}

// Handler returns the /metrics handler for this registry
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRun records the outcome and duration of one sync run
func (m *Metrics) RecordRun(success bool, duration time.Duration, changes []changeset.FileChange) {
	if m == nil {
		return
	}
	m.syncDuration.Observe(duration.Seconds())
	if !success {
		m.syncRuns.WithLabelValues(ResultFailure).Inc()
		m.healthy.Set(0)
		return
	}
	m.syncRuns.WithLabelValues(ResultSuccess).Inc()
	m.healthy.Set(1)
	m.lastSuccess.SetToCurrentTime()
	for _, c := range changes {
		m.filesChanged.WithLabelValues(string(c.Kind)).Inc()
	}
}

// RecordManualSyncRejected counts a rate limited manual sync request
func (m *Metrics) RecordManualSyncRejected() {
	if m == nil {
		return
	}
	m.manualSyncRejected.Inc()
}
