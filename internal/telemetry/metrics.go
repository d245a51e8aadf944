// Package telemetry exposes Prometheus metrics for the allocation engine.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// MetricsRegistry holds all Prometheus metrics for mixplan.
type MetricsRegistry struct {
	registry *prometheus.Registry

	// Curve fitting metrics
	FitDuration *prometheus.HistogramVec
	FitTotal    *prometheus.CounterVec

	// Run metrics
	RunDuration *prometheus.HistogramVec
	RunTotal    *prometheus.CounterVec

	// Degraded period counter
	DegradedPeriods prometheus.Counter

	// Cache effectiveness
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// NewMetricsRegistry creates a registry with all mixplan metrics registered
// on its own Prometheus registry. Keeping the registry private avoids
// collisions with the default global one in tests.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		FitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mixplan_fit_duration_seconds",
				Help:    "Duration of response curve fits in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"channel"},
		),

		FitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mixplan_fits_total",
				Help: "Total number of curve fits by channel and convergence result",
			},
			[]string{"channel", "result"},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mixplan_run_duration_seconds",
				Help:    "Duration of full optimization runs in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"method"},
		),

		RunTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mixplan_runs_total",
				Help: "Total number of optimization runs by method and status",
			},
			[]string{"method", "status"},
		),

		DegradedPeriods: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mixplan_degraded_periods_total",
				Help: "Total number of periods resolved with a fallback allocation",
			},
		),

		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mixplan_curve_cache_hits_total",
				Help: "Total number of curve cache hits",
			},
		),

		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mixplan_curve_cache_misses_total",
				Help: "Total number of curve cache misses",
			},
		),
	}

	m.registry.MustRegister(
		m.FitDuration,
		m.FitTotal,
		m.RunDuration,
		m.RunTotal,
		m.DegradedPeriods,
		m.CacheHits,
		m.CacheMisses,
	)
	return m
}

// ObserveFit records a completed curve fit.
func (m *MetricsRegistry) ObserveFit(channel string, elapsed time.Duration, converged bool) {
	m.FitDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
	result := "converged"
	if !converged {
		result = "unconverged"
	}
	m.FitTotal.WithLabelValues(channel, result).Inc()
}

// ObserveRun records a completed optimization run.
func (m *MetricsRegistry) ObserveRun(method string, elapsed time.Duration, failed bool) {
	m.RunDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	status := "ok"
	if failed {
		status = "error"
	}
	m.RunTotal.WithLabelValues(method, status).Inc()
}

// AddDegradedPeriods records periods that fell back to a clamped prior plan.
func (m *MetricsRegistry) AddDegradedPeriods(n int) {
	m.DegradedPeriods.Add(float64(n))
}

// RecordCacheHit notes a curve cache hit.
func (m *MetricsRegistry) RecordCacheHit() { m.CacheHits.Inc() }

// RecordCacheMiss notes a curve cache miss.
func (m *MetricsRegistry) RecordCacheMiss() { m.CacheMisses.Inc() }

// Handler returns the /metrics HTTP handler for this registry.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CounterValue reads back the current value of a counter, used by health
// summaries and tests.
func CounterValue(c prometheus.Counter) float64 {
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

// CounterVecValue reads back a labeled counter's current value.
func CounterVecValue(vec *prometheus.CounterVec, labels ...string) float64 {
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	return CounterValue(c)
}
