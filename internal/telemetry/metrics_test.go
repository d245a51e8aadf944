package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveFitCountsByResult(t *testing.T) {
	m := NewMetricsRegistry()

	m.ObserveFit("tv", 3*time.Millisecond, true)
	m.ObserveFit("tv", 5*time.Millisecond, true)
	m.ObserveFit("digital", 2*time.Millisecond, false)

	assert.Equal(t, 2.0, CounterVecValue(m.FitTotal, "tv", "converged"))
	assert.Equal(t, 1.0, CounterVecValue(m.FitTotal, "digital", "unconverged"))
	assert.Equal(t, 0.0, CounterVecValue(m.FitTotal, "digital", "converged"))
}

func TestObserveRunCountsByStatus(t *testing.T) {
	m := NewMetricsRegistry()

	m.ObserveRun("sequential", 40*time.Millisecond, false)
	m.ObserveRun("bilevel", 90*time.Millisecond, true)

	assert.Equal(t, 1.0, CounterVecValue(m.RunTotal, "sequential", "ok"))
	assert.Equal(t, 1.0, CounterVecValue(m.RunTotal, "bilevel", "error"))
}

func TestDegradedAndCacheCounters(t *testing.T) {
	m := NewMetricsRegistry()

	m.AddDegradedPeriods(3)
	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()

	assert.Equal(t, 3.0, CounterValue(m.DegradedPeriods))
	assert.Equal(t, 2.0, CounterValue(m.CacheHits))
	assert.Equal(t, 1.0, CounterValue(m.CacheMisses))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetricsRegistry()
	m.ObserveRun("sequential", time.Millisecond, false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mixplan_runs_total")
	assert.Contains(t, rec.Body.String(), "mixplan_run_duration_seconds")
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	// Two registries in the same process must not panic on registration.
	a := NewMetricsRegistry()
	b := NewMetricsRegistry()
	a.RecordCacheHit()

	assert.Equal(t, 1.0, CounterValue(a.CacheHits))
	assert.Equal(t, 0.0, CounterValue(b.CacheHits))
}
