package engine

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixplan/mixplan/internal/domain/constraint"
	"github.com/mixplan/mixplan/internal/domain/curve"
	"github.com/mixplan/mixplan/internal/telemetry"
)

func synthetic(alpha, mu float64, spend []float64) []float64 {
	out := make([]float64, len(spend))
	for i, x := range spend {
		out[i] = alpha * (1 - math.Exp(-mu*x))
	}
	return out
}

func twoChannelRequest(method Method) Request {
	spendA := []float64{10, 25, 40, 55, 70, 85, 100}
	spendB := []float64{8, 16, 30, 45, 60, 75, 95}
	return Request{
		Channels: []Channel{
			{
				Name:    "tv",
				Theta:   0,
				Bounds:  constraint.Bounds{Min: 0, Max: 100},
				Spend:   spendA,
				Revenue: synthetic(500, 0.05, spendA),
			},
			{
				Name:    "digital",
				Theta:   0,
				Bounds:  constraint.Bounds{Min: 0, Max: 100},
				Spend:   spendB,
				Revenue: synthetic(200, 0.2, spendB),
			},
		},
		Budgets: []float64{100, 100, 100},
		Method:  method,
	}
}

func TestRunSequentialEndToEnd(t *testing.T) {
	out, err := New().Run(context.Background(), twoChannelRequest(MethodSequential))
	require.NoError(t, err)

	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, MethodSequential, out.Method)
	assert.True(t, out.Converged)
	assert.Empty(t, out.DegradedPeriods)
	require.Len(t, out.Allocations, 3)
	require.Len(t, out.Plan, 6, "3 periods x 2 channels")

	// Fit block must recover the generating parameters within 1%
	tv := out.Fits["tv"]
	assert.InEpsilon(t, 500.0, tv.Alpha, 0.01)
	assert.InEpsilon(t, 0.05, tv.Mu, 0.01)
	digital := out.Fits["digital"]
	assert.InEpsilon(t, 200.0, digital.Alpha, 0.01)
	assert.InEpsilon(t, 0.2, digital.Mu, 0.01)

	for _, row := range out.Allocations {
		var sum float64
		for _, x := range row {
			sum += x
		}
		assert.InDelta(t, 100.0, sum, 100.0*1e-4)
	}
	assert.Greater(t, out.PredictedRevenue, 0.0)
}

func TestRunBilevelEndToEnd(t *testing.T) {
	out, err := New().Run(context.Background(), twoChannelRequest(MethodBilevel))
	require.NoError(t, err)

	assert.Equal(t, MethodBilevel, out.Method)
	require.NotNil(t, out.Weights)

	var sum float64
	for _, w := range out.Weights {
		assert.GreaterOrEqual(t, w, 0.0)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestRunBothPicksAPlan(t *testing.T) {
	out, err := New().Run(context.Background(), twoChannelRequest(MethodBoth))
	require.NoError(t, err)
	assert.Contains(t, []Method{MethodSequential, MethodBilevel}, out.Method)
	assert.NotEmpty(t, out.Allocations)
}

func TestRunGMVApportionment(t *testing.T) {
	spend := []float64{20, 40, 60, 80}
	req := Request{
		Channels: []Channel{
			{Name: "tv", Theta: 0.3, Bounds: constraint.Bounds{Min: 0, Max: 100}, Spend: spend},
			{Name: "digital", Theta: 0.1, Bounds: constraint.Bounds{Min: 0, Max: 100}, Spend: []float64{10, 20, 30, 40}},
		},
		Budgets: []float64{100, 100},
		GMV:     []float64{400, 600, 800, 900},
		Method:  MethodSequential,
	}

	out, err := New().Run(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, out.Fits, 2, "GMV-only input must still fit every channel")
}

func TestRunMissingRevenueAndGMV(t *testing.T) {
	req := twoChannelRequest(MethodSequential)
	req.Channels[0].Revenue = nil
	req.GMV = nil

	_, err := New().Run(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no revenue and no GMV")
}

func TestRunInfeasibleBounds(t *testing.T) {
	req := twoChannelRequest(MethodSequential)
	req.Channels[0].Bounds = constraint.Bounds{Min: 60, Max: 100}
	req.Channels[1].Bounds = constraint.Bounds{Min: 60, Max: 100}

	_, err := New().Run(context.Background(), req)

	var infeasibleErr *constraint.InfeasibleError
	require.ErrorAs(t, err, &infeasibleErr)
	assert.Equal(t, 0, infeasibleErr.Period)
}

func TestRunInvalidDecayRate(t *testing.T) {
	req := twoChannelRequest(MethodSequential)
	req.Channels[1].Theta = 1.0

	_, err := New().Run(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digital", "error must name the offending channel")
}

func TestRunTimeout(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := New().Run(ctx, twoChannelRequest(MethodSequential))

	var timeoutErr *OptimizationTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

// memoryCache is an in-process CurveCache for cache-path testing.
type memoryCache struct {
	mu     sync.Mutex
	curves map[string]curve.Curve
	hits   int
}

func (m *memoryCache) Get(_ context.Context, key string) (curve.Curve, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.curves[key]
	if ok {
		m.hits++
	}
	return c, ok, nil
}

func (m *memoryCache) Set(_ context.Context, key string, c curve.Curve) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.curves == nil {
		m.curves = make(map[string]curve.Curve)
	}
	m.curves[key] = c
	return nil
}

func TestRunReusesCachedCurves(t *testing.T) {
	cache := &memoryCache{}
	metrics := telemetry.NewMetricsRegistry()
	eng := New().WithCache(cache).WithMetrics(metrics)

	first, err := eng.Run(context.Background(), twoChannelRequest(MethodSequential))
	require.NoError(t, err)
	for name, fit := range first.Fits {
		assert.False(t, fit.Cached, "first run must fit %s from scratch", name)
	}
	assert.Equal(t, 2.0, telemetry.CounterValue(metrics.CacheMisses), "cold cache misses both channels")
	assert.Equal(t, 0.0, telemetry.CounterValue(metrics.CacheHits))

	second, err := eng.Run(context.Background(), twoChannelRequest(MethodSequential))
	require.NoError(t, err)
	assert.Equal(t, 2, cache.hits)
	for name, fit := range second.Fits {
		assert.True(t, fit.Cached, "second run must reuse the cached fit for %s", name)
	}
	assert.Equal(t, 2.0, telemetry.CounterValue(metrics.CacheHits), "warm cache serves both channels")
	assert.Equal(t, 2.0, telemetry.CounterValue(metrics.CacheMisses), "no further misses on the warm run")
}

func TestRunReportsUpliftAgainstBaseline(t *testing.T) {
	out, err := New().Run(context.Background(), twoChannelRequest(MethodSequential))
	require.NoError(t, err)

	assert.Greater(t, out.BaselineRevenue, 0.0)
	assert.GreaterOrEqual(t, out.Uplift, -1e-9, "optimized plan should not fall below the historical-share baseline")
}

func TestFitKeyDiscriminates(t *testing.T) {
	a := fitKey("tv", 0.3, []float64{1, 2, 3}, []float64{4, 5, 6})
	same := fitKey("tv", 0.3, []float64{1, 2, 3}, []float64{4, 5, 6})
	differentTheta := fitKey("tv", 0.4, []float64{1, 2, 3}, []float64{4, 5, 6})
	differentName := fitKey("radio", 0.3, []float64{1, 2, 3}, []float64{4, 5, 6})

	assert.Equal(t, a, same)
	assert.NotEqual(t, a, differentTheta)
	assert.NotEqual(t, a, differentName)
}
