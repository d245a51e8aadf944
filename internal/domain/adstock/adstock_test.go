package adstock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformIdentityAtZeroDecay(t *testing.T) {
	series := []float64{120.5, 0, 33.25, 97.125, 4.0}

	effective, err := Transform(series, 0)
	require.NoError(t, err)

	// Exact equality required, not approximate
	assert.Equal(t, series, effective, "theta=0 must be an exact identity")
}

func TestTransformDeterminism(t *testing.T) {
	series := []float64{100, 80, 120, 95, 110, 70}

	first, err := Transform(series, 0.35)
	require.NoError(t, err)

	second, err := Transform(series, 0.35)
	require.NoError(t, err)

	assert.Equal(t, first, second, "repeated transforms must be bit-identical")
}

func TestTransformCarryover(t *testing.T) {
	effective, err := Transform([]float64{100, 100, 100}, 0.5)
	require.NoError(t, err)

	assert.InDelta(t, 100.0, effective[0], 1e-12)
	assert.InDelta(t, 150.0, effective[1], 1e-12)
	assert.InDelta(t, 175.0, effective[2], 1e-12)
}

func TestTransformDecayRateBounds(t *testing.T) {
	testCases := []struct {
		name       string
		theta      float64
		expectFail bool
	}{
		{name: "zero accepted", theta: 0, expectFail: false},
		{name: "near one accepted", theta: 0.99999, expectFail: false},
		{name: "exactly one rejected", theta: 1.0, expectFail: true},
		{name: "above one rejected", theta: 1.5, expectFail: true},
		{name: "negative rejected", theta: -0.1, expectFail: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Transform([]float64{10, 20, 30}, tc.theta)
			if tc.expectFail {
				var decayErr *InvalidDecayRateError
				require.Error(t, err)
				require.ErrorAs(t, err, &decayErr)
				assert.Equal(t, tc.theta, decayErr.Theta)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTransformNearOneIsBoundedAndIncreasing(t *testing.T) {
	const theta = 0.99999
	series := make([]float64, 200)
	for i := range series {
		series[i] = 50.0
	}

	effective, err := Transform(series, theta)
	require.NoError(t, err)

	// Constant positive spend with theta < 1 gives a strictly increasing
	// series bounded by x/(1-theta).
	bound := 50.0 / (1 - theta)
	for i := 1; i < len(effective); i++ {
		assert.Greater(t, effective[i], effective[i-1], "series must be strictly increasing at index %d", i)
		assert.Less(t, effective[i], bound, "series must stay below the geometric bound")
	}
}

func TestContinueMatchesTransform(t *testing.T) {
	series := []float64{100, 80, 120}
	const theta = 0.4

	effective, err := Transform(series, theta)
	require.NoError(t, err)

	extended, err := Continue(effective[len(effective)-1], 90, theta)
	require.NoError(t, err)

	full, err := Transform(append(append([]float64{}, series...), 90), theta)
	require.NoError(t, err)
	assert.InDelta(t, full[3], extended, 1e-12)
}
