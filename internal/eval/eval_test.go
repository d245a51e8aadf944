package eval

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mixplan/mixplan/internal/domain/curve"
)

func TestFitErrorZeroOnExactCurve(t *testing.T) {
	c := curve.Curve{Alpha: 300, Mu: 0.1}
	spend := []float64{10, 20, 40, 80}
	revenue := make([]float64, len(spend))
	for i, x := range spend {
		revenue[i] = c.Predict(x)
	}

	assert.InDelta(t, 0.0, FitError(c, spend, revenue), 1e-9)
}

func TestFitErrorKnownResidual(t *testing.T) {
	c := curve.Curve{Alpha: 100, Mu: 1000} // Saturates immediately: predict ~= 100
	spend := []float64{10, 10}
	revenue := []float64{97, 103} // Residuals -3 and +3

	assert.InDelta(t, 3.0, FitError(c, spend, revenue), 1e-6)
}

func TestFitErrorMismatchedInput(t *testing.T) {
	assert.True(t, math.IsNaN(FitError(curve.Curve{}, []float64{1}, []float64{1, 2})))
	assert.True(t, math.IsNaN(FitError(curve.Curve{}, nil, nil)))
}

func TestPlanRevenueSumsAllCells(t *testing.T) {
	curves := []curve.Curve{
		{Alpha: 500, Mu: 0.05},
		{Alpha: 200, Mu: 0.2},
	}
	plan := [][]float64{
		{60, 40},
		{70, 30},
	}

	want := curves[0].Predict(60) + curves[1].Predict(40) +
		curves[0].Predict(70) + curves[1].Predict(30)
	assert.InDelta(t, want, PlanRevenue(plan, curves), 1e-9)
}

func TestCompareRelativeImprovement(t *testing.T) {
	curves := []curve.Curve{{Alpha: 100, Mu: 0.1}}
	planA := [][]float64{{10}}
	planB := [][]float64{{30}}

	improvement := Compare(planA, planB, curves)
	assert.Greater(t, improvement, 0.0, "more spend on a monotone curve must improve revenue")

	// Symmetric check: B over itself is zero
	assert.InDelta(t, 0.0, Compare(planB, planB, curves), 1e-12)
}

func TestROAS(t *testing.T) {
	assert.InDelta(t, 2.5, ROAS([]float64{100, 100}, []float64{200, 300}), 1e-9)
	assert.Equal(t, 0.0, ROAS([]float64{0, 0}, []float64{50, 50}), "zero spend must not divide")
}
