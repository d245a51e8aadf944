// Package eval computes fit quality and plan performance metrics. All
// functions are pure: they read curves and plans and return scalars.
package eval

import (
	"math"

	"github.com/mixplan/mixplan/internal/domain/curve"
)

// FitError returns the RMSE between predicted and observed revenue over the
// given spend series. Mismatched or empty inputs yield NaN.
func FitError(c curve.Curve, effectiveSpend, revenue []float64) float64 {
	if len(effectiveSpend) == 0 || len(effectiveSpend) != len(revenue) {
		return math.NaN()
	}
	var ssr float64
	for i := range effectiveSpend {
		r := c.Predict(effectiveSpend[i]) - revenue[i]
		ssr += r * r
	}
	return math.Sqrt(ssr / float64(len(effectiveSpend)))
}

// PlanRevenue returns the total predicted revenue of a plan, indexed
// plan[period][channel], under the given per-channel curves.
func PlanRevenue(plan [][]float64, curves []curve.Curve) float64 {
	var total float64
	for _, periodAlloc := range plan {
		for i, spend := range periodAlloc {
			if i < len(curves) {
				total += curves[i].Predict(spend)
			}
		}
	}
	return total
}

// Compare returns the relative revenue improvement of plan B over plan A:
// (revB - revA) / revA. A zero-revenue baseline yields NaN.
func Compare(planA, planB [][]float64, curves []curve.Curve) float64 {
	revA := PlanRevenue(planA, curves)
	revB := PlanRevenue(planB, curves)
	if revA == 0 {
		return math.NaN()
	}
	return (revB - revA) / revA
}

// ROAS returns revenue over spend for one channel's history. Zero spend
// yields zero rather than an infinity that would pollute report tables.
func ROAS(spend, revenue []float64) float64 {
	var spendSum, revSum float64
	for i := range spend {
		spendSum += spend[i]
	}
	for i := range revenue {
		revSum += revenue[i]
	}
	if spendSum <= 0 {
		return 0
	}
	return revSum / spendSum
}
