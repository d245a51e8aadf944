// Package adstock implements the exponential-decay carryover transform that
// converts a raw per-period spend series into an effective-spend series.
package adstock

import (
	"fmt"
)

// InvalidDecayRateError reports a decay rate outside the half-open interval
// [0, 1). Rates at or above 1 produce an unbounded effective series.
type InvalidDecayRateError struct {
	Theta float64
}

func (e *InvalidDecayRateError) Error() string {
	return fmt.Sprintf("decay rate %.6f outside [0, 1)", e.Theta)
}

// Transform applies the carryover recurrence A_t = x_t + theta*A_{t-1} with
// A_0 = 0 and returns the effective-spend series. The input is never
// modified. theta = 0 is an exact identity: the returned values equal the
// input bit-for-bit.
func Transform(series []float64, theta float64) ([]float64, error) {
	if theta < 0 || theta >= 1 {
		return nil, &InvalidDecayRateError{Theta: theta}
	}

	effective := make([]float64, len(series))
	carry := 0.0
	for i, x := range series {
		carry = x + theta*carry
		effective[i] = carry
	}
	return effective, nil
}

// Continue extends an adstocked series by one period given the carry from the
// last effective value. Used when new actuals arrive after the historical
// window has already been transformed.
func Continue(lastEffective, spend, theta float64) (float64, error) {
	if theta < 0 || theta >= 1 {
		return 0, &InvalidDecayRateError{Theta: theta}
	}
	return spend + theta*lastEffective, nil
}
