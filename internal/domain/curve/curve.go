// Package curve fits per-channel diminishing-returns response curves of the
// form f(x) = alpha * (1 - exp(-mu*x)) to historical spend/revenue pairs.
package curve

import (
	"fmt"
	"math"
)

// MinObservations is the smallest sample that keeps the two-parameter fit
// well-posed.
const MinObservations = 3

// InsufficientDataError reports too few observations to fit a curve.
type InsufficientDataError struct {
	Points int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("curve fit needs at least %d observations, got %d", MinObservations, e.Points)
}

// DegenerateInputError reports a spend series with no variance, which leaves
// the saturation rate unidentifiable.
type DegenerateInputError struct {
	Spend float64
}

func (e *DegenerateInputError) Error() string {
	return fmt.Sprintf("all effective spend values identical (%.4f), saturation rate unidentifiable", e.Spend)
}

// Curve holds the fitted response parameters for one channel.
type Curve struct {
	Alpha      float64 `json:"alpha"`     // Asymptotic maximum contribution
	Mu         float64 `json:"mu"`        // Saturation rate
	FitError   float64 `json:"rmse"`      // Root mean squared residual
	Converged  bool    `json:"converged"` // False when the iteration budget ran out
	Iterations int     `json:"iterations"`
}

// Predict returns the modeled revenue contribution at spend level x.
// Non-decreasing in x and bounded above by Alpha for x >= 0.
func (c Curve) Predict(x float64) float64 {
	return c.Alpha * (1 - math.Exp(-c.Mu*x))
}

// Marginal returns the derivative f'(x) = alpha*mu*exp(-mu*x), the marginal
// revenue of one extra unit of spend at level x.
func (c Curve) Marginal(x float64) float64 {
	return c.Alpha * c.Mu * math.Exp(-c.Mu*x)
}

// FitConfig defines the solver budget for the Levenberg-Marquardt iteration.
type FitConfig struct {
	MaxIterations int     `json:"max_iterations"` // Iteration budget (default: 1000)
	Tolerance     float64 `json:"tolerance"`      // Relative SSR improvement threshold (default: 1e-10)
	InitialDamp   float64 `json:"initial_damp"`   // Starting LM damping factor (default: 1e-3)
}

// DefaultFitConfig returns the default solver configuration.
func DefaultFitConfig() FitConfig {
	return FitConfig{
		MaxIterations: 1000,
		Tolerance:     1e-10,
		InitialDamp:   1e-3,
	}
}

// Fit estimates (alpha, mu) by damped least squares. On non-convergence
// within the iteration budget it returns the best-found parameters with
// Converged=false rather than an error.
func Fit(effectiveSpend, revenue []float64, cfg FitConfig) (Curve, error) {
	if len(effectiveSpend) != len(revenue) {
		return Curve{}, fmt.Errorf("spend and revenue length mismatch: %d vs %d", len(effectiveSpend), len(revenue))
	}
	if len(effectiveSpend) < MinObservations {
		return Curve{}, &InsufficientDataError{Points: len(effectiveSpend)}
	}
	if cfg.MaxIterations <= 0 {
		cfg = DefaultFitConfig()
	}

	degenerate := true
	for _, x := range effectiveSpend[1:] {
		if x != effectiveSpend[0] {
			degenerate = false
			break
		}
	}
	if degenerate {
		return Curve{}, &DegenerateInputError{Spend: effectiveSpend[0]}
	}

	// Initial guess: headroom above the best single observation, rate scaled
	// to the typical spend magnitude.
	var maxRev, sumSpend float64
	for i := range revenue {
		if revenue[i] > maxRev {
			maxRev = revenue[i]
		}
		sumSpend += effectiveSpend[i]
	}
	alpha := maxRev * 1.2
	if alpha <= 0 {
		alpha = 1.0
	}
	meanSpend := sumSpend / float64(len(effectiveSpend))
	mu := 1.0
	if meanSpend > 0 {
		mu = 1.0 / meanSpend
	}

	ssr := sumSquaredResiduals(effectiveSpend, revenue, alpha, mu)
	damp := cfg.InitialDamp
	converged := false
	iterations := 0

	for iterations = 1; iterations <= cfg.MaxIterations; iterations++ {
		// Accumulate the 2x2 normal equations J'J and gradient J'r.
		var jaa, jam, jmm, ga, gm float64
		for i := range effectiveSpend {
			x := effectiveSpend[i]
			expTerm := math.Exp(-mu * x)
			resid := alpha*(1-expTerm) - revenue[i]
			ja := 1 - expTerm        // df/dalpha
			jm := alpha * x * expTerm // df/dmu

			jaa += ja * ja
			jam += ja * jm
			jmm += jm * jm
			ga += ja * resid
			gm += jm * resid
		}

		// Solve (J'J + damp*diag(J'J)) delta = -J'r for the 2-vector delta.
		a11 := jaa * (1 + damp)
		a22 := jmm * (1 + damp)
		det := a11*a22 - jam*jam
		if math.Abs(det) < 1e-18 {
			damp *= 10
			if damp > 1e12 {
				break
			}
			continue
		}
		dAlpha := (-ga*a22 + gm*jam) / det
		dMu := (ga*jam - gm*a11) / det

		newAlpha := math.Max(alpha+dAlpha, 1e-12)
		newMu := math.Max(mu+dMu, 1e-12)
		newSSR := sumSquaredResiduals(effectiveSpend, revenue, newAlpha, newMu)

		if newSSR < ssr {
			improvement := ssr - newSSR
			alpha, mu, ssr = newAlpha, newMu, newSSR
			damp = math.Max(damp/10, 1e-12)
			if improvement <= cfg.Tolerance*math.Max(ssr, 1) {
				converged = true
				break
			}
		} else {
			damp *= 10
			if damp > 1e12 {
				// Step size exhausted: no direction improves the fit
				converged = true
				break
			}
		}
	}

	return Curve{
		Alpha:      alpha,
		Mu:         mu,
		FitError:   math.Sqrt(ssr / float64(len(effectiveSpend))),
		Converged:  converged,
		Iterations: iterations,
	}, nil
}

func sumSquaredResiduals(spend, revenue []float64, alpha, mu float64) float64 {
	var ssr float64
	for i := range spend {
		r := alpha*(1-math.Exp(-mu*spend[i])) - revenue[i]
		ssr += r * r
	}
	return ssr
}
