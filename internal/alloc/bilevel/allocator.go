// Package bilevel finds one consistent cross-period allocation policy: an
// outer search over channel weights on the simplex, with an inner
// deterministic rule that assigns each period's budget proportionally to the
// weights. Weight vectors that violate per-channel bounds in some period are
// penalized quadratically rather than rejected, so the outer search keeps a
// smooth objective.
package bilevel

import (
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mixplan/mixplan/internal/domain/constraint"
	"github.com/mixplan/mixplan/internal/domain/curve"
)

// Config defines the outer-search budget and the penalty shape.
type Config struct {
	MaxEvaluations int     `json:"max_evaluations"` // Objective evaluation budget (default: 2000)
	Tolerance      float64 `json:"tolerance"`       // Convergence tolerance on objective (default: 1e-6)
	InitialStep    float64 `json:"initial_step"`    // Initial coordinate step on the simplex (default: 0.05)
	BacktrackRatio float64 `json:"backtrack_ratio"` // Step reduction factor (default: 0.5)
	MinStep        float64 `json:"min_step"`        // Minimum step before declaring stationarity (default: 1e-7)
	PenaltyLambda  float64 `json:"penalty_lambda"`  // Violation weight; 0 means derive from revenue scale
	FeasibilityEps float64 `json:"feasibility_eps"` // Residual penalty accepted as feasible (default: 1e-6)
}

// DefaultConfig returns the default outer-search configuration.
func DefaultConfig() Config {
	return Config{
		MaxEvaluations: 2000,
		Tolerance:      1e-6,
		InitialStep:    0.05,
		BacktrackRatio: 0.5,
		MinStep:        1e-7,
		PenaltyLambda:  0,
		FeasibilityEps: 1e-6,
	}
}

// Violation records one (channel, period) bound breach under a weight vector.
type Violation struct {
	Channel int     `json:"channel"`
	Period  int     `json:"period"`
	Amount  float64 `json:"amount"`
}

// NoConsistentAllocationError reports that no single weight vector satisfies
// every period's bounds: the structural signal that per-channel bounds are
// incompatible with a fixed policy.
type NoConsistentAllocationError struct {
	Penalty    float64
	Eps        float64
	Violations []Violation
}

func (e *NoConsistentAllocationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "no single weight vector satisfies all periods (residual penalty %.6g > %.6g)", e.Penalty, e.Eps)
	for i, v := range e.Violations {
		if i >= 5 {
			fmt.Fprintf(&sb, "; and %d more", len(e.Violations)-i)
			break
		}
		fmt.Fprintf(&sb, "; channel %d period %d off by %.4f", v.Channel, v.Period, v.Amount)
	}
	return sb.String()
}

// Result is the bilevel output: the winning weight vector and the plan it
// induces.
type Result struct {
	Weights     []float64   `json:"weights"`
	Plan        [][]float64 `json:"plan"` // [period][channel], x = w_i * B_t
	Objective   float64     `json:"objective"`
	Revenue     float64     `json:"revenue"`
	Penalty     float64     `json:"penalty"`
	Evaluations int         `json:"evaluations"`
	Converged   bool        `json:"converged"`
}

// Allocator performs the outer weight search.
type Allocator struct {
	curves []curve.Curve
	cons   *constraint.Set
	cfg    Config
	lambda float64
	logger zerolog.Logger
}

// New creates a bilevel allocator. maxPeriodRevenue scales the penalty term
// (lambda = 100 x the largest single-period observed revenue) unless the
// config pins PenaltyLambda explicitly.
func New(curves []curve.Curve, cons *constraint.Set, cfg Config, maxPeriodRevenue float64) *Allocator {
	if cfg.MaxEvaluations <= 0 {
		cfg = DefaultConfig()
	}
	lambda := cfg.PenaltyLambda
	if lambda <= 0 {
		lambda = 100 * math.Max(maxPeriodRevenue, 1)
	}
	owned := make([]curve.Curve, len(curves))
	copy(owned, curves)
	return &Allocator{
		curves: owned,
		cons:   cons,
		cfg:    cfg,
		lambda: lambda,
		logger: zerolog.Nop(),
	}
}

// WithLogger attaches a structured logger for search progress events.
func (a *Allocator) WithLogger(logger zerolog.Logger) *Allocator {
	a.logger = logger
	return a
}

// Allocate runs the coordinate-ascent search and materializes the plan.
func (a *Allocator) Allocate() (Result, error) {
	n := len(a.curves)
	if n == 0 || n != a.cons.Channels() {
		return Result{}, fmt.Errorf("have %d curves for %d channels", n, a.cons.Channels())
	}
	if err := a.cons.Validate(); err != nil {
		return Result{}, err
	}

	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1.0 / float64(n)
	}

	bestObj, bestRev, bestPen := a.evaluate(weights)
	evaluations := 1
	step := a.cfg.InitialStep
	converged := false

	for evaluations < a.cfg.MaxEvaluations {
		improved := false

		for i := 0; i < n && evaluations < a.cfg.MaxEvaluations; i++ {
			for _, direction := range []float64{1, -1} {
				cand := applyStep(weights, i, direction*step)
				obj, rev, pen := a.evaluate(cand)
				evaluations++

				if obj > bestObj+a.cfg.Tolerance {
					weights = cand
					bestObj, bestRev, bestPen = obj, rev, pen
					improved = true
					break
				}
				if evaluations >= a.cfg.MaxEvaluations {
					break
				}
			}
		}

		if !improved {
			step *= a.cfg.BacktrackRatio
			if step < a.cfg.MinStep {
				converged = true
				break
			}
		}
	}

	a.logger.Debug().
		Int("evaluations", evaluations).
		Float64("objective", bestObj).
		Float64("penalty", bestPen).
		Bool("converged", converged).
		Msg("bilevel search finished")

	// The penalized search can stall a rounding error outside a bound.
	// Project the winner onto the weight box implied by the bounds across
	// all periods before judging feasibility.
	if repaired, ok := a.repairWeights(weights); ok {
		weights = repaired
		bestObj, bestRev, bestPen = a.evaluate(weights)
	}

	if bestPen > a.cfg.FeasibilityEps {
		return Result{}, &NoConsistentAllocationError{
			Penalty:    bestPen,
			Eps:        a.cfg.FeasibilityEps,
			Violations: a.violations(weights),
		}
	}

	plan := make([][]float64, a.cons.Periods())
	for t := range plan {
		row := make([]float64, n)
		for i := range row {
			row[i] = weights[i] * a.cons.Budgets[t]
		}
		plan[t] = row
	}

	return Result{
		Weights:     weights,
		Plan:        plan,
		Objective:   bestObj,
		Revenue:     bestRev,
		Penalty:     bestPen,
		Evaluations: evaluations,
		Converged:   converged,
	}, nil
}

// evaluate scores a weight vector: predicted revenue across all periods minus
// the quadratic bound-violation penalty.
func (a *Allocator) evaluate(weights []float64) (objective, revenue, penalty float64) {
	for t := 0; t < a.cons.Periods(); t++ {
		budget := a.cons.Budgets[t]
		for i, w := range weights {
			x := w * budget
			revenue += a.curves[i].Predict(x)

			b := a.cons.Bounds[i]
			if x < b.Min {
				v := b.Min - x
				penalty += a.lambda * v * v
			} else if x > b.Max {
				v := x - b.Max
				penalty += a.lambda * v * v
			}
		}
	}
	return revenue - penalty, revenue, penalty
}

// repairWeights box-projects a weight vector onto the per-channel weight
// interval [max_t(min_i/B_t), min_t(max_i/B_t)] and redistributes the simplex
// residual proportionally to remaining headroom. Returns ok=false when the
// box itself cannot hold a unit sum, which is the structural no-policy case.
func (a *Allocator) repairWeights(weights []float64) ([]float64, bool) {
	n := len(weights)
	lo := make([]float64, n)
	hi := make([]float64, n)
	for i := range weights {
		lo[i] = 0
		hi[i] = math.Inf(1)
		for t := 0; t < a.cons.Periods(); t++ {
			budget := a.cons.Budgets[t]
			if l := a.cons.Bounds[i].Min / budget; l > lo[i] {
				lo[i] = l
			}
			if h := a.cons.Bounds[i].Max / budget; h < hi[i] {
				hi[i] = h
			}
		}
		if lo[i] > hi[i] {
			return nil, false
		}
	}

	var loSum, hiSum float64
	for i := range weights {
		loSum += lo[i]
		hiSum += hi[i]
	}
	if loSum > 1+1e-12 || hiSum < 1-1e-12 {
		return nil, false
	}

	w := append([]float64(nil), weights...)
	for iter := 0; iter < 100; iter++ {
		for i := range w {
			w[i] = math.Min(math.Max(w[i], lo[i]), hi[i])
		}
		var sum float64
		for _, v := range w {
			sum += v
		}
		diff := 1 - sum
		if math.Abs(diff) <= 1e-12 {
			return w, true
		}
		var room float64
		for i := range w {
			if diff > 0 {
				room += hi[i] - w[i]
			} else {
				room += w[i] - lo[i]
			}
		}
		if room <= 0 {
			return nil, false
		}
		for i := range w {
			if diff > 0 {
				w[i] += diff * (hi[i] - w[i]) / room
			} else {
				w[i] += diff * (w[i] - lo[i]) / room
			}
		}
	}
	return w, true
}

// violations enumerates every (channel, period) bound breach for a weight
// vector, for error reporting.
func (a *Allocator) violations(weights []float64) []Violation {
	var out []Violation
	for t := 0; t < a.cons.Periods(); t++ {
		budget := a.cons.Budgets[t]
		for i, w := range weights {
			x := w * budget
			b := a.cons.Bounds[i]
			if x < b.Min-1e-9 {
				out = append(out, Violation{Channel: i, Period: t, Amount: b.Min - x})
			} else if x > b.Max+1e-9 {
				out = append(out, Violation{Channel: i, Period: t, Amount: x - b.Max})
			}
		}
	}
	return out
}

// applyStep nudges one coordinate and renormalizes back onto the simplex.
func applyStep(weights []float64, i int, step float64) []float64 {
	cand := append([]float64(nil), weights...)
	cand[i] = math.Max(cand[i]+step, 0)

	var sum float64
	for _, w := range cand {
		sum += w
	}
	if sum <= 0 {
		// Collapse guard: rebuild a uniform vector
		for j := range cand {
			cand[j] = 1.0 / float64(len(cand))
		}
		return cand
	}
	for j := range cand {
		cand[j] /= sum
	}
	return cand
}
