// Package sequential implements the period-by-period allocator: each period's
// budget is optimized independently in chronological order, warm-started from
// the previous period, with an optional learning step that refits channel
// curves as post-period actuals arrive.
package sequential

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/mixplan/mixplan/internal/domain/adstock"
	"github.com/mixplan/mixplan/internal/domain/constraint"
	"github.com/mixplan/mixplan/internal/domain/curve"
)

// Config defines the per-period solver budget and behavior.
type Config struct {
	MaxIterations     int     `json:"max_iterations"`      // Gradient iterations per period (default: 500)
	Tolerance         float64 `json:"tolerance"`           // Objective tie tolerance (default: 1e-6)
	InitialStepFrac   float64 `json:"initial_step_frac"`   // Initial step as fraction of period budget (default: 0.05)
	BacktrackRatio    float64 `json:"backtrack_ratio"`     // Step reduction factor (default: 0.5)
	MinStepFrac       float64 `json:"min_step_frac"`       // Convergence threshold on step size (default: 1e-9)
	SmoothingTieBreak bool    `json:"smoothing_tie_break"` // Prefer allocations close to the previous period
}

// DefaultConfig returns the default solver configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:     500,
		Tolerance:         1e-6,
		InitialStepFrac:   0.05,
		BacktrackRatio:    0.5,
		MinStepFrac:       1e-9,
		SmoothingTieBreak: true,
	}
}

// ChannelHistory carries the fitting inputs for one channel so curves can be
// refit inside the sequential loop when actuals arrive.
type ChannelHistory struct {
	Theta          float64
	EffectiveSpend []float64
	Revenue        []float64
}

// ActualsSource supplies realized per-channel revenue once a period has
// completed. ok=false means the figures are not yet available and curves stay
// fixed for the next period.
type ActualsSource interface {
	Actuals(ctx context.Context, period int) (revenue []float64, ok bool, err error)
}

// Result is the allocator output: one allocation row per period plus
// degradation and convergence metadata.
type Result struct {
	Plan            [][]float64 `json:"plan"` // [period][channel]
	DegradedPeriods []int       `json:"degraded_periods"`
	Converged       bool        `json:"converged"`
	Refits          int         `json:"refits"`
	Objective       float64     `json:"objective"` // Total predicted revenue of the plan
}

// Allocator optimizes each period's allocation in chronological order.
type Allocator struct {
	curves  []curve.Curve
	cons    *constraint.Set
	history []ChannelHistory
	cfg     Config
	fitCfg  curve.FitConfig
	logger  zerolog.Logger
}

// New creates a sequential allocator over the given fitted curves. The
// allocator owns its curve copies: refits never leak to the caller's slice.
func New(curves []curve.Curve, cons *constraint.Set, cfg Config) *Allocator {
	owned := make([]curve.Curve, len(curves))
	copy(owned, curves)
	if cfg.MaxIterations <= 0 {
		cfg = DefaultConfig()
	}
	return &Allocator{
		curves: owned,
		cons:   cons,
		cfg:    cfg,
		fitCfg: curve.DefaultFitConfig(),
		logger: zerolog.Nop(),
	}
}

// WithHistory attaches per-channel fitting history, enabling refits when an
// ActualsSource reports completed periods.
func (a *Allocator) WithHistory(history []ChannelHistory) *Allocator {
	a.history = history
	return a
}

// WithLogger attaches a structured logger for per-period progress events.
func (a *Allocator) WithLogger(logger zerolog.Logger) *Allocator {
	a.logger = logger
	return a
}

// Allocate produces the full plan. A nil actuals source disables the learning
// step and curves remain fixed across periods.
func (a *Allocator) Allocate(ctx context.Context, actuals ActualsSource) (Result, error) {
	if len(a.curves) != a.cons.Channels() {
		return Result{}, fmt.Errorf("have %d curves for %d channels", len(a.curves), a.cons.Channels())
	}
	if err := a.cons.Validate(); err != nil {
		return Result{}, err
	}

	result := Result{
		Plan:      make([][]float64, 0, a.cons.Periods()),
		Converged: true,
	}

	var prev []float64
	for t := 0; t < a.cons.Periods(); t++ {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		seed, err := a.seedFor(t, prev)
		if err != nil {
			return Result{}, err
		}

		alloc, converged, err := a.solvePeriod(t, seed, prev)
		if err != nil {
			return Result{}, fmt.Errorf("period %d: %w", t, err)
		}
		if !converged {
			// Retry once from a neutral seed before degrading
			evenSeed, splitErr := a.cons.EvenSplit(t)
			if splitErr != nil {
				return Result{}, fmt.Errorf("period %d: %w", t, splitErr)
			}
			alloc, converged, err = a.solvePeriod(t, evenSeed, prev)
			if err != nil {
				return Result{}, fmt.Errorf("period %d: %w", t, err)
			}
		}
		if !converged {
			fallback, clampErr := a.fallbackFor(t, prev)
			if clampErr != nil {
				return Result{}, fmt.Errorf("period %d fallback: %w", t, clampErr)
			}
			alloc = fallback
			result.DegradedPeriods = append(result.DegradedPeriods, t)
			result.Converged = false
			a.logger.Warn().Int("period", t).Msg("per-period optimizer did not converge, using degraded fallback")
		}

		result.Plan = append(result.Plan, alloc)
		a.logger.Debug().Int("period", t).Floats64("allocation", alloc).Msg("period allocated")

		if err := a.learn(ctx, t, alloc, actuals, &result); err != nil {
			return Result{}, err
		}
		prev = alloc
	}

	result.Objective = a.planRevenue(result.Plan)
	return result, nil
}

// seedFor warm-starts period t from the previous allocation, falling back to
// an even split for the first period.
func (a *Allocator) seedFor(t int, prev []float64) ([]float64, error) {
	if prev == nil {
		return a.cons.EvenSplit(t)
	}
	return a.cons.Clamp(prev, t)
}

// fallbackFor is the degraded path: the previous allocation clamped to the
// current period's feasible box, or an even split when there is no history.
func (a *Allocator) fallbackFor(t int, prev []float64) ([]float64, error) {
	if prev == nil {
		return a.cons.EvenSplit(t)
	}
	return a.cons.Clamp(prev, t)
}

// solvePeriod maximizes sum_i f_i(x_i) over the period's feasible box by
// projected gradient ascent with backtracking. The ascent direction is the
// gradient projected onto the budget-equality tangent (grad_i minus the mean
// marginal): the raw gradient is all-positive for saturating curves and only
// inflates the total, which Clamp's redistribution would then cancel.
// Convergence means the step size collapsed below the minimum at a point no
// budget-preserving direction improves.
func (a *Allocator) solvePeriod(t int, seed, prev []float64) ([]float64, bool, error) {
	budget := a.cons.Budgets[t]
	step := a.cfg.InitialStepFrac * budget
	minStep := a.cfg.MinStepFrac * budget

	best := append([]float64(nil), seed...)
	bestObj := a.objective(best)

	for iter := 0; iter < a.cfg.MaxIterations; iter++ {
		var gradMean float64
		grad := make([]float64, len(best))
		for i, c := range a.curves {
			grad[i] = c.Marginal(best[i])
			gradMean += grad[i]
		}
		gradMean /= float64(len(grad))

		dir := make([]float64, len(best))
		var dirMax float64
		for i, g := range grad {
			dir[i] = g - gradMean
			if d := math.Abs(dir[i]); d > dirMax {
				dirMax = d
			}
		}
		if dirMax == 0 {
			// Equalized marginals: stationary on the budget line
			return best, true, nil
		}

		cand := make([]float64, len(best))
		for i := range best {
			cand[i] = best[i] + step*dir[i]/dirMax
		}
		clamped, err := a.cons.Clamp(cand, t)
		if err != nil {
			return nil, false, err
		}

		obj := a.objective(clamped)
		switch {
		case obj > bestObj+a.cfg.Tolerance:
			best = clamped
			bestObj = obj
		case a.cfg.SmoothingTieBreak && prev != nil && math.Abs(obj-bestObj) <= a.cfg.Tolerance &&
			euclidean(clamped, prev) < euclidean(best, prev):
			// Near-optimal tie: keep the temporally smoother allocation
			best = clamped
			bestObj = obj
		default:
			step *= a.cfg.BacktrackRatio
			if step < minStep {
				return best, true, nil
			}
		}
	}
	return best, false, nil
}

// learn refits channels whose actuals for period t are available.
func (a *Allocator) learn(ctx context.Context, t int, alloc []float64, actuals ActualsSource, result *Result) error {
	if actuals == nil || a.history == nil {
		return nil
	}

	revenue, ok, err := actuals.Actuals(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn().Err(err).Int("period", t).Msg("actuals unavailable, curves stay fixed")
		return nil
	}
	if !ok {
		return nil
	}
	if len(revenue) != len(a.curves) {
		return fmt.Errorf("period %d actuals cover %d channels, expected %d", t, len(revenue), len(a.curves))
	}

	for i := range a.curves {
		h := &a.history[i]
		last := 0.0
		if n := len(h.EffectiveSpend); n > 0 {
			last = h.EffectiveSpend[n-1]
		}
		effective, err := adstock.Continue(last, alloc[i], h.Theta)
		if err != nil {
			return fmt.Errorf("channel %d: %w", i, err)
		}
		h.EffectiveSpend = append(h.EffectiveSpend, effective)
		h.Revenue = append(h.Revenue, revenue[i])

		refit, err := curve.Fit(h.EffectiveSpend, h.Revenue, a.fitCfg)
		if err != nil {
			// Keep the prior curve rather than failing the whole plan
			a.logger.Warn().Err(err).Int("channel", i).Int("period", t).Msg("refit failed, keeping prior curve")
			continue
		}
		a.curves[i] = refit
		result.Refits++
	}
	return nil
}

func (a *Allocator) objective(alloc []float64) float64 {
	var total float64
	for i, x := range alloc {
		total += a.curves[i].Predict(x)
	}
	return total
}

func (a *Allocator) planRevenue(plan [][]float64) float64 {
	var total float64
	for _, row := range plan {
		total += a.objective(row)
	}
	return total
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
