// Package constraint defines the feasible region shared by both allocators:
// per-channel spend bounds plus a total-budget equality for every period.
package constraint

import (
	"fmt"
	"math"
)

// budgetTolerance is the relative tolerance on the total-budget equality.
const budgetTolerance = 1e-6

// clampIterationCap bounds the redistribute-and-recheck loop in Clamp.
const clampIterationCap = 100

// Bounds is the per-period spend box for one channel.
type Bounds struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// InfeasibleError reports a period whose bounds and budget cannot be
// satisfied together.
type InfeasibleError struct {
	Period int
	Budget float64
	MinSum float64
	MaxSum float64
	Reason string
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("period %d infeasible: budget %.2f vs channel bounds [sum_min=%.2f, sum_max=%.2f]: %s",
		e.Period, e.Budget, e.MinSum, e.MaxSum, e.Reason)
}

// Set holds the constraint data for a full run: one budget per period and one
// bounds box per channel.
type Set struct {
	Budgets []float64
	Bounds  []Bounds
}

// NewSet builds a constraint set and rejects malformed bounds up front.
func NewSet(budgets []float64, bounds []Bounds) (*Set, error) {
	for i, b := range bounds {
		if b.Min < 0 || b.Max < b.Min {
			return nil, fmt.Errorf("channel %d has malformed bounds [%.2f, %.2f]", i, b.Min, b.Max)
		}
	}
	for t, budget := range budgets {
		if budget <= 0 {
			return nil, fmt.Errorf("period %d has non-positive budget %.2f", t, budget)
		}
	}
	return &Set{Budgets: budgets, Bounds: bounds}, nil
}

// Channels returns the number of channels covered by the set.
func (s *Set) Channels() int { return len(s.Bounds) }

// Periods returns the number of budgeted periods.
func (s *Set) Periods() int { return len(s.Budgets) }

// ValidatePeriod checks that period t admits at least one allocation:
// sum of minimums <= budget <= sum of maximums.
func (s *Set) ValidatePeriod(t int) error {
	if t < 0 || t >= len(s.Budgets) {
		return fmt.Errorf("period %d out of range [0, %d)", t, len(s.Budgets))
	}

	var minSum, maxSum float64
	for _, b := range s.Bounds {
		minSum += b.Min
		maxSum += b.Max
	}

	budget := s.Budgets[t]
	if minSum > budget {
		return &InfeasibleError{Period: t, Budget: budget, MinSum: minSum, MaxSum: maxSum,
			Reason: "sum of channel minimums exceeds budget"}
	}
	if maxSum < budget {
		return &InfeasibleError{Period: t, Budget: budget, MinSum: minSum, MaxSum: maxSum,
			Reason: "sum of channel maximums below budget"}
	}
	return nil
}

// Validate checks every period of the set.
func (s *Set) Validate() error {
	for t := range s.Budgets {
		if err := s.ValidatePeriod(t); err != nil {
			return err
		}
	}
	return nil
}

// Clamp projects a candidate allocation onto the per-channel box for period t
// and then redistributes the shortfall or excess proportionally to each
// channel's remaining distance from its own bound, iterating until the sum
// matches the budget within tolerance. An exhausted iteration cap means the
// bounds and budget are jointly unsatisfiable.
func (s *Set) Clamp(alloc []float64, t int) ([]float64, error) {
	if len(alloc) != len(s.Bounds) {
		return nil, fmt.Errorf("allocation has %d channels, constraint set has %d", len(alloc), len(s.Bounds))
	}
	if t < 0 || t >= len(s.Budgets) {
		return nil, fmt.Errorf("period %d out of range [0, %d)", t, len(s.Budgets))
	}

	budget := s.Budgets[t]
	x := make([]float64, len(alloc))
	copy(x, alloc)

	for iter := 0; iter < clampIterationCap; iter++ {
		// Box projection
		for i, b := range s.Bounds {
			x[i] = math.Min(math.Max(x[i], b.Min), b.Max)
		}

		var sum float64
		for _, v := range x {
			sum += v
		}
		diff := budget - sum
		if math.Abs(diff) <= budgetTolerance*math.Max(budget, 1) {
			return x, nil
		}

		// Redistribute proportionally to distance-to-bound
		var room float64
		for i, b := range s.Bounds {
			if diff > 0 {
				room += b.Max - x[i]
			} else {
				room += x[i] - b.Min
			}
		}
		if room <= 0 {
			break
		}
		for i, b := range s.Bounds {
			if diff > 0 {
				x[i] += diff * (b.Max - x[i]) / room
			} else {
				x[i] += diff * (x[i] - b.Min) / room
			}
		}
	}

	var minSum, maxSum float64
	for _, b := range s.Bounds {
		minSum += b.Min
		maxSum += b.Max
	}
	return nil, &InfeasibleError{Period: t, Budget: budget, MinSum: minSum, MaxSum: maxSum,
		Reason: "clamp iteration cap reached without restoring budget equality"}
}

// EvenSplit returns the budget of period t divided equally across channels
// and clamped to the feasible box. Used as a neutral optimizer seed.
func (s *Set) EvenSplit(t int) ([]float64, error) {
	if s.Channels() == 0 {
		return nil, fmt.Errorf("constraint set has no channels")
	}
	x := make([]float64, s.Channels())
	for i := range x {
		x[i] = s.Budgets[t] / float64(s.Channels())
	}
	return s.Clamp(x, t)
}
