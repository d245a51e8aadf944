// Package engine orchestrates a full allocation run: adstock transforms,
// parallel per-channel curve fits, allocator dispatch, and output assembly.
// The engine is batch-oriented and I/O-free; persistence, caching, and
// transport are attached by the caller.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mixplan/mixplan/internal/alloc/bilevel"
	"github.com/mixplan/mixplan/internal/alloc/sequential"
	"github.com/mixplan/mixplan/internal/domain/adstock"
	"github.com/mixplan/mixplan/internal/domain/constraint"
	"github.com/mixplan/mixplan/internal/domain/curve"
	"github.com/mixplan/mixplan/internal/eval"
)

// Method selects which allocator(s) a run executes.
type Method string

const (
	MethodSequential Method = "sequential"
	MethodBilevel    Method = "bilevel"
	MethodBoth       Method = "both" // Run both, report the higher-revenue plan
)

// OptimizationTimeoutError reports that the caller-imposed wall-clock budget
// expired; partial state is discarded.
type OptimizationTimeoutError struct {
	Elapsed time.Duration
}

func (e *OptimizationTimeoutError) Error() string {
	return fmt.Sprintf("optimization aborted after %s: wall-clock budget exceeded", e.Elapsed)
}

// Channel is one spend channel's configuration and history.
type Channel struct {
	Name    string
	Theta   float64 // Adstock decay rate
	Bounds  constraint.Bounds
	Spend   []float64 // Historical raw spend per period
	Revenue []float64 // Historical attributed revenue; nil when GMV apportionment is used
}

// Request is a complete engine run specification.
type Request struct {
	Channels []Channel
	Budgets  []float64 // Total budget per planning period
	GMV      []float64 // Optional period-level GMV, apportioned when channel revenue is absent
	Method   Method
	Timeout  time.Duration // 0 disables the wall-clock cap
	Actuals  sequential.ActualsSource
}

// ChannelFit is the reported per-channel fit block.
type ChannelFit struct {
	Alpha     float64 `json:"alpha"`
	Mu        float64 `json:"mu"`
	RMSE      float64 `json:"rmse"`
	Converged bool    `json:"converged"`
	ROAS      float64 `json:"roas"`
	Cached    bool    `json:"cached,omitempty"`
}

// PlanRow is one cell of the serialized allocation table.
type PlanRow struct {
	Period  int     `json:"period"`
	Channel string  `json:"channel"`
	Spend   float64 `json:"allocated_spend"`
}

// Output is the terminal result handed to the reporting layer.
type Output struct {
	RunID            string                `json:"run_id"`
	Method           Method                `json:"method"`
	Plan             []PlanRow             `json:"plan"`
	Allocations      [][]float64           `json:"allocations"` // [period][channel]
	Fits             map[string]ChannelFit `json:"fits"`
	Converged        bool                  `json:"converged"`
	DegradedPeriods  []int                 `json:"degraded_periods"`
	Weights          []float64             `json:"weights,omitempty"` // Bilevel policy, when applicable
	PredictedRevenue float64               `json:"predicted_revenue"`
	BaselineRevenue  float64               `json:"baseline_revenue"`
	Uplift           float64               `json:"uplift"`
	Elapsed          time.Duration         `json:"elapsed"`
}

// CurveCache lets repeat runs over unchanged history skip refitting.
type CurveCache interface {
	Get(ctx context.Context, key string) (curve.Curve, bool, error)
	Set(ctx context.Context, key string, c curve.Curve) error
}

// Metrics receives engine telemetry; a nil implementation is allowed.
type Metrics interface {
	ObserveFit(channel string, elapsed time.Duration, converged bool)
	ObserveRun(method string, elapsed time.Duration, failed bool)
	AddDegradedPeriods(n int)
	RecordCacheHit()
	RecordCacheMiss()
}

// Engine runs allocation requests. Safe for sequential reuse; each run owns
// its own derived state.
type Engine struct {
	logger  zerolog.Logger
	cache   CurveCache
	metrics Metrics
	fitCfg  curve.FitConfig
	seqCfg  sequential.Config
	bilCfg  bilevel.Config
}

// New creates an engine with default solver configurations.
func New() *Engine {
	return &Engine{
		logger: zerolog.Nop(),
		fitCfg: curve.DefaultFitConfig(),
		seqCfg: sequential.DefaultConfig(),
		bilCfg: bilevel.DefaultConfig(),
	}
}

// WithLogger attaches a structured logger.
func (e *Engine) WithLogger(logger zerolog.Logger) *Engine {
	e.logger = logger
	return e
}

// WithCache attaches a fitted-curve cache.
func (e *Engine) WithCache(cache CurveCache) *Engine {
	e.cache = cache
	return e
}

// WithMetrics attaches a telemetry sink.
func (e *Engine) WithMetrics(metrics Metrics) *Engine {
	e.metrics = metrics
	return e
}

// WithSequentialConfig overrides the sequential allocator configuration.
func (e *Engine) WithSequentialConfig(cfg sequential.Config) *Engine {
	e.seqCfg = cfg
	return e
}

// WithBilevelConfig overrides the bilevel allocator configuration.
func (e *Engine) WithBilevelConfig(cfg bilevel.Config) *Engine {
	e.bilCfg = cfg
	return e
}

// Run executes a full allocation run. A deadline overrun surfaces as
// *OptimizationTimeoutError.
func (e *Engine) Run(ctx context.Context, req Request) (Output, error) {
	start := time.Now()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	out, err := e.run(ctx, req)
	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.ObserveRun(string(req.Method), elapsed, err != nil)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Output{}, &OptimizationTimeoutError{Elapsed: elapsed}
		}
		return Output{}, err
	}
	out.Elapsed = elapsed
	return out, nil
}

func (e *Engine) run(ctx context.Context, req Request) (Output, error) {
	if len(req.Channels) == 0 {
		return Output{}, fmt.Errorf("request has no channels")
	}
	if len(req.Budgets) == 0 {
		return Output{}, fmt.Errorf("request has no budgeted periods")
	}
	method := req.Method
	if method == "" {
		method = MethodSequential
	}

	bounds := make([]constraint.Bounds, len(req.Channels))
	for i, ch := range req.Channels {
		bounds[i] = ch.Bounds
	}
	cons, err := constraint.NewSet(req.Budgets, bounds)
	if err != nil {
		return Output{}, err
	}
	if err := cons.Validate(); err != nil {
		return Output{}, err
	}

	// Adstock every channel up front; revenue apportionment and fitting both
	// consume the effective series.
	effective := make([][]float64, len(req.Channels))
	for i, ch := range req.Channels {
		series, err := adstock.Transform(ch.Spend, ch.Theta)
		if err != nil {
			return Output{}, fmt.Errorf("channel %q: %w", ch.Name, err)
		}
		effective[i] = series
	}

	revenue, err := e.channelRevenue(req, effective)
	if err != nil {
		return Output{}, err
	}

	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	curves, cached, err := e.fitAll(ctx, req.Channels, effective, revenue)
	if err != nil {
		return Output{}, err
	}

	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	maxRev := maxPeriodRevenue(revenue)
	histories := make([]sequential.ChannelHistory, len(req.Channels))
	for i, ch := range req.Channels {
		histories[i] = sequential.ChannelHistory{
			Theta:          ch.Theta,
			EffectiveSpend: append([]float64(nil), effective[i]...),
			Revenue:        append([]float64(nil), revenue[i]...),
		}
	}

	allocations, weights, degraded, converged, chosen, err := e.dispatch(ctx, method, curves, cons, histories, req.Actuals, maxRev)
	if err != nil {
		return Output{}, err
	}

	out := Output{
		RunID:           uuid.NewString(),
		Method:          chosen,
		Allocations:     allocations,
		Fits:            make(map[string]ChannelFit, len(req.Channels)),
		Converged:       converged,
		DegradedPeriods: degraded,
		Weights:         weights,
	}
	for t, row := range allocations {
		for i, spend := range row {
			out.Plan = append(out.Plan, PlanRow{Period: t, Channel: req.Channels[i].Name, Spend: spend})
		}
	}
	for i, ch := range req.Channels {
		out.Fits[ch.Name] = ChannelFit{
			Alpha:     curves[i].Alpha,
			Mu:        curves[i].Mu,
			RMSE:      curves[i].FitError,
			Converged: curves[i].Converged,
			ROAS:      eval.ROAS(ch.Spend, revenue[i]),
			Cached:    cached[i],
		}
		if !curves[i].Converged {
			out.Converged = false
		}
	}

	out.PredictedRevenue = eval.PlanRevenue(allocations, curves)
	baseline := e.baselinePlan(req, cons)
	if baseline != nil {
		out.BaselineRevenue = eval.PlanRevenue(baseline, curves)
		out.Uplift = eval.Compare(baseline, allocations, curves)
	}

	if e.metrics != nil && len(degraded) > 0 {
		e.metrics.AddDegradedPeriods(len(degraded))
	}
	e.logger.Info().
		Str("run_id", out.RunID).
		Str("method", string(out.Method)).
		Int("periods", cons.Periods()).
		Int("channels", cons.Channels()).
		Float64("predicted_revenue", out.PredictedRevenue).
		Bool("converged", out.Converged).
		Msg("allocation run complete")

	return out, nil
}

// channelRevenue returns per-channel revenue series, apportioning period GMV
// by adstocked spend share when explicit channel revenue is absent.
func (e *Engine) channelRevenue(req Request, effective [][]float64) ([][]float64, error) {
	revenue := make([][]float64, len(req.Channels))
	for i, ch := range req.Channels {
		if ch.Revenue != nil {
			if len(ch.Revenue) != len(ch.Spend) {
				return nil, fmt.Errorf("channel %q: %d revenue points for %d spend points", ch.Name, len(ch.Revenue), len(ch.Spend))
			}
			revenue[i] = ch.Revenue
			continue
		}
		if req.GMV == nil {
			return nil, fmt.Errorf("channel %q has no revenue and no GMV was supplied", ch.Name)
		}
		if len(req.GMV) != len(ch.Spend) {
			return nil, fmt.Errorf("channel %q: %d GMV periods for %d spend points", ch.Name, len(req.GMV), len(ch.Spend))
		}
		apportioned := make([]float64, len(ch.Spend))
		for t := range ch.Spend {
			var total float64
			for j := range req.Channels {
				total += effective[j][t]
			}
			if total > 0 {
				apportioned[t] = req.GMV[t] * effective[i][t] / total
			}
		}
		revenue[i] = apportioned
	}
	return revenue, nil
}

// fitAll fits every channel curve in parallel. Each goroutine reads its own
// series and writes its own slot; there is no cross-channel state.
func (e *Engine) fitAll(ctx context.Context, channels []Channel, effective, revenue [][]float64) ([]curve.Curve, []bool, error) {
	curves := make([]curve.Curve, len(channels))
	cached := make([]bool, len(channels))
	errs := make([]error, len(channels))

	var wg sync.WaitGroup
	for i := range channels {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			curves[i], cached[i], errs[i] = e.fitChannel(ctx, channels[i], effective[i], revenue[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, nil, fmt.Errorf("channel %q: %w", channels[i].Name, err)
		}
	}
	return curves, cached, nil
}

func (e *Engine) fitChannel(ctx context.Context, ch Channel, effective, revenue []float64) (curve.Curve, bool, error) {
	key := fitKey(ch.Name, ch.Theta, effective, revenue)
	if e.cache != nil {
		if c, ok, err := e.cache.Get(ctx, key); err == nil && ok {
			if e.metrics != nil {
				e.metrics.RecordCacheHit()
			}
			return c, true, nil
		} else if err != nil {
			e.logger.Warn().Err(err).Str("channel", ch.Name).Msg("curve cache read failed")
		}
		if e.metrics != nil {
			e.metrics.RecordCacheMiss()
		}
	}

	start := time.Now()
	fitted, err := curve.Fit(effective, revenue, e.fitCfg)
	if e.metrics != nil {
		e.metrics.ObserveFit(ch.Name, time.Since(start), err == nil && fitted.Converged)
	}
	if err != nil {
		return curve.Curve{}, false, err
	}
	if !fitted.Converged {
		e.logger.Warn().Str("channel", ch.Name).Int("iterations", fitted.Iterations).
			Msg("curve fit did not converge, using best-found parameters")
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, fitted); err != nil {
			e.logger.Warn().Err(err).Str("channel", ch.Name).Msg("curve cache write failed")
		}
	}
	return fitted, false, nil
}

// dispatch runs the requested allocator(s). MethodBoth runs the two
// independently on their own curve copies and reports the higher-revenue
// plan.
func (e *Engine) dispatch(
	ctx context.Context,
	method Method,
	curves []curve.Curve,
	cons *constraint.Set,
	histories []sequential.ChannelHistory,
	actuals sequential.ActualsSource,
	maxRev float64,
) (plan [][]float64, weights []float64, degraded []int, converged bool, chosen Method, err error) {
	runSequential := func() (sequential.Result, error) {
		return sequential.New(curves, cons, e.seqCfg).
			WithHistory(histories).
			WithLogger(e.logger).
			Allocate(ctx, actuals)
	}
	runBilevel := func() (bilevel.Result, error) {
		return bilevel.New(curves, cons, e.bilCfg, maxRev).
			WithLogger(e.logger).
			Allocate()
	}

	switch method {
	case MethodSequential:
		res, err := runSequential()
		if err != nil {
			return nil, nil, nil, false, method, err
		}
		return res.Plan, nil, res.DegradedPeriods, res.Converged, MethodSequential, nil

	case MethodBilevel:
		res, err := runBilevel()
		if err != nil {
			return nil, nil, nil, false, method, err
		}
		return res.Plan, res.Weights, nil, res.Converged, MethodBilevel, nil

	case MethodBoth:
		var (
			wg     sync.WaitGroup
			seqRes sequential.Result
			bilRes bilevel.Result
			seqErr error
			bilErr error
		)
		wg.Add(2)
		go func() { defer wg.Done(); seqRes, seqErr = runSequential() }()
		go func() { defer wg.Done(); bilRes, bilErr = runBilevel() }()
		wg.Wait()

		// A structurally impossible single policy is an expected outcome
		// here: fall back to the sequential plan.
		var noPolicy *bilevel.NoConsistentAllocationError
		if bilErr != nil && !errors.As(bilErr, &noPolicy) {
			return nil, nil, nil, false, method, bilErr
		}
		if seqErr != nil {
			return nil, nil, nil, false, method, seqErr
		}
		if bilErr == nil && eval.PlanRevenue(bilRes.Plan, curves) > eval.PlanRevenue(seqRes.Plan, curves) {
			return bilRes.Plan, bilRes.Weights, nil, bilRes.Converged, MethodBilevel, nil
		}
		return seqRes.Plan, nil, seqRes.DegradedPeriods, seqRes.Converged, MethodSequential, nil

	default:
		return nil, nil, nil, false, method, fmt.Errorf("unknown method %q", method)
	}
}

// baselinePlan splits each period's budget proportionally to the channel's
// historical mean spend share, clamped to the feasible box. Used only for the
// reported uplift comparison.
func (e *Engine) baselinePlan(req Request, cons *constraint.Set) [][]float64 {
	means := make([]float64, len(req.Channels))
	var total float64
	for i, ch := range req.Channels {
		for _, s := range ch.Spend {
			means[i] += s
		}
		if len(ch.Spend) > 0 {
			means[i] /= float64(len(ch.Spend))
		}
		total += means[i]
	}
	if total <= 0 {
		return nil
	}

	plan := make([][]float64, cons.Periods())
	for t := range plan {
		row := make([]float64, len(means))
		for i := range row {
			row[i] = cons.Budgets[t] * means[i] / total
		}
		clamped, err := cons.Clamp(row, t)
		if err != nil {
			return nil
		}
		plan[t] = clamped
	}
	return plan
}

func maxPeriodRevenue(revenue [][]float64) float64 {
	if len(revenue) == 0 {
		return 0
	}
	periods := len(revenue[0])
	var maxRev float64
	for t := 0; t < periods; t++ {
		var sum float64
		for i := range revenue {
			if t < len(revenue[i]) {
				sum += revenue[i][t]
			}
		}
		if sum > maxRev {
			maxRev = sum
		}
	}
	return maxRev
}

// fitKey digests the fit inputs so cached curves are reused only for
// bit-identical history and decay configuration.
func fitKey(name string, theta float64, effective, revenue []float64) string {
	h := sha256.New()
	h.Write([]byte(name))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(effective)))
	h.Write(buf[:])
	writeFloat := func(f float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}
	writeFloat(theta)
	for _, v := range effective {
		writeFloat(v)
	}
	for _, v := range revenue {
		writeFloat(v)
	}
	return fmt.Sprintf("curve:%x", h.Sum(nil))
}
