package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/mixplan/mixplan/internal/alloc/bilevel"
	"github.com/mixplan/mixplan/internal/config"
	"github.com/mixplan/mixplan/internal/domain/constraint"
	"github.com/mixplan/mixplan/internal/engine"
	"github.com/mixplan/mixplan/internal/persistence"
	"github.com/mixplan/mixplan/internal/telemetry"
)

// Runner abstracts the engine for handler tests.
type Runner interface {
	Run(ctx context.Context, req engine.Request) (engine.Output, error)
}

// Handlers bundles the dependencies behind the API routes. PlansRepo and
// Metrics may be nil; the matching endpoints then degrade gracefully.
type Handlers struct {
	runner  Runner
	plans   persistence.PlansRepo
	metrics *telemetry.MetricsRegistry
	logger  zerolog.Logger
}

// NewHandlers wires the API handlers.
func NewHandlers(runner Runner, plans persistence.PlansRepo, metrics *telemetry.MetricsRegistry, logger zerolog.Logger) *Handlers {
	return &Handlers{runner: runner, plans: plans, metrics: metrics, logger: logger}
}

// optimizeRequest is the JSON body of POST /optimize. It mirrors the YAML
// run configuration.
type optimizeRequest struct {
	Channels map[string]channelSpec `json:"channels"`
	Budgets  []float64              `json:"budgets"`
	GMV      []float64              `json:"gmv,omitempty"`
	Method   string                 `json:"method"`
	TimeoutS int                    `json:"timeout_seconds,omitempty"`
}

type channelSpec struct {
	DecayRate float64   `json:"decay_rate"`
	MinSpend  float64   `json:"min_spend"`
	MaxSpend  float64   `json:"max_spend"`
	Spend     []float64 `json:"spend"`
	Revenue   []float64 `json:"revenue,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Optimize runs a full allocation and returns the engine output as JSON.
func (h *Handlers) Optimize(w http.ResponseWriter, r *http.Request) {
	var body optimizeRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	cfg := config.RunConfig{
		Budgets:  body.Budgets,
		GMV:      body.GMV,
		Method:   body.Method,
		TimeoutS: body.TimeoutS,
		Channels: make(map[string]config.ChannelConfig, len(body.Channels)),
	}
	for name, ch := range body.Channels {
		cfg.Channels[name] = config.ChannelConfig{
			DecayRate: ch.DecayRate,
			MinSpend:  ch.MinSpend,
			MaxSpend:  ch.MaxSpend,
			Spend:     ch.Spend,
			Revenue:   ch.Revenue,
		}
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.runner.Run(r.Context(), cfg.ToRequest())
	if err != nil {
		status := statusForRunError(err)
		h.logger.Error().Err(err).Int("status", status).Msg("optimize failed")
		writeError(w, status, err.Error())
		return
	}

	h.persistPlan(r.Context(), out)
	writeJSON(w, http.StatusOK, out)
}

// persistPlan records the plan when a repository is configured. A storage
// failure does not fail the request; the plan was still computed.
func (h *Handlers) persistPlan(ctx context.Context, out engine.Output) {
	if h.plans == nil {
		return
	}
	record := persistence.PlanRecord{
		RunID:     out.RunID,
		Method:    string(out.Method),
		CreatedAt: time.Now().UTC(),
	}
	for _, row := range out.Plan {
		record.Rows = append(record.Rows, persistence.PlanRow{
			Period: row.Period, Channel: row.Channel, Spend: row.Spend,
		})
	}
	if err := h.plans.Save(ctx, record); err != nil {
		h.logger.Warn().Err(err).Str("run_id", out.RunID).Msg("plan persistence failed")
	}
}

func statusForRunError(err error) int {
	var timeout *engine.OptimizationTimeoutError
	var infeasible *constraint.InfeasibleError
	var noPolicy *bilevel.NoConsistentAllocationError
	switch {
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &infeasible), errors.As(err, &noPolicy):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// GetPlan loads a previously stored plan by run ID.
func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	if h.plans == nil {
		writeError(w, http.StatusNotImplemented, "plan storage is not configured")
		return
	}
	runID := mux.Vars(r)["id"]
	record, err := h.plans.Get(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// Health reports liveness and basic build info.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Metrics returns the Prometheus scrape handler.
func (h *Handlers) Metrics() http.Handler {
	if h.metrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotImplemented, "metrics are not configured")
		})
	}
	return h.metrics.Handler()
}

// NotFound handles unknown routes with a JSON body.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "no such endpoint: "+r.URL.Path)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
