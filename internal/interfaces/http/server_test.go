package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixplan/mixplan/internal/engine"
	"github.com/mixplan/mixplan/internal/persistence"
	"github.com/mixplan/mixplan/internal/telemetry"
)

type stubRunner struct {
	out engine.Output
	err error
	got engine.Request
}

func (s *stubRunner) Run(ctx context.Context, req engine.Request) (engine.Output, error) {
	s.got = req
	return s.out, s.err
}

type memPlans struct {
	saved []persistence.PlanRecord
}

func (m *memPlans) Save(ctx context.Context, record persistence.PlanRecord) error {
	m.saved = append(m.saved, record)
	return nil
}

func (m *memPlans) Get(ctx context.Context, runID string) (persistence.PlanRecord, error) {
	for _, r := range m.saved {
		if r.RunID == runID {
			return r, nil
		}
	}
	return persistence.PlanRecord{}, assertNotFoundErr
}

var assertNotFoundErr = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "plan not found" }

func newTestServer(t *testing.T, runner Runner, plans persistence.PlansRepo) *Server {
	t.Helper()
	handlers := NewHandlers(runner, plans, telemetry.NewMetricsRegistry(), zerolog.Nop())
	cfg := DefaultServerConfig()
	cfg.Port = 0
	cfg.RequestsPerSec = 1000
	cfg.Burst = 1000
	server, err := NewServer(cfg, handlers, zerolog.Nop())
	require.NoError(t, err)
	return server
}

const validBody = `{
	"channels": {
		"tv":      {"decay_rate": 0.3, "min_spend": 10, "max_spend": 80, "spend": [50, 60, 55], "revenue": [200, 240, 220]},
		"digital": {"decay_rate": 0.1, "min_spend": 5,  "max_spend": 60, "spend": [20, 25, 30], "revenue": [90, 110, 120]}
	},
	"budgets": [100, 100],
	"method": "sequential"
}`

func TestOptimizeSuccess(t *testing.T) {
	runner := &stubRunner{out: engine.Output{
		RunID:  "run-http-1",
		Method: engine.MethodSequential,
		Plan: []engine.PlanRow{
			{Period: 0, Channel: "tv", Spend: 70},
			{Period: 0, Channel: "digital", Spend: 30},
		},
		Converged: true,
	}}
	plans := &memPlans{}
	server := newTestServer(t, runner, plans)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/optimize", strings.NewReader(validBody))
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"run_id":"run-http-1"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	// Channels arrive in deterministic name order.
	require.Len(t, runner.got.Channels, 2)
	assert.Equal(t, "digital", runner.got.Channels[0].Name)
	assert.Equal(t, "tv", runner.got.Channels[1].Name)

	// The computed plan was persisted.
	require.Len(t, plans.saved, 1)
	assert.Equal(t, "run-http-1", plans.saved[0].RunID)
	assert.Len(t, plans.saved[0].Rows, 2)
}

func TestOptimizeRejectsInvalidConfig(t *testing.T) {
	runner := &stubRunner{}
	server := newTestServer(t, runner, nil)

	body := strings.Replace(validBody, `"decay_rate": 0.3`, `"decay_rate": 1.0`, 1)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/optimize", strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "decay")
}

func TestOptimizeRejectsUnknownFields(t *testing.T) {
	server := newTestServer(t, &stubRunner{}, nil)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/optimize", strings.NewReader(`{"budget": [1]}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOptimizeMapsTimeoutTo504(t *testing.T) {
	runner := &stubRunner{err: &engine.OptimizationTimeoutError{}}
	server := newTestServer(t, runner, nil)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/optimize", strings.NewReader(validBody)))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestGetPlanRoundTrip(t *testing.T) {
	plans := &memPlans{saved: []persistence.PlanRecord{{
		RunID:  "run-42",
		Method: "bilevel",
		Rows:   []persistence.PlanRow{{Period: 0, Channel: "tv", Spend: 70}},
	}}}
	server := newTestServer(t, &stubRunner{}, plans)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plans/run-42", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-42"`)

	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plans/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPlanWithoutStorage(t *testing.T) {
	server := newTestServer(t, &stubRunner{}, nil)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plans/run-42", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	server := newTestServer(t, &stubRunner{}, nil)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitOnOptimize(t *testing.T) {
	handlers := NewHandlers(&stubRunner{out: engine.Output{RunID: "x"}}, nil, nil, zerolog.Nop())
	cfg := DefaultServerConfig()
	cfg.Port = 0
	cfg.RequestsPerSec = 0.001
	cfg.Burst = 1
	server, err := NewServer(cfg, handlers, zerolog.Nop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/optimize", strings.NewReader(validBody)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/optimize", strings.NewReader(validBody)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	server := newTestServer(t, &stubRunner{}, nil)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "/nope")
}
