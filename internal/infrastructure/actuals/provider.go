// Package actuals fetches realized post-period revenue from an external
// reporting endpoint. It feeds the sequential allocator's learning step and
// is deliberately defensive: the upstream is someone else's dashboard
// backend, so calls are rate limited and wrapped in a circuit breaker.
package actuals

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// response is the upstream payload shape.
type response struct {
	Period  int                `json:"period"`
	Revenue map[string]float64 `json:"revenue"`
}

// HTTPProvider implements sequential.ActualsSource against an HTTP endpoint
// serving GET {base}/actuals/{period}. A 404 means the period's figures are
// not yet published.
type HTTPProvider struct {
	baseURL  string
	channels []string // Engine channel order; responses are keyed by name
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
}

// Config tunes the provider's defensive behavior.
type Config struct {
	RequestTimeout  time.Duration // Per-request timeout (default: 5s)
	RequestsPerSec  float64       // Token bucket refill rate (default: 5)
	Burst           int           // Token bucket capacity (default: 5)
	BreakerInterval time.Duration // Failure-count window (default: 1m)
	BreakerTimeout  time.Duration // Open-state cool down (default: 30s)
	MaxFailures     uint32        // Consecutive failures before tripping (default: 5)
}

// DefaultConfig returns the default provider configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:  5 * time.Second,
		RequestsPerSec:  5,
		Burst:           5,
		BreakerInterval: time.Minute,
		BreakerTimeout:  30 * time.Second,
		MaxFailures:     5,
	}
}

// NewHTTPProvider creates a provider for the given endpoint. channels fixes
// the order revenue values are returned in.
func NewHTTPProvider(baseURL string, channels []string, cfg Config) *HTTPProvider {
	if cfg.RequestTimeout <= 0 {
		cfg = DefaultConfig()
	}
	settings := gobreaker.Settings{
		Name:     "actuals",
		Interval: cfg.BreakerInterval,
		Timeout:  cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}
	return &HTTPProvider{
		baseURL:  baseURL,
		channels: channels,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		breaker:  gobreaker.NewCircuitBreaker(settings),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
	}
}

// Actuals returns realized revenue for a completed period in engine channel
// order. ok=false means the figures are not yet available.
func (p *HTTPProvider) Actuals(ctx context.Context, period int) ([]float64, bool, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.fetch(ctx, period)
	})
	if err != nil {
		if err == errNotPublished {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("actuals for period %d: %w", period, err)
	}

	payload := result.(*response)
	revenue := make([]float64, len(p.channels))
	for i, name := range p.channels {
		v, found := payload.Revenue[name]
		if !found {
			return nil, false, fmt.Errorf("actuals for period %d missing channel %q", period, name)
		}
		revenue[i] = v
	}
	return revenue, true, nil
}

// errNotPublished flags a 404 so the breaker does not count it as a failure
// worth tripping on.
var errNotPublished = fmt.Errorf("actuals not yet published")

func (p *HTTPProvider) fetch(ctx context.Context, period int) (*response, error) {
	url := fmt.Sprintf("%s/actuals/%d", p.baseURL, period)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, errNotPublished
	default:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var payload response
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode actuals payload: %w", err)
	}
	return &payload, nil
}
