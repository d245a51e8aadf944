// Package config loads and validates the YAML run configuration: channel
// decay rates and bounds, per-period budgets, historical data, and solver
// knobs.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mixplan/mixplan/internal/domain/constraint"
	"github.com/mixplan/mixplan/internal/engine"
)

// ChannelConfig is one channel's configuration block.
type ChannelConfig struct {
	DecayRate float64   `yaml:"decay_rate"`
	MinSpend  float64   `yaml:"min_spend"`
	MaxSpend  float64   `yaml:"max_spend"`
	Spend     []float64 `yaml:"spend"`             // Historical raw spend per period
	Revenue   []float64 `yaml:"revenue,omitempty"` // Historical attributed revenue; omit when gmv is used
}

// RunConfig is the full configuration for one engine run.
type RunConfig struct {
	Channels map[string]ChannelConfig `yaml:"channels"`
	Budgets  []float64                `yaml:"budgets"`
	GMV      []float64                `yaml:"gmv,omitempty"`
	Method   string                   `yaml:"method"` // sequential | bilevel | both
	TimeoutS int                      `yaml:"timeout_seconds,omitempty"`
}

// Load reads and validates a run configuration file.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks structural soundness before the engine sees the request:
// decay rates in range, ordered bounds, positive budgets, a per-period
// feasibility precheck, and consistent history lengths.
func (c *RunConfig) Validate() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("no channels configured")
	}
	if len(c.Budgets) == 0 {
		return fmt.Errorf("no period budgets configured")
	}

	switch c.Method {
	case "", "sequential", "bilevel", "both":
	default:
		return fmt.Errorf("unknown method %q (want sequential, bilevel, or both)", c.Method)
	}

	historyLen := -1
	for name, ch := range c.Channels {
		if ch.DecayRate < 0 || ch.DecayRate >= 1 {
			return fmt.Errorf("channel %q: decay_rate %.4f outside [0, 1)", name, ch.DecayRate)
		}
		if ch.MinSpend < 0 || ch.MaxSpend < ch.MinSpend {
			return fmt.Errorf("channel %q: malformed bounds [%.2f, %.2f]", name, ch.MinSpend, ch.MaxSpend)
		}
		if len(ch.Spend) == 0 {
			return fmt.Errorf("channel %q: no historical spend", name)
		}
		if historyLen == -1 {
			historyLen = len(ch.Spend)
		} else if len(ch.Spend) != historyLen {
			return fmt.Errorf("channel %q: %d spend periods, other channels have %d", name, len(ch.Spend), historyLen)
		}
		if ch.Revenue != nil && len(ch.Revenue) != len(ch.Spend) {
			return fmt.Errorf("channel %q: %d revenue points for %d spend points", name, len(ch.Revenue), len(ch.Spend))
		}
		if ch.Revenue == nil && c.GMV == nil {
			return fmt.Errorf("channel %q: no revenue and no gmv block", name)
		}
	}
	if c.GMV != nil && len(c.GMV) != historyLen {
		return fmt.Errorf("gmv has %d periods, history has %d", len(c.GMV), historyLen)
	}

	for t, b := range c.Budgets {
		if b <= 0 {
			return fmt.Errorf("period %d: non-positive budget %.2f", t, b)
		}
	}

	// Feasibility precheck so misconfigured bounds fail at load time with
	// file-level context instead of mid-run.
	var minSum, maxSum float64
	for _, ch := range c.Channels {
		minSum += ch.MinSpend
		maxSum += ch.MaxSpend
	}
	for t, b := range c.Budgets {
		if minSum > b || maxSum < b {
			return fmt.Errorf("period %d: budget %.2f infeasible against bounds [sum_min=%.2f, sum_max=%.2f]", t, b, minSum, maxSum)
		}
	}
	return nil
}

// ChannelNames returns the configured channel names in stable sorted order.
// Map iteration order would otherwise make runs non-deterministic.
func (c *RunConfig) ChannelNames() []string {
	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToRequest converts the configuration into an engine request with channels
// in stable name order.
func (c *RunConfig) ToRequest() engine.Request {
	req := engine.Request{
		Budgets: c.Budgets,
		GMV:     c.GMV,
		Method:  engine.Method(c.Method),
	}
	if c.Method == "" {
		req.Method = engine.MethodSequential
	}
	for _, name := range c.ChannelNames() {
		ch := c.Channels[name]
		req.Channels = append(req.Channels, engine.Channel{
			Name:    name,
			Theta:   ch.DecayRate,
			Bounds:  constraint.Bounds{Min: ch.MinSpend, Max: ch.MaxSpend},
			Spend:   ch.Spend,
			Revenue: ch.Revenue,
		})
	}
	return req
}
