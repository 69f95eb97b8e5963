package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantfold/engine/internal/costs"
	"github.com/quantfold/engine/internal/strategy"
)

// Backtest holds the offline simulation settings.
type Backtest struct {
	BarsPath      string  `yaml:"bars_path"`
	ForecastsPath string  `yaml:"forecasts_path"`
	Symbol        string  `yaml:"symbol"`
	Capital       float64 `yaml:"capital"`
}

// Paper holds the live simulation daemon settings. Intervals are plain
// milliseconds so they read naturally in YAML.
type Paper struct {
	TickIntervalMs     int    `yaml:"tick_interval_ms"`
	CheckpointPath     string `yaml:"checkpoint_path"`
	RiskEventsPath     string `yaml:"risk_events_path"`
	ProviderTimeoutMs  int    `yaml:"provider_timeout_ms"`
	ProviderRatePerMin int    `yaml:"provider_rate_per_min"`
}

func (p Paper) TickInterval() time.Duration {
	return time.Duration(p.TickIntervalMs) * time.Millisecond
}

func (p Paper) ProviderTimeout() time.Duration {
	return time.Duration(p.ProviderTimeoutMs) * time.Millisecond
}

// Server holds the HTTP listener settings.
type Server struct {
	Addr              string `yaml:"addr"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
}

func (s Server) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

// Root is the full configuration tree.
type Root struct {
	Regime     strategy.Regime              `yaml:"regime"`
	Strategies map[string]strategy.Params   `yaml:"strategies"` // per-regime overrides
	Costs      costs.Model                  `yaml:"costs"`
	Backtest   Backtest                     `yaml:"backtest"`
	Paper      Paper                        `yaml:"paper"`
	Server     Server                       `yaml:"server"`
}

// Default returns a runnable configuration; Load layers the file on top.
func Default() Root {
	return Root{
		Regime: strategy.RegimeMomentum,
		Costs:  costs.Model{CommissionBps: 1, SlippageBps: 2},
		Backtest: Backtest{
			Capital: 100_000,
		},
		Paper: Paper{
			TickIntervalMs:     5000,
			CheckpointPath:     "paper.db",
			RiskEventsPath:     "risk_events.jsonl",
			ProviderTimeoutMs:  2000,
			ProviderRatePerMin: 60,
		},
		Server: Server{
			Addr:              ":8080",
			ShutdownTimeoutMs: 10_000,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
// An empty path returns the defaults unchanged.
func Load(path string) (Root, error) {
	root := Default()
	if path == "" {
		if err := root.Validate(); err != nil {
			return Root{}, err
		}
		return root, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Root{}, fmt.Errorf("config.Load: %w", err)
	}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Root{}, fmt.Errorf("config.Load: parse %s: %w", path, err)
	}
	if err := root.Validate(); err != nil {
		return Root{}, fmt.Errorf("config.Load: %s: %w", path, err)
	}
	return root, nil
}

// Validate checks the whole tree. Fails fast so a bad file never starts
// a run.
func (r Root) Validate() error {
	if _, err := strategy.ForRegime(r.Regime); err != nil {
		return err
	}
	for name, p := range r.Strategies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("strategies.%s: %w", name, err)
		}
	}
	if err := r.Costs.Validate(); err != nil {
		return err
	}
	if r.Backtest.Capital <= 0 {
		return &strategy.InvalidConfigurationError{Field: "backtest.capital", Reason: "must be positive"}
	}
	if r.Paper.TickIntervalMs <= 0 {
		return &strategy.InvalidConfigurationError{Field: "paper.tick_interval_ms", Reason: "must be positive"}
	}
	if r.Paper.ProviderTimeoutMs <= 0 {
		return &strategy.InvalidConfigurationError{Field: "paper.provider_timeout_ms", Reason: "must be positive"}
	}
	if r.Paper.ProviderRatePerMin <= 0 {
		return &strategy.InvalidConfigurationError{Field: "paper.provider_rate_per_min", Reason: "must be positive"}
	}
	if r.Server.Addr == "" {
		return &strategy.InvalidConfigurationError{Field: "server.addr", Reason: "must not be empty"}
	}
	return nil
}

// Strategy resolves the active strategy: regime defaults overridden by
// a matching entry in the strategies map.
func (r Root) Strategy() (strategy.Strategy, error) {
	strat, err := strategy.ForRegime(r.Regime)
	if err != nil {
		return strategy.Strategy{}, err
	}
	if override, ok := r.Strategies[string(r.Regime)]; ok {
		strat.Params = override
	}
	return strat, nil
}
