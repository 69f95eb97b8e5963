package strategy

import "fmt"

// Params are the risk and signal knobs a strategy runs with. They are
// immutable once a backtest or paper session starts.
type Params struct {
	MinProb          float64 `yaml:"min_prob" json:"min_prob"`                     // probability threshold to open
	RiskBudget       float64 `yaml:"risk_budget" json:"risk_budget"`               // notional fraction per unit of confidence
	MaxLeverage      float64 `yaml:"max_leverage" json:"max_leverage"`             // cap on notional fraction
	MaxDailyLossFrac float64 `yaml:"max_daily_loss" json:"max_daily_loss"`         // fraction of capital
	MaxDrawdownFrac  float64 `yaml:"max_drawdown" json:"max_drawdown"`             // fraction of peak equity
	CooldownBars     int     `yaml:"cooldown_bars" json:"cooldown_bars"`           // pause after a drawdown stop-out
	WarmupBars       int     `yaml:"warmup_bars" json:"warmup_bars"`               // bars reserved before trading begins
	StopLossFrac     float64 `yaml:"stop_loss,omitempty" json:"stop_loss"`         // 0 disables
	TakeProfitFrac   float64 `yaml:"take_profit,omitempty" json:"take_profit"`     // 0 disables
}

// InvalidConfigurationError rejects malformed params before any
// simulation proceeds.
type InvalidConfigurationError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Validate checks params at run/session start.
func (p Params) Validate() error {
	if p.MinProb < 0 || p.MinProb > 1 {
		return &InvalidConfigurationError{Field: "min_prob", Reason: fmt.Sprintf("must be in [0,1], got %v", p.MinProb)}
	}
	if p.RiskBudget < 0 {
		return &InvalidConfigurationError{Field: "risk_budget", Reason: "must be non-negative"}
	}
	if p.MaxLeverage <= 0 {
		return &InvalidConfigurationError{Field: "max_leverage", Reason: "must be positive"}
	}
	if p.MaxDailyLossFrac < 0 || p.MaxDailyLossFrac > 1 {
		return &InvalidConfigurationError{Field: "max_daily_loss", Reason: "must be in [0,1]"}
	}
	if p.MaxDrawdownFrac < 0 || p.MaxDrawdownFrac > 1 {
		return &InvalidConfigurationError{Field: "max_drawdown", Reason: "must be in [0,1]"}
	}
	if p.CooldownBars < 0 {
		return &InvalidConfigurationError{Field: "cooldown_bars", Reason: "must be non-negative"}
	}
	if p.WarmupBars < 0 {
		return &InvalidConfigurationError{Field: "warmup_bars", Reason: "must be non-negative"}
	}
	if p.StopLossFrac < 0 || p.StopLossFrac >= 1 {
		return &InvalidConfigurationError{Field: "stop_loss", Reason: "must be in [0,1)"}
	}
	if p.TakeProfitFrac < 0 {
		return &InvalidConfigurationError{Field: "take_profit", Reason: "must be non-negative"}
	}
	return nil
}

// Regime classifies market conditions. Each regime owns its own params;
// selection is a pure mapping evaluated once per rebalance, not
// scattered conditionals.
type Regime string

const (
	RegimeMomentum           Regime = "momentum"
	RegimeMeanReversion      Regime = "mean_reversion"
	RegimeVolatilityBreakout Regime = "volatility_breakout"
	RegimeTrendFollowing     Regime = "trend_following"
	RegimeRange              Regime = "range"
	RegimeNewsEvent          Regime = "news_event"
)

// Strategy binds a regime to the params it trades with.
type Strategy struct {
	Name   string `yaml:"name" json:"name"`
	Regime Regime `yaml:"regime" json:"regime"`
	Params Params `yaml:"params" json:"params"`
}

// defaults per regime. Aggressive regimes carry tighter loss limits.
var regimeDefaults = map[Regime]Params{
	RegimeMomentum: {
		MinProb: 0.60, RiskBudget: 0.50, MaxLeverage: 1.0,
		MaxDailyLossFrac: 0.03, MaxDrawdownFrac: 0.15, CooldownBars: 20, WarmupBars: 20,
		StopLossFrac: 0.05, TakeProfitFrac: 0.10,
	},
	RegimeMeanReversion: {
		MinProb: 0.65, RiskBudget: 0.40, MaxLeverage: 1.0,
		MaxDailyLossFrac: 0.02, MaxDrawdownFrac: 0.12, CooldownBars: 30, WarmupBars: 30,
		StopLossFrac: 0.03, TakeProfitFrac: 0.06,
	},
	RegimeVolatilityBreakout: {
		MinProb: 0.70, RiskBudget: 0.35, MaxLeverage: 1.5,
		MaxDailyLossFrac: 0.04, MaxDrawdownFrac: 0.20, CooldownBars: 15, WarmupBars: 15,
		StopLossFrac: 0.08, TakeProfitFrac: 0.16,
	},
	RegimeTrendFollowing: {
		MinProb: 0.55, RiskBudget: 0.60, MaxLeverage: 1.0,
		MaxDailyLossFrac: 0.03, MaxDrawdownFrac: 0.18, CooldownBars: 25, WarmupBars: 50,
		StopLossFrac: 0.07, TakeProfitFrac: 0,
	},
	RegimeRange: {
		MinProb: 0.68, RiskBudget: 0.30, MaxLeverage: 0.8,
		MaxDailyLossFrac: 0.02, MaxDrawdownFrac: 0.10, CooldownBars: 40, WarmupBars: 30,
		StopLossFrac: 0.02, TakeProfitFrac: 0.04,
	},
	RegimeNewsEvent: {
		MinProb: 0.75, RiskBudget: 0.25, MaxLeverage: 0.5,
		MaxDailyLossFrac: 0.02, MaxDrawdownFrac: 0.08, CooldownBars: 60, WarmupBars: 10,
		StopLossFrac: 0.04, TakeProfitFrac: 0.08,
	},
}

// ForRegime returns the strategy variant for a regime label.
func ForRegime(r Regime) (Strategy, error) {
	params, ok := regimeDefaults[r]
	if !ok {
		return Strategy{}, &InvalidConfigurationError{Field: "regime", Reason: fmt.Sprintf("unknown regime %q", r)}
	}
	return Strategy{Name: string(r), Regime: r, Params: params}, nil
}

// Regimes lists the known regime labels.
func Regimes() []Regime {
	return []Regime{
		RegimeMomentum, RegimeMeanReversion, RegimeVolatilityBreakout,
		RegimeTrendFollowing, RegimeRange, RegimeNewsEvent,
	}
}
