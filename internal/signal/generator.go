package signal

import (
	"time"

	"github.com/quantfold/engine/internal/forecast"
	"github.com/quantfold/engine/internal/market"
	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/strategy"
)

// Trade sides.
const (
	SideLong  = "long"
	SideShort = "short"
	SideFlat  = "flat"
)

// Signal is one trading decision derived from a quantile forecast.
// Produced fresh per bar, never mutated after creation.
type Signal struct {
	Symbol     string    `json:"symbol"`
	TS         time.Time `json:"ts"`
	Side       string    `json:"side"`
	Confidence float64   `json:"confidence"`  // probability that triggered the side
	TargetFrac float64   `json:"target_frac"` // desired notional as a fraction of equity
}

// Generate maps a bar plus its quantile forecast to a signal. Pure and
// deterministic: identical inputs yield identical signals, which is what
// lets the same decision logic run in offline simulation and live
// replay. The forecast must be normalized (sorted, monotone) before the
// call.
func Generate(bar market.Bar, fc forecast.Forecast, p strategy.Params) Signal {
	sig := Signal{Symbol: bar.Symbol, TS: bar.TS, Side: SideFlat}

	if len(fc.Quantiles) == 0 {
		return sig
	}

	pUp := fc.ProbAbove(0)
	pDown := fc.ProbBelow(0)

	longOK := pUp >= p.MinProb
	shortOK := pDown >= p.MinProb

	switch {
	case longOK && shortOK:
		// Numerically inconsistent forecast. Stand aside rather than
		// guess a direction.
		observ.Warn("signal_inconsistent_forecast", map[string]any{
			"symbol": bar.Symbol,
			"ts":     bar.TS.Format(time.RFC3339),
			"p_up":   pUp,
			"p_down": pDown,
		})
		return sig
	case longOK:
		sig.Side = SideLong
		sig.Confidence = pUp
	case shortOK:
		sig.Side = SideShort
		sig.Confidence = pDown
	default:
		return sig
	}

	frac := p.RiskBudget * sig.Confidence
	if frac > p.MaxLeverage {
		frac = p.MaxLeverage
	}
	if frac < 0 {
		frac = 0
	}
	sig.TargetFrac = frac
	return sig
}
