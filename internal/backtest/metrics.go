package backtest

import (
	"math"
	"time"

	"github.com/quantfold/engine/internal/portfolio"
)

// Metrics summarizes a run. All ratios are 0 when undefined (no trades,
// zero variance) rather than NaN, so JSON output stays well-formed.
type Metrics struct {
	TotalReturn float64 `json:"total_return"` // fraction, e.g. 0.12 = +12%
	Sharpe      float64 `json:"sharpe"`       // annualized, rf = 0
	MaxDrawdown float64 `json:"max_drawdown"` // fraction of peak
	Calmar      float64 `json:"calmar"`
	WinRate     float64 `json:"win_rate"`
	Trades      int     `json:"trades"`
	SkippedBars int     `json:"skipped_bars"` // bars with no usable forecast
}

// ComputeMetrics derives summary statistics from an equity curve and
// trade list. interval is the bar spacing, used to annualize Sharpe.
func ComputeMetrics(curve []EquityPoint, trades []portfolio.Trade, interval time.Duration, skipped int) Metrics {
	m := Metrics{Trades: len(trades), SkippedBars: skipped}
	if len(curve) == 0 {
		return m
	}

	first := curve[0].Equity
	last := curve[len(curve)-1].Equity
	if first > 0 {
		m.TotalReturn = last/first - 1
	}

	m.MaxDrawdown = maxDrawdown(curve)
	m.Sharpe = sharpe(curve, interval)
	if m.MaxDrawdown > 0 {
		m.Calmar = m.TotalReturn / m.MaxDrawdown
	}

	wins := 0
	for _, t := range trades {
		if t.PnL > 0 {
			wins++
		}
	}
	if len(trades) > 0 {
		m.WinRate = float64(wins) / float64(len(trades))
	}
	return m
}

func maxDrawdown(curve []EquityPoint) float64 {
	peak := curve[0].Equity
	worst := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func sharpe(curve []EquityPoint, interval time.Duration) float64 {
	if len(curve) < 3 || interval <= 0 {
		return 0
	}
	rets := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			return 0
		}
		rets = append(rets, curve[i].Equity/prev-1)
	}

	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))

	variance := 0.0
	for _, r := range rets {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(rets) - 1)
	if variance == 0 {
		return 0
	}

	periodsPerYear := float64(365*24*time.Hour) / float64(interval)
	return mean / math.Sqrt(variance) * math.Sqrt(periodsPerYear)
}
