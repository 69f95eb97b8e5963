package signal

import (
	"testing"
	"time"

	"github.com/quantfold/engine/internal/forecast"
	"github.com/quantfold/engine/internal/market"
	"github.com/quantfold/engine/internal/strategy"
)

var testBar = market.Bar{
	Symbol: "BTC-USD",
	TS:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	Close:  100,
}

func quantiles(vals ...float64) []forecast.Quantile {
	levels := []float64{0.1, 0.5, 0.9}
	out := make([]forecast.Quantile, len(vals))
	for i, v := range vals {
		out[i] = forecast.Quantile{Level: levels[i], Value: v}
	}
	return out
}

func TestGenerateSides(t *testing.T) {
	p := strategy.Params{MinProb: 0.6, RiskBudget: 0.5, MaxLeverage: 1.0}

	cases := []struct {
		name     string
		vals     []float64
		wantSide string
	}{
		// all quantiles positive: P(up) clamps to 1-0.1 = 0.9
		{"bullish", []float64{0.005, 0.01, 0.02}, SideLong},
		// all negative: P(down) = 0.9
		{"bearish", []float64{-0.02, -0.01, -0.005}, SideShort},
		// centered on zero: both probabilities 0.5, below threshold
		{"uncertain", []float64{-0.01, 0.0, 0.01}, SideFlat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fc := forecast.Forecast{Symbol: "BTC-USD", TS: testBar.TS, Quantiles: quantiles(tc.vals...)}
			sig := Generate(testBar, fc, p)
			if sig.Side != tc.wantSide {
				t.Fatalf("side = %q, want %q", sig.Side, tc.wantSide)
			}
			if tc.wantSide == SideFlat && sig.TargetFrac != 0 {
				t.Fatalf("flat signal must carry zero target, got %v", sig.TargetFrac)
			}
		})
	}
}

func TestGenerateSizing(t *testing.T) {
	fc := forecast.Forecast{Symbol: "BTC-USD", TS: testBar.TS, Quantiles: quantiles(0.005, 0.01, 0.02)}

	p := strategy.Params{MinProb: 0.6, RiskBudget: 0.5, MaxLeverage: 1.0}
	sig := Generate(testBar, fc, p)
	want := 0.5 * 0.9 // budget times confidence
	if sig.TargetFrac != want {
		t.Fatalf("TargetFrac = %v, want %v", sig.TargetFrac, want)
	}

	p.RiskBudget = 2.0
	sig = Generate(testBar, fc, p)
	if sig.TargetFrac != p.MaxLeverage {
		t.Fatalf("TargetFrac = %v, want leverage cap %v", sig.TargetFrac, p.MaxLeverage)
	}
}

func TestGenerateBothSidesPassIsFlat(t *testing.T) {
	// With a loose threshold a symmetric forecast passes both sides.
	// The generator must stand aside instead of guessing.
	p := strategy.Params{MinProb: 0.4, RiskBudget: 0.5, MaxLeverage: 1.0}
	fc := forecast.Forecast{Symbol: "BTC-USD", TS: testBar.TS, Quantiles: quantiles(-0.01, 0.0, 0.01)}

	sig := Generate(testBar, fc, p)
	if sig.Side != SideFlat {
		t.Fatalf("inconsistent forecast must yield flat, got %q", sig.Side)
	}
}

func TestGenerateEmptyForecastIsFlat(t *testing.T) {
	p := strategy.Params{MinProb: 0.6, RiskBudget: 0.5, MaxLeverage: 1.0}
	sig := Generate(testBar, forecast.Forecast{}, p)
	if sig.Side != SideFlat || sig.TargetFrac != 0 {
		t.Fatalf("empty forecast must yield flat, got %+v", sig)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	p := strategy.Params{MinProb: 0.6, RiskBudget: 0.5, MaxLeverage: 1.0}
	fc := forecast.Forecast{Symbol: "BTC-USD", TS: testBar.TS, Quantiles: quantiles(0.005, 0.01, 0.02)}

	first := Generate(testBar, fc, p)
	for i := 0; i < 10; i++ {
		if got := Generate(testBar, fc, p); got != first {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}
