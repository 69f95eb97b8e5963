package forecast

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestNormalizeSortsAndRepairs(t *testing.T) {
	fc := Forecast{
		Symbol: "BTC-USD",
		TS:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Quantiles: []Quantile{
			{Level: 0.9, Value: 0.03},
			{Level: 0.1, Value: -0.02},
			{Level: 0.5, Value: -0.03}, // inverted against the 10% quantile
		},
	}
	repaired := fc.Normalize()
	if !repaired {
		t.Fatal("expected repair to be reported")
	}
	if fc.Quantiles[0].Level != 0.1 || fc.Quantiles[2].Level != 0.9 {
		t.Fatalf("quantiles not sorted by level: %+v", fc.Quantiles)
	}
	for i := 1; i < len(fc.Quantiles); i++ {
		if fc.Quantiles[i].Value < fc.Quantiles[i-1].Value {
			t.Fatalf("values not monotone after repair: %+v", fc.Quantiles)
		}
	}

	clean := Forecast{Quantiles: []Quantile{
		{Level: 0.1, Value: -0.02}, {Level: 0.5, Value: 0.01}, {Level: 0.9, Value: 0.03},
	}}
	if clean.Normalize() {
		t.Fatal("monotone forecast should not report a repair")
	}
}

func TestProbAboveInterpolates(t *testing.T) {
	fc := Forecast{Quantiles: []Quantile{
		{Level: 0.1, Value: -0.02},
		{Level: 0.5, Value: 0.01},
		{Level: 0.9, Value: 0.03},
	}}

	// 0 sits two thirds of the way from -0.02 to 0.01, so the CDF level
	// is 0.1 + (2/3)*0.4 and the mass above is the complement.
	want := 1 - (0.1 + (2.0/3.0)*0.4)
	if got := fc.ProbAbove(0); !almostEqual(got, want) {
		t.Fatalf("ProbAbove(0) = %v, want %v", got, want)
	}
	if got := fc.ProbBelow(0); !almostEqual(got, 1-want) {
		t.Fatalf("ProbBelow(0) = %v, want %v", got, 1-want)
	}
}

func TestProbAboveClampsOutsideRange(t *testing.T) {
	fc := Forecast{Quantiles: []Quantile{
		{Level: 0.1, Value: -0.02},
		{Level: 0.9, Value: 0.03},
	}}
	cases := []struct {
		name string
		x    float64
		want float64
	}{
		{"below lowest quantile", -0.5, 0.9},
		{"above highest quantile", 0.5, 0.1},
		{"exactly highest quantile", 0.03, 0.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := fc.ProbAbove(tc.x); !almostEqual(got, tc.want) {
				t.Fatalf("ProbAbove(%v) = %v, want %v", tc.x, got, tc.want)
			}
		})
	}
}

func TestProbAboveEmptyForecast(t *testing.T) {
	var fc Forecast
	if got := fc.ProbAbove(0); got != 0 {
		t.Fatalf("ProbAbove on empty forecast = %v, want 0", got)
	}
	if got := fc.ProbBelow(0); got != 0 {
		t.Fatalf("ProbBelow on empty forecast = %v, want 0", got)
	}
}

func TestIndexKeysByUTCTimestamp(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	offset := ts.In(time.FixedZone("UTC+2", 2*3600))

	idx := Index([]Forecast{
		{Symbol: "BTC-USD", TS: ts, Quantiles: []Quantile{{Level: 0.5, Value: 0.01}}},
		// Same instant in another zone must overwrite, not duplicate.
		{Symbol: "BTC-USD", TS: offset, Quantiles: []Quantile{{Level: 0.5, Value: 0.02}}},
	})
	if len(idx) != 1 {
		t.Fatalf("index has %d entries, want 1", len(idx))
	}
	fc, ok := idx[ts.UTC()]
	if !ok {
		t.Fatal("lookup by UTC timestamp missed")
	}
	if fc.Quantiles[0].Value != 0.02 {
		t.Fatalf("later entry must win, got %v", fc.Quantiles[0].Value)
	}
}

func TestMapProviderUnavailable(t *testing.T) {
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	p := NewMapProvider([]Forecast{{Symbol: "BTC-USD", TS: ts, Quantiles: []Quantile{{Level: 0.5, Value: 0.01}}}})

	if _, err := p.Forecast(t.Context(), "BTC-USD", ts, 1); err != nil {
		t.Fatalf("expected hit, got %v", err)
	}
	_, err := p.Forecast(t.Context(), "BTC-USD", ts.Add(time.Hour), 1)
	if !IsUnavailable(err) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	_, err = p.Forecast(t.Context(), "ETH-USD", ts, 1)
	if !IsUnavailable(err) {
		t.Fatalf("expected UnavailableError for unknown symbol, got %v", err)
	}
}

func TestRateLimitedProviderFailsFast(t *testing.T) {
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	inner := NewMapProvider([]Forecast{{Symbol: "BTC-USD", TS: ts, Quantiles: []Quantile{{Level: 0.5, Value: 0.01}}}})
	p := WithRateLimit(inner, 1) // burst of one request

	if _, err := p.Forecast(t.Context(), "BTC-USD", ts, 1); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	_, err := p.Forecast(t.Context(), "BTC-USD", ts, 1)
	if !IsUnavailable(err) {
		t.Fatalf("over-budget call should be unavailable, got %v", err)
	}
}
