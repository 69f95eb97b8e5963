package forecast

import (
	"sort"
	"time"
)

// Quantile is one point of a distributional forecast: the predicted
// return at a fixed probability level.
type Quantile struct {
	Level float64 `json:"level"` // e.g. 0.10, 0.50, 0.90
	Value float64 `json:"value"` // predicted return at that level
}

// Forecast is a quantile forecast for one symbol at one bar.
// Invariant after Normalize: Quantiles sorted by level, values
// non-decreasing in level.
type Forecast struct {
	Symbol    string     `json:"symbol"`
	TS        time.Time  `json:"ts"`
	Horizon   int        `json:"horizon"` // bars ahead
	Quantiles []Quantile `json:"quantiles"`
}

// Normalize sorts quantiles by level and repairs inverted values by
// clipping each value to be at least the previous one. Returns true if
// any value had to be clipped, so callers can surface the data-quality
// issue.
func (f *Forecast) Normalize() bool {
	sort.Slice(f.Quantiles, func(i, j int) bool {
		return f.Quantiles[i].Level < f.Quantiles[j].Level
	})
	repaired := false
	for i := 1; i < len(f.Quantiles); i++ {
		if f.Quantiles[i].Value < f.Quantiles[i-1].Value {
			f.Quantiles[i].Value = f.Quantiles[i-1].Value
			repaired = true
		}
	}
	return repaired
}

// ProbAbove returns the probability mass of the forecast distribution
// above x, interpolating linearly between the two quantile levels
// bracketing x. When x falls outside the known quantile range the
// result clamps to the nearest extreme level. Quantiles must be
// normalized first.
func (f Forecast) ProbAbove(x float64) float64 {
	q := f.Quantiles
	if len(q) == 0 {
		return 0
	}
	if x < q[0].Value {
		return 1 - q[0].Level
	}
	if x >= q[len(q)-1].Value {
		return 1 - q[len(q)-1].Level
	}
	for i := 1; i < len(q); i++ {
		lo, hi := q[i-1], q[i]
		if x >= hi.Value {
			continue
		}
		// x is in [lo.Value, hi.Value)
		if hi.Value == lo.Value {
			return 1 - hi.Level
		}
		frac := (x - lo.Value) / (hi.Value - lo.Value)
		level := lo.Level + frac*(hi.Level-lo.Level)
		return 1 - level
	}
	return 1 - q[len(q)-1].Level
}

// ProbBelow is the complementary mass below x.
func (f Forecast) ProbBelow(x float64) float64 {
	if len(f.Quantiles) == 0 {
		return 0
	}
	return 1 - f.ProbAbove(x)
}

// Index keys forecasts by timestamp for single-symbol walk-forward
// lookups. Later entries win on duplicate timestamps.
func Index(fcs []Forecast) map[time.Time]Forecast {
	m := make(map[time.Time]Forecast, len(fcs))
	for _, fc := range fcs {
		m[fc.TS.UTC()] = fc
	}
	return m
}
