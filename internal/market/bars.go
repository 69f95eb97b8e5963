package market

import (
	"context"
	"fmt"
	"time"
)

// Bar is one OHLCV candle for a single symbol.
type Bar struct {
	Symbol string    `json:"symbol"`
	TS     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Series is an ordered sequence of bars for one symbol.
// Invariant: strictly increasing timestamps, no duplicates.
type Series []Bar

// Validate checks the series ordering invariant.
func (s Series) Validate() error {
	for i := 1; i < len(s); i++ {
		if !s[i].TS.After(s[i-1].TS) {
			return fmt.Errorf("market: series out of order at index %d: %s then %s",
				i, s[i-1].TS.Format(time.RFC3339), s[i].TS.Format(time.RFC3339))
		}
		if s[i].Symbol != s[0].Symbol {
			return fmt.Errorf("market: mixed symbols in series: %s and %s", s[0].Symbol, s[i].Symbol)
		}
	}
	return nil
}

// Interval estimates the bar spacing from the median gap. Zero for
// series shorter than two bars.
func (s Series) Interval() time.Duration {
	if len(s) < 2 {
		return 0
	}
	gaps := make([]time.Duration, 0, len(s)-1)
	for i := 1; i < len(s); i++ {
		gaps = append(gaps, s[i].TS.Sub(s[i-1].TS))
	}
	// insertion sort, the slice is small and usually constant
	for i := 1; i < len(gaps); i++ {
		for j := i; j > 0 && gaps[j] < gaps[j-1]; j-- {
			gaps[j], gaps[j-1] = gaps[j-1], gaps[j]
		}
	}
	return gaps[len(gaps)/2]
}

// Feed supplies historical bars for backtests and the most recent bar
// for paper trading. Implementations live outside the core engine.
type Feed interface {
	Bars(ctx context.Context, symbol string, from, to time.Time) (Series, error)
	Latest(ctx context.Context, symbol string) (Bar, bool, error)
}
