package market

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

// LoadCSV reads bars from a CSV file with the header
// ts,open,high,low,close,volume. Timestamps are RFC 3339.
func LoadCSV(path, symbol string) (Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("market.LoadCSV: open %q: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("market.LoadCSV: read header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"ts", "open", "high", "low", "close", "volume"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("market.LoadCSV: %q missing column %q", path, required)
		}
	}

	var series Series
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("market.LoadCSV: line %d: %w", line, err)
		}
		line++

		ts, err := time.Parse(time.RFC3339, rec[col["ts"]])
		if err != nil {
			return nil, fmt.Errorf("market.LoadCSV: line %d: bad timestamp: %w", line, err)
		}
		bar := Bar{Symbol: symbol, TS: ts}
		for _, f := range []struct {
			name string
			dst  *float64
		}{
			{"open", &bar.Open}, {"high", &bar.High}, {"low", &bar.Low},
			{"close", &bar.Close}, {"volume", &bar.Volume},
		} {
			v, err := strconv.ParseFloat(rec[col[f.name]], 64)
			if err != nil {
				return nil, fmt.Errorf("market.LoadCSV: line %d: bad %s: %w", line, f.name, err)
			}
			*f.dst = v
		}
		series = append(series, bar)
	}

	if err := series.Validate(); err != nil {
		return nil, err
	}
	return series, nil
}

// ReplayFeed serves a preloaded series as a Feed, advancing one bar per
// Latest call. Used by the paper daemon to replay recorded sessions.
type ReplayFeed struct {
	mu     sync.Mutex
	series map[string]Series
	cursor map[string]int
}

func NewReplayFeed() *ReplayFeed {
	return &ReplayFeed{
		series: make(map[string]Series),
		cursor: make(map[string]int),
	}
}

// Add registers a series for a symbol. Replaces any existing series and
// resets the replay cursor.
func (f *ReplayFeed) Add(symbol string, s Series) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.series[symbol] = s
	f.cursor[symbol] = 0
	return nil
}

func (f *ReplayFeed) Bars(_ context.Context, symbol string, from, to time.Time) (Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[symbol]
	if !ok {
		return nil, fmt.Errorf("market.ReplayFeed: unknown symbol %q", symbol)
	}
	var out Series
	for _, b := range s {
		if b.TS.Before(from) || b.TS.After(to) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Latest returns the next unconsumed bar, or ok=false once the replay
// is exhausted.
func (f *ReplayFeed) Latest(_ context.Context, symbol string) (Bar, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[symbol]
	if !ok {
		return Bar{}, false, fmt.Errorf("market.ReplayFeed: unknown symbol %q", symbol)
	}
	i := f.cursor[symbol]
	if i >= len(s) {
		return Bar{}, false, nil
	}
	f.cursor[symbol] = i + 1
	return s[i], true, nil
}
