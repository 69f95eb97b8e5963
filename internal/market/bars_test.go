package market

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var base = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

func mkSeries(gaps ...time.Duration) Series {
	s := Series{{Symbol: "BTC-USD", TS: base, Close: 100}}
	ts := base
	for _, g := range gaps {
		ts = ts.Add(g)
		s = append(s, Bar{Symbol: "BTC-USD", TS: ts, Close: 100})
	}
	return s
}

func TestSeriesValidate(t *testing.T) {
	if err := mkSeries(time.Hour, time.Hour).Validate(); err != nil {
		t.Fatalf("ordered series rejected: %v", err)
	}

	dup := mkSeries(time.Hour)
	dup = append(dup, dup[1])
	if err := dup.Validate(); err == nil {
		t.Fatal("duplicate timestamp must be rejected")
	}

	mixed := mkSeries(time.Hour)
	mixed = append(mixed, Bar{Symbol: "ETH-USD", TS: base.Add(2 * time.Hour)})
	if err := mixed.Validate(); err == nil {
		t.Fatal("mixed symbols must be rejected")
	}
}

func TestSeriesInterval(t *testing.T) {
	// Median spacing survives a single gap from a data outage.
	s := mkSeries(time.Hour, time.Hour, 5*time.Hour, time.Hour)
	if got := s.Interval(); got != time.Hour {
		t.Fatalf("interval = %v, want 1h", got)
	}
	if got := (Series{}).Interval(); got != 0 {
		t.Fatalf("empty interval = %v", got)
	}
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.csv")
	content := `ts,open,high,low,close,volume
2025-06-02T00:00:00Z,100,101,99,100.5,1200
2025-06-02T01:00:00Z,100.5,102,100,101.5,900
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	bars, err := LoadCSV(path, "BTC-USD")
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if len(bars) != 2 || bars[1].Close != 101.5 || bars[0].Symbol != "BTC-USD" {
		t.Fatalf("unexpected bars: %+v", bars)
	}

	// Out-of-order rows are a validation error, not silently accepted.
	bad := `ts,open,high,low,close,volume
2025-06-02T01:00:00Z,100,101,99,100.5,1200
2025-06-02T00:00:00Z,100.5,102,100,101.5,900
`
	badPath := filepath.Join(t.TempDir(), "bad.csv")
	if err := os.WriteFile(badPath, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCSV(badPath, "BTC-USD"); err == nil {
		t.Fatal("out-of-order bars must be rejected")
	}
}

func TestReplayFeed(t *testing.T) {
	feed := NewReplayFeed()
	s := mkSeries(time.Hour, time.Hour)
	if err := feed.Add("BTC-USD", s); err != nil {
		t.Fatalf("Add: %v", err)
	}

	for i := 0; i < len(s); i++ {
		bar, ok, err := feed.Latest(t.Context(), "BTC-USD")
		if err != nil || !ok {
			t.Fatalf("Latest %d: ok=%v err=%v", i, ok, err)
		}
		if !bar.TS.Equal(s[i].TS) {
			t.Fatalf("bar %d out of order", i)
		}
	}
	if _, ok, _ := feed.Latest(t.Context(), "BTC-USD"); ok {
		t.Fatal("exhausted replay must report no bar")
	}

	if _, _, err := feed.Latest(t.Context(), "ETH-USD"); err == nil {
		t.Fatal("unknown symbol must error")
	}

	window, err := feed.Bars(t.Context(), "BTC-USD", base, base.Add(time.Hour))
	if err != nil || len(window) != 2 {
		t.Fatalf("Bars window: %d err=%v", len(window), err)
	}
}
