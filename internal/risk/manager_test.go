package risk

import (
	"math"
	"testing"
	"time"

	"github.com/quantfold/engine/internal/market"
	"github.com/quantfold/engine/internal/portfolio"
	"github.com/quantfold/engine/internal/signal"
	"github.com/quantfold/engine/internal/strategy"
)

var day1 = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

func bar(ts time.Time, close float64) market.Bar {
	return market.Bar{Symbol: "BTC-USD", TS: ts, Close: close, High: close, Low: close}
}

func longSig(ts time.Time) signal.Signal {
	return signal.Signal{Symbol: "BTC-USD", TS: ts, Side: signal.SideLong, Confidence: 0.9, TargetFrac: 0.45}
}

func baseParams() strategy.Params {
	return strategy.Params{
		MinProb: 0.6, RiskBudget: 0.5, MaxLeverage: 1.0,
	}
}

func TestDailyLossHaltAndReset(t *testing.T) {
	p := baseParams()
	p.MaxDailyLossFrac = 0.05
	mgr := NewManager(p, 100_000, nil)
	book := portfolio.NewBook(100_000)

	mgr.RecordFill([]portfolio.Trade{{PnL: -6000}})

	if _, ok := mgr.Evaluate(longSig(day1), book, bar(day1, 100), 0); ok {
		t.Fatal("breached daily limit must block new orders")
	}
	if mgr.State().Status != StatusHaltedDaily {
		t.Fatalf("status = %s, want %s", mgr.State().Status, StatusHaltedDaily)
	}

	// Repeated evaluations on the same day stay halted without piling up
	// duplicate transitions.
	later := day1.Add(time.Hour)
	if _, ok := mgr.Evaluate(longSig(later), book, bar(later, 100), 1); ok {
		t.Fatal("halted manager must not issue orders")
	}
	if n := len(mgr.Events()); n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}

	// The next trading day clears the halt and the counter.
	day2 := day1.Add(24 * time.Hour)
	order, ok := mgr.Evaluate(longSig(day2), book, bar(day2, 100), 2)
	if !ok {
		t.Fatal("new day must allow trading again")
	}
	if order.Qty <= 0 {
		t.Fatalf("expected a long order, got %+v", order)
	}
	st := mgr.State()
	if st.Status != StatusActive || st.DailyPnL != 0 {
		t.Fatalf("state after reset: %+v", st)
	}
}

func TestDrawdownHaltLiquidatesAndCoolsDown(t *testing.T) {
	p := baseParams()
	p.MaxDrawdownFrac = 0.20
	p.CooldownBars = 5
	mgr := NewManager(p, 100_000, nil)

	// 21% below the initial peak trips the breaker.
	book := portfolio.NewBook(79_000)
	order, ok := mgr.Evaluate(longSig(day1), book, bar(day1, 100), 10)
	if !ok || !order.CloseAll {
		t.Fatalf("expected a liquidation order, got %+v ok=%v", order, ok)
	}
	if order.Reason != portfolio.ExitRiskLiquidation {
		t.Fatalf("reason = %q", order.Reason)
	}
	if mgr.State().Status != StatusHaltedDrawdown {
		t.Fatalf("status = %s", mgr.State().Status)
	}
	if mgr.State().CooldownUntilBar != 15 {
		t.Fatalf("cooldown until bar %d, want 15", mgr.State().CooldownUntilBar)
	}

	mgr.RecordLiquidation(nil, day1)
	if mgr.State().Status != StatusCooldown {
		t.Fatalf("status after liquidation = %s", mgr.State().Status)
	}

	// Still cooling down at bar 14.
	if _, ok := mgr.Evaluate(longSig(day1), book, bar(day1, 100), 14); ok {
		t.Fatal("cooldown must block orders")
	}

	// Bar 15 resumes and the peak re-bases, so the old drawdown does not
	// trip again immediately.
	order, ok = mgr.Evaluate(longSig(day1), book, bar(day1, 100), 15)
	if !ok || order.CloseAll {
		t.Fatalf("expected a fresh entry after cooldown, got %+v ok=%v", order, ok)
	}
	if mgr.State().Status != StatusActive {
		t.Fatalf("status = %s", mgr.State().Status)
	}
}

func TestDrawdownBelowThresholdDoesNotTrip(t *testing.T) {
	p := baseParams()
	p.MaxDrawdownFrac = 0.20
	mgr := NewManager(p, 100_000, nil)

	book := portfolio.NewBook(81_000) // 19% below peak
	flat := signal.Signal{Symbol: "BTC-USD", TS: day1, Side: signal.SideFlat}
	if _, ok := mgr.Evaluate(flat, book, bar(day1, 100), 0); ok {
		t.Fatal("flat signal must be a no-op")
	}
	if mgr.State().Status != StatusActive {
		t.Fatalf("status = %s, want active", mgr.State().Status)
	}
}

func TestSizingAndSameSideHold(t *testing.T) {
	mgr := NewManager(baseParams(), 100_000, nil)
	book := portfolio.NewBook(100_000)

	order, ok := mgr.Evaluate(longSig(day1), book, bar(day1, 100), 0)
	if !ok {
		t.Fatal("expected an entry order")
	}
	// 0.45 of equity at price 100.
	if order.Qty != 450 {
		t.Fatalf("qty = %v, want 450", order.Qty)
	}
	if order.Reason != "entry" {
		t.Fatalf("reason = %q", order.Reason)
	}

	book.Execute("BTC-USD", order.Qty, 100, 0, day1, "")
	book.MarkPrice("BTC-USD", 100)

	// Same-side signal holds rather than resizing.
	if _, ok := mgr.Evaluate(longSig(day1), book, bar(day1, 100), 1); ok {
		t.Fatal("same-side signal must not produce an order")
	}

	// An opposite signal closes and flips in one order.
	short := signal.Signal{Symbol: "BTC-USD", TS: day1, Side: signal.SideShort, Confidence: 0.9, TargetFrac: 0.45}
	order, ok = mgr.Evaluate(short, book, bar(day1, 100), 2)
	if !ok {
		t.Fatal("expected a reversal order")
	}
	if order.Qty != -900 {
		t.Fatalf("flip qty = %v, want -900", order.Qty)
	}
	if order.Reason != portfolio.ExitSignalReversal {
		t.Fatalf("reason = %q", order.Reason)
	}
}

func TestLeverageCapScalesOrders(t *testing.T) {
	p := baseParams()
	p.MaxLeverage = 0.3
	mgr := NewManager(p, 100_000, nil)
	book := portfolio.NewBook(100_000)

	sig := longSig(day1)
	sig.TargetFrac = 0.9 // above the cap
	order, ok := mgr.Evaluate(sig, book, bar(day1, 100), 0)
	if !ok {
		t.Fatal("expected an order")
	}
	if order.Qty != 300 {
		t.Fatalf("qty = %v, want 300 (0.3 of equity at 100)", order.Qty)
	}
}

func TestProtectiveExits(t *testing.T) {
	mgr := NewManager(baseParams(), 100_000, nil)
	book := portfolio.NewBook(100_000)
	book.Execute("BTC-USD", 10, 100, 0, day1, "")
	book.SetProtection("BTC-USD", 95, 120)

	b := market.Bar{Symbol: "BTC-USD", TS: day1, Close: 96, High: 97, Low: 94}
	order, ok := mgr.CheckProtectiveExits(b, book)
	if !ok || order.Qty != -10 || order.Price != 95 || order.Reason != portfolio.ExitStopLoss {
		t.Fatalf("stop not honored: %+v ok=%v", order, ok)
	}

	b = market.Bar{Symbol: "BTC-USD", TS: day1, Close: 121, High: 125, Low: 100}
	order, ok = mgr.CheckProtectiveExits(b, book)
	if !ok || order.Price != 120 || order.Reason != portfolio.ExitTakeProfit {
		t.Fatalf("target not honored: %+v ok=%v", order, ok)
	}

	// No position, no exit.
	empty := portfolio.NewBook(100_000)
	if _, ok := mgr.CheckProtectiveExits(b, empty); ok {
		t.Fatal("no position must mean no exit order")
	}
}

func TestProtectionLevels(t *testing.T) {
	p := baseParams()
	p.StopLossFrac = 0.05
	p.TakeProfitFrac = 0.10
	mgr := NewManager(p, 100_000, nil)

	// Levels are derived in floating point, so compare with a tolerance.
	near := func(got, want float64) bool { return math.Abs(got-want) < 1e-9 }

	stop, target := mgr.Protection(100, signal.SideLong)
	if !near(stop, 95) || !near(target, 110) {
		t.Fatalf("long protection = %v/%v", stop, target)
	}
	stop, target = mgr.Protection(100, signal.SideShort)
	if !near(stop, 105) || !near(target, 90) {
		t.Fatalf("short protection = %v/%v", stop, target)
	}
}

func TestEventIDsAreDeterministic(t *testing.T) {
	p := baseParams()
	p.MaxDailyLossFrac = 0.05
	mgr := NewManager(p, 100_000, nil)
	book := portfolio.NewBook(100_000)

	mgr.RecordFill([]portfolio.Trade{{PnL: -6000}})
	mgr.Evaluate(longSig(day1), book, bar(day1, 100), 0)

	events := mgr.Events()
	if len(events) != 1 || events[0].ID != "re-0001" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].From != StatusActive || events[0].To != StatusHaltedDaily {
		t.Fatalf("unexpected transition: %+v", events[0])
	}
}

func TestRestoreState(t *testing.T) {
	mgr := NewManager(baseParams(), 100_000, nil)
	mgr.RestoreState(State{Status: StatusCooldown, CooldownUntilBar: 40, PeakEquity: 90_000, DailyDate: "2025-06-02"})

	book := portfolio.NewBook(90_000)
	if _, ok := mgr.Evaluate(longSig(day1), book, bar(day1, 100), 10); ok {
		t.Fatal("restored cooldown must still block orders")
	}
	if mgr.State().Status != StatusCooldown {
		t.Fatalf("status = %s", mgr.State().Status)
	}
}
