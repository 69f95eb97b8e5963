package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/quantfold/engine/internal/market"
	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/portfolio"
	"github.com/quantfold/engine/internal/signal"
	"github.com/quantfold/engine/internal/strategy"
)

// Order is a sized instruction for the owning engine to execute against
// its position book. Qty is a signed delta; a close-and-flip is one
// order whose delta crosses zero, never two independent legs.
type Order struct {
	Symbol   string  `json:"symbol"`
	Qty      float64 `json:"qty"`
	Price    float64 `json:"price,omitempty"` // 0: fill at the bar close
	Reason   string  `json:"reason"`
	CloseAll bool    `json:"close_all,omitempty"`
}

// Manager converts raw signals into sized orders under hard loss
// limits. One manager per run/session; it owns that run's State.
type Manager struct {
	params  strategy.Params
	capital float64
	state   State

	sink     EventSink
	events   []Event
	eventSeq int64

	// clock overrides the daily-reset boundary source. Backtests leave
	// it nil and reset on bar-date changes; paper sessions install
	// wall-clock time.
	clock func() time.Time
}

// NewManager creates a risk manager for a run starting with the given
// capital. A nil sink keeps events in memory only.
func NewManager(params strategy.Params, capital float64, sink EventSink) *Manager {
	return &Manager{
		params:  params,
		capital: capital,
		sink:    sink,
		state: State{
			Status:     StatusActive,
			PeakEquity: capital,
		},
	}
}

// WithClock installs a wall-clock source for the daily-reset boundary.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.clock = now
	return m
}

// State returns a copy of the current risk state.
func (m *Manager) State() State { return m.state }

// RestoreState rehydrates checkpointed risk state, preserving
// halt/cooldown status across a process restart.
func (m *Manager) RestoreState(s State) { m.state = s }

// Events returns all transitions recorded so far.
func (m *Manager) Events() []Event {
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Evaluate applies the risk state machine to one signal and, when
// trading is allowed, sizes an order. The bool result is false for a
// no-op. A CloseAll order means a drawdown halt fired: the caller must
// liquidate everything, then call RecordLiquidation.
func (m *Manager) Evaluate(sig signal.Signal, book *portfolio.Book, bar market.Bar, barIndex int) (Order, bool) {
	now := bar.TS
	if m.clock != nil {
		now = m.clock()
	}
	m.rollDay(now)

	if m.state.Status == StatusCooldown && barIndex >= m.state.CooldownUntilBar {
		m.transition(StatusActive, "cooldown_elapsed", float64(barIndex), now)
	}

	equity := book.Equity()
	if equity > m.state.PeakEquity {
		m.state.PeakEquity = equity
	}

	if m.state.Status == StatusActive {
		if limit := m.params.MaxDailyLossFrac * m.capital; limit > 0 && m.state.DailyPnL <= -limit {
			m.transition(StatusHaltedDaily, "daily_loss_limit", m.state.DailyPnL, now)
			return Order{}, false
		}
		if m.params.MaxDrawdownFrac > 0 && m.state.PeakEquity > 0 {
			dd := (m.state.PeakEquity - equity) / m.state.PeakEquity
			if dd >= m.params.MaxDrawdownFrac {
				m.transition(StatusHaltedDrawdown, "max_drawdown", dd, now)
				m.state.CooldownUntilBar = barIndex + m.params.CooldownBars
				return Order{CloseAll: true, Reason: portfolio.ExitRiskLiquidation}, true
			}
		}
	}

	if m.state.Status != StatusActive {
		return Order{}, false
	}

	if sig.Side == signal.SideFlat || sig.TargetFrac <= 0 {
		return Order{}, false
	}
	price := bar.Close
	if price <= 0 {
		return Order{}, false
	}

	pos, has := book.Position(sig.Symbol)
	if has && pos.Side() == sig.Side {
		// Same-side conviction holds the position; resizing on every
		// confidence wiggle would just churn commissions.
		return Order{}, false
	}

	frac := math.Min(sig.TargetFrac, m.params.MaxLeverage)
	targetQty := frac * equity / price
	if sig.Side == signal.SideShort {
		targetQty = -targetQty
	}

	// Respect the gross leverage cap across the whole book.
	otherExposure := book.Exposure() - math.Abs(pos.Qty)*price
	allowed := m.params.MaxLeverage*equity - otherExposure
	if allowed <= 0 {
		return Order{}, false
	}
	if math.Abs(targetQty)*price > allowed {
		targetQty = math.Copysign(allowed/price, targetQty)
	}

	delta := targetQty - pos.Qty
	if delta == 0 {
		return Order{}, false
	}
	reason := "entry"
	if has {
		reason = portfolio.ExitSignalReversal
	}
	return Order{Symbol: sig.Symbol, Qty: delta, Reason: reason}, true
}

// CheckProtectiveExits closes a position whose attached stop or target
// level was crossed inside the bar. Returns a no-op when nothing fired.
// Exits run even while halted: they only ever reduce risk.
func (m *Manager) CheckProtectiveExits(bar market.Bar, book *portfolio.Book) (Order, bool) {
	pos, ok := book.Position(bar.Symbol)
	if !ok {
		return Order{}, false
	}
	long := pos.Qty > 0
	if pos.Stop > 0 {
		if (long && bar.Low <= pos.Stop) || (!long && bar.High >= pos.Stop) {
			return Order{Symbol: bar.Symbol, Qty: -pos.Qty, Price: pos.Stop, Reason: portfolio.ExitStopLoss}, true
		}
	}
	if pos.Target > 0 {
		if (long && bar.High >= pos.Target) || (!long && bar.Low <= pos.Target) {
			return Order{Symbol: bar.Symbol, Qty: -pos.Qty, Price: pos.Target, Reason: portfolio.ExitTakeProfit}, true
		}
	}
	return Order{}, false
}

// Protection derives stop/target levels for a fresh fill from strategy
// params. Zero means disabled.
func (m *Manager) Protection(entryPrice float64, side string) (stop, target float64) {
	if m.params.StopLossFrac > 0 {
		if side == signal.SideLong {
			stop = entryPrice * (1 - m.params.StopLossFrac)
		} else {
			stop = entryPrice * (1 + m.params.StopLossFrac)
		}
	}
	if m.params.TakeProfitFrac > 0 {
		if side == signal.SideLong {
			target = entryPrice * (1 + m.params.TakeProfitFrac)
		} else {
			target = entryPrice * (1 - m.params.TakeProfitFrac)
		}
	}
	return stop, target
}

// RecordFill folds realized P&L from executed trades into the daily
// counter.
func (m *Manager) RecordFill(trades []portfolio.Trade) {
	for _, t := range trades {
		m.state.DailyPnL += t.PnL
	}
}

// RecordLiquidation completes a drawdown halt once the caller has
// force-closed all positions, moving the state machine into cooldown.
func (m *Manager) RecordLiquidation(trades []portfolio.Trade, ts time.Time) {
	m.RecordFill(trades)
	if m.state.Status == StatusHaltedDrawdown {
		m.transition(StatusCooldown, "liquidation_complete", float64(len(trades)), ts)
		// Re-base the peak at the next evaluation. Measuring drawdown
		// against the pre-halt peak would trip again the moment cooldown
		// expires.
		m.state.PeakEquity = 0
	}
}

func (m *Manager) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if m.state.DailyDate == "" {
		m.state.DailyDate = day
		return
	}
	if m.state.DailyDate == day {
		return
	}
	m.state.DailyDate = day
	m.state.DailyPnL = 0
	if m.state.Status == StatusHaltedDaily {
		m.transition(StatusActive, "daily_reset", 0, now)
	}
}

func (m *Manager) transition(to Status, reason string, metric float64, ts time.Time) {
	from := m.state.Status
	m.state.Status = to
	if to == StatusHaltedDaily || to == StatusHaltedDrawdown {
		m.state.Halts++
	}

	m.eventSeq++
	ev := Event{
		ID:     fmt.Sprintf("re-%04d", m.eventSeq),
		TS:     ts,
		From:   from,
		To:     to,
		Reason: reason,
		Metric: metric,
	}
	m.events = append(m.events, ev)
	if m.sink != nil {
		m.sink.Emit(ev)
	}

	observ.Log("risk_transition", map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
		"metric": metric,
	})
	observ.IncCounter("risk_transitions_total", map[string]string{
		"from": string(from), "to": string(to), "reason": reason,
	})
}
