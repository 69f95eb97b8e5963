package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/engine/internal/backtest"
	"github.com/quantfold/engine/internal/costs"
	"github.com/quantfold/engine/internal/forecast"
	"github.com/quantfold/engine/internal/market"
	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/portfolio"
	"github.com/quantfold/engine/internal/risk"
	"github.com/quantfold/engine/internal/signal"
	"github.com/quantfold/engine/internal/strategy"
)

// Session lifecycle states.
const (
	StateCreated = "created"
	StateRunning = "running"
	StateStopped = "stopped"
)

// Session is one live paper-trading run against streaming bars. All
// mutation goes through the session mutex, so ticks are serialized per
// session while independent sessions tick in parallel.
type Session struct {
	ID     string
	Symbol string

	mu        sync.Mutex
	state     string
	strat     strategy.Strategy
	cost      costs.Model
	capital   float64
	book      *portfolio.Book
	mgr       *risk.Manager
	curve     []backtest.EquityPoint
	lastPrice map[string]float64
	barCount  int
	skipped   int
	lastBarTS time.Time
	createdAt time.Time
	clock     func() time.Time
}

// Status is a point-in-time view of a session, safe to serialize.
type Status struct {
	ID        string               `json:"id"`
	Symbol    string               `json:"symbol"`
	State     string               `json:"state"`
	Equity    float64              `json:"equity"`
	Cash      float64              `json:"cash"`
	Positions []portfolio.Position `json:"positions"`
	Risk      risk.State           `json:"risk"`
	Bars      int                  `json:"bars"`
	Skipped   int                  `json:"skipped_bars"`
	Trades    int                  `json:"trades"`
	LastBarTS time.Time            `json:"last_bar_ts"`
	CreatedAt time.Time            `json:"created_at"`
}

// Summary is the final report produced when a session stops.
type Summary struct {
	ID          string            `json:"id"`
	Symbol      string            `json:"symbol"`
	FinalEquity float64           `json:"final_equity"`
	Metrics     backtest.Metrics  `json:"metrics"`
	Trades      []portfolio.Trade `json:"trades"`
	RiskEvents  []risk.Event      `json:"risk_events"`
}

// NewSession validates the configuration and creates a session in the
// CREATED state. clock supplies wall time; pass time.Now outside tests.
// sink receives risk transitions; nil falls back to the structured log.
func NewSession(symbol string, strat strategy.Strategy, cost costs.Model, capital float64, clock func() time.Time, sink risk.EventSink) (*Session, error) {
	if err := strat.Params.Validate(); err != nil {
		return nil, fmt.Errorf("paper.NewSession: %w", err)
	}
	if err := cost.Validate(); err != nil {
		return nil, fmt.Errorf("paper.NewSession: %w", err)
	}
	if capital <= 0 {
		return nil, &strategy.InvalidConfigurationError{Field: "capital", Reason: "must be positive"}
	}
	if symbol == "" {
		return nil, &strategy.InvalidConfigurationError{Field: "symbol", Reason: "must not be empty"}
	}
	if clock == nil {
		clock = time.Now
	}
	if sink == nil {
		sink = risk.LogSink{}
	}
	s := &Session{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		state:     StateCreated,
		strat:     strat,
		cost:      cost,
		capital:   capital,
		book:      portfolio.NewBook(capital),
		mgr:       risk.NewManager(strat.Params, capital, sink).WithClock(clock),
		lastPrice: make(map[string]float64),
		createdAt: clock(),
		clock:     clock,
	}
	observ.Log("paper_session_created", map[string]any{"id": s.ID, "symbol": symbol, "strategy": strat.Name})
	observ.IncCounter("paper_sessions_total", map[string]string{"symbol": symbol})
	return s, nil
}

// Start moves the session into RUNNING. Stopped sessions stay stopped.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return fmt.Errorf("paper: session %s already stopped", s.ID)
	}
	s.state = StateRunning
	observ.Log("paper_session_started", map[string]any{"id": s.ID})
	return nil
}

// Tick pulls the latest bar and its forecast and advances the session
// one step. A tick never blocks on a slow provider: unavailable
// forecasts are skipped and counted, not retried inline. Ticks on a
// non-running session are no-ops.
func (s *Session) Tick(ctx context.Context, feed market.Feed, provider forecast.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return nil
	}

	bar, ok, err := feed.Latest(ctx, s.Symbol)
	if err != nil {
		return fmt.Errorf("paper.Tick: %w", err)
	}
	if !ok || !bar.TS.After(s.lastBarTS) {
		return nil
	}
	s.lastBarTS = bar.TS
	s.book.MarkPrice(bar.Symbol, bar.Close)
	s.lastPrice[bar.Symbol] = bar.Close

	if s.barCount < s.strat.Params.WarmupBars {
		s.advance(bar.TS)
		return nil
	}

	if order, fired := s.mgr.CheckProtectiveExits(bar, s.book); fired {
		fill, comm := s.cost.Fill(order.Price, order.Qty)
		trades := s.book.Execute(order.Symbol, order.Qty, fill, comm, bar.TS, order.Reason)
		s.mgr.RecordFill(trades)
		s.advance(bar.TS)
		return nil
	}

	fc, err := provider.Forecast(ctx, s.Symbol, bar.TS, 1)
	if err != nil {
		if forecast.IsUnavailable(err) {
			s.skipped++
			observ.IncCounter("forecast_missing_total", map[string]string{"symbol": s.Symbol})
			s.advance(bar.TS)
			return nil
		}
		return fmt.Errorf("paper.Tick: %w", err)
	}
	if fc.Normalize() {
		observ.IncCounter("forecast_repaired_total", map[string]string{"symbol": s.Symbol})
	}

	sig := signal.Generate(bar, fc, s.strat.Params)
	if order, ok := s.mgr.Evaluate(sig, s.book, bar, s.barCount); ok {
		if order.CloseAll {
			trades := backtest.CloseAll(s.book, s.cost, bar.TS, order.Reason, s.price)
			s.mgr.RecordLiquidation(trades, bar.TS)
		} else {
			fill, comm := s.cost.Fill(bar.Close, order.Qty)
			trades := s.book.Execute(order.Symbol, order.Qty, fill, comm, bar.TS, order.Reason)
			s.mgr.RecordFill(trades)
			if pos, open := s.book.Position(order.Symbol); open {
				stop, target := s.mgr.Protection(fill, pos.Side())
				s.book.SetProtection(order.Symbol, stop, target)
			}
		}
	}
	s.advance(bar.TS)
	return nil
}

// advance records equity and moves the bar counter. Callers hold s.mu.
func (s *Session) advance(ts time.Time) {
	eq := s.book.Equity()
	s.curve = append(s.curve, backtest.EquityPoint{TS: ts, Equity: eq})
	s.barCount++
	observ.SetGauge("paper_session_equity", eq, map[string]string{"session": s.ID})
}

func (s *Session) price(symbol string) float64 { return s.lastPrice[symbol] }

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:        s.ID,
		Symbol:    s.Symbol,
		State:     s.state,
		Equity:    s.book.Equity(),
		Cash:      s.book.Cash(),
		Positions: s.book.Positions(),
		Risk:      s.mgr.State(),
		Bars:      s.barCount,
		Skipped:   s.skipped,
		Trades:    len(s.book.Trades()),
		LastBarTS: s.lastBarTS,
		CreatedAt: s.createdAt,
	}
}

// Stop force-closes all open positions at the last seen prices and
// returns the final summary. It waits for any in-flight tick; no tick
// runs after Stop returns. Stopping twice returns the same summary.
func (s *Session) Stop() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		trades := backtest.CloseAll(s.book, s.cost, s.clock(), portfolio.ExitSessionEnd, s.price)
		s.mgr.RecordFill(trades)
		if len(trades) > 0 {
			s.curve = append(s.curve, backtest.EquityPoint{TS: s.clock(), Equity: s.book.Equity()})
		}
		s.state = StateStopped
		observ.Log("paper_session_stopped", map[string]any{
			"id": s.ID, "final_equity": s.book.Equity(), "trades": len(s.book.Trades()),
		})
	}

	return Summary{
		ID:          s.ID,
		Symbol:      s.Symbol,
		FinalEquity: s.book.Equity(),
		Metrics:     backtest.ComputeMetrics(s.curve, s.book.Trades(), curveInterval(s.curve), s.skipped),
		Trades:      s.book.Trades(),
		RiskEvents:  s.mgr.Events(),
	}
}

func curveInterval(curve []backtest.EquityPoint) time.Duration {
	series := make(market.Series, len(curve))
	for i, p := range curve {
		series[i].TS = p.TS
	}
	return series.Interval()
}
