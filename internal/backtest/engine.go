package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quantfold/engine/internal/costs"
	"github.com/quantfold/engine/internal/forecast"
	"github.com/quantfold/engine/internal/market"
	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/portfolio"
	"github.com/quantfold/engine/internal/risk"
	"github.com/quantfold/engine/internal/signal"
	"github.com/quantfold/engine/internal/strategy"
)

// Run walks the bar series forward once, generating a signal per bar,
// sizing it through the risk manager, and executing against a fresh
// position book. The walk is strictly causal: the decision at bar i sees
// only data up to and including bar i. Runs are deterministic, identical
// inputs produce identical results.
func Run(ctx context.Context, bars market.Series, fcs []forecast.Forecast, strat strategy.Strategy, cost costs.Model, capital float64) (*Result, error) {
	if err := strat.Params.Validate(); err != nil {
		return nil, fmt.Errorf("backtest.Run: %w", err)
	}
	if err := cost.Validate(); err != nil {
		return nil, fmt.Errorf("backtest.Run: %w", err)
	}
	if capital <= 0 {
		return nil, &strategy.InvalidConfigurationError{Field: "capital", Reason: "must be positive"}
	}
	if err := bars.Validate(); err != nil {
		return nil, fmt.Errorf("backtest.Run: %w", err)
	}

	warmup := strat.Params.WarmupBars
	if len(bars) <= warmup {
		return nil, &DataInsufficientError{Bars: len(bars), MinBars: warmup + 1}
	}

	for i := range fcs {
		if fcs[i].Normalize() {
			observ.IncCounter("forecast_repaired_total", map[string]string{"symbol": fcs[i].Symbol})
		}
	}
	index := forecast.Index(fcs)

	book := portfolio.NewBook(capital)
	mgr := risk.NewManager(strat.Params, capital, nil)

	res := &Result{
		Symbol:         bars[0].Symbol,
		Strategy:       strat.Name,
		Start:          bars[0].TS,
		End:            bars[len(bars)-1].TS,
		InitialCapital: capital,
		EquityCurve:    make([]EquityPoint, 0, len(bars)),
	}
	skipped := 0

	for i, bar := range bars {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("backtest.Run: canceled at bar %d: %w", i, err)
		}
		book.MarkPrice(bar.Symbol, bar.Close)

		if i < warmup {
			res.EquityCurve = append(res.EquityCurve, EquityPoint{TS: bar.TS, Equity: book.Equity()})
			continue
		}

		if order, ok := mgr.CheckProtectiveExits(bar, book); ok {
			fill, comm := cost.Fill(order.Price, order.Qty)
			trades := book.Execute(order.Symbol, order.Qty, fill, comm, bar.TS, order.Reason)
			mgr.RecordFill(trades)
			res.EquityCurve = append(res.EquityCurve, EquityPoint{TS: bar.TS, Equity: book.Equity()})
			continue
		}

		fc, ok := index[bar.TS.UTC()]
		if !ok || len(fc.Quantiles) == 0 {
			skipped++
			observ.IncCounter("forecast_missing_total", map[string]string{"symbol": bar.Symbol})
			res.EquityCurve = append(res.EquityCurve, EquityPoint{TS: bar.TS, Equity: book.Equity()})
			continue
		}

		sig := signal.Generate(bar, fc, strat.Params)
		if order, ok := mgr.Evaluate(sig, book, bar, i); ok {
			if order.CloseAll {
				trades := CloseAll(book, cost, bar.TS, order.Reason, func(string) float64 { return bar.Close })
				mgr.RecordLiquidation(trades, bar.TS)
			} else {
				fill, comm := cost.Fill(bar.Close, order.Qty)
				trades := book.Execute(order.Symbol, order.Qty, fill, comm, bar.TS, order.Reason)
				mgr.RecordFill(trades)
				if pos, open := book.Position(order.Symbol); open {
					stop, target := mgr.Protection(fill, pos.Side())
					book.SetProtection(order.Symbol, stop, target)
				}
			}
		}
		res.EquityCurve = append(res.EquityCurve, EquityPoint{TS: bar.TS, Equity: book.Equity()})
	}

	// Force-close everything at the last bar so the final equity is fully
	// realized.
	last := bars[len(bars)-1]
	trades := CloseAll(book, cost, last.TS, portfolio.ExitSessionEnd, func(string) float64 { return last.Close })
	mgr.RecordFill(trades)
	if len(trades) > 0 {
		res.EquityCurve[len(res.EquityCurve)-1] = EquityPoint{TS: last.TS, Equity: book.Equity()}
	}

	res.FinalEquity = book.Equity()
	res.Trades = book.Trades()
	res.RiskEvents = mgr.Events()
	res.Metrics = ComputeMetrics(res.EquityCurve, res.Trades, bars.Interval(), skipped)

	observ.Log("backtest_complete", map[string]any{
		"symbol":       res.Symbol,
		"strategy":     res.Strategy,
		"bars":         len(bars),
		"trades":       len(res.Trades),
		"skipped_bars": skipped,
		"final_equity": res.FinalEquity,
	})
	return res, nil
}

// CloseAll flattens every open position at the supplied per-symbol price.
// Positions close in symbol order so multi-symbol books liquidate
// reproducibly.
func CloseAll(book *portfolio.Book, cost costs.Model, ts time.Time, reason string, price func(symbol string) float64) []portfolio.Trade {
	positions := book.Positions()
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	var out []portfolio.Trade
	for _, pos := range positions {
		px := price(pos.Symbol)
		if px <= 0 {
			px = pos.AvgEntry
		}
		fill, comm := cost.Fill(px, -pos.Qty)
		out = append(out, book.Execute(pos.Symbol, -pos.Qty, fill, comm, ts, reason)...)
	}
	return out
}
