// Command backtest runs one walk-forward simulation over CSV bars and
// quantile forecasts and prints a report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"

	"github.com/quantfold/engine/internal/backtest"
	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/forecast"
	"github.com/quantfold/engine/internal/market"
	"github.com/quantfold/engine/internal/strategy"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "path to config YAML (optional)")
		barsPath = flag.String("bars", "", "path to bars CSV")
		fcPath   = flag.String("forecasts", "", "path to forecasts CSV")
		symbol   = flag.String("symbol", "", "instrument symbol")
		regime   = flag.String("regime", "", "strategy regime (overrides config)")
		capital  = flag.Float64("capital", 0, "starting capital (overrides config)")
		asJSON   = flag.Bool("json", false, "emit the full result as JSON")
	)
	flag.Parse()

	if err := run(*cfgPath, *barsPath, *fcPath, *symbol, *regime, *capital, *asJSON); err != nil {
		fmt.Fprintln(os.Stderr, "backtest:", err)
		os.Exit(1)
	}
}

func run(cfgPath, barsPath, fcPath, symbol, regime string, capital float64, asJSON bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if barsPath == "" {
		barsPath = cfg.Backtest.BarsPath
	}
	if fcPath == "" {
		fcPath = cfg.Backtest.ForecastsPath
	}
	if symbol == "" {
		symbol = cfg.Backtest.Symbol
	}
	if capital <= 0 {
		capital = cfg.Backtest.Capital
	}
	if barsPath == "" || fcPath == "" || symbol == "" {
		return fmt.Errorf("bars, forecasts and symbol are required (flags or config)")
	}

	strat, err := cfg.Strategy()
	if err != nil {
		return err
	}
	if regime != "" {
		if strat, err = strategy.ForRegime(strategy.Regime(regime)); err != nil {
			return err
		}
	}

	bars, err := market.LoadCSV(barsPath, symbol)
	if err != nil {
		return err
	}
	fcs, err := forecast.LoadCSV(fcPath, symbol)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := backtest.Run(ctx, bars, fcs, strat, cfg.Costs, capital)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printReport(res)
	return nil
}

func printReport(res *backtest.Result) {
	fmt.Printf("\n%s / %s  %s -> %s\n\n", res.Symbol, res.Strategy,
		res.Start.Format("2006-01-02"), res.End.Format("2006-01-02"))

	summary := tablewriter.NewWriter(os.Stdout)
	summary.Header("Capital", "Final", "Return", "Sharpe", "MaxDD", "Calmar", "WinRate", "Trades", "Skipped")
	summary.Append(
		fmt.Sprintf("%.2f", res.InitialCapital),
		fmt.Sprintf("%.2f", res.FinalEquity),
		fmt.Sprintf("%+.2f%%", res.Metrics.TotalReturn*100),
		fmt.Sprintf("%.2f", res.Metrics.Sharpe),
		fmt.Sprintf("%.2f%%", res.Metrics.MaxDrawdown*100),
		fmt.Sprintf("%.2f", res.Metrics.Calmar),
		fmt.Sprintf("%.1f%%", res.Metrics.WinRate*100),
		fmt.Sprintf("%d", res.Metrics.Trades),
		fmt.Sprintf("%d", res.Metrics.SkippedBars),
	)
	summary.Render()

	if len(res.Trades) > 0 {
		fmt.Println()
		trades := tablewriter.NewWriter(os.Stdout)
		trades.Header("ID", "Side", "Qty", "Entry", "Exit", "PnL", "Reason")
		for _, t := range res.Trades {
			trades.Append(t.ID, t.Side,
				fmt.Sprintf("%.4f", t.Qty),
				fmt.Sprintf("%.4f", t.EntryPrice),
				fmt.Sprintf("%.4f", t.ExitPrice),
				fmt.Sprintf("%+.2f", t.PnL),
				t.ExitReason)
		}
		trades.Render()
	}

	if len(res.RiskEvents) > 0 {
		fmt.Println()
		events := tablewriter.NewWriter(os.Stdout)
		events.Header("ID", "TS", "From", "To", "Reason", "Metric")
		for _, ev := range res.RiskEvents {
			events.Append(ev.ID, ev.TS.Format("2006-01-02 15:04"),
				string(ev.From), string(ev.To), ev.Reason,
				fmt.Sprintf("%.4f", ev.Metric))
		}
		events.Render()
	}
}
