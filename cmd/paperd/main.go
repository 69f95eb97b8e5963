// Command paperd runs the paper-trading daemon: it ticks sessions on an
// interval, checkpoints them to SQLite, and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/forecast"
	"github.com/quantfold/engine/internal/market"
	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/paper"
	"github.com/quantfold/engine/internal/risk"
	"github.com/quantfold/engine/internal/transport"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "path to config YAML (optional)")
		barsPath = flag.String("bars", "", "path to replay bars CSV")
		fcPath   = flag.String("forecasts", "", "path to forecasts CSV")
		symbol   = flag.String("symbol", "", "symbol served by the replay feed")
	)
	flag.Parse()

	if err := run(*cfgPath, *barsPath, *fcPath, *symbol); err != nil {
		fmt.Fprintln(os.Stderr, "paperd:", err)
		os.Exit(1)
	}
}

func run(cfgPath, barsPath, fcPath, symbol string) error {
	// .env is optional, real env always wins.
	_ = godotenv.Load()
	if v := os.Getenv("ENGINE_CONFIG"); cfgPath == "" && v != "" {
		cfgPath = v
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if barsPath == "" || fcPath == "" || symbol == "" {
		return fmt.Errorf("bars, forecasts and symbol are required")
	}

	feed := market.NewReplayFeed()
	bars, err := market.LoadCSV(barsPath, symbol)
	if err != nil {
		return err
	}
	if err := feed.Add(symbol, bars); err != nil {
		return err
	}

	fcs, err := forecast.LoadCSV(fcPath, symbol)
	if err != nil {
		return err
	}
	provider := forecast.WithRateLimit(
		forecast.WithTimeout(forecast.NewMapProvider(fcs), cfg.Paper.ProviderTimeout()),
		cfg.Paper.ProviderRatePerMin)

	store, err := paper.OpenStore(cfg.Paper.CheckpointPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions := paper.NewManager(store, time.Now, risk.NewJSONLSink(cfg.Paper.RiskEventsPath))
	if err := sessions.Resume(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(cfg.Paper.TickInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sessions.TickAll(ctx, feed, provider)
			}
		}
	}()

	srv := transport.NewServer(cfg, sessions, feed, provider)
	err = srv.Run(ctx)

	sessions.StopAll()
	observ.Log("paperd_shutdown", map[string]any{"error": fmt.Sprint(err)})
	return err
}
