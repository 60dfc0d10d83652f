// GMX Valuator — marks live positions to the GMX oracle ticker and rolls the
// results up into per-account PNL and ROI.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gmx-indexer/internal/config"
	"gmx-indexer/internal/oracle"
	"gmx-indexer/internal/store"
	"gmx-indexer/internal/valuator"
)

func main() {
	cfgPath := flag.String("config", "", "optional YAML config file")
	flag.String("uri", "", "MongoDB connection URI")
	flag.String("db", "", "database name")
	flag.String("accounts", "", "accounts collection")
	flag.String("opening", "", "opening positions collection")
	flag.String("closed", "", "closed positions collection")
	flag.String("markets", "", "markets collection")
	flag.Int("interval", 0, "seconds between sweeps")
	flag.String("ticker_url", "", "GMX price API base URL")
	flag.String("log-level", "", "debug, info, warn or error")
	flag.String("log-format", "", "text or json")
	flag.Parse()

	overrides := config.FlagOverrides(flag.CommandLine, map[string]string{
		"uri":        "mongo.uri",
		"db":         "mongo.database",
		"accounts":   "mongo.accounts",
		"opening":    "mongo.opening",
		"closed":     "mongo.closed",
		"markets":    "mongo.markets",
		"interval":   "valuator.interval",
		"ticker_url": "valuator.ticker_url",
		"log-level":  "logging.level",
		"log-format": "logging.format",
	})
	cfg, err := config.Load(*cfgPath, overrides)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Logging.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Mongo, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close(context.Background())

	prices := oracle.NewClient(cfg.Valuator.TickerURL, logger)
	worker := valuator.New(st, prices, cfg.Valuator, logger)

	logger.Info("valuator started",
		"db", cfg.Mongo.Database,
		"interval", cfg.Valuator.Interval,
		"ticker", cfg.Valuator.TickerURL,
	)
	worker.Run(ctx)
	logger.Info("valuator stopped")
}
