// GMX Analytics — folds normalized position events into per-position and
// per-account trading history, batch by batch behind the ingestion cursor.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gmx-indexer/internal/analytics"
	"gmx-indexer/internal/config"
	"gmx-indexer/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "optional YAML config file")
	flag.String("uri", "", "MongoDB connection URI")
	flag.String("db", "", "database name")
	flag.String("configs", "", "cursor collection")
	flag.String("events", "", "events collection")
	flag.String("accounts", "", "accounts collection")
	flag.String("opening", "", "opening positions collection")
	flag.String("closed", "", "closed positions collection")
	flag.Int("interval", 0, "seconds to sleep when no full batch is ready")
	flag.String("log-level", "", "debug, info, warn or error")
	flag.String("log-format", "", "text or json")
	flag.Parse()

	overrides := config.FlagOverrides(flag.CommandLine, map[string]string{
		"uri":        "mongo.uri",
		"db":         "mongo.database",
		"configs":    "mongo.configs",
		"events":     "mongo.events",
		"accounts":   "mongo.accounts",
		"opening":    "mongo.opening",
		"closed":     "mongo.closed",
		"interval":   "analytics.interval",
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

	worker := analytics.New(st, cfg.Analytics, logger)

	logger.Info("analytics started",
		"db", cfg.Mongo.Database,
		"interval", cfg.Analytics.Interval,
		"batch_blocks", cfg.Analytics.BatchBlocks,
	)
	worker.Run(ctx)
	logger.Info("analytics stopped")
}
