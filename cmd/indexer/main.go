// GMX Position Indexer — tails the GMX V2 EventEmitter on Arbitrum and
// persists one normalized MongoDB document per position event.
//
// Pipeline:
//
//	chain/client.go        — rate-limited eth_getLogs over the EventLog1 topic
//	emitter/emitter.go     — generic ABI decode of the schema-polymorphic payload
//	normalize/normalize.go — fixed-point integers → USD and token floats
//	metadata/cache.go      — ERC-20 decimals/symbol memo (store + eth_call)
//	indexer/indexer.go     — adaptive-window ingestion loop and cursor
//	store/store.go         — MongoDB persistence shared by all workers
//
// The ingest cursor in the configs collection must be seeded with the block
// to start from before the first run; a missing cursor is a fatal error, not
// an invitation to scan from genesis.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"gmx-indexer/internal/chain"
	"gmx-indexer/internal/config"
	"gmx-indexer/internal/emitter"
	"gmx-indexer/internal/indexer"
	"gmx-indexer/internal/metadata"
	"gmx-indexer/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "optional YAML config file")
	flag.String("uri", "", "MongoDB connection URI")
	flag.String("db", "", "database name")
	flag.String("configs", "", "cursor collection")
	flag.String("events", "", "events collection")
	flag.String("markets", "", "markets collection")
	flag.String("tokens", "", "token metadata collection")
	flag.String("rpc", "", "Arbitrum JSON-RPC endpoint")
	flag.String("abi", "", "path to the EventLog1 ABI artifact")
	flag.Float64("realtime_wait", 0, "seconds between ticks near the chain head")
	flag.Float64("catchup_wait", 0, "seconds between ticks while backfilling")
	flag.Int64("realtime_threshold", 0, "blocks behind head before catch-up windows")
	flag.String("log-level", "", "debug, info, warn or error")
	flag.String("log-format", "", "text or json")
	flag.Parse()

	overrides := config.FlagOverrides(flag.CommandLine, map[string]string{
		"uri":                "mongo.uri",
		"db":                 "mongo.database",
		"configs":            "mongo.configs",
		"events":             "mongo.events",
		"markets":            "mongo.markets",
		"tokens":             "mongo.tokens",
		"rpc":                "chain.rpc",
		"abi":                "chain.abi_path",
		"realtime_wait":      "indexer.realtime_wait",
		"catchup_wait":       "indexer.catchup_wait",
		"realtime_threshold": "indexer.realtime_threshold",
		"log-level":          "logging.level",
		"log-format":         "logging.format",
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

	decoder, err := emitter.LoadDecoder(cfg.Chain.ABIPath)
	if err != nil {
		logger.Error("failed to load emitter ABI", "error", err, "path", cfg.Chain.ABIPath)
		os.Exit(1)
	}

	st, err := store.Open(ctx, cfg.Mongo, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close(context.Background())

	client, err := chain.Dial(ctx, cfg.Chain.RPC,
		common.HexToAddress(cfg.Chain.Emitter), common.HexToHash(emitter.Signature), logger)
	if err != nil {
		logger.Error("failed to dial rpc", "error", err, "rpc", cfg.Chain.RPC)
		os.Exit(1)
	}
	defer client.Close()

	tokens := metadata.NewCache(client, st, logger)
	worker := indexer.New(st, client, decoder, tokens, cfg.Indexer, logger)

	logger.Info("indexer started",
		"rpc", cfg.Chain.RPC,
		"emitter", cfg.Chain.Emitter,
		"db", cfg.Mongo.Database,
		"events", cfg.Mongo.Events,
	)

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("indexer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("indexer stopped")
}
