// Package config defines all configuration for the indexer binaries.
// Defaults cover a local MongoDB and the public Arbitrum endpoint; a YAML
// file, GMX_* environment variables and command-line flags override them,
// in that order of precedence.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"gmx-indexer/internal/chain"
)

// Config is the top-level configuration shared by the four binaries. Each
// binary only reads the sections it needs.
type Config struct {
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Indexer    IndexerConfig    `mapstructure:"indexer"`
	Analytics  AnalyticsConfig  `mapstructure:"analytics"`
	Valuator   ValuatorConfig   `mapstructure:"valuator"`
	AssetIndex AssetIndexConfig `mapstructure:"assetindex"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// MongoConfig names the database and collections the pipeline reads and
// writes. Collection names are overridable so several deployments can share
// one database.
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
	Configs  string `mapstructure:"configs"`  // worker cursor documents
	Events   string `mapstructure:"events"`   // normalized position events
	Markets  string `mapstructure:"markets"`  // market metadata, seeded externally
	Tokens   string `mapstructure:"tokens"`   // cached ERC-20 metadata
	Accounts string `mapstructure:"accounts"` // per-trader aggregates
	Opening  string `mapstructure:"opening"`  // live positions
	Closed   string `mapstructure:"closed"`   // closed positions
}

// ChainConfig points the indexer at an RPC endpoint and the emitter contract.
type ChainConfig struct {
	RPC     string `mapstructure:"rpc"`
	Emitter string `mapstructure:"emitter"`
	ABIPath string `mapstructure:"abi_path"` // EventLog1 artifact location
}

// IndexerConfig tunes the ingestion loop.
//
//   - RealtimeWait: sleep between ticks at or near the chain head, in seconds.
//   - CatchupWait: sleep between ticks while backfilling, in seconds.
//   - RealtimeThreshold: how many blocks behind head the cursor may fall
//     before the indexer switches to wide catch-up windows.
type IndexerConfig struct {
	RealtimeWait      float64 `mapstructure:"realtime_wait"`
	CatchupWait       float64 `mapstructure:"catchup_wait"`
	RealtimeThreshold int64   `mapstructure:"realtime_threshold"`
}

// RealtimeWaitDuration returns the realtime sleep as a duration.
func (c IndexerConfig) RealtimeWaitDuration() time.Duration {
	return secondsToDuration(c.RealtimeWait)
}

// CatchupWaitDuration returns the catch-up sleep as a duration.
func (c IndexerConfig) CatchupWaitDuration() time.Duration {
	return secondsToDuration(c.CatchupWait)
}

// AnalyticsConfig tunes the fold worker. Interval is the idle sleep in
// seconds when no full batch of blocks is ready yet; BatchBlocks is the
// width of one analytics batch.
type AnalyticsConfig struct {
	Interval    int   `mapstructure:"interval"`
	BatchBlocks int64 `mapstructure:"batch_blocks"`
}

// IntervalDuration returns the idle sleep as a duration.
func (c AnalyticsConfig) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// ValuatorConfig tunes the mark-to-market worker.
type ValuatorConfig struct {
	Interval  int    `mapstructure:"interval"`
	TickerURL string `mapstructure:"ticker_url"`
}

// IntervalDuration returns the sweep period as a duration.
func (c ValuatorConfig) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// AssetIndexConfig tunes the traded-assets worker.
type AssetIndexConfig struct {
	Interval int `mapstructure:"interval"`
}

// IntervalDuration returns the rebuild period as a duration.
func (c AssetIndexConfig) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NewLogger builds the process logger for the configured level and format.
func (c LoggingConfig) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.Level)}
	var handler slog.Handler
	if c.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mongo.uri", "mongodb://localhost:27017/")
	v.SetDefault("mongo.database", "MarketTradingTracker")
	v.SetDefault("mongo.configs", "configs")
	v.SetDefault("mongo.events", "gmx_events")
	v.SetDefault("mongo.markets", "gmx_market")
	v.SetDefault("mongo.tokens", "token_info")
	v.SetDefault("mongo.accounts", "gmx_accounts")
	v.SetDefault("mongo.opening", "gmx_opening_positions")
	v.SetDefault("mongo.closed", "gmx_closed_positions")
	v.SetDefault("chain.rpc", chain.DefaultRPC)
	v.SetDefault("chain.emitter", chain.DefaultEmitter)
	v.SetDefault("chain.abi_path", "abi_emitter.json")
	v.SetDefault("indexer.realtime_wait", 0.5)
	v.SetDefault("indexer.catchup_wait", 0.1)
	v.SetDefault("indexer.realtime_threshold", 100)
	v.SetDefault("analytics.interval", 10)
	v.SetDefault("analytics.batch_blocks", 1000)
	v.SetDefault("valuator.interval", 30)
	v.SetDefault("valuator.ticker_url", "https://arbitrum-api.gmxinfra.io")
	v.SetDefault("assetindex.interval", 3600)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load builds the configuration from defaults, an optional YAML file, GMX_*
// environment variables and explicit flag overrides, in that order. Pass the
// result of FlagOverrides as overrides so only flags the user actually set
// take precedence.
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("GMX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// FlagOverrides collects the flags the user explicitly set, mapped onto
// config keys. keys maps flag names to dotted config paths; flags without a
// mapping are ignored.
func FlagOverrides(fs *flag.FlagSet, keys map[string]string) map[string]any {
	overrides := make(map[string]any)
	fs.Visit(func(f *flag.Flag) {
		key, ok := keys[f.Name]
		if !ok {
			return
		}
		if getter, ok := f.Value.(flag.Getter); ok {
			overrides[key] = getter.Get()
		} else {
			overrides[key] = f.Value.String()
		}
	})
	return overrides
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required")
	}
	if c.Mongo.Database == "" {
		return fmt.Errorf("mongo.database is required")
	}
	for name, value := range map[string]string{
		"mongo.configs":  c.Mongo.Configs,
		"mongo.events":   c.Mongo.Events,
		"mongo.markets":  c.Mongo.Markets,
		"mongo.tokens":   c.Mongo.Tokens,
		"mongo.accounts": c.Mongo.Accounts,
		"mongo.opening":  c.Mongo.Opening,
		"mongo.closed":   c.Mongo.Closed,
	} {
		if value == "" {
			return fmt.Errorf("%s must name a collection", name)
		}
	}
	if c.Chain.RPC == "" {
		return fmt.Errorf("chain.rpc is required")
	}
	if !common.IsHexAddress(c.Chain.Emitter) {
		return fmt.Errorf("chain.emitter %q is not a hex address", c.Chain.Emitter)
	}
	if c.Chain.ABIPath == "" {
		return fmt.Errorf("chain.abi_path is required")
	}
	if c.Indexer.RealtimeWait <= 0 {
		return fmt.Errorf("indexer.realtime_wait must be > 0")
	}
	if c.Indexer.CatchupWait <= 0 {
		return fmt.Errorf("indexer.catchup_wait must be > 0")
	}
	if c.Indexer.RealtimeThreshold <= 0 {
		return fmt.Errorf("indexer.realtime_threshold must be > 0")
	}
	if c.Analytics.Interval <= 0 {
		return fmt.Errorf("analytics.interval must be > 0")
	}
	if c.Analytics.BatchBlocks <= 0 {
		return fmt.Errorf("analytics.batch_blocks must be > 0")
	}
	if c.Valuator.Interval <= 0 {
		return fmt.Errorf("valuator.interval must be > 0")
	}
	if c.Valuator.TickerURL == "" {
		return fmt.Errorf("valuator.ticker_url is required")
	}
	if c.AssetIndex.Interval <= 0 {
		return fmt.Errorf("assetindex.interval must be > 0")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not text or json", c.Logging.Format)
	}
	return nil
}
