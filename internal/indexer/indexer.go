package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"gmx-indexer/internal/config"
	"gmx-indexer/internal/emitter"
	"gmx-indexer/internal/normalize"
	"gmx-indexer/internal/store"
	"gmx-indexer/pkg/types"
)

// Worker tails the GMX EventEmitter and persists one normalized document
// per position event. It adapts its stride to the distance from the chain
// head:
//
//	behind > threshold  →  catch-up: windows of up to 10 000 blocks, short naps
//	behind ≤ threshold  →  realtime: windows of up to 10 blocks, longer naps
//
// The ingest cursor is the last block whose window completed; it advances
// only after every event in the window was persisted, so a crashed tick
// replays its window and the replace-by-hash writes keep that idempotent.

// Scan stride near and far from the chain head.
const (
	realtimeBatchBlocks = 10
	catchupBatchBlocks  = 10000
)

// Store is the slice of the persistence layer the indexer uses.
type Store interface {
	LastIngestedBlock(ctx context.Context) (int64, error)
	SetLastIngestedBlock(ctx context.Context, block int64) error
	ReplaceEvent(ctx context.Context, txHash string, doc map[string]any) error
	Market(ctx context.Context, address string) (*types.Market, error)
}

// Chain is the slice of the RPC client the indexer reads from.
type Chain interface {
	Head(ctx context.Context) (uint64, error)
	EmitterLogs(ctx context.Context, from, to uint64) ([]ethtypes.Log, error)
}

// TokenLookup resolves collateral token metadata.
type TokenLookup interface {
	Lookup(ctx context.Context, address string) (types.TokenInfo, error)
}

// Decoder turns raw logs into typed emitter events.
type Decoder interface {
	Decode(lg ethtypes.Log) (*emitter.Event, error)
}

// Worker is the ingestion loop.
type Worker struct {
	store   Store
	chain   Chain
	decoder Decoder
	tokens  TokenLookup
	cfg     config.IndexerConfig
	logger  *slog.Logger
}

// New creates an indexer worker.
func New(st Store, ch Chain, dec Decoder, tokens TokenLookup, cfg config.IndexerConfig, logger *slog.Logger) *Worker {
	return &Worker{
		store:   st,
		chain:   ch,
		decoder: dec,
		tokens:  tokens,
		cfg:     cfg,
		logger:  logger.With("component", "indexer"),
	}
}

// Run starts the ingestion loop. Blocks until ctx is cancelled. A missing
// ingest cursor aborts Run: seeding it with the block to start from is a
// deliberate operator action, not something the indexer guesses.
func (w *Worker) Run(ctx context.Context) error {
	for {
		wait, err := w.tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("ingest cursor %q not seeded in the configs collection: %w",
					store.IngestCursorID, err)
			}
			w.logger.Error("tick failed", "error", err)
			wait = w.cfg.RealtimeWaitDuration()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// window is one tick's scan range and the sleep that follows it.
type window struct {
	from, to int64
	scan     bool
	wait     time.Duration
}

// planWindow sizes the next scan from the distance to the chain head. At or
// past the head the tick only sleeps.
func (w *Worker) planWindow(last, head int64) window {
	behind := head - last
	switch {
	case behind <= 0:
		return window{wait: w.cfg.RealtimeWaitDuration()}
	case behind > w.cfg.RealtimeThreshold:
		return window{
			from: last + 1,
			to:   last + min(catchupBatchBlocks, behind),
			scan: true,
			wait: w.cfg.CatchupWaitDuration(),
		}
	default:
		return window{
			from: last + 1,
			to:   last + min(realtimeBatchBlocks, behind),
			scan: true,
			wait: w.cfg.RealtimeWaitDuration(),
		}
	}
}

// tick processes one window and reports how long to sleep before the next.
func (w *Worker) tick(ctx context.Context) (time.Duration, error) {
	last, err := w.store.LastIngestedBlock(ctx)
	if err != nil {
		return 0, err
	}
	head, err := w.chain.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain head: %w", err)
	}

	win := w.planWindow(last, int64(head))
	if !win.scan {
		return win.wait, nil
	}

	logs, err := w.chain.EmitterLogs(ctx, uint64(win.from), uint64(win.to))
	if err != nil {
		return 0, fmt.Errorf("emitter logs %d-%d: %w", win.from, win.to, err)
	}

	stored := 0
	for _, lg := range logs {
		ev, err := w.decoder.Decode(lg)
		if err != nil {
			w.logger.Warn("skipping undecodable log",
				"tx", lg.TxHash.Hex(), "block", lg.BlockNumber, "error", err)
			continue
		}
		if ev.Name != types.EventPositionIncrease && ev.Name != types.EventPositionDecrease {
			continue
		}
		doc, err := w.buildDoc(ctx, ev)
		if err != nil {
			return 0, err
		}
		if err := w.store.ReplaceEvent(ctx, ev.TxHash, doc); err != nil {
			return 0, err
		}
		stored++
	}

	if err := w.store.SetLastIngestedBlock(ctx, win.to); err != nil {
		return 0, err
	}
	if stored > 0 {
		w.logger.Info("ingested position events",
			"from", win.from, "to", win.to, "count", stored, "behind", int64(head)-win.to)
	} else {
		w.logger.Debug("window empty", "from", win.from, "to", win.to)
	}
	return win.wait, nil
}

// buildDoc flattens and normalizes one decoded event into its store
// document. When the event's market is not seeded the document is persisted
// in degraded form, raw integers stringified, so nothing downstream ever
// sees half-scaled numbers.
func (w *Worker) buildDoc(ctx context.Context, ev *emitter.Event) (map[string]any, error) {
	doc := emitter.Flatten(ev.Data)
	normalize.Rename(doc)

	marketAddr, _ := doc["market"].(string)
	market, err := w.store.Market(ctx, marketAddr)
	switch {
	case errors.Is(err, store.ErrNotFound):
		w.logger.Warn("market not seeded, storing degraded event",
			"market", marketAddr, "tx", ev.TxHash)
		normalize.Degrade(doc)
	case err != nil:
		return nil, err
	default:
		collateralDecimals := 18
		if addr, ok := doc["collateralToken"].(string); ok {
			info, err := w.tokens.Lookup(ctx, addr)
			if err != nil {
				return nil, fmt.Errorf("collateral metadata %s: %w", addr, err)
			}
			collateralDecimals = info.Decimals
			doc["collateralTokenSymbol"] = info.Symbol
			doc["collateralTokenDecimals"] = info.Decimals
		}
		normalize.Apply(doc, market.Decimals, collateralDecimals)
		doc["indexTokenName"] = market.Name
		doc["indexTokenDecimals"] = market.Decimals
	}
	normalize.Finalize(doc)

	doc["transactionHash"] = ev.TxHash
	doc["blockNumber"] = int64(ev.BlockNumber)
	doc["eventName"] = ev.Name
	doc["msgSender"] = ev.MsgSender.Hex()
	doc["topic1"] = ev.Topic1
	return doc, nil
}
