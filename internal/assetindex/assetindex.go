// Package assetindex derives each account's traded assets from its position
// history.
//
// A rebuild projects every position into a key-to-asset map, then walks each
// account's positionKeys through it into an order-preserving deduplicated
// list. The list is replaced wholesale every tick, so positions that vanish
// (or accounts whose keys never resolved) converge on the next rebuild.
package assetindex

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gmx-indexer/internal/config"
	"gmx-indexer/pkg/types"
)

// Store is the slice of the persistence layer the rebuild reads and writes.
type Store interface {
	OpeningPositionAssets(ctx context.Context) ([]types.PositionAsset, error)
	ClosedPositionAssets(ctx context.Context) ([]types.PositionAsset, error)
	AccountKeys(ctx context.Context) ([]types.AccountPositionKeys, error)
	BulkSetTradedAssets(ctx context.Context, updates []types.TradedAssetsUpdate) error
}

// Worker is the traded-assets loop.
type Worker struct {
	store  Store
	cfg    config.AssetIndexConfig
	logger *slog.Logger
}

// New creates an asset index worker.
func New(st Store, cfg config.AssetIndexConfig, logger *slog.Logger) *Worker {
	return &Worker{
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "assetindex"),
	}
}

// Run rebuilds immediately, then once per interval. Blocks until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.tick(ctx)

	ticker := time.NewTicker(w.cfg.IntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if err := w.rebuild(ctx); err != nil {
		if ctx.Err() == nil {
			w.logger.Error("rebuild failed", "error", err)
		}
	}
}

// rebuild recomputes tradedAssets for every account in one pass.
func (w *Worker) rebuild(ctx context.Context) error {
	start := time.Now()

	opening, err := w.store.OpeningPositionAssets(ctx)
	if err != nil {
		return fmt.Errorf("opening position assets: %w", err)
	}
	closed, err := w.store.ClosedPositionAssets(ctx)
	if err != nil {
		return fmt.Errorf("closed position assets: %w", err)
	}

	// Closed documents win collisions: a key that closed and re-opened keeps
	// the asset its history settled on.
	assetByKey := make(map[string]string, len(opening)+len(closed))
	for _, p := range opening {
		assetByKey[p.PositionKey] = p.Asset
	}
	for _, p := range closed {
		assetByKey[p.PositionKey] = p.Asset
	}

	accounts, err := w.store.AccountKeys(ctx)
	if err != nil {
		return fmt.Errorf("account keys: %w", err)
	}
	updates := make([]types.TradedAssetsUpdate, 0, len(accounts))
	for _, acct := range accounts {
		assets := make([]string, 0, len(acct.PositionKeys))
		seen := make(map[string]bool, len(acct.PositionKeys))
		for _, key := range acct.PositionKeys {
			asset, ok := assetByKey[key]
			if !ok || seen[asset] {
				continue
			}
			seen[asset] = true
			assets = append(assets, asset)
		}
		updates = append(updates, types.TradedAssetsUpdate{Account: acct.Account, Assets: assets})
	}
	if err := w.store.BulkSetTradedAssets(ctx, updates); err != nil {
		return fmt.Errorf("bulk set traded assets: %w", err)
	}

	w.logger.Info("rebuild complete",
		"positions", len(assetByKey), "accounts", len(updates), "took", time.Since(start))
	return nil
}
