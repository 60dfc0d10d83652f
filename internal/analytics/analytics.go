// Package analytics folds normalized position events into per-position and
// per-account trading history.
//
// The worker consumes events in fixed block batches behind the ingestion
// cursor and replays them in block order. PositionIncrease events build or
// grow live positions with a volume-weighted entry price; PositionDecrease
// events realize PnL into the closed-position record and either shrink the
// live position or retire it, merging its log history into the closed side.
// The fold is order-sensitive, so a batch is only taken once the indexer
// has fully ingested its range.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"gmx-indexer/internal/config"
	"gmx-indexer/internal/store"
	"gmx-indexer/pkg/types"
)

// Store is the slice of the persistence layer the fold reads and writes.
type Store interface {
	LastIngestedBlock(ctx context.Context) (int64, error)
	LastAnalyzedBlock(ctx context.Context) (int64, error)
	SetLastAnalyzedBlock(ctx context.Context, block int64) error
	EventsInRange(ctx context.Context, from, to int64) ([]types.PositionEvent, error)

	Account(ctx context.Context, address string) (*types.Account, error)
	InsertAccount(ctx context.Context, acct *types.Account) error
	UpdateAccountOnIncrease(ctx context.Context, address string, keys []string, collateralUsd float64) error
	UpdateAccountOnDecrease(ctx context.Context, address string, keys []string, realizedPnl float64, closed, profited int) error

	OpeningPosition(ctx context.Context, key string) (*types.OpeningPosition, error)
	InsertOpeningPosition(ctx context.Context, pos *types.OpeningPosition) error
	UpdateOpeningOnIncrease(ctx context.Context, key string, logs []types.ActionLog, entryPrice, sizeUsd float64) error
	SetOpeningSize(ctx context.Context, key string, sizeUsd float64) error
	DeleteOpeningPosition(ctx context.Context, key string) error

	ClosedPosition(ctx context.Context, key string) (*types.ClosedPosition, error)
	InsertClosedPosition(ctx context.Context, pos *types.ClosedPosition) error
	UpdateClosedOnDecrease(ctx context.Context, key string, realizedPnl float64, logs []types.ActionLog) error
	SetClosedLogs(ctx context.Context, key string, logs []types.ActionLog) error
}

// Worker is the analytics loop.
type Worker struct {
	store  Store
	cfg    config.AnalyticsConfig
	logger *slog.Logger
}

// New creates an analytics worker.
func New(st Store, cfg config.AnalyticsConfig, logger *slog.Logger) *Worker {
	return &Worker{
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "analytics"),
	}
}

// Run starts the fold loop. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.drain(ctx)

	ticker := time.NewTicker(w.cfg.IntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain folds full batches back to back until the worker has caught up with
// the ingestion cursor or a batch fails.
func (w *Worker) drain(ctx context.Context) {
	for {
		processed, err := w.processBatch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("batch failed", "error", err)
			}
			return
		}
		if !processed {
			return
		}
	}
}

// processBatch folds the next full block batch, if one is available, and
// advances the analytics cursor past it.
func (w *Worker) processBatch(ctx context.Context) (bool, error) {
	analyzed, err := w.store.LastAnalyzedBlock(ctx)
	if errors.Is(err, store.ErrNotFound) {
		analyzed = -1
	} else if err != nil {
		return false, err
	}
	ingested, err := w.store.LastIngestedBlock(ctx)
	if errors.Is(err, store.ErrNotFound) {
		ingested = 0
	} else if err != nil {
		return false, err
	}

	from := analyzed + 1
	to := from + w.cfg.BatchBlocks - 1
	if to > ingested {
		return false, nil
	}

	start := time.Now()
	events, err := w.store.EventsInRange(ctx, from, to)
	if err != nil {
		return false, err
	}
	for i := range events {
		if err := w.fold(ctx, &events[i]); err != nil {
			return false, fmt.Errorf("fold %s: %w", events[i].TransactionHash, err)
		}
	}
	if err := w.store.SetLastAnalyzedBlock(ctx, to); err != nil {
		return false, err
	}
	w.logger.Info("analyzed batch",
		"from", from, "to", to, "events", len(events), "took", time.Since(start))
	return true, nil
}

func (w *Worker) fold(ctx context.Context, ev *types.PositionEvent) error {
	if ev.Account == "" || ev.PositionKey == "" || ev.IndexTokenName == "" {
		w.logger.Warn("skipping incomplete event",
			"tx", ev.TransactionHash, "event", ev.EventName)
		return nil
	}
	switch ev.EventName {
	case types.EventPositionIncrease:
		return w.foldIncrease(ctx, ev)
	case types.EventPositionDecrease:
		return w.foldDecrease(ctx, ev)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// PositionIncrease
// ————————————————————————————————————————————————————————————————————————

func (w *Worker) foldIncrease(ctx context.Context, ev *types.PositionEvent) error {
	if ev.SizeDeltaUsd == nil {
		w.logger.Warn("skipping increase without sizeDeltaUsd", "tx", ev.TransactionHash)
		return nil
	}
	sizeDelta := *ev.SizeDeltaUsd
	collateralDelta := ev.CollateralDeltaAmount

	if err := w.creditAccountIncrease(ctx, ev); err != nil {
		return err
	}

	// Leverage is recorded per log entry, one decimal, rounded up.
	leverage := 0.0
	if collateralDelta > 0 {
		leverage = math.Ceil(sizeDelta/collateralDelta*10) / 10
	}
	entry := types.NewOpenLog(ev.Timestamp, collateralDelta, leverage, sizeDelta, ev.ExecutionPrice, ev.TransactionHash)

	pos, err := w.store.OpeningPosition(ctx, ev.PositionKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return w.store.InsertOpeningPosition(ctx, &types.OpeningPosition{
			ID:           ev.PositionKey,
			PositionKey:  ev.PositionKey,
			OwnerAccount: ev.Account,
			Asset:        ev.IndexTokenName,
			Side:         side(ev.IsLong),
			SizeUsd:      ev.SizeInUsd,
			EntryPrice:   ev.ExecutionPrice,
			Logs:         []types.ActionLog{entry},
		})
	case err != nil:
		return err
	}

	// Volume-weighted entry across the position's lifetime. sizeUsd takes
	// the event's post-state rather than accumulating deltas, so a replayed
	// event cannot inflate the position.
	logs := append(pos.Logs, entry)
	entryPrice := pos.EntryPrice
	if total := pos.SizeUsd + sizeDelta; total > 0 {
		entryPrice = (pos.EntryPrice*pos.SizeUsd + ev.ExecutionPrice*sizeDelta) / total
	}
	return w.store.UpdateOpeningOnIncrease(ctx, ev.PositionKey, logs, entryPrice, ev.SizeInUsd)
}

func (w *Worker) creditAccountIncrease(ctx context.Context, ev *types.PositionEvent) error {
	acct, err := w.store.Account(ctx, ev.Account)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return w.store.InsertAccount(ctx, &types.Account{
			ID:            ev.Account,
			Account:       ev.Account,
			PositionKeys:  []string{ev.PositionKey},
			CollateralUsd: ev.CollateralDeltaAmount,
		})
	case err != nil:
		return err
	}
	keys := appendKey(acct.PositionKeys, ev.PositionKey)
	return w.store.UpdateAccountOnIncrease(ctx, ev.Account, keys, acct.CollateralUsd+ev.CollateralDeltaAmount)
}

// ————————————————————————————————————————————————————————————————————————
// PositionDecrease
// ————————————————————————————————————————————————————————————————————————

func (w *Worker) foldDecrease(ctx context.Context, ev *types.PositionEvent) error {
	// A decrease without sizeDeltaUsd is a full close: the event's sizeInUsd
	// is the amount closed and the post-state is zero.
	var sizeDelta, post float64
	if ev.SizeDeltaUsd != nil {
		sizeDelta = *ev.SizeDeltaUsd
		post = ev.SizeInUsd
	} else {
		sizeDelta = ev.SizeInUsd
		post = 0
	}
	pnlDelta := ev.BasePnlUsd

	if err := w.creditAccountDecrease(ctx, ev, pnlDelta); err != nil {
		return err
	}

	pct := 100
	if sizeDelta > 0 || post > 0 {
		pct = int(math.RoundToEven(sizeDelta / (sizeDelta + post) * 100))
	}
	action := types.ActionClose
	if ev.OrderType == types.OrderTypeLiquidation {
		action = types.ActionLiquidate
	}
	closeLog := types.NewCloseLog(ev.Timestamp, action, pnlDelta, sizeDelta, pct, ev.ExecutionPrice, ev.TransactionHash)

	// The live position is read before the closed-side write so a full
	// close merges its pre-event log history.
	opening, err := w.store.OpeningPosition(ctx, ev.PositionKey)
	openingExists := true
	if errors.Is(err, store.ErrNotFound) {
		openingExists = false
	} else if err != nil {
		return err
	}

	closedLogs, err := w.appendClosedLog(ctx, ev, pnlDelta, closeLog)
	if err != nil {
		return err
	}

	if post > 0 {
		if openingExists {
			return w.store.SetOpeningSize(ctx, ev.PositionKey, post)
		}
		// Re-open after a recorded closure: a fresh live position priced at
		// the close, with no open logs of its own.
		return w.store.InsertOpeningPosition(ctx, &types.OpeningPosition{
			ID:           ev.PositionKey,
			PositionKey:  ev.PositionKey,
			OwnerAccount: ev.Account,
			Asset:        ev.IndexTokenName,
			Side:         side(ev.IsLong),
			SizeUsd:      post,
			EntryPrice:   ev.ExecutionPrice,
			Logs:         []types.ActionLog{},
		})
	}

	if !openingExists {
		return nil
	}
	merged := make([]types.ActionLog, 0, len(opening.Logs)+len(closedLogs))
	merged = append(merged, opening.Logs...)
	merged = append(merged, closedLogs...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp > merged[j].Timestamp })

	if err := w.store.DeleteOpeningPosition(ctx, ev.PositionKey); err != nil {
		return err
	}
	return w.store.SetClosedLogs(ctx, ev.PositionKey, merged)
}

func (w *Worker) creditAccountDecrease(ctx context.Context, ev *types.PositionEvent, pnlDelta float64) error {
	acct, err := w.store.Account(ctx, ev.Account)
	switch {
	case errors.Is(err, store.ErrNotFound):
		profited := 0
		if pnlDelta > 0 {
			profited = 1
		}
		return w.store.InsertAccount(ctx, &types.Account{
			ID:                    ev.Account,
			Account:               ev.Account,
			PositionKeys:          []string{ev.PositionKey},
			RealizedPnl:           pnlDelta,
			ClosedPositionCount:   1,
			ProfitedPositionCount: profited,
		})
	case err != nil:
		return err
	}
	keys := appendKey(acct.PositionKeys, ev.PositionKey)
	profited := acct.ProfitedPositionCount
	if pnlDelta > 0 {
		profited++
	}
	return w.store.UpdateAccountOnDecrease(ctx, ev.Account, keys,
		acct.RealizedPnl+pnlDelta, acct.ClosedPositionCount+1, profited)
}

// appendClosedLog records one close entry against the position's closed
// document, creating it on first close, and returns the document's logs
// including the new entry.
func (w *Worker) appendClosedLog(ctx context.Context, ev *types.PositionEvent, pnlDelta float64, entry types.ActionLog) ([]types.ActionLog, error) {
	closed, err := w.store.ClosedPosition(ctx, ev.PositionKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logs := []types.ActionLog{entry}
		pos := &types.ClosedPosition{
			ID:           ev.PositionKey,
			PositionKey:  ev.PositionKey,
			OwnerAccount: ev.Account,
			Asset:        ev.IndexTokenName,
			Side:         side(ev.IsLong),
			RealizedPnl:  pnlDelta,
			Logs:         logs,
		}
		if err := w.store.InsertClosedPosition(ctx, pos); err != nil {
			return nil, err
		}
		return logs, nil
	case err != nil:
		return nil, err
	}

	logs := append(closed.Logs, entry)
	if err := w.store.UpdateClosedOnDecrease(ctx, ev.PositionKey, closed.RealizedPnl+pnlDelta, logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func appendKey(keys []string, key string) []string {
	for _, k := range keys {
		if k == key {
			return keys
		}
	}
	return append(keys, key)
}

func side(isLong bool) types.Side {
	if isLong {
		return types.Long
	}
	return types.Short
}
