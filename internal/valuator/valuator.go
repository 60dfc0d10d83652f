// Package valuator re-prices live positions against the GMX oracle ticker.
//
// Each sweep fetches the current token prices, stamps every closed position
// with its latest close time, recomputes unrealized PnL for every live
// position, and rolls the results up into per-account PNL and ROI. A sweep
// computes everything in memory and hands the store one bulk write per
// collection, so a failed tick leaves the previous valuation intact.
package valuator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"gmx-indexer/internal/config"
	"gmx-indexer/internal/normalize"
	"gmx-indexer/pkg/types"
)

// defaultFirstOpenedAt fills in for positions with no recorded open logs,
// 2025-01-01T00:00:00Z, earlier than any event the pipeline ingests.
const defaultFirstOpenedAt int64 = 1735689600

// Store is the slice of the persistence layer the valuator reads and writes.
type Store interface {
	MarketsByName(ctx context.Context, names []string) ([]types.Market, error)
	ClosedPositions(ctx context.Context) ([]types.ClosedPosition, error)
	OpeningPositions(ctx context.Context) ([]types.OpeningPosition, error)
	Accounts(ctx context.Context) ([]types.Account, error)

	BulkSetLastClosedAt(ctx context.Context, updates []types.LastClosedAtUpdate) error
	BulkSetOpeningValuations(ctx context.Context, updates []types.OpeningValuationUpdate) error
	BulkSetAccountOpeningTotals(ctx context.Context, updates []types.AccountOpeningTotals) error
	BulkSetAccountTotals(ctx context.Context, updates []types.AccountTotalsUpdate) error
}

// PriceSource supplies one ticker snapshot per call.
type PriceSource interface {
	Prices(ctx context.Context) ([]types.TickerPrice, error)
}

// Worker is the mark-to-market loop.
type Worker struct {
	store  Store
	prices PriceSource
	cfg    config.ValuatorConfig
	logger *slog.Logger
}

// New creates a valuator worker.
func New(st Store, prices PriceSource, cfg config.ValuatorConfig, logger *slog.Logger) *Worker {
	return &Worker{
		store:  st,
		prices: prices,
		cfg:    cfg,
		logger: logger.With("component", "valuator"),
	}
}

// Run sweeps immediately, then once per interval. Blocks until ctx is
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
	if err := w.sweep(ctx); err != nil {
		if ctx.Err() == nil {
			w.logger.Error("sweep failed", "error", err)
		}
	}
}

// sweep runs one full valuation pass. Any error abandons the pass; nothing
// written so far is rolled back, each bulk write is a consistent snapshot on
// its own.
func (w *Worker) sweep(ctx context.Context) error {
	start := time.Now()

	prices, err := w.tokenPrices(ctx)
	if err != nil {
		return fmt.Errorf("ticker prices: %w", err)
	}

	closed, err := w.stampClosedPositions(ctx)
	if err != nil {
		return fmt.Errorf("stamp closed positions: %w", err)
	}

	open, err := w.valueOpenPositions(ctx, prices)
	if err != nil {
		return fmt.Errorf("value open positions: %w", err)
	}

	accounts, err := w.updateAccountTotals(ctx, open)
	if err != nil {
		return fmt.Errorf("update account totals: %w", err)
	}

	w.logger.Info("sweep complete",
		"prices", len(prices), "closedPositions", closed,
		"openPositions", open.positions, "accounts", accounts,
		"took", time.Since(start))
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Prices
// ————————————————————————————————————————————————————————————————————————

// tokenPrices builds the symbol-to-USD map for one sweep. Only symbols whose
// market is seeded get a price; decimals come from the market document, with
// the single k/t/m prefix some listings carry stripped off the name.
func (w *Worker) tokenPrices(ctx context.Context) (map[string]float64, error) {
	tickers, err := w.prices.Prices(ctx)
	if err != nil {
		return nil, err
	}

	variants := make([]string, 0, len(tickers)*4)
	for _, tk := range tickers {
		variants = append(variants,
			tk.TokenSymbol, "k"+tk.TokenSymbol, "t"+tk.TokenSymbol, "m"+tk.TokenSymbol)
	}
	markets, err := w.store.MarketsByName(ctx, variants)
	if err != nil {
		return nil, err
	}
	decimalsBySymbol := make(map[string]int, len(markets))
	for _, m := range markets {
		decimalsBySymbol[strings.TrimLeft(m.Name, "ktm")] = m.Decimals
	}

	out := make(map[string]float64, len(tickers))
	for _, tk := range tickers {
		dec, ok := decimalsBySymbol[tk.TokenSymbol]
		if !ok {
			continue
		}
		px, err := midPrice(tk, dec)
		if err != nil {
			w.logger.Warn("unparseable ticker entry", "symbol", tk.TokenSymbol, "error", err)
			continue
		}
		out[tk.TokenSymbol] = px
	}
	return out, nil
}

// midPrice averages the ticker's min and max quotes and rescales from the
// oracle's 30-decimal fixed point to USD per whole token.
func midPrice(tk types.TickerPrice, decimals int) (float64, error) {
	minPx, err := decimal.NewFromString(tk.MinPrice)
	if err != nil {
		return 0, fmt.Errorf("minPrice %q: %w", tk.MinPrice, err)
	}
	maxPx, err := decimal.NewFromString(tk.MaxPrice)
	if err != nil {
		return 0, fmt.Errorf("maxPrice %q: %w", tk.MaxPrice, err)
	}
	mid := minPx.Add(maxPx).Div(decimal.NewFromInt(2))
	return mid.Shift(int32(decimals - normalize.UsdDecimals)).InexactFloat64(), nil
}

// baseAsset drops the single lowercase prefix letter that marks synthetic
// listings, so "kPEPE" and "PEPE" resolve to the same ticker symbol.
func baseAsset(asset string) string {
	r, size := utf8.DecodeRuneInString(asset)
	if size > 0 && unicode.IsLower(r) {
		return asset[size:]
	}
	return asset
}

// ————————————————————————————————————————————————————————————————————————
// Closed positions
// ————————————————————————————————————————————————————————————————————————

// stampClosedPositions writes lastClosedAt, the newest log timestamp, onto
// every closed position. Positions without logs stamp 0.
func (w *Worker) stampClosedPositions(ctx context.Context) (int, error) {
	positions, err := w.store.ClosedPositions(ctx)
	if err != nil {
		return 0, err
	}
	updates := make([]types.LastClosedAtUpdate, 0, len(positions))
	for _, pos := range positions {
		var last int64
		for _, lg := range pos.Logs {
			if lg.Timestamp > last {
				last = lg.Timestamp
			}
		}
		updates = append(updates, types.LastClosedAtUpdate{
			PositionKey:  pos.PositionKey,
			LastClosedAt: last,
		})
	}
	if err := w.store.BulkSetLastClosedAt(ctx, updates); err != nil {
		return 0, err
	}
	return len(updates), nil
}

// ————————————————————————————————————————————————————————————————————————
// Open positions
// ————————————————————————————————————————————————————————————————————————

// openingSweep carries the per-owner aggregates of one pass over the live
// positions. owners preserves first-seen order so the bulk write is
// deterministic; suppressed names owners whose ROI must not be touched this
// tick.
type openingSweep struct {
	totals     map[string]*types.AccountOpeningTotals
	owners     []string
	suppressed map[string]bool
	positions  int
}

// valueOpenPositions recomputes unrealized PnL and firstOpenedAt for every
// priceable live position and aggregates the results per owner. Every owner
// seen gets an aggregate entry, even when all of their positions end up
// skipped, so stale account totals are zeroed rather than left behind.
func (w *Worker) valueOpenPositions(ctx context.Context, prices map[string]float64) (*openingSweep, error) {
	positions, err := w.store.OpeningPositions(ctx)
	if err != nil {
		return nil, err
	}

	sweep := &openingSweep{
		totals:     make(map[string]*types.AccountOpeningTotals),
		suppressed: make(map[string]bool),
		positions:  len(positions),
	}
	updates := make([]types.OpeningValuationUpdate, 0, len(positions))

	for _, pos := range positions {
		agg, ok := sweep.totals[pos.OwnerAccount]
		if !ok {
			agg = &types.AccountOpeningTotals{Account: pos.OwnerAccount}
			sweep.totals[pos.OwnerAccount] = agg
			sweep.owners = append(sweep.owners, pos.OwnerAccount)
		}

		px, ok := prices[baseAsset(pos.Asset)]
		if !ok {
			w.logger.Debug("no price for asset", "asset", pos.Asset, "positionKey", pos.PositionKey)
			continue
		}

		loggedSize := 0.0
		first := int64(math.MaxInt64)
		for _, lg := range pos.Logs {
			loggedSize += lg.SizeUsd
			if lg.Timestamp < first {
				first = lg.Timestamp
			}
		}
		if len(pos.Logs) == 0 {
			first = defaultFirstOpenedAt
		}

		// More live size than the logs account for means part of the
		// position's history is missing, so the owner's ROI would be built
		// on incomplete collateral. Hold it this tick.
		if pos.SizeUsd > loggedSize {
			sweep.suppressed[pos.OwnerAccount] = true
		}

		if pos.EntryPrice <= 0 {
			w.logger.Warn("open position without entry price", "positionKey", pos.PositionKey)
			continue
		}

		pnl := pos.SizeUsd * (px - pos.EntryPrice) / pos.EntryPrice
		if pos.Side == types.Short {
			pnl = pos.SizeUsd * (pos.EntryPrice - px) / pos.EntryPrice
		}

		updates = append(updates, types.OpeningValuationUpdate{
			PositionKey:   pos.PositionKey,
			FirstOpenedAt: first,
			UnrealizedPnl: pnl,
		})
		agg.OpeningSizeUsd += pos.SizeUsd
		agg.OpeningPositionCount++
		agg.UnrealizedPnl += pnl
	}

	if err := w.store.BulkSetOpeningValuations(ctx, updates); err != nil {
		return nil, err
	}
	ordered := make([]types.AccountOpeningTotals, 0, len(sweep.owners))
	for _, owner := range sweep.owners {
		ordered = append(ordered, *sweep.totals[owner])
	}
	if err := w.store.BulkSetAccountOpeningTotals(ctx, ordered); err != nil {
		return nil, err
	}
	return sweep, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account totals
// ————————————————————————————————————————————————————————————————————————

// updateAccountTotals runs the final pass over every account. Accounts with
// live positions get PNL from this sweep's aggregates; accounts without get
// their opening aggregates zeroed and keep realized PnL as PNL. ROI stays
// untouched for suppressed owners and for accounts with no collateral.
func (w *Worker) updateAccountTotals(ctx context.Context, sweep *openingSweep) (int, error) {
	accounts, err := w.store.Accounts(ctx)
	if err != nil {
		return 0, err
	}
	updates := make([]types.AccountTotalsUpdate, 0, len(accounts))
	for _, acct := range accounts {
		u := types.AccountTotalsUpdate{Account: acct.Account}
		if agg, ok := sweep.totals[acct.Account]; ok {
			u.PNL = acct.RealizedPnl + agg.UnrealizedPnl
		} else {
			zeroUsd, zeroCount := 0.0, 0
			u.OpeningSizeUsd = &zeroUsd
			u.UnrealizedPnl = &zeroUsd
			u.OpeningPositionCount = &zeroCount
			u.PNL = acct.RealizedPnl
		}
		if acct.ClosedPositionCount > 0 {
			ratio := float64(acct.ProfitedPositionCount) / float64(acct.ClosedPositionCount)
			u.ProfitableRatio = &ratio
		}
		if acct.CollateralUsd > 0 && !sweep.suppressed[acct.Account] {
			roi := u.PNL / acct.CollateralUsd * 100
			u.ROI = &roi
		}
		updates = append(updates, u)
	}
	if err := w.store.BulkSetAccountTotals(ctx, updates); err != nil {
		return 0, err
	}
	return len(updates), nil
}
