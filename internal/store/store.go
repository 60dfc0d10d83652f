// Package store persists every pipeline document in MongoDB.
//
// One Store serves all four workers. Each worker owns a disjoint set of
// fields, so the collections need no coordination beyond the cursor
// documents in the configs collection. Reads of absent documents return
// ErrNotFound so callers can tell "missing" apart from a failing
// connection.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gmx-indexer/internal/config"
	"gmx-indexer/pkg/types"
)

// ErrNotFound reports that a requested document does not exist.
var ErrNotFound = errors.New("store: document not found")

// Cursor documents live in the configs collection under fixed IDs.
const (
	IngestCursorID    = "gmx_last_updated_event"
	AnalyticsCursorID = "last_updated_gmx_analytics"

	cursorField = "last_updated_at_block_number"
)

const connectTimeout = 10 * time.Second

// Store wraps the MongoDB collections of the pipeline.
type Store struct {
	client   *mongo.Client
	configs  *mongo.Collection
	events   *mongo.Collection
	markets  *mongo.Collection
	tokens   *mongo.Collection
	accounts *mongo.Collection
	opening  *mongo.Collection
	closed   *mongo.Collection
	logger   *slog.Logger
}

// Open connects to MongoDB and binds the configured collections. The
// connection is verified with a ping before Open returns.
func Open(ctx context.Context, cfg config.MongoConfig, logger *slog.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(cfg.Database)
	return &Store{
		client:   client,
		configs:  db.Collection(cfg.Configs),
		events:   db.Collection(cfg.Events),
		markets:  db.Collection(cfg.Markets),
		tokens:   db.Collection(cfg.Tokens),
		accounts: db.Collection(cfg.Accounts),
		opening:  db.Collection(cfg.Opening),
		closed:   db.Collection(cfg.Closed),
		logger:   logger.With("component", "store"),
	}, nil
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ————————————————————————————————————————————————————————————————————————
// Cursors
// ————————————————————————————————————————————————————————————————————————

// LastIngestedBlock returns the newest block the indexer has fully
// persisted. ErrNotFound means the cursor document was never seeded.
func (s *Store) LastIngestedBlock(ctx context.Context) (int64, error) {
	return s.cursorBlock(ctx, IngestCursorID)
}

// SetLastIngestedBlock advances the ingestion cursor. The cursor document
// must already exist: seeding it is a deliberate operator action that picks
// the block ingestion starts from.
func (s *Store) SetLastIngestedBlock(ctx context.Context, block int64) error {
	res, err := s.configs.UpdateOne(ctx,
		bson.M{"_id": IngestCursorID},
		bson.M{"$set": bson.M{cursorField: block}})
	if err != nil {
		return fmt.Errorf("update ingest cursor: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update ingest cursor: %w", ErrNotFound)
	}
	return nil
}

// LastAnalyzedBlock returns the newest block the analytics fold has
// consumed, or ErrNotFound before the first batch.
func (s *Store) LastAnalyzedBlock(ctx context.Context) (int64, error) {
	return s.cursorBlock(ctx, AnalyticsCursorID)
}

// SetLastAnalyzedBlock advances the analytics cursor, creating it on first
// use.
func (s *Store) SetLastAnalyzedBlock(ctx context.Context, block int64) error {
	_, err := s.configs.UpdateOne(ctx,
		bson.M{"_id": AnalyticsCursorID},
		bson.M{"$set": bson.M{cursorField: block}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("update analytics cursor: %w", err)
	}
	return nil
}

func (s *Store) cursorBlock(ctx context.Context, id string) (int64, error) {
	var doc struct {
		Block int64 `bson:"last_updated_at_block_number"`
	}
	err := s.configs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor %s: %w", id, err)
	}
	return doc.Block, nil
}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// ReplaceEvent persists one normalized event document keyed by transaction
// hash, overwriting any previous version so re-scans stay idempotent.
func (s *Store) ReplaceEvent(ctx context.Context, txHash string, doc map[string]any) error {
	doc["_id"] = txHash
	_, err := s.events.ReplaceOne(ctx, bson.M{"_id": txHash}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace event %s: %w", txHash, err)
	}
	return nil
}

// EventsInRange returns the position events with blockNumber in [from, to],
// ordered by block. Documents that do not decode into types.PositionEvent,
// such as events persisted in degraded form, are skipped with a warning.
func (s *Store) EventsInRange(ctx context.Context, from, to int64) ([]types.PositionEvent, error) {
	filter := bson.M{"blockNumber": bson.M{"$gte": from, "$lte": to}}
	opts := options.Find().SetSort(bson.D{{Key: "blockNumber", Value: 1}})
	cur, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find events %d-%d: %w", from, to, err)
	}
	defer cur.Close(ctx)

	var out []types.PositionEvent
	for cur.Next(ctx) {
		var ev types.PositionEvent
		if err := cur.Decode(&ev); err != nil {
			s.logger.Warn("skipping event that does not decode", "error", err)
			continue
		}
		out = append(out, ev)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate events %d-%d: %w", from, to, err)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Markets and tokens
// ————————————————————————————————————————————————————————————————————————

// Market resolves a market contract address to its metadata document.
func (s *Store) Market(ctx context.Context, address string) (*types.Market, error) {
	var m types.Market
	err := s.markets.FindOne(ctx, bson.M{"_id": address}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read market %s: %w", address, err)
	}
	return &m, nil
}

// MarketsByName returns every market whose display name matches one of
// names.
func (s *Store) MarketsByName(ctx context.Context, names []string) ([]types.Market, error) {
	cur, err := s.markets.Find(ctx, bson.M{"name": bson.M{"$in": names}})
	if err != nil {
		return nil, fmt.Errorf("find markets by name: %w", err)
	}
	var out []types.Market
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	return out, nil
}

// TokenInfo reads the cached metadata of a collateral token, keyed by
// checksummed address.
func (s *Store) TokenInfo(ctx context.Context, address string) (*types.TokenInfo, error) {
	var info types.TokenInfo
	err := s.tokens.FindOne(ctx, bson.M{"_id": address}).Decode(&info)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read token %s: %w", address, err)
	}
	return &info, nil
}

// SaveTokenInfo caches token metadata. Concurrent lookups of the same token
// may race; the upsert keeps the write idempotent.
func (s *Store) SaveTokenInfo(ctx context.Context, info *types.TokenInfo) error {
	_, err := s.tokens.ReplaceOne(ctx, bson.M{"_id": info.Address}, info,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save token %s: %w", info.Address, err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

// Account reads one per-trader aggregate document.
func (s *Store) Account(ctx context.Context, address string) (*types.Account, error) {
	var acct types.Account
	err := s.accounts.FindOne(ctx, bson.M{"_id": address}).Decode(&acct)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read account %s: %w", address, err)
	}
	return &acct, nil
}

// InsertAccount creates a fresh aggregate document.
func (s *Store) InsertAccount(ctx context.Context, acct *types.Account) error {
	if _, err := s.accounts.InsertOne(ctx, acct); err != nil {
		return fmt.Errorf("insert account %s: %w", acct.ID, err)
	}
	return nil
}

// UpdateAccountOnIncrease stores the fold result of a position increase:
// the refreshed key list and the new collateral total.
func (s *Store) UpdateAccountOnIncrease(ctx context.Context, address string, keys []string, collateralUsd float64) error {
	_, err := s.accounts.UpdateOne(ctx, bson.M{"_id": address}, bson.M{"$set": bson.M{
		"positionKeys":  keys,
		"collateralUsd": collateralUsd,
	}})
	if err != nil {
		return fmt.Errorf("update account %s: %w", address, err)
	}
	return nil
}

// UpdateAccountOnDecrease stores the fold result of a position decrease:
// the refreshed key list, accumulated realized PnL and the closed and
// profited counters.
func (s *Store) UpdateAccountOnDecrease(ctx context.Context, address string, keys []string, realizedPnl float64, closed, profited int) error {
	_, err := s.accounts.UpdateOne(ctx, bson.M{"_id": address}, bson.M{"$set": bson.M{
		"positionKeys":          keys,
		"realizedPnl":           realizedPnl,
		"closedPositionCount":   closed,
		"profitedPositionCount": profited,
	}})
	if err != nil {
		return fmt.Errorf("update account %s: %w", address, err)
	}
	return nil
}

// Accounts returns every aggregate document.
func (s *Store) Accounts(ctx context.Context) ([]types.Account, error) {
	cur, err := s.accounts.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find accounts: %w", err)
	}
	var out []types.Account
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return out, nil
}

// AccountKeys returns the account and positionKeys projection of every
// aggregate document.
func (s *Store) AccountKeys(ctx context.Context) ([]types.AccountPositionKeys, error) {
	opts := options.Find().SetProjection(bson.M{"account": 1, "positionKeys": 1})
	cur, err := s.accounts.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find account keys: %w", err)
	}
	var out []types.AccountPositionKeys
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode account keys: %w", err)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Opening positions
// ————————————————————————————————————————————————————————————————————————

// OpeningPosition reads one live position by its key.
func (s *Store) OpeningPosition(ctx context.Context, key string) (*types.OpeningPosition, error) {
	var pos types.OpeningPosition
	err := s.opening.FindOne(ctx, bson.M{"_id": key}).Decode(&pos)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read opening position %s: %w", key, err)
	}
	return &pos, nil
}

// InsertOpeningPosition creates a live position document.
func (s *Store) InsertOpeningPosition(ctx context.Context, pos *types.OpeningPosition) error {
	if _, err := s.opening.InsertOne(ctx, pos); err != nil {
		return fmt.Errorf("insert opening position %s: %w", pos.ID, err)
	}
	return nil
}

// UpdateOpeningOnIncrease refreshes a live position after an increase: the
// appended log list, the re-weighted entry price and the post-event size.
func (s *Store) UpdateOpeningOnIncrease(ctx context.Context, key string, logs []types.ActionLog, entryPrice, sizeUsd float64) error {
	_, err := s.opening.UpdateOne(ctx, bson.M{"_id": key}, bson.M{"$set": bson.M{
		"logs":       logs,
		"entryPrice": entryPrice,
		"sizeUsd":    sizeUsd,
	}})
	if err != nil {
		return fmt.Errorf("update opening position %s: %w", key, err)
	}
	return nil
}

// SetOpeningSize rewrites only the live size after a partial decrease.
func (s *Store) SetOpeningSize(ctx context.Context, key string, sizeUsd float64) error {
	_, err := s.opening.UpdateOne(ctx, bson.M{"_id": key},
		bson.M{"$set": bson.M{"sizeUsd": sizeUsd}})
	if err != nil {
		return fmt.Errorf("set opening size %s: %w", key, err)
	}
	return nil
}

// DeleteOpeningPosition removes a fully closed live position.
func (s *Store) DeleteOpeningPosition(ctx context.Context, key string) error {
	if _, err := s.opening.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("delete opening position %s: %w", key, err)
	}
	return nil
}

// OpeningPositions returns every live position document.
func (s *Store) OpeningPositions(ctx context.Context) ([]types.OpeningPosition, error) {
	cur, err := s.opening.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find opening positions: %w", err)
	}
	var out []types.OpeningPosition
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode opening positions: %w", err)
	}
	return out, nil
}

// OpeningPositionAssets projects every live position to its key and asset.
func (s *Store) OpeningPositionAssets(ctx context.Context) ([]types.PositionAsset, error) {
	return s.positionAssets(ctx, s.opening, "opening")
}

// ————————————————————————————————————————————————————————————————————————
// Closed positions
// ————————————————————————————————————————————————————————————————————————

// ClosedPosition reads one closed position by its key.
func (s *Store) ClosedPosition(ctx context.Context, key string) (*types.ClosedPosition, error) {
	var pos types.ClosedPosition
	err := s.closed.FindOne(ctx, bson.M{"_id": key}).Decode(&pos)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read closed position %s: %w", key, err)
	}
	return &pos, nil
}

// InsertClosedPosition creates a closed position document.
func (s *Store) InsertClosedPosition(ctx context.Context, pos *types.ClosedPosition) error {
	if _, err := s.closed.InsertOne(ctx, pos); err != nil {
		return fmt.Errorf("insert closed position %s: %w", pos.ID, err)
	}
	return nil
}

// UpdateClosedOnDecrease accumulates realized PnL and stores the appended
// log list.
func (s *Store) UpdateClosedOnDecrease(ctx context.Context, key string, realizedPnl float64, logs []types.ActionLog) error {
	_, err := s.closed.UpdateOne(ctx, bson.M{"_id": key}, bson.M{"$set": bson.M{
		"realizedPnl": realizedPnl,
		"logs":        logs,
	}})
	if err != nil {
		return fmt.Errorf("update closed position %s: %w", key, err)
	}
	return nil
}

// SetClosedLogs replaces a closed position's log history with the merged
// list built on a full close.
func (s *Store) SetClosedLogs(ctx context.Context, key string, logs []types.ActionLog) error {
	_, err := s.closed.UpdateOne(ctx, bson.M{"_id": key},
		bson.M{"$set": bson.M{"logs": logs}})
	if err != nil {
		return fmt.Errorf("set closed logs %s: %w", key, err)
	}
	return nil
}

// ClosedPositions returns every closed position document.
func (s *Store) ClosedPositions(ctx context.Context) ([]types.ClosedPosition, error) {
	cur, err := s.closed.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find closed positions: %w", err)
	}
	var out []types.ClosedPosition
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode closed positions: %w", err)
	}
	return out, nil
}

// ClosedPositionAssets projects every closed position to its key and asset.
func (s *Store) ClosedPositionAssets(ctx context.Context) ([]types.PositionAsset, error) {
	return s.positionAssets(ctx, s.closed, "closed")
}

func (s *Store) positionAssets(ctx context.Context, col *mongo.Collection, kind string) ([]types.PositionAsset, error) {
	opts := options.Find().SetProjection(bson.M{"positionKey": 1, "asset": 1})
	cur, err := col.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s position assets: %w", kind, err)
	}
	var out []types.PositionAsset
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode %s position assets: %w", kind, err)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Bulk writes
// ————————————————————————————————————————————————————————————————————————

// BulkSetLastClosedAt stamps closed positions with their newest log
// timestamp.
func (s *Store) BulkSetLastClosedAt(ctx context.Context, updates []types.LastClosedAtUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(updates))
	for _, u := range updates {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": u.PositionKey}).
			SetUpdate(bson.M{"$set": bson.M{"lastClosedAt": u.LastClosedAt}}))
	}
	if _, err := s.closed.BulkWrite(ctx, models); err != nil {
		return fmt.Errorf("bulk set lastClosedAt: %w", err)
	}
	return nil
}

// BulkSetOpeningValuations writes the per-position results of a valuation
// sweep.
func (s *Store) BulkSetOpeningValuations(ctx context.Context, updates []types.OpeningValuationUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(updates))
	for _, u := range updates {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": u.PositionKey}).
			SetUpdate(bson.M{"$set": bson.M{
				"firstOpenedAt": u.FirstOpenedAt,
				"unrealizedPnl": u.UnrealizedPnl,
			}}))
	}
	if _, err := s.opening.BulkWrite(ctx, models); err != nil {
		return fmt.Errorf("bulk set opening valuations: %w", err)
	}
	return nil
}

// BulkSetAccountOpeningTotals writes the per-account aggregates of the live
// positions seen in a sweep.
func (s *Store) BulkSetAccountOpeningTotals(ctx context.Context, updates []types.AccountOpeningTotals) error {
	if len(updates) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(updates))
	for _, u := range updates {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": u.Account}).
			SetUpdate(bson.M{"$set": bson.M{
				"openingSizeUsd":       u.OpeningSizeUsd,
				"unrealizedPnl":        u.UnrealizedPnl,
				"openingPositionCount": u.OpeningPositionCount,
			}}))
	}
	if _, err := s.accounts.BulkWrite(ctx, models); err != nil {
		return fmt.Errorf("bulk set account opening totals: %w", err)
	}
	return nil
}

// BulkSetAccountTotals writes the final per-account pass of a sweep. PNL is
// always written; the optional fields only when their pointer is set.
func (s *Store) BulkSetAccountTotals(ctx context.Context, updates []types.AccountTotalsUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(updates))
	for _, u := range updates {
		set := bson.M{"PNL": u.PNL}
		if u.OpeningSizeUsd != nil {
			set["openingSizeUsd"] = *u.OpeningSizeUsd
		}
		if u.UnrealizedPnl != nil {
			set["unrealizedPnl"] = *u.UnrealizedPnl
		}
		if u.OpeningPositionCount != nil {
			set["openingPositionCount"] = *u.OpeningPositionCount
		}
		if u.ProfitableRatio != nil {
			set["profitableRatio"] = *u.ProfitableRatio
		}
		if u.ROI != nil {
			set["ROI"] = *u.ROI
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": u.Account}).
			SetUpdate(bson.M{"$set": set}))
	}
	if _, err := s.accounts.BulkWrite(ctx, models); err != nil {
		return fmt.Errorf("bulk set account totals: %w", err)
	}
	return nil
}

// BulkSetTradedAssets replaces each account's tradedAssets list.
func (s *Store) BulkSetTradedAssets(ctx context.Context, updates []types.TradedAssetsUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(updates))
	for _, u := range updates {
		assets := u.Assets
		if assets == nil {
			assets = []string{}
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": u.Account}).
			SetUpdate(bson.M{"$set": bson.M{"tradedAssets": assets}}))
	}
	if _, err := s.accounts.BulkWrite(ctx, models); err != nil {
		return fmt.Errorf("bulk set traded assets: %w", err)
	}
	return nil
}
