// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the indexer: decoded position
// events, account and position documents, market metadata, and the bulk
// update payloads the workers hand to the store. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a perpetual position: Long or Short.
type Side string

const (
	Long  Side = "Long"
	Short Side = "Short"
)

// Action labels an entry in a position's activity log.
type Action string

const (
	ActionOpen      Action = "Open"      // collateral added / size increased
	ActionClose     Action = "Close"     // voluntary size decrease
	ActionLiquidate Action = "Liquidate" // forced close by the liquidation keeper
)

// Names of the EventEmitter events the pipeline ingests. Every other event
// published under the same log signature is discarded at decode time.
const (
	EventPositionIncrease = "PositionIncrease"
	EventPositionDecrease = "PositionDecrease"
)

// OrderTypeLiquidation is the GMX order type carried by decrease events that
// were executed by the liquidation keeper rather than the position owner.
const OrderTypeLiquidation int64 = 7

// ————————————————————————————————————————————————————————————————————————
// Persistent documents
// ————————————————————————————————————————————————————————————————————————

// ActionLog is one entry in a position's activity history. Open entries carry
// CollateralUsd and Leverage; Close and Liquidate entries carry RealizedPnl
// and PercentageClosed. The unused fields stay nil so the stored document
// keeps the shape of its action.
type ActionLog struct {
	Timestamp        int64    `bson:"timestamp"`
	Action           Action   `bson:"action"`
	CollateralUsd    *float64 `bson:"collateralUsd,omitempty"`    // USD collateral added (Open only)
	Leverage         *float64 `bson:"leverage,omitempty"`         // size/collateral, rounded up to 0.1 (Open only)
	RealizedPnl      *float64 `bson:"realizedPnl,omitempty"`      // USD PnL realized by this decrease (Close/Liquidate only)
	SizeUsd          float64  `bson:"sizeUsd"`                    // USD size delta of this action
	PercentageClosed *int     `bson:"percentageClosed,omitempty"` // share of the position closed, 0-100 (Close/Liquidate only)
	Price            float64  `bson:"price"`                      // execution price in USD per index token
	TransactionHash  string   `bson:"transaction_hash"`
}

// NewOpenLog builds the activity entry for a position increase.
func NewOpenLog(timestamp int64, collateralUsd, leverage, sizeUsd, price float64, txHash string) ActionLog {
	return ActionLog{
		Timestamp:       timestamp,
		Action:          ActionOpen,
		CollateralUsd:   &collateralUsd,
		Leverage:        &leverage,
		SizeUsd:         sizeUsd,
		Price:           price,
		TransactionHash: txHash,
	}
}

// NewCloseLog builds the activity entry for a position decrease. The action
// is ActionLiquidate when the decrease was keeper-driven, ActionClose
// otherwise.
func NewCloseLog(timestamp int64, action Action, realizedPnl, sizeUsd float64, percentageClosed int, price float64, txHash string) ActionLog {
	return ActionLog{
		Timestamp:        timestamp,
		Action:           action,
		RealizedPnl:      &realizedPnl,
		SizeUsd:          sizeUsd,
		PercentageClosed: &percentageClosed,
		Price:            price,
		TransactionHash:  txHash,
	}
}

// Account is the per-trader aggregate document. The analytics worker owns the
// fold-derived fields (positionKeys, collateralUsd, realizedPnl and the
// counters); the valuator owns the mark-to-market fields (openingSizeUsd,
// unrealizedPnl, openingPositionCount, profitableRatio, PNL, ROI); the asset
// index worker owns tradedAssets.
type Account struct {
	ID                    string   `bson:"_id"` // lowercase trader address
	Account               string   `bson:"account"`
	PositionKeys          []string `bson:"positionKeys"` // every position key ever touched, append order
	OpeningSizeUsd        float64  `bson:"openingSizeUsd"`
	CollateralUsd         float64  `bson:"collateralUsd"`
	RealizedPnl           float64  `bson:"realizedPnl"`
	UnrealizedPnl         float64  `bson:"unrealizedPnl"`
	OpeningPositionCount  int      `bson:"openingPositionCount"`
	ClosedPositionCount   int      `bson:"closedPositionCount"`
	ProfitedPositionCount int      `bson:"profitedPositionCount"`
	ProfitableRatio       float64  `bson:"profitableRatio"` // profited / closed, when closed > 0
	PNL                   float64  `bson:"PNL"`             // realized + unrealized, USD
	ROI                   float64  `bson:"ROI"`             // PNL / collateral × 100, when collateral > 0
	TradedAssets          []string `bson:"tradedAssets,omitempty"`
}

// OpeningPosition is a live position document, keyed by the GMX position key.
type OpeningPosition struct {
	ID            string      `bson:"_id"` // position key, duplicated below for queries
	PositionKey   string      `bson:"positionKey"`
	OwnerAccount  string      `bson:"ownerAccount"` // lowercase trader address
	Asset         string      `bson:"asset"`        // market display name, e.g. "BTC/USD [BTC-USDC]"
	Side          Side        `bson:"side"`
	SizeUsd       float64     `bson:"sizeUsd"`
	EntryPrice    float64     `bson:"entryPrice"` // size-weighted average across increases
	UnrealizedPnl float64     `bson:"unrealizedPnl"`
	FirstOpenedAt int64       `bson:"firstOpenedAt,omitempty"` // stamped by the valuator from the logs
	Logs          []ActionLog `bson:"logs"`
}

// ClosedPosition accumulates the realized outcome of a position. When the
// live position reaches size zero its logs are merged in and the opening
// document is deleted; a later re-open of the same key starts a fresh
// OpeningPosition while this document keeps accumulating.
type ClosedPosition struct {
	ID           string      `bson:"_id"` // position key
	PositionKey  string      `bson:"positionKey"`
	OwnerAccount string      `bson:"ownerAccount"`
	Asset        string      `bson:"asset"`
	Side         Side        `bson:"side"`
	RealizedPnl  float64     `bson:"realizedPnl"`
	LastClosedAt int64       `bson:"lastClosedAt,omitempty"` // stamped by the valuator from the logs
	Logs         []ActionLog `bson:"logs"`
}

// Market maps a GMX market contract address to its display name and the
// decimals of its index token. Seeded externally; the indexer only reads it.
type Market struct {
	Address  string `bson:"_id"` // market contract address
	Name     string `bson:"name"`
	Decimals int    `bson:"decimals"` // index token decimals
}

// TokenInfo caches the on-chain metadata of an ERC-20 collateral token,
// keyed by checksummed address.
type TokenInfo struct {
	Address  string `bson:"_id"` // EIP-55 checksummed
	Decimals int    `bson:"decimals"`
	Symbol   string `bson:"symbol"`
}

// ————————————————————————————————————————————————————————————————————————
// Event stream
// ————————————————————————————————————————————————————————————————————————

// PositionEvent is the typed view of a normalized event document that the
// analytics fold consumes. Documents that were persisted in degraded form
// (string-valued amounts) do not decode into it and are skipped upstream.
//
// SizeDeltaUsd is a pointer because its absence is meaningful: a decrease
// without it closes the entire remaining size.
type PositionEvent struct {
	TransactionHash       string   `bson:"transactionHash"`
	BlockNumber           int64    `bson:"blockNumber"`
	EventName             string   `bson:"eventName"`
	Account               string   `bson:"account"`
	PositionKey           string   `bson:"positionKey"`
	IsLong                bool     `bson:"isLong"`
	OrderType             int64    `bson:"orderType"`
	IndexTokenName        string   `bson:"indexTokenName"`
	Timestamp             int64    `bson:"timestamp"`
	SizeInUsd             float64  `bson:"sizeInUsd"`    // position size after the event
	SizeDeltaUsd          *float64 `bson:"sizeDeltaUsd"` // size change of the event, nil when absent
	CollateralDeltaAmount float64  `bson:"collateralDeltaAmount"`
	ExecutionPrice        float64  `bson:"executionPrice"`
	BasePnlUsd            float64  `bson:"basePnlUsd"`
}

// ————————————————————————————————————————————————————————————————————————
// Price oracle
// ————————————————————————————————————————————————————————————————————————

// TickerPrice is one entry of the GMX ticker feed. Prices arrive as decimal
// strings in GMX's 30-decimal fixed-point USD convention, not yet adjusted
// for the token's own decimals.
type TickerPrice struct {
	TokenSymbol string `json:"tokenSymbol"`
	MinPrice    string `json:"minPrice"`
	MaxPrice    string `json:"maxPrice"`
}

// ————————————————————————————————————————————————————————————————————————
// Bulk update payloads
// ————————————————————————————————————————————————————————————————————————
// The valuator and asset index workers compute whole sweeps in memory and
// hand the store one batch per collection. Each payload names exactly the
// fields its bulk write sets.

// LastClosedAtUpdate stamps a closed position with its newest log timestamp.
type LastClosedAtUpdate struct {
	PositionKey  string
	LastClosedAt int64
}

// OpeningValuationUpdate carries the per-position result of a valuation
// sweep.
type OpeningValuationUpdate struct {
	PositionKey   string
	FirstOpenedAt int64
	UnrealizedPnl float64
}

// AccountOpeningTotals aggregates an account's live positions for one sweep.
type AccountOpeningTotals struct {
	Account              string
	OpeningSizeUsd       float64
	UnrealizedPnl        float64
	OpeningPositionCount int
}

// AccountTotalsUpdate is the final per-account pass of a valuation sweep.
// PNL is always written; the pointer fields are written only when non-nil.
// Accounts with no live positions get their opening aggregates zeroed here.
type AccountTotalsUpdate struct {
	Account              string
	PNL                  float64
	OpeningSizeUsd       *float64
	UnrealizedPnl        *float64
	OpeningPositionCount *int
	ProfitableRatio      *float64
	ROI                  *float64
}

// PositionAsset pairs a position key with the asset it trades. Used to build
// the key-to-asset index for tradedAssets.
type PositionAsset struct {
	PositionKey string `bson:"positionKey"`
	Asset       string `bson:"asset"`
}

// AccountPositionKeys is the projection of an account used by the asset
// index worker.
type AccountPositionKeys struct {
	Account      string   `bson:"account"`
	PositionKeys []string `bson:"positionKeys"`
}

// TradedAssetsUpdate replaces an account's tradedAssets list. Assets keeps
// first-seen order and is written even when empty.
type TradedAssetsUpdate struct {
	Account string
	Assets  []string
}
