// Package metadata resolves collateral token decimals and symbols.
//
// Lookups go memory, then MongoDB, then an on-chain call, and successful
// on-chain results are written back to MongoDB so later runs skip the RPC.
// A failing chain call degrades to 18 decimals and the symbol UNKNOWN
// without caching, so a flaky token contract is retried on the next event
// that references it.
package metadata

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"gmx-indexer/internal/store"
	"gmx-indexer/pkg/types"
)

// Fallback metadata used when a token contract cannot be queried.
const (
	FallbackDecimals = 18
	FallbackSymbol   = "UNKNOWN"
)

// TokenReader fetches metadata from the token contract itself.
type TokenReader interface {
	TokenMetadata(ctx context.Context, token common.Address) (decimals uint8, symbol string, err error)
}

// TokenStore persists resolved metadata between runs.
type TokenStore interface {
	TokenInfo(ctx context.Context, address string) (*types.TokenInfo, error)
	SaveTokenInfo(ctx context.Context, info *types.TokenInfo) error
}

// Cache memoizes token metadata for the lifetime of the process.
type Cache struct {
	mu     sync.RWMutex
	memo   map[string]types.TokenInfo
	chain  TokenReader
	store  TokenStore
	logger *slog.Logger
}

// NewCache builds an empty cache over the given chain reader and store.
func NewCache(chain TokenReader, st TokenStore, logger *slog.Logger) *Cache {
	return &Cache{
		memo:   make(map[string]types.TokenInfo),
		chain:  chain,
		store:  st,
		logger: logger.With("component", "metadata"),
	}
}

// Lookup resolves the metadata of a token address in any casing. A store
// read failure is returned to the caller; a chain failure yields the
// fallback metadata and a nil error.
func (c *Cache) Lookup(ctx context.Context, address string) (types.TokenInfo, error) {
	checksummed := common.HexToAddress(address).Hex()

	c.mu.RLock()
	info, ok := c.memo[checksummed]
	c.mu.RUnlock()
	if ok {
		return info, nil
	}

	stored, err := c.store.TokenInfo(ctx, checksummed)
	switch {
	case err == nil:
		c.remember(*stored)
		return *stored, nil
	case !errors.Is(err, store.ErrNotFound):
		return types.TokenInfo{}, err
	}

	decimals, symbol, err := c.chain.TokenMetadata(ctx, common.HexToAddress(checksummed))
	if err != nil {
		c.logger.Warn("token metadata unavailable, using fallback",
			"token", checksummed, "error", err)
		return types.TokenInfo{
			Address:  checksummed,
			Decimals: FallbackDecimals,
			Symbol:   FallbackSymbol,
		}, nil
	}

	info = types.TokenInfo{Address: checksummed, Decimals: int(decimals), Symbol: symbol}
	if err := c.store.SaveTokenInfo(ctx, &info); err != nil {
		c.logger.Warn("failed to persist token metadata",
			"token", checksummed, "error", err)
	}
	c.remember(info)
	return info, nil
}

func (c *Cache) remember(info types.TokenInfo) {
	c.mu.Lock()
	c.memo[info.Address] = info
	c.mu.Unlock()
}
