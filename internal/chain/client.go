// Package chain wraps the JSON-RPC access the indexer needs: chain head
// queries, EventEmitter log scans and ERC-20 metadata calls. All requests
// share one token bucket so catch-up scans stay inside the tolerance of
// public endpoints.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	// DefaultRPC is the public Arbitrum One endpoint.
	DefaultRPC = "https://arb1.arbitrum.io/rpc"

	// DefaultEmitter is the GMX V2 EventEmitter contract on Arbitrum One.
	DefaultEmitter = "0xC8ee91A54287DB53897056e12D9819156D3822Fb"

	// logChunkBlocks caps the range of a single eth_getLogs request;
	// public endpoints reject wider scans.
	logChunkBlocks = 1000
)

// erc20MetadataABI is the fragment needed to read a token's decimals and symbol.
const erc20MetadataABI = `[{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"payable":false,"stateMutability":"view","type":"function"},{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"payable":false,"stateMutability":"view","type":"function"}]`

// Client is a rate-limited JSON-RPC client scoped to one emitter contract.
type Client struct {
	eth     *ethclient.Client
	limiter *TokenBucket
	emitter common.Address
	topic   common.Hash
	erc20   abi.ABI
	logger  *slog.Logger
}

// Dial connects to the JSON-RPC endpoint and prepares the log filter for
// the emitter contract and topic.
func Dial(ctx context.Context, rpcURL string, emitter common.Address, topic common.Hash, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20MetadataABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &Client{
		eth:     eth,
		limiter: NewTokenBucket(10, 8),
		emitter: emitter,
		topic:   topic,
		erc20:   erc20,
		logger:  logger.With("component", "chain"),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Head returns the current chain head block number.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return head, nil
}

// blockRange is one inclusive eth_getLogs window.
type blockRange struct {
	from, to uint64
}

// splitRange cuts the inclusive range [from, to] into consecutive windows of
// at most size blocks. An inverted range yields no windows.
func splitRange(from, to, size uint64) []blockRange {
	var out []blockRange
	for start := from; start <= to; start += size {
		end := start + size - 1
		if end > to {
			end = to
		}
		out = append(out, blockRange{from: start, to: end})
	}
	return out
}

// EmitterLogs fetches every emitter log in [from, to], both bounds
// inclusive, splitting the range into chunks the endpoint will accept.
func (c *Client) EmitterLogs(ctx context.Context, from, to uint64) ([]ethtypes.Log, error) {
	var out []ethtypes.Log
	for _, r := range splitRange(from, to, logChunkBlocks) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(r.from),
			ToBlock:   new(big.Int).SetUint64(r.to),
			Addresses: []common.Address{c.emitter},
			Topics:    [][]common.Hash{{c.topic}},
		})
		if err != nil {
			return nil, fmt.Errorf("get logs %d-%d: %w", r.from, r.to, err)
		}
		c.logger.Debug("fetched logs", "from", r.from, "to", r.to, "count", len(logs))
		out = append(out, logs...)
	}
	return out, nil
}

// TokenMetadata reads decimals() and symbol() from an ERC-20 contract.
func (c *Client) TokenMetadata(ctx context.Context, token common.Address) (uint8, string, error) {
	var decimals uint8
	if err := c.call(ctx, token, "decimals", &decimals); err != nil {
		return 0, "", err
	}
	var symbol string
	if err := c.call(ctx, token, "symbol", &symbol); err != nil {
		return 0, "", err
	}
	return decimals, symbol, nil
}

func (c *Client) call(ctx context.Context, to common.Address, method string, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	input, err := c.erc20.Pack(method)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	output, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	if err := c.erc20.UnpackIntoInterface(result, method, output); err != nil {
		return fmt.Errorf("unpack %s from %s: %w", method, to.Hex(), err)
	}
	return nil
}
