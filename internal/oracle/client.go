// Package oracle implements the GMX price ticker REST client.
//
// The ticker endpoint publishes the oracle's current min/max price for every
// token symbol GMX trades. Prices arrive as decimal strings in the 30-decimal
// fixed-point USD convention; the valuator converts them using each market's
// token decimals.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"gmx-indexer/pkg/types"
)

// Client is the GMX price API client. It wraps a resty HTTP client with
// timeout and retry on 5xx errors.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a ticker client for the given API base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		logger: logger.With("component", "oracle"),
	}
}

// Prices fetches the current ticker list. A non-200 response is an error;
// callers treat it as transient and retry on their next tick.
func (c *Client) Prices(ctx context.Context) ([]types.TickerPrice, error) {
	var result []types.TickerPrice
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/prices/tickers")
	if err != nil {
		return nil, fmt.Errorf("get tickers: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get tickers: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}
