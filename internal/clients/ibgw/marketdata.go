package ibgw

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aristath/rebalancer/internal/domain"
)

func (c *Client) snapshot(ctx context.Context, symbol, feed string) (*domain.Quote, error) {
	var resp snapshotResponse
	path := fmt.Sprintf("/v1/marketdata/%s/snapshot?feed=%s", symbol, feed)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get %s snapshot for %s: %w", feed, symbol, err)
	}
	quote := transformQuote(resp)
	if quote.Symbol == "" {
		quote.Symbol = symbol
	}
	return quote, nil
}

// LiveQuote fetches a real-time snapshot
func (c *Client) LiveQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	return c.snapshot(ctx, symbol, "live")
}

// FrozenQuote fetches the last snapshot recorded before the market closed
func (c *Client) FrozenQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	return c.snapshot(ctx, symbol, "frozen")
}

// DelayedQuote fetches a delayed snapshot, typically 15 minutes behind
func (c *Client) DelayedQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	return c.snapshot(ctx, symbol, "delayed")
}

// HistoricalBars fetches recent daily bars for a symbol, most recent last
func (c *Client) HistoricalBars(ctx context.Context, symbol string, days int) ([]domain.Bar, error) {
	if days <= 0 {
		return nil, fmt.Errorf("invalid lookback: %d days", days)
	}

	c.log.Debug().Str("symbol", symbol).Int("days", days).Msg("HistoricalBars: fetching daily bars")

	var resp historyResponse
	path := fmt.Sprintf("/v1/marketdata/%s/history?days=%d&bar=1d", symbol, days)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get historical bars for %s: %w", symbol, err)
	}

	bars, err := transformBars(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bars for %s: %w", symbol, err)
	}
	return bars, nil
}
