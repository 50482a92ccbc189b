package ibgw

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aristath/rebalancer/internal/domain"
)

// GetPositions fetches current portfolio positions for an account
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	c.log.Debug().Str("account_id", accountID).Msg("GetPositions: fetching portfolio")

	var resp positionsResponse
	path := fmt.Sprintf("/v1/accounts/%s/positions", accountID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		c.log.Error().Err(err).Str("account_id", accountID).Msg("GetPositions: gateway call failed")
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	return transformPositions(resp), nil
}

// GetAccountSummary fetches equity and settled cash for an account
func (c *Client) GetAccountSummary(ctx context.Context, accountID string) (*domain.AccountSummary, error) {
	c.log.Debug().Str("account_id", accountID).Msg("GetAccountSummary: fetching balances")

	var resp summaryResponse
	path := fmt.Sprintf("/v1/accounts/%s/summary", accountID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		c.log.Error().Err(err).Str("account_id", accountID).Msg("GetAccountSummary: gateway call failed")
		return nil, fmt.Errorf("failed to get account summary: %w", err)
	}

	return transformSummary(resp), nil
}

// GetTradingWindow resolves the current or next trading session for a symbol
func (c *Client) GetTradingWindow(ctx context.Context, symbol string) (*domain.TradingWindow, error) {
	c.log.Debug().Str("symbol", symbol).Msg("GetTradingWindow: fetching contract schedule")

	var resp scheduleResponse
	path := fmt.Sprintf("/v1/contracts/%s/schedule", symbol)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		c.log.Error().Err(err).Str("symbol", symbol).Msg("GetTradingWindow: gateway call failed")
		return nil, fmt.Errorf("failed to get trading window: %w", err)
	}

	window, err := transformSchedule(resp, c.now())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve trading window for %s: %w", symbol, err)
	}
	return window, nil
}
