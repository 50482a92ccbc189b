package ibgw

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/events"
)

// withOrderRetries runs an order operation with the order retry budget:
// fixed delay, no jitter. Jitter is deliberately omitted so retries can never
// overlap and double-submit. Only connection failures are retried; a
// semantic rejection will not get better by asking again.
func (c *Client) withOrderRetries(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.OrderMaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var connErr *domain.ConnectionError
		if !errors.As(lastErr, &connErr) {
			return lastErr
		}

		if attempt < c.cfg.OrderMaxRetries {
			c.log.Warn().
				Err(lastErr).
				Str("operation", op).
				Int("attempt", attempt).
				Int("max_retries", c.cfg.OrderMaxRetries).
				Msg("Order operation failed, retrying")
			if err := sleepCtx(ctx, c.cfg.OrderRetryDelay); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

// PlaceOrder submits a market order for an account
func (c *Client) PlaceOrder(ctx context.Context, accountID string, ticket domain.OrderTicket) (*domain.Order, error) {
	if ticket.Side != domain.SideBuy && ticket.Side != domain.SideSell {
		return nil, fmt.Errorf("invalid side: %s (must be BUY or SELL)", ticket.Side)
	}
	if ticket.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity: %d", ticket.Quantity)
	}

	c.log.Debug().
		Str("account_id", accountID).
		Str("symbol", ticket.Symbol).
		Str("side", string(ticket.Side)).
		Int64("quantity", ticket.Quantity).
		Msg("PlaceOrder: submitting market order")

	var placed wireOrder
	err := c.withOrderRetries(ctx, "place_order", func() error {
		path := fmt.Sprintf("/v1/accounts/%s/orders", accountID)
		return c.do(ctx, http.MethodPost, path, orderRequest{
			Symbol:   ticket.Symbol,
			Side:     string(ticket.Side),
			Quantity: ticket.Quantity,
			Type:     "MKT",
		}, &placed)
	})
	if err != nil {
		c.log.Error().Err(err).
			Str("account_id", accountID).
			Str("symbol", ticket.Symbol).
			Msg("PlaceOrder: gateway call failed")
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	order := transformOrder(placed)
	if order.Symbol == "" {
		order.Symbol = ticket.Symbol
	}
	if order.Side == "" {
		order.Side = ticket.Side
	}
	if order.Quantity == 0 {
		order.Quantity = ticket.Quantity
	}
	if order.Status == domain.OrderUnknown {
		order.Status = domain.OrderSubmitted
	}
	return &order, nil
}

// CancelOrder cancels a single order by id
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	c.log.Debug().Str("order_id", orderID).Msg("CancelOrder: cancelling order")

	err := c.withOrderRetries(ctx, "cancel_order", func() error {
		return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/orders/%s", orderID), nil, nil)
	})
	if err != nil {
		c.log.Error().Err(err).Str("order_id", orderID).Msg("CancelOrder: gateway call failed")
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	return nil
}

// GetOrderStatus fetches the current status of an order
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	var resp wireOrder
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/orders/%s", orderID), nil, &resp); err != nil {
		return domain.OrderUnknown, fmt.Errorf("failed to get order status: %w", err)
	}
	return transformOrderStatus(resp.Status), nil
}

// GetPendingOrders lists orders that have not reached a terminal state
func (c *Client) GetPendingOrders(ctx context.Context, accountID string) ([]domain.Order, error) {
	var resp ordersResponse
	path := fmt.Sprintf("/v1/accounts/%s/orders", accountID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get pending orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(resp.Orders))
	for _, w := range resp.Orders {
		order := transformOrder(w)
		if !order.Status.IsTerminal() {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

// CancelAllOrders cancels every pending order for the account and polls
// until the gateway confirms none remain. An unconfirmed cancellation is a
// hard failure: placing new orders while old ones might still be live is
// never safe.
func (c *Client) CancelAllOrders(ctx context.Context, accountID string) error {
	pending, err := c.GetPendingOrders(ctx, accountID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		c.log.Debug().Str("account_id", accountID).Msg("CancelAllOrders: nothing pending")
		return nil
	}

	c.log.Info().
		Str("account_id", accountID).
		Int("pending", len(pending)).
		Msg("CancelAllOrders: cancelling pending orders")

	err = c.withOrderRetries(ctx, "cancel_all_orders", func() error {
		return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/accounts/%s/orders", accountID), nil, nil)
	})
	if err != nil {
		c.log.Error().Err(err).Str("account_id", accountID).Msg("CancelAllOrders: gateway call failed")
		return fmt.Errorf("failed to cancel all orders: %w", err)
	}

	deadline := c.now().Add(c.cfg.CancelConfirmTimeout)
	for {
		remaining, err := c.GetPendingOrders(ctx, accountID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			c.log.Info().Str("account_id", accountID).Msg("CancelAllOrders: cancellation confirmed")
			c.bus.EmitData("ibgw", &events.OrdersCancelledData{AccountID: accountID, Count: len(pending)})
			return nil
		}

		if c.now().After(deadline) {
			c.log.Error().
				Str("account_id", accountID).
				Int("remaining", len(remaining)).
				Msg("CancelAllOrders: confirmation timed out")
			return &domain.CancellationTimeoutError{AccountID: accountID, Remaining: len(remaining)}
		}

		if err := sleepCtx(ctx, c.cfg.CancelPollInterval); err != nil {
			return &domain.CancellationTimeoutError{AccountID: accountID, Remaining: len(remaining)}
		}
	}
}
