package domain

import (
	"fmt"
	"strings"
)

// The engine's failure taxonomy. Handlers and the processing loop classify
// failures with errors.As against these types; anything unclassified is still
// a failure, just an anonymous one. Closed trading hours are deliberately not
// here: they are a delay outcome, not an error.

// ConnectionError indicates the broker gateway is unreachable or refused the
// session, after the connection retry budget was spent.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CancellationTimeoutError indicates pending orders could not be confirmed
// cancelled within the configured timeout. Placing new orders while old ones
// might still be live is unsafe, so callers must treat this as a hard failure.
type CancellationTimeoutError struct {
	AccountID string
	Remaining int // Orders still pending when the timeout expired
}

func (e *CancellationTimeoutError) Error() string {
	return fmt.Sprintf("cancellation not confirmed for account %s: %d orders still pending", e.AccountID, e.Remaining)
}

// PriceUnavailableError indicates every pricing tier was exhausted for a
// symbol. The owning operation must fail rather than trade on a fabricated
// price.
type PriceUnavailableError struct {
	Symbol string
}

func (e *PriceUnavailableError) Error() string {
	return fmt.Sprintf("no price available for %s from any tier", e.Symbol)
}

// OrderCompletionTimeoutError indicates sell orders did not all reach a
// terminal state within the configured timeout.
type OrderCompletionTimeoutError struct {
	AccountID string
	PendingID []string // Order ids still not terminal
}

func (e *OrderCompletionTimeoutError) Error() string {
	return fmt.Sprintf("orders for account %s not completed in time: %s", e.AccountID, strings.Join(e.PendingID, ", "))
}

// AllocationInvalidError indicates the allocation provider response was
// malformed or its fractions do not sum to approximately 1.0.
type AllocationInvalidError struct {
	Channel string
	Reason  string
}

func (e *AllocationInvalidError) Error() string {
	return fmt.Sprintf("invalid allocations for channel %s: %s", e.Channel, e.Reason)
}

// TradingModeError indicates an account's configured trading mode does not
// match the mode of the gateway this process is connected to. The event fails
// rather than ever trading in the wrong environment.
type TradingModeError struct {
	AccountID   string
	AccountMode string
	GatewayMode string
}

func (e *TradingModeError) Error() string {
	return fmt.Sprintf("account %s is configured for %s trading but the gateway is %s", e.AccountID, e.AccountMode, e.GatewayMode)
}
