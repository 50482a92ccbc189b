package domain

import (
	"context"
)

// Gateway defines the broker operations the engine depends on. All accounts
// share one physical connection behind this interface; implementations must
// serialize access internally so concurrent callers cannot corrupt
// subscription or session state.
type Gateway interface {
	// Connection lifecycle
	EnsureConnected(ctx context.Context) error
	IsConnected() bool
	TradingMode() string

	// Portfolio operations
	GetPositions(ctx context.Context, accountID string) ([]Position, error)
	GetAccountSummary(ctx context.Context, accountID string) (*AccountSummary, error)

	// Contract metadata
	GetTradingWindow(ctx context.Context, symbol string) (*TradingWindow, error)

	// Order operations
	PlaceOrder(ctx context.Context, accountID string, ticket OrderTicket) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	// CancelAllOrders blocks until every pending order for the account is
	// confirmed cancelled, or fails with a CancellationTimeoutError.
	CancelAllOrders(ctx context.Context, accountID string) error
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	GetPendingOrders(ctx context.Context, accountID string) ([]Order, error)
}

// PriceSource exposes the raw market-data tiers the pricing resolver falls
// through. Implemented by the gateway client.
type PriceSource interface {
	LiveQuote(ctx context.Context, symbol string) (*Quote, error)
	FrozenQuote(ctx context.Context, symbol string) (*Quote, error)
	DelayedQuote(ctx context.Context, symbol string) (*Quote, error)
	HistoricalBars(ctx context.Context, symbol string, days int) ([]Bar, error)
}

// PriceResolver resolves a usable price for a symbol, or fails with a
// PriceUnavailableError once every tier is exhausted. It never fabricates
// a price.
type PriceResolver interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// AllocationSource fetches target allocations for a channel from the
// external allocation provider.
type AllocationSource interface {
	GetAllocations(ctx context.Context, channel string) (*AllocationSet, error)
}
