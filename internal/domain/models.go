// Package domain holds the broker-facing types and interfaces shared across
// the engine. Everything here is transient: positions, quotes, windows and
// orders are re-fetched from the broker on every processing attempt, never
// cached across events.
package domain

import "time"

// Position represents a portfolio position as reported by the broker
type Position struct {
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"quantity"`
	AverageCost float64 `json:"average_cost"`
}

// AccountSummary represents account-level balances as reported by the broker
type AccountSummary struct {
	AccountID string  `json:"account_id"`
	Equity    float64 `json:"equity"` // Net liquidation value
	Cash      float64 `json:"cash"`   // Settled cash available for trading
}

// OrderSide is the direction of an order
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus is the broker-reported state of an order
type OrderStatus string

const (
	OrderSubmitted OrderStatus = "submitted"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderUnknown   OrderStatus = "unknown"
)

// IsTerminal reports whether the order can no longer change state
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// OrderTicket is an order request before submission
type OrderTicket struct {
	Symbol   string    `json:"symbol"`
	Side     OrderSide `json:"side"`
	Quantity int64     `json:"quantity"` // Whole shares only
}

// Order represents a submitted order
type Order struct {
	OrderID  string      `json:"order_id"`
	Symbol   string      `json:"symbol"`
	Side     OrderSide   `json:"side"`
	Quantity int64       `json:"quantity"`
	Status   OrderStatus `json:"status"`
}

// Quote represents a point-in-time price observation for a symbol
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// Price returns the usable price from a quote: the bid/ask midpoint when both
// sides are present, otherwise the last trade. Zero means no usable price.
func (q *Quote) Price() float64 {
	if q == nil {
		return 0
	}
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	if q.Last > 0 {
		return q.Last
	}
	return 0
}

// Bar represents a single OHLCV bar
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// TradingWindow is the open/close interval of a symbol's current or next
// trading session, derived from broker contract metadata.
type TradingWindow struct {
	Symbol   string    `json:"symbol"`
	OpensAt  time.Time `json:"opens_at"`
	ClosesAt time.Time `json:"closes_at"`
}

// Contains reports whether t falls inside the window
func (w *TradingWindow) Contains(t time.Time) bool {
	return !t.Before(w.OpensAt) && t.Before(w.ClosesAt)
}

// NextOpen returns the window's opening time if it is still ahead of t,
// otherwise the zero time (the session is already open or past).
func (w *TradingWindow) NextOpen(t time.Time) time.Time {
	if t.Before(w.OpensAt) {
		return w.OpensAt
	}
	return time.Time{}
}

// Allocation represents one target weight from the allocation provider
type Allocation struct {
	Symbol         string  `json:"symbol"`
	TargetFraction float64 `json:"allocation"`
}

// AllocationSet is a provider response: the named model portfolio and its
// target weights as of a point in time.
type AllocationSet struct {
	Name        string       `json:"name"`
	AsOf        string       `json:"as_of"`
	Allocations []Allocation `json:"allocations"`
}
