package ibgw

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/rebalancer/internal/domain"
)

// apiError is a non-2xx gateway response
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

func newAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	message := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		message = body.Error
	}
	return &apiError{Status: resp.StatusCode, Message: message}
}

func asAPIError(err error, target **apiError) bool {
	return errors.As(err, target)
}

// Wire types. The gateway's JSON is close to the domain model but not
// identical; the transforms below normalize the differences.

type sessionRequest struct {
	Mode string `json:"mode"`
}

type sessionResponse struct {
	Connected bool   `json:"connected"`
	Mode      string `json:"mode"`
}

type wirePosition struct {
	Symbol  string  `json:"symbol"`
	Qty     float64 `json:"position"`
	AvgCost float64 `json:"avg_cost"`
}

type positionsResponse struct {
	Positions []wirePosition `json:"positions"`
}

type summaryResponse struct {
	AccountID      string  `json:"account_id"`
	NetLiquidation float64 `json:"net_liquidation"`
	TotalCash      float64 `json:"total_cash"`
}

type wireSession struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

type scheduleResponse struct {
	Symbol   string        `json:"symbol"`
	Sessions []wireSession `json:"sessions"`
}

type snapshotResponse struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	Timestamp string  `json:"timestamp"`
}

type wireBar struct {
	Time   string  `json:"t"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume int64   `json:"v"`
}

type historyResponse struct {
	Symbol string    `json:"symbol"`
	Bars   []wireBar `json:"bars"`
}

type orderRequest struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Quantity int64  `json:"quantity"`
	Type     string `json:"type"`
}

type wireOrder struct {
	OrderID  string  `json:"order_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	Status   string  `json:"status"`
}

type ordersResponse struct {
	Orders []wireOrder `json:"orders"`
}

// Transforms

func transformPositions(resp positionsResponse) []domain.Position {
	positions := make([]domain.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		if p.Symbol == "" {
			continue
		}
		positions = append(positions, domain.Position{
			Symbol:      p.Symbol,
			Quantity:    p.Qty,
			AverageCost: p.AvgCost,
		})
	}
	return positions
}

func transformSummary(resp summaryResponse) *domain.AccountSummary {
	return &domain.AccountSummary{
		AccountID: resp.AccountID,
		Equity:    resp.NetLiquidation,
		Cash:      resp.TotalCash,
	}
}

// transformSchedule picks the session containing now, or else the earliest
// future session. Past-only schedules are a gateway bug and surface as an
// error rather than a guess.
func transformSchedule(resp scheduleResponse, now time.Time) (*domain.TradingWindow, error) {
	var next *domain.TradingWindow

	for _, s := range resp.Sessions {
		opens, err := time.Parse(time.RFC3339, s.Open)
		if err != nil {
			return nil, fmt.Errorf("failed to parse session open %q: %w", s.Open, err)
		}
		closes, err := time.Parse(time.RFC3339, s.Close)
		if err != nil {
			return nil, fmt.Errorf("failed to parse session close %q: %w", s.Close, err)
		}

		window := &domain.TradingWindow{Symbol: resp.Symbol, OpensAt: opens, ClosesAt: closes}
		if window.Contains(now) {
			return window, nil
		}
		if opens.After(now) && (next == nil || opens.Before(next.OpensAt)) {
			next = window
		}
	}

	if next == nil {
		return nil, fmt.Errorf("no current or upcoming trading session for %s", resp.Symbol)
	}
	return next, nil
}

func transformQuote(resp snapshotResponse) *domain.Quote {
	quote := &domain.Quote{
		Symbol: resp.Symbol,
		Bid:    resp.Bid,
		Ask:    resp.Ask,
		Last:   resp.Last,
	}
	if t, err := time.Parse(time.RFC3339, resp.Timestamp); err == nil {
		quote.Timestamp = t
	}
	return quote
}

func transformBars(resp historyResponse) ([]domain.Bar, error) {
	bars := make([]domain.Bar, 0, len(resp.Bars))
	for _, b := range resp.Bars {
		t, err := time.Parse(time.RFC3339, b.Time)
		if err != nil {
			return nil, fmt.Errorf("failed to parse bar timestamp %q: %w", b.Time, err)
		}
		bars = append(bars, domain.Bar{
			Timestamp: t,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	return bars, nil
}

// transformOrderStatus maps gateway status strings onto the domain's four
// states. Anything unrecognized is unknown, never silently terminal.
func transformOrderStatus(status string) domain.OrderStatus {
	switch strings.ToLower(status) {
	case "submitted", "presubmitted", "pendingsubmit", "pending":
		return domain.OrderSubmitted
	case "filled":
		return domain.OrderFilled
	case "cancelled", "apicancelled", "inactive":
		return domain.OrderCancelled
	default:
		return domain.OrderUnknown
	}
}

func transformOrder(w wireOrder) domain.Order {
	return domain.Order{
		OrderID:  w.OrderID,
		Symbol:   w.Symbol,
		Side:     domain.OrderSide(strings.ToUpper(w.Side)),
		Quantity: int64(w.Quantity),
		Status:   transformOrderStatus(w.Status),
	}
}
