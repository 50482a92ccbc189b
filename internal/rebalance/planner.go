package rebalance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/domain"
)

// orderThreshold is the minimum share difference that generates a trade.
// Differences below half a share are churn, not drift.
const orderThreshold = 0.5

// PlannedOrder is one trade the plan calls for, before submission
type PlannedOrder struct {
	Symbol         string           `json:"symbol"`
	Side           domain.OrderSide `json:"side"`
	Quantity       int64            `json:"quantity"`
	EstimatedValue float64          `json:"estimated_value"`
}

// Plan is the full set of trades for one rebalance attempt. Sells always
// execute before buys; order within each list is generation order, which is
// what budget skipping keys on.
type Plan struct {
	Sells []PlannedOrder `json:"sells"`
	Buys  []PlannedOrder `json:"buys"`
}

// IsEmpty reports whether the plan calls for no trades at all
func (p *Plan) IsEmpty() bool {
	return len(p.Sells) == 0 && len(p.Buys) == 0
}

// SellValue returns the estimated proceeds of all planned sells
func (p *Plan) SellValue() float64 {
	return ordersValue(p.Sells)
}

// BuyValue returns the estimated cost of all planned buys
func (p *Plan) BuyValue() float64 {
	return ordersValue(p.Buys)
}

func ordersValue(orders []PlannedOrder) float64 {
	values := make([]float64, len(orders))
	for i, o := range orders {
		values[i] = o.EstimatedValue
	}
	return floats.Sum(values)
}

// PlanInput is everything the planner needs, all fetched live by the caller.
// Targets must already have the account's symbol replacements applied.
type PlanInput struct {
	Equity    float64
	Positions []domain.Position
	Targets   []domain.Allocation
	Prices    map[string]float64
}

// ApplyReplacements maps allocation symbols through the account's
// replacement table. When two model symbols collapse onto one tradable
// symbol their fractions merge; order follows first appearance.
func ApplyReplacements(allocations []domain.Allocation, account *config.Account) []domain.Allocation {
	out := make([]domain.Allocation, 0, len(allocations))
	index := make(map[string]int, len(allocations))

	for _, a := range allocations {
		symbol := account.ReplaceSymbol(a.Symbol)
		if i, ok := index[symbol]; ok {
			out[i].TargetFraction += a.TargetFraction
			continue
		}
		index[symbol] = len(out)
		out = append(out, domain.Allocation{Symbol: symbol, TargetFraction: a.TargetFraction})
	}
	return out
}

// BuildPlan computes the trades that move current positions to the target
// allocation. Target shares per symbol = floor(equity × fraction / price);
// held symbols absent from the targets get a full liquidation sell. Buys are
// generated in target order, liquidations in position order.
func BuildPlan(in PlanInput) (*Plan, error) {
	plan := &Plan{}

	current := make(map[string]float64, len(in.Positions))
	for _, p := range in.Positions {
		if p.Quantity == 0 {
			continue
		}
		current[p.Symbol] = p.Quantity
	}

	targeted := make(map[string]bool, len(in.Targets))
	for _, target := range in.Targets {
		targeted[target.Symbol] = true

		price, ok := in.Prices[target.Symbol]
		if !ok || price <= 0 {
			return nil, fmt.Errorf("no usable price for target symbol %s", target.Symbol)
		}

		targetShares := math.Floor(in.Equity * target.TargetFraction / price)
		if order, ok := diffOrder(target.Symbol, current[target.Symbol], targetShares, price); ok {
			appendOrder(plan, order)
		}
	}

	// Held symbols with no target fraction liquidate entirely
	for _, p := range in.Positions {
		if p.Quantity == 0 || targeted[p.Symbol] {
			continue
		}
		if order, ok := diffOrder(p.Symbol, p.Quantity, 0, in.Prices[p.Symbol]); ok {
			appendOrder(plan, order)
		}
	}

	return plan, nil
}

// diffOrder turns a share difference into a whole-share order, or nothing
// when the difference is below the threshold. Sells never exceed the whole
// shares actually held.
func diffOrder(symbol string, currentShares, targetShares, price float64) (PlannedOrder, bool) {
	delta := targetShares - currentShares
	if math.Abs(delta) < orderThreshold {
		return PlannedOrder{}, false
	}

	var side domain.OrderSide
	quantity := int64(math.Round(math.Abs(delta)))
	if delta > 0 {
		side = domain.SideBuy
	} else {
		side = domain.SideSell
		if held := int64(math.Floor(currentShares)); quantity > held {
			quantity = held
		}
	}
	if quantity < 1 {
		return PlannedOrder{}, false
	}

	return PlannedOrder{
		Symbol:         symbol,
		Side:           side,
		Quantity:       quantity,
		EstimatedValue: float64(quantity) * price,
	}, true
}

func appendOrder(plan *Plan, order PlannedOrder) {
	if order.Side == domain.SideSell {
		plan.Sells = append(plan.Sells, order)
		return
	}
	plan.Buys = append(plan.Buys, order)
}

// ClampReserve normalizes a configured cash reserve percentage. Values
// outside [0,100] are treated as no reserve rather than rejected; a bad
// config entry must not wedge the account's queue forever.
func ClampReserve(percent float64) float64 {
	if percent < 0 || percent > 100 {
		return 0
	}
	return percent
}

// BuyBudget is the cash available for the buy phase: actual settled cash
// minus the account's reserve carved out of equity. Can be negative when the
// account is overdrawn against its reserve; callers then buy nothing.
func BuyBudget(cash, equity, reservePercent float64) float64 {
	return cash - equity*ClampReserve(reservePercent)/100
}

// FitToBudget walks planned buys in generation order, keeping those that fit
// the remaining budget and skipping those that do not. No proportional
// scaling and no reordering.
func FitToBudget(buys []PlannedOrder, budget float64) (affordable, skipped []PlannedOrder) {
	remaining := budget
	for _, buy := range buys {
		if buy.EstimatedValue > remaining {
			skipped = append(skipped, buy)
			continue
		}
		affordable = append(affordable, buy)
		remaining -= buy.EstimatedValue
	}
	return affordable, skipped
}
