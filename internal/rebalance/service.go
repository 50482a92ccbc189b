package rebalance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/events"
)

// Service executes account commands against the broker. All methods assume
// the caller already holds the account lock; the gateway's own lock
// serializes the shared connection underneath.
type Service struct {
	gateway     domain.Gateway
	pricing     domain.PriceResolver
	allocations domain.AllocationSource
	cfg         config.BrokerConfig
	bus         *events.Bus
	log         zerolog.Logger
	now         func() time.Time
}

// NewService creates the rebalance execution service
func NewService(
	gateway domain.Gateway,
	pricing domain.PriceResolver,
	allocations domain.AllocationSource,
	cfg config.BrokerConfig,
	bus *events.Bus,
	log zerolog.Logger,
) *Service {
	return &Service{
		gateway:     gateway,
		pricing:     pricing,
		allocations: allocations,
		cfg:         cfg,
		bus:         bus,
		log:         log.With().Str("service", "rebalance").Logger(),
		now:         time.Now,
	}
}

// Rebalance runs the full algorithm for one account: plan, cancel, sell,
// wait, then buy within budget. Every attempt recomputes from live broker
// state, so a retry after partial execution converges instead of repeating.
func (s *Service) Rebalance(ctx context.Context, account config.Account) Outcome {
	return s.rebalance(ctx, account, false)
}

// DryRunRebalance computes and reports the plan without touching any order.
// No trading-hours gate and no cancellation: a read-only run must work while
// markets are closed.
func (s *Service) DryRunRebalance(ctx context.Context, account config.Account) Outcome {
	return s.rebalance(ctx, account, true)
}

func (s *Service) rebalance(ctx context.Context, account config.Account, dryRun bool) Outcome {
	log := s.log.With().Str("account_id", account.AccountID).Bool("dry_run", dryRun).Logger()

	if outcome, ok := s.guard(ctx, account); !ok {
		return outcome
	}

	allocationSet, err := s.allocations.GetAllocations(ctx, account.AllocationChannel)
	if err != nil {
		log.Error().Err(err).Str("channel", account.AllocationChannel).Msg("Rebalance: failed to fetch allocations")
		return FailFrom(err)
	}

	positions, err := s.gateway.GetPositions(ctx, account.AccountID)
	if err != nil {
		log.Error().Err(err).Msg("Rebalance: failed to fetch positions")
		return FailFrom(err)
	}
	summary, err := s.gateway.GetAccountSummary(ctx, account.AccountID)
	if err != nil {
		log.Error().Err(err).Msg("Rebalance: failed to fetch account summary")
		return FailFrom(err)
	}

	targets := ApplyReplacements(allocationSet.Allocations, &account)
	universe := tradingUniverse(positions, targets)

	if !dryRun {
		if outcome, ok := s.tradingHoursGate(ctx, log, universe); !ok {
			return outcome
		}

		// Pending orders would race the plan we are about to compute. The
		// gateway blocks until cancellation is confirmed or times out.
		if err := s.gateway.CancelAllOrders(ctx, account.AccountID); err != nil {
			log.Error().Err(err).Msg("Rebalance: cancellation not confirmed, aborting attempt")
			return FailFrom(err)
		}
	}

	prices, err := s.resolvePrices(ctx, universe)
	if err != nil {
		log.Error().Err(err).Msg("Rebalance: pricing failed")
		return FailFrom(err)
	}

	plan, err := BuildPlan(PlanInput{
		Equity:    summary.Equity,
		Positions: positions,
		Targets:   targets,
		Prices:    prices,
	})
	if err != nil {
		return Fail(FailureInternal, fmt.Errorf("failed to build plan: %w", err))
	}

	log.Info().
		Float64("equity", summary.Equity).
		Float64("cash", summary.Cash).
		Int("sells", len(plan.Sells)).
		Int("buys", len(plan.Buys)).
		Msg("Rebalance: plan computed")

	if dryRun {
		s.reportPlan(log, account, plan, summary)
		return Success()
	}

	if plan.IsEmpty() {
		log.Info().Msg("Rebalance: already at target, no orders needed")
		return Success()
	}

	if outcome, ok := s.executeSells(ctx, log, account, plan.Sells); !ok {
		return outcome
	}

	// Never estimate post-sell cash; ask the broker what actually settled
	summary, err = s.gateway.GetAccountSummary(ctx, account.AccountID)
	if err != nil {
		log.Error().Err(err).Msg("Rebalance: failed to re-fetch balances after sells")
		return FailFrom(err)
	}

	budget := BuyBudget(summary.Cash, summary.Equity, account.CashReservePercent)
	affordable, skipped := FitToBudget(plan.Buys, budget)
	for _, skip := range skipped {
		log.Warn().
			Str("symbol", skip.Symbol).
			Int64("quantity", skip.Quantity).
			Float64("estimated_value", skip.EstimatedValue).
			Float64("budget", budget).
			Msg("Rebalance: buy does not fit budget, skipped")
	}

	if outcome, ok := s.submitOrders(ctx, log, account, affordable); !ok {
		return outcome
	}

	log.Info().
		Int("sells", len(plan.Sells)).
		Int("buys_submitted", len(affordable)).
		Int("buys_skipped", len(skipped)).
		Msg("Rebalance: completed")
	return Success()
}

// CancelOrders cancels everything pending for the account and confirms it
func (s *Service) CancelOrders(ctx context.Context, account config.Account) Outcome {
	if outcome, ok := s.guard(ctx, account); !ok {
		return outcome
	}

	if err := s.gateway.CancelAllOrders(ctx, account.AccountID); err != nil {
		s.log.Error().Err(err).Str("account_id", account.AccountID).Msg("CancelOrders: failed")
		return FailFrom(err)
	}

	s.log.Info().Str("account_id", account.AccountID).Msg("CancelOrders: all pending orders cancelled")
	return Success()
}

// PrintPositions logs the account's current holdings and balances
func (s *Service) PrintPositions(ctx context.Context, account config.Account) Outcome {
	if outcome, ok := s.guard(ctx, account); !ok {
		return outcome
	}

	positions, err := s.gateway.GetPositions(ctx, account.AccountID)
	if err != nil {
		return FailFrom(err)
	}
	summary, err := s.gateway.GetAccountSummary(ctx, account.AccountID)
	if err != nil {
		return FailFrom(err)
	}

	log := s.log.With().Str("account_id", account.AccountID).Logger()
	log.Info().
		Float64("equity", summary.Equity).
		Float64("cash", summary.Cash).
		Int("positions", len(positions)).
		Msg("Account snapshot")
	for _, p := range positions {
		log.Info().
			Str("symbol", p.Symbol).
			Float64("quantity", p.Quantity).
			Float64("average_cost", p.AverageCost).
			Msg("Position")
	}
	return Success()
}

// guard enforces the trading-mode match and the broker connection. Returns
// ok=false with the outcome to surface when the attempt cannot proceed.
func (s *Service) guard(ctx context.Context, account config.Account) (Outcome, bool) {
	if account.TradingMode != s.gateway.TradingMode() {
		err := &domain.TradingModeError{
			AccountID:   account.AccountID,
			AccountMode: account.TradingMode,
			GatewayMode: s.gateway.TradingMode(),
		}
		s.log.Error().Err(err).Str("account_id", account.AccountID).Msg("Trading mode mismatch")
		return Fail(FailureTradingMode, err), false
	}

	if err := s.gateway.EnsureConnected(ctx); err != nil {
		return FailFrom(err), false
	}
	return Outcome{}, true
}

// tradingHoursGate checks every symbol the attempt touches. All-or-none: one
// closed market delays the whole attempt until the earliest next open.
func (s *Service) tradingHoursGate(ctx context.Context, log zerolog.Logger, universe []string) (Outcome, bool) {
	now := s.now()

	var closed []string
	var earliestOpen time.Time
	for _, symbol := range universe {
		window, err := s.gateway.GetTradingWindow(ctx, symbol)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Rebalance: failed to fetch trading window")
			return FailFrom(err), false
		}
		if window.Contains(now) {
			continue
		}
		closed = append(closed, symbol)
		if next := window.NextOpen(now); !next.IsZero() && (earliestOpen.IsZero() || next.Before(earliestOpen)) {
			earliestOpen = next
		}
	}

	if len(closed) == 0 {
		return Outcome{}, true
	}
	if earliestOpen.IsZero() {
		return Fail(FailureInternal, fmt.Errorf("no upcoming session for closed symbols %v", closed)), false
	}

	log.Info().
		Strs("closed", closed).
		Time("execute_after", earliestOpen).
		Msg("Rebalance: markets closed, delaying")
	return Delay(earliestOpen), false
}

func (s *Service) resolvePrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	prices := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		price, err := s.pricing.Price(ctx, symbol)
		if err != nil {
			return nil, err
		}
		prices[symbol] = price
	}
	return prices, nil
}

// executeSells submits every planned sell and polls until all reach a
// terminal state. A sell that neither fills nor cancels within the timeout
// fails the attempt; buying against unsettled sales would overspend.
func (s *Service) executeSells(ctx context.Context, log zerolog.Logger, account config.Account, sells []PlannedOrder) (Outcome, bool) {
	if len(sells) == 0 {
		return Outcome{}, true
	}

	if outcome, ok := s.submitOrders(ctx, log, account, sells); !ok {
		return outcome, false
	}
	return s.awaitCompletion(ctx, log, account)
}

func (s *Service) submitOrders(ctx context.Context, log zerolog.Logger, account config.Account, orders []PlannedOrder) (Outcome, bool) {
	for _, planned := range orders {
		order, err := s.gateway.PlaceOrder(ctx, account.AccountID, domain.OrderTicket{
			Symbol:   planned.Symbol,
			Side:     planned.Side,
			Quantity: planned.Quantity,
		})
		if err != nil {
			log.Error().Err(err).
				Str("symbol", planned.Symbol).
				Str("side", string(planned.Side)).
				Int64("quantity", planned.Quantity).
				Msg("Rebalance: order submission failed")
			return FailFrom(err), false
		}

		log.Info().
			Str("symbol", order.Symbol).
			Str("side", string(order.Side)).
			Int64("quantity", order.Quantity).
			Str("order_id", order.OrderID).
			Msg("Rebalance: order submitted")
		s.bus.EmitData("rebalance", &events.OrderSubmittedData{
			AccountID: account.AccountID,
			Symbol:    order.Symbol,
			Side:      string(order.Side),
			Quantity:  order.Quantity,
			OrderID:   order.OrderID,
		})
	}
	return Outcome{}, true
}

// awaitCompletion polls pending orders at a fixed interval until none remain
// or the completion timeout expires.
func (s *Service) awaitCompletion(ctx context.Context, log zerolog.Logger, account config.Account) (Outcome, bool) {
	deadline := s.now().Add(s.cfg.OrderCompletionTimeout)

	for {
		pending, err := s.gateway.GetPendingOrders(ctx, account.AccountID)
		if err != nil {
			return FailFrom(err), false
		}
		if len(pending) == 0 {
			return Outcome{}, true
		}

		if s.now().After(deadline) {
			ids := make([]string, len(pending))
			for i, o := range pending {
				ids[i] = o.OrderID
			}
			err := &domain.OrderCompletionTimeoutError{AccountID: account.AccountID, PendingID: ids}
			log.Error().Err(err).Msg("Rebalance: sell orders did not complete in time")
			return Fail(FailureOrderCompletionTimeout, err), false
		}

		if err := sleep(ctx, s.cfg.OrderPollInterval); err != nil {
			return Fail(FailureInternal, err), false
		}
	}
}

// reportPlan is the dry-run output: the orders that would be placed, plus
// the budget the buy phase would start from.
func (s *Service) reportPlan(log zerolog.Logger, account config.Account, plan *Plan, summary *domain.AccountSummary) {
	budget := BuyBudget(summary.Cash, summary.Equity, account.CashReservePercent)

	for _, order := range append(append([]PlannedOrder{}, plan.Sells...), plan.Buys...) {
		log.Info().
			Str("symbol", order.Symbol).
			Str("side", string(order.Side)).
			Int64("quantity", order.Quantity).
			Float64("estimated_value", order.EstimatedValue).
			Msg("Dry run: would submit order")
		s.bus.EmitData("rebalance", &events.OrderSubmittedData{
			AccountID: account.AccountID,
			Symbol:    order.Symbol,
			Side:      string(order.Side),
			Quantity:  order.Quantity,
			DryRun:    true,
		})
	}

	log.Info().
		Float64("sell_value", plan.SellValue()).
		Float64("buy_value", plan.BuyValue()).
		Float64("starting_budget", budget).
		Msg("Dry run: plan summary")
}

// tradingUniverse is every symbol the attempt must consider: targets plus
// anything currently held.
func tradingUniverse(positions []domain.Position, targets []domain.Allocation) []string {
	seen := make(map[string]bool, len(positions)+len(targets))
	universe := make([]string, 0, len(positions)+len(targets))

	for _, t := range targets {
		if !seen[t.Symbol] {
			seen[t.Symbol] = true
			universe = append(universe, t.Symbol)
		}
	}
	for _, p := range positions {
		if p.Quantity != 0 && !seen[p.Symbol] {
			seen[p.Symbol] = true
			universe = append(universe, p.Symbol)
		}
	}
	return universe
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
