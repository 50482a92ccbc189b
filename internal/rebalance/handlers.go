package rebalance

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/queue"
)

// Handlers dispatches dequeued events to the service method for their
// command. An unknown account or command is a failure like any other: the
// event requeues and stays visible until an operator removes it.
type Handlers struct {
	service  *Service
	accounts map[string]config.Account
	log      zerolog.Logger
}

// NewHandlers creates the command dispatch table
func NewHandlers(service *Service, accounts []config.Account, log zerolog.Logger) *Handlers {
	byID := make(map[string]config.Account, len(accounts))
	for _, account := range accounts {
		byID[account.AccountID] = account
	}
	return &Handlers{
		service:  service,
		accounts: byID,
		log:      log.With().Str("component", "handlers").Logger(),
	}
}

// Handle runs one event to an outcome
func (h *Handlers) Handle(ctx context.Context, event *queue.Event) Outcome {
	account, ok := h.accounts[event.AccountID]
	if !ok {
		err := fmt.Errorf("no configured account %s", event.AccountID)
		h.log.Error().Err(err).Str("event_id", event.EventID).Msg("Handle: unknown account")
		return Fail(FailureInternal, err)
	}

	switch event.Command {
	case queue.CommandRebalance:
		return h.service.Rebalance(ctx, account)
	case queue.CommandDryRunRebalance:
		return h.service.DryRunRebalance(ctx, account)
	case queue.CommandCancelOrders:
		return h.service.CancelOrders(ctx, account)
	case queue.CommandPrintPositions:
		return h.service.PrintPositions(ctx, account)
	default:
		err := fmt.Errorf("no handler for command %s", event.Command)
		h.log.Error().Err(err).Str("event_id", event.EventID).Msg("Handle: unknown command")
		return Fail(FailureInternal, err)
	}
}
