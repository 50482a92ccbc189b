package queue

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/events"
)

// Intake admits external triggers into the queue. All trigger sources (the
// websocket feed, the control API, scheduled jobs) funnel through Admit so
// the dedup invariant holds no matter where an event originates.
type Intake struct {
	store *Store
	bus   *events.Bus
	log   zerolog.Logger
}

// NewIntake creates the admission service
func NewIntake(store *Store, bus *events.Bus, log zerolog.Logger) *Intake {
	return &Intake{
		store: store,
		bus:   bus,
		log:   log.With().Str("service", "intake").Logger(),
	}
}

// AdmitResult reports what happened to a trigger
type AdmitResult struct {
	Accepted     bool   `json:"accepted"`
	Deduplicated bool   `json:"deduplicated"`
	EventID      string `json:"event_id,omitempty"`
}

// Admit deduplicates and enqueues a trigger. A trigger whose (account_id,
// command) is already in flight is dropped: re-triggering is idempotent.
func (i *Intake) Admit(accountID string, command Command, payload map[string]interface{}) (*AdmitResult, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account_id is required")
	}
	if !command.Valid() {
		return nil, fmt.Errorf("unknown command %q", command)
	}

	event := &Event{
		EventID:   uuid.NewString(),
		AccountID: accountID,
		Command:   command,
		Payload:   payload,
	}

	inserted, err := i.store.Insert(event)
	if err != nil {
		return nil, fmt.Errorf("failed to admit event: %w", err)
	}

	if !inserted {
		i.log.Debug().
			Str("account_id", accountID).
			Str("command", string(command)).
			Msg("Trigger deduplicated, event already in flight")
		i.bus.EmitData("intake", &events.EventDeduplicatedData{
			AccountID: accountID,
			Command:   string(command),
		})
		return &AdmitResult{Accepted: false, Deduplicated: true}, nil
	}

	i.log.Info().
		Str("event_id", event.EventID).
		Str("account_id", accountID).
		Str("command", string(command)).
		Msg("Event admitted")
	i.bus.EmitData("intake", &events.EventAdmittedData{
		EventID:   event.EventID,
		AccountID: accountID,
		Command:   string(command),
	})

	return &AdmitResult{Accepted: true, EventID: event.EventID}, nil
}
