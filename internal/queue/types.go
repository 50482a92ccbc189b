// Package queue implements the durable event queue: admission with
// deduplication, FIFO ordering, retry requeues and the delayed set. The only
// ways an event leaves the system are terminal success or explicit manual
// removal.
package queue

import (
	"time"
)

// Command enumerates the operations an event can request against an account
type Command string

const (
	CommandRebalance       Command = "rebalance"
	CommandDryRunRebalance Command = "dry_run_rebalance"
	CommandCancelOrders    Command = "cancel_orders"
	CommandPrintPositions  Command = "print_positions"
)

// commandDescriptions maps commands to human-readable descriptions
var commandDescriptions = map[Command]string{
	CommandRebalance:       "Rebalance account to target allocations",
	CommandDryRunRebalance: "Compute rebalance orders without submitting",
	CommandCancelOrders:    "Cancel all pending orders for account",
	CommandPrintPositions:  "Log current positions and balances",
}

// Valid reports whether the command is a known operation
func (c Command) Valid() bool {
	_, ok := commandDescriptions[c]
	return ok
}

// Description returns a human-readable description of the command
func (c Command) Description() string {
	if desc, ok := commandDescriptions[c]; ok {
		return desc
	}
	return "Unknown command"
}

// Status is the lifecycle state of an event inside the store
type Status string

const (
	// StatusQueued - on the main queue, waiting for a worker
	StatusQueued Status = "queued"
	// StatusProcessing - claimed by a worker
	StatusProcessing Status = "processing"
	// StatusDelayed - postponed until execute_after (markets closed)
	StatusDelayed Status = "delayed"
)

// Event is one durable unit of work. Admission into the store guarantees at
// most one in-flight event per (account_id, command); the row exists until
// terminal success or manual removal.
type Event struct {
	EventID      string                 `json:"event_id"`
	AccountID    string                 `json:"account_id"`
	Command      Command                `json:"command"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Status       Status                 `json:"status"`
	TimesQueued  int                    `json:"times_queued"`
	QueuePos     int64                  `json:"queue_pos"`
	ExecuteAfter *time.Time             `json:"execute_after,omitempty"`
	LastError    string                 `json:"last_error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// DedupKey returns the uniqueness key for in-flight events
func (e *Event) DedupKey() string {
	return e.AccountID + ":" + string(e.Command)
}

// Age returns how long the event has existed
func (e *Event) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}
