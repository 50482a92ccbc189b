// Package rebalance implements the account rebalancing algorithm: planning
// trades from target allocations and executing them sell-first against the
// broker gateway. Handlers report results as an Outcome value so the
// processing loop dispatches on an explicit, exhaustive switch.
package rebalance

import (
	"errors"
	"time"

	"github.com/aristath/rebalancer/internal/domain"
)

// OutcomeKind is the top-level result of one processing attempt
type OutcomeKind string

const (
	// OutcomeSuccess completes the event; its dedup key is released.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeDelay parks the event until a known wall-clock time, typically
	// the next market open. Not a failure; times_queued is untouched.
	OutcomeDelay OutcomeKind = "delay"
	// OutcomeFailure requeues the event to the tail for another attempt.
	OutcomeFailure OutcomeKind = "failure"
)

// FailureKind classifies a failed attempt for logging and monitoring
type FailureKind string

const (
	FailureConnection             FailureKind = "connection"
	FailureCancellationTimeout    FailureKind = "cancellation_timeout"
	FailurePriceUnavailable       FailureKind = "price_unavailable"
	FailureOrderCompletionTimeout FailureKind = "order_completion_timeout"
	FailureAllocationInvalid      FailureKind = "allocation_invalid"
	FailureTradingMode            FailureKind = "trading_mode"
	FailureInternal               FailureKind = "internal"
)

// Outcome is the tagged result of handling one event. Construct through
// Success, Delay or Fail; inspect through Kind and the accessors valid for
// that kind.
type Outcome struct {
	kind    OutcomeKind
	until   time.Time
	failure FailureKind
	err     error
}

// Success reports a completed attempt
func Success() Outcome {
	return Outcome{kind: OutcomeSuccess}
}

// Delay reports an attempt that must wait until a known time
func Delay(until time.Time) Outcome {
	return Outcome{kind: OutcomeDelay, until: until}
}

// Fail reports a failed attempt with an explicit classification
func Fail(kind FailureKind, err error) Outcome {
	return Outcome{kind: OutcomeFailure, failure: kind, err: err}
}

// FailFrom reports a failed attempt, classifying err by the error taxonomy
func FailFrom(err error) Outcome {
	return Fail(Classify(err), err)
}

// Kind returns the outcome's tag
func (o Outcome) Kind() OutcomeKind {
	return o.kind
}

// Until returns the wake-up time of a delay outcome
func (o Outcome) Until() time.Time {
	return o.until
}

// Failure returns the classification of a failure outcome
func (o Outcome) Failure() FailureKind {
	return o.failure
}

// Err returns the error behind a failure outcome, nil otherwise
func (o Outcome) Err() error {
	return o.err
}

// Classify maps an error onto the failure taxonomy
func Classify(err error) FailureKind {
	var (
		connErr       *domain.ConnectionError
		cancelErr     *domain.CancellationTimeoutError
		priceErr      *domain.PriceUnavailableError
		completionErr *domain.OrderCompletionTimeoutError
		allocErr      *domain.AllocationInvalidError
		modeErr       *domain.TradingModeError
	)

	switch {
	case errors.As(err, &connErr):
		return FailureConnection
	case errors.As(err, &cancelErr):
		return FailureCancellationTimeout
	case errors.As(err, &priceErr):
		return FailurePriceUnavailable
	case errors.As(err, &completionErr):
		return FailureOrderCompletionTimeout
	case errors.As(err, &allocErr):
		return FailureAllocationInvalid
	case errors.As(err, &modeErr):
		return FailureTradingMode
	default:
		return FailureInternal
	}
}
