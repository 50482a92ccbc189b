// Package work runs the event processing loop: a fixed pool of workers
// pulling from the durable queue, dispatching each event under its account
// lock and applying the handler's outcome back to the store. No event is
// discarded here; failures requeue to the tail and delays park the event
// until its execute_after time.
package work

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/events"
	"github.com/aristath/rebalancer/internal/locks"
	"github.com/aristath/rebalancer/internal/queue"
	"github.com/aristath/rebalancer/internal/rebalance"
)

// Handler turns one dequeued event into an outcome.
type Handler interface {
	Handle(ctx context.Context, event *queue.Event) rebalance.Outcome
}

// Processor owns the worker pool over the event queue.
type Processor struct {
	store   *queue.Store
	handler Handler
	locks   *locks.Registry
	bus     *events.Bus
	log     zerolog.Logger

	workers        int
	dequeueTimeout time.Duration

	stop   chan struct{}
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewProcessor creates the processing loop. workers is the pool size; the
// dequeue timeout bounds how long an idle worker blocks before it runs
// housekeeping and checks for shutdown.
func NewProcessor(
	store *queue.Store,
	handler Handler,
	registry *locks.Registry,
	bus *events.Bus,
	workers int,
	dequeueTimeout time.Duration,
	log zerolog.Logger,
) *Processor {
	if workers < 1 {
		workers = 1
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:          store,
		handler:        handler,
		locks:          registry,
		bus:            bus,
		log:            log.With().Str("component", "processor").Logger(),
		workers:        workers,
		dequeueTimeout: dequeueTimeout,
		stop:           make(chan struct{}),
		runCtx:         runCtx,
		cancel:         cancel,
		now:            time.Now,
	}
}

// Start launches the worker pool.
func (p *Processor) Start() {
	p.log.Info().Int("workers", p.workers).Msg("Starting event processor")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop signals the pool and waits for in-flight events to settle. The worker
// context is cancelled so an attempt blocked in a poll or market-hours wait
// returns promptly instead of holding shutdown for the full completion
// timeout; the aborted attempt requeues like any other failure and resumes on
// the next start. Events interrupted by a crash are handled by the startup
// recovery pass, not here.
func (p *Processor) Stop() {
	close(p.stop)
	p.cancel()
	p.wg.Wait()
	p.log.Info().Msg("Event processor stopped")
}

func (p *Processor) worker(id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		event, err := p.store.Dequeue(p.dequeueTimeout)
		if err != nil {
			log.Error().Err(err).Msg("Dequeue failed")
			if !p.pause(time.Second) {
				return
			}
			continue
		}
		if event == nil {
			// Idle. The dequeue timeout doubles as the housekeeping beat.
			p.housekeep(log)
			continue
		}

		p.process(log, event)
	}
}

// housekeep runs between events when the queue is idle. The scheduler also
// sweeps on a fixed cadence; both paths are idempotent.
func (p *Processor) housekeep(log zerolog.Logger) {
	moved, err := p.store.SweepDelayed(p.now())
	if err != nil {
		log.Error().Err(err).Msg("Delayed sweep failed")
		return
	}
	if moved > 0 {
		log.Info().Int("moved", moved).Msg("Delayed events returned to queue")
	}
}

// process runs one event to its outcome and applies that outcome to the
// store. The account lock serializes attempts per account; the broker
// client's own operation lock serializes all accounts at the gateway.
func (p *Processor) process(workerLog zerolog.Logger, event *queue.Event) {
	log := workerLog.With().
		Str("event_id", event.EventID).
		Str("account_id", event.AccountID).
		Str("command", string(event.Command)).
		Logger()

	log.Info().Int("times_queued", event.TimesQueued).Msg("Processing event")
	start := p.now()

	var outcome rebalance.Outcome
	lockErr := p.locks.WithLock(event.AccountID, func() error {
		outcome = p.handler.Handle(p.runCtx, event)
		return nil
	})
	if lockErr != nil {
		outcome = rebalance.Fail(rebalance.FailureInternal, lockErr)
	}

	switch outcome.Kind() {
	case rebalance.OutcomeSuccess:
		if err := p.store.Complete(event.EventID); err != nil {
			log.Error().Err(err).Msg("Failed to complete event")
			return
		}
		p.bus.EmitData("processor", &events.EventCompletedData{
			EventID:   event.EventID,
			AccountID: event.AccountID,
			Command:   string(event.Command),
			Attempts:  event.TimesQueued,
		})
		log.Info().Dur("duration", p.now().Sub(start)).Msg("Event completed")

	case rebalance.OutcomeDelay:
		if err := p.store.DelayUntil(event.EventID, outcome.Until()); err != nil {
			log.Error().Err(err).Msg("Failed to delay event")
			return
		}
		p.bus.EmitData("processor", &events.EventDelayedData{
			EventID:      event.EventID,
			AccountID:    event.AccountID,
			Command:      string(event.Command),
			ExecuteAfter: outcome.Until().UTC().Format(time.RFC3339),
		})
		log.Info().Time("execute_after", outcome.Until()).Msg("Event delayed until markets open")

	case rebalance.OutcomeFailure:
		cause := "unknown failure"
		if outcome.Err() != nil {
			cause = outcome.Err().Error()
		}
		log.Error().
			Err(outcome.Err()).
			Str("failure", string(outcome.Failure())).
			Msg("Event failed, requeueing to tail")

		updated, err := p.store.RequeueToBack(event.EventID, cause)
		if err != nil {
			log.Error().Err(err).Msg("Failed to requeue event")
			return
		}
		p.bus.EmitData("processor", &events.EventRequeuedData{
			EventID:     event.EventID,
			AccountID:   event.AccountID,
			Command:     string(event.Command),
			TimesQueued: updated.TimesQueued,
			Error:       cause,
		})

	default:
		// Zero-value outcome or a kind this switch was never taught.
		log.Error().Str("kind", string(outcome.Kind())).Msg("Unhandled outcome kind, requeueing")
		if _, err := p.store.RequeueToBack(event.EventID, "unhandled outcome kind"); err != nil {
			log.Error().Err(err).Msg("Failed to requeue event")
		}
	}
}

// pause sleeps unless the processor is stopping. Returns false on stop.
func (p *Processor) pause(d time.Duration) bool {
	select {
	case <-p.stop:
		return false
	case <-time.After(d):
		return true
	}
}
