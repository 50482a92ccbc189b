package work

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/events"
	"github.com/aristath/rebalancer/internal/locks"
	"github.com/aristath/rebalancer/internal/queue"
	"github.com/aristath/rebalancer/internal/rebalance"
)

// newTestStore creates a queue store on an in-memory SQLite database
func newTestStore(t *testing.T) *queue.Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err, "Failed to open test database")
	// In-memory databases are per-connection, keep the pool at one
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE events (
			event_id      TEXT PRIMARY KEY,
			account_id    TEXT NOT NULL,
			command       TEXT NOT NULL,
			payload       BLOB,
			status        TEXT NOT NULL DEFAULT 'queued'
			              CHECK (status IN ('queued', 'processing', 'delayed')),
			times_queued  INTEGER NOT NULL DEFAULT 1,
			queue_pos     INTEGER NOT NULL DEFAULT 0,
			execute_after TEXT,
			last_error    TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);
		CREATE UNIQUE INDEX idx_events_dedup_key ON events(account_id, command);
		CREATE INDEX idx_events_status_pos ON events(status, queue_pos);
	`)
	require.NoError(t, err, "Failed to create test schema")

	log := zerolog.New(nil).Level(zerolog.Disabled)
	return queue.NewStore(db, log)
}

// scriptedHandler runs a test-provided function per event and records the
// order events were handled in
type scriptedHandler struct {
	mu      sync.Mutex
	fn      func(event *queue.Event) rebalance.Outcome
	handled []string
}

func (h *scriptedHandler) Handle(_ context.Context, event *queue.Event) rebalance.Outcome {
	h.mu.Lock()
	h.handled = append(h.handled, event.EventID)
	fn := h.fn
	h.mu.Unlock()

	if fn == nil {
		return rebalance.Success()
	}
	return fn(event)
}

func (h *scriptedHandler) handledIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.handled))
	copy(out, h.handled)
	return out
}

// busRecorder captures emitted bus events by type
type busRecorder struct {
	mu       sync.Mutex
	captured []*events.Event
}

func (r *busRecorder) record(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captured = append(r.captured, e)
}

func (r *busRecorder) events() []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*events.Event, len(r.captured))
	copy(out, r.captured)
	return out
}

func newTestProcessor(store *queue.Store, handler Handler, bus *events.Bus, workers int) *Processor {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	return NewProcessor(store, handler, locks.NewRegistry(log), bus, workers, 10*time.Millisecond, log)
}

func insertEvent(t *testing.T, store *queue.Store, id, accountID string, command queue.Command) {
	t.Helper()
	inserted, err := store.Insert(&queue.Event{EventID: id, AccountID: accountID, Command: command})
	require.NoError(t, err)
	require.True(t, inserted)
}

// waitFor polls until cond holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, msg)
}

func activeCount(t *testing.T, store *queue.Store) int {
	t.Helper()
	active, err := store.ListActive()
	require.NoError(t, err)
	return len(active)
}

func TestProcessor_CompletesSuccessfulEvent(t *testing.T) {
	store := newTestStore(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := events.NewBus(log)

	recorder := &busRecorder{}
	bus.Subscribe(events.EventCompleted, recorder.record)

	handler := &scriptedHandler{}
	insertEvent(t, store, "e1", "DU100", queue.CommandRebalance)

	p := newTestProcessor(store, handler, bus, 1)
	p.Start()
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return activeCount(t, store) == 0
	}, "event was not completed")

	assert.Equal(t, []string{"e1"}, handler.handledIDs())

	captured := recorder.events()
	require.Len(t, captured, 1)
	assert.Equal(t, "e1", captured[0].Data["event_id"])
	assert.Equal(t, float64(1), captured[0].Data["attempts"])
}

func TestProcessor_FailureRequeuesToTail(t *testing.T) {
	store := newTestStore(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := events.NewBus(log)

	recorder := &busRecorder{}
	bus.Subscribe(events.EventRequeued, recorder.record)

	// e1 fails its first attempt, everything else succeeds
	var mu sync.Mutex
	failedOnce := false
	handler := &scriptedHandler{
		fn: func(event *queue.Event) rebalance.Outcome {
			mu.Lock()
			defer mu.Unlock()
			if event.EventID == "e1" && !failedOnce {
				failedOnce = true
				return rebalance.Fail(rebalance.FailureConnection, errors.New("gateway unreachable"))
			}
			return rebalance.Success()
		},
	}

	insertEvent(t, store, "e1", "DU100", queue.CommandRebalance)
	insertEvent(t, store, "e2", "DU200", queue.CommandRebalance)

	p := newTestProcessor(store, handler, bus, 1)
	p.Start()
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return activeCount(t, store) == 0
	}, "events were not drained")

	// The requeued event went to the back of the line
	assert.Equal(t, []string{"e1", "e2", "e1"}, handler.handledIDs())

	captured := recorder.events()
	require.Len(t, captured, 1)
	assert.Equal(t, "e1", captured[0].Data["event_id"])
	assert.Equal(t, float64(2), captured[0].Data["times_queued"])
	assert.Contains(t, captured[0].Data["error"], "gateway unreachable")
}

func TestProcessor_DelayParksEvent(t *testing.T) {
	store := newTestStore(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := events.NewBus(log)

	recorder := &busRecorder{}
	bus.Subscribe(events.EventDelayed, recorder.record)

	until := time.Now().Add(1 * time.Hour).UTC()
	handler := &scriptedHandler{
		fn: func(event *queue.Event) rebalance.Outcome {
			return rebalance.Delay(until)
		},
	}

	insertEvent(t, store, "e1", "DU100", queue.CommandRebalance)

	p := newTestProcessor(store, handler, bus, 1)
	p.Start()
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		delayed, err := store.ListDelayed()
		require.NoError(t, err)
		return len(delayed) == 1
	}, "event was not parked in the delayed set")

	delayed, err := store.ListDelayed()
	require.NoError(t, err)
	require.Len(t, delayed, 1)
	assert.Equal(t, "e1", delayed[0].EventID)
	assert.Equal(t, queue.StatusDelayed, delayed[0].Status)
	require.NotNil(t, delayed[0].ExecuteAfter)
	assert.WithinDuration(t, until, *delayed[0].ExecuteAfter, time.Second)

	captured := recorder.events()
	require.Len(t, captured, 1)
	resumeAt, err := time.Parse(time.RFC3339, captured[0].Data["execute_after"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, until, resumeAt, time.Second)
}

func TestProcessor_IdleSweepRevivesDueDelayed(t *testing.T) {
	store := newTestStore(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := events.NewBus(log)

	handler := &scriptedHandler{}

	// Park an event whose resume time has already passed
	insertEvent(t, store, "e1", "DU100", queue.CommandRebalance)
	claimed, err := store.Dequeue(0)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.DelayUntil("e1", time.Now().Add(-time.Second)))

	p := newTestProcessor(store, handler, bus, 1)
	p.Start()
	defer p.Stop()

	// An idle worker sweeps the delayed set between dequeues
	waitFor(t, 2*time.Second, func() bool {
		delayed, listErr := store.ListDelayed()
		require.NoError(t, listErr)
		return len(delayed) == 0 && activeCount(t, store) == 0
	}, "due delayed event was not swept and processed")

	assert.Equal(t, []string{"e1"}, handler.handledIDs())
}

func TestProcessor_SerializesSameAccount(t *testing.T) {
	store := newTestStore(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := events.NewBus(log)

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	handler := &scriptedHandler{
		fn: func(event *queue.Event) rebalance.Outcome {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(30 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return rebalance.Success()
		},
	}

	// Two commands for the same account, two workers available
	insertEvent(t, store, "e1", "DU100", queue.CommandRebalance)
	insertEvent(t, store, "e2", "DU100", queue.CommandPrintPositions)

	p := newTestProcessor(store, handler, bus, 2)
	p.Start()
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return activeCount(t, store) == 0
	}, "events were not drained")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "account lock must serialize events for the same account")
}

func TestProcessor_StopWaitsForInflightEvent(t *testing.T) {
	store := newTestStore(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := events.NewBus(log)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	handler := &scriptedHandler{
		fn: func(event *queue.Event) rebalance.Outcome {
			once.Do(func() { close(entered) })
			<-release
			return rebalance.Success()
		},
	}

	insertEvent(t, store, "e1", "DU100", queue.CommandRebalance)

	p := newTestProcessor(store, handler, bus, 1)
	p.Start()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the event")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	p.Stop()

	// Stop returned only after the in-flight attempt finished and was recorded
	assert.Equal(t, 0, activeCount(t, store))
}

// stuckHandler blocks like an attempt waiting out a long order poll; it only
// returns once its context is cancelled
type stuckHandler struct {
	entered chan struct{}
	once    sync.Once
}

func (h *stuckHandler) Handle(ctx context.Context, event *queue.Event) rebalance.Outcome {
	h.once.Do(func() { close(h.entered) })
	<-ctx.Done()
	return rebalance.Fail(rebalance.FailureInternal, ctx.Err())
}

func TestProcessor_StopCancelsBlockedAttempt(t *testing.T) {
	store := newTestStore(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := events.NewBus(log)

	handler := &stuckHandler{entered: make(chan struct{})}
	insertEvent(t, store, "e1", "DU100", queue.CommandRebalance)

	p := newTestProcessor(store, handler, bus, 1)
	p.Start()

	select {
	case <-handler.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the event")
	}

	start := time.Now()
	p.Stop()
	assert.Less(t, time.Since(start), time.Second, "shutdown must not wait out the handler's own timeouts")

	// The aborted attempt is an ordinary failure: requeued, not lost
	event, err := store.Get("e1")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, queue.StatusQueued, event.Status)
	assert.Equal(t, 2, event.TimesQueued)
}

func TestProcessor_RetriesSameEventUntilSuccess(t *testing.T) {
	store := newTestStore(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := events.NewBus(log)

	recorder := &busRecorder{}
	bus.Subscribe(events.EventRequeued, recorder.record)

	var mu sync.Mutex
	attempts := 0
	handler := &scriptedHandler{
		fn: func(event *queue.Event) rebalance.Outcome {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return rebalance.FailFrom(errors.New("boom"))
			}
			return rebalance.Success()
		},
	}

	insertEvent(t, store, "e1", "DU100", queue.CommandRebalance)

	p := newTestProcessor(store, handler, bus, 1)
	p.Start()
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return activeCount(t, store) == 0
	}, "failed event never succeeded on retry")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
	require.Len(t, recorder.events(), 1)
}
