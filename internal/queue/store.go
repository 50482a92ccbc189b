package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/rebalancer/internal/database"
)

// Store is the durable queue backed by SQLite. A single events table holds
// the main queue (status=queued, ordered by queue_pos), the processing set
// and the delayed set; the unique (account_id, command) index doubles as the
// active dedup set.
//
// Every mutation is atomic per event: an event is always in exactly one of
// the three states or gone entirely.
type Store struct {
	db     *sql.DB
	log    zerolog.Logger
	notify chan struct{}
	now    func() time.Time
}

// NewStore creates a queue store on an initialized database
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:     db,
		log:    log.With().Str("repo", "queue_store").Logger(),
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Insert persists a new event at the tail of the main queue. Returns false
// without inserting when an event with the same dedup key is already active;
// the unique index makes the check-and-set atomic even across processes.
func (s *Store) Insert(e *Event) (bool, error) {
	payload, err := encodePayload(e.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode payload: %w", err)
	}

	now := s.now().UTC()
	var inserted bool

	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		pos, err := nextQueuePos(tx)
		if err != nil {
			return err
		}

		res, err := tx.Exec(`
			INSERT OR IGNORE INTO events
				(event_id, account_id, command, payload, status, times_queued, queue_pos, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
		`, e.EventID, e.AccountID, string(e.Command), payload, string(StatusQueued), pos,
			now.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read insert result: %w", err)
		}

		if rows == 1 {
			inserted = true
			e.Status = StatusQueued
			e.TimesQueued = 1
			e.QueuePos = pos
			e.CreatedAt = now
			e.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if inserted {
		s.wake()
	}
	return inserted, nil
}

// Dequeue claims the oldest queued event, blocking up to timeout. Returns
// (nil, nil) when the timeout passes with nothing to do, which is the
// processing loop's cue to run housekeeping.
func (s *Store) Dequeue(timeout time.Duration) (*Event, error) {
	deadline := s.now().Add(timeout)

	for {
		event, err := s.claim()
		if err != nil {
			return nil, err
		}
		if event != nil {
			return event, nil
		}

		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return nil, nil
		}
		wait := 250 * time.Millisecond
		if remaining < wait {
			wait = remaining
		}

		select {
		case <-s.notify:
		case <-time.After(wait):
		}
	}
}

// claim atomically moves the head of the main queue to processing. The
// guarded UPDATE tolerates races between workers: whoever loses just looks
// at the next row.
func (s *Store) claim() (*Event, error) {
	for {
		event, err := s.peekQueued()
		if err != nil {
			return nil, err
		}
		if event == nil {
			return nil, nil
		}

		res, err := s.db.Exec(`
			UPDATE events SET status = ?, updated_at = ?
			WHERE event_id = ? AND status = ?
		`, string(StatusProcessing), s.now().UTC().Format(time.RFC3339), event.EventID, string(StatusQueued))
		if err != nil {
			return nil, fmt.Errorf("failed to claim event: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read claim result: %w", err)
		}
		if rows == 1 {
			event.Status = StatusProcessing
			return event, nil
		}
		// Another worker claimed it first
	}
}

func (s *Store) peekQueued() (*Event, error) {
	row := s.db.QueryRow(`
		SELECT event_id, account_id, command, payload, status, times_queued, queue_pos, execute_after, last_error, created_at, updated_at
		FROM events
		WHERE status = ?
		ORDER BY queue_pos ASC
		LIMIT 1
	`, string(StatusQueued))

	event, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to peek queue head: %w", err)
	}
	return event, nil
}

// RequeueToBack returns a failed event to the tail of the main queue,
// incrementing times_queued. The tail position preserves FIFO fairness: a
// chronically failing event cannot starve the events behind it.
func (s *Store) RequeueToBack(eventID string, cause string) (*Event, error) {
	var updated *Event

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		pos, err := nextQueuePos(tx)
		if err != nil {
			return err
		}

		res, err := tx.Exec(`
			UPDATE events
			SET status = ?, queue_pos = ?, times_queued = times_queued + 1,
			    execute_after = NULL, last_error = ?, updated_at = ?
			WHERE event_id = ?
		`, string(StatusQueued), pos, cause, s.now().UTC().Format(time.RFC3339), eventID)
		if err != nil {
			return fmt.Errorf("failed to requeue event: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("event %s not found", eventID)
		}

		updated, err = getEventTx(tx, eventID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.wake()
	return updated, nil
}

// DelayUntil moves an event to the delayed set. The row keeps its dedup key,
// so re-triggers for the same (account, command) stay deduplicated while the
// event waits out the market close.
func (s *Store) DelayUntil(eventID string, until time.Time) error {
	res, err := s.db.Exec(`
		UPDATE events
		SET status = ?, execute_after = ?, updated_at = ?
		WHERE event_id = ?
	`, string(StatusDelayed), until.UTC().Format(time.RFC3339), s.now().UTC().Format(time.RFC3339), eventID)
	if err != nil {
		return fmt.Errorf("failed to delay event: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("event %s not found", eventID)
	}
	return nil
}

// Complete removes a successfully processed event. This is the only code
// path besides Remove that clears a dedup key.
func (s *Store) Complete(eventID string) error {
	res, err := s.db.Exec(`DELETE FROM events WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("event %s not found", eventID)
	}
	return nil
}

// Remove deletes an event regardless of which collection currently holds it
// and clears its dedup key. Operator override for stuck events.
func (s *Store) Remove(eventID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE event_id = ?`, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to remove event: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// SweepDelayed returns due delayed events to the tail of the main queue.
// times_queued is left alone: a delay is scheduled behavior, not a retry.
func (s *Store) SweepDelayed(now time.Time) (int, error) {
	moved := 0

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT event_id FROM events
			WHERE status = ? AND execute_after IS NOT NULL AND execute_after <= ?
			ORDER BY execute_after ASC
		`, string(StatusDelayed), now.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to query due delayed events: %w", err)
		}

		var due []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			due = append(due, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range due {
			pos, err := nextQueuePos(tx)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`
				UPDATE events
				SET status = ?, queue_pos = ?, execute_after = NULL, updated_at = ?
				WHERE event_id = ?
			`, string(StatusQueued), pos, now.UTC().Format(time.RFC3339), id); err != nil {
				return fmt.Errorf("failed to resume delayed event %s: %w", id, err)
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if moved > 0 {
		s.log.Info().Int("count", moved).Msg("Moved due delayed events back to queue")
		s.wake()
	}
	return moved, nil
}

// RecoverInFlight returns events stranded in processing (crash mid-attempt)
// to the tail of the queue. Counted as a retry so the health signal shows
// the interruption.
func (s *Store) RecoverInFlight() (int, error) {
	recovered := 0

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT event_id FROM events WHERE status = ?`, string(StatusProcessing))
		if err != nil {
			return fmt.Errorf("failed to query in-flight events: %w", err)
		}

		var stranded []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			stranded = append(stranded, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range stranded {
			pos, err := nextQueuePos(tx)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`
				UPDATE events
				SET status = ?, queue_pos = ?, times_queued = times_queued + 1,
				    last_error = 'recovered after interrupted processing', updated_at = ?
				WHERE event_id = ?
			`, string(StatusQueued), pos, s.now().UTC().Format(time.RFC3339), id); err != nil {
				return fmt.Errorf("failed to recover event %s: %w", id, err)
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if recovered > 0 {
		s.log.Warn().Int("count", recovered).Msg("Recovered events left in processing state")
		s.wake()
	}
	return recovered, nil
}

// Get returns a single event by id, or nil when absent
func (s *Store) Get(eventID string) (*Event, error) {
	row := s.db.QueryRow(`
		SELECT event_id, account_id, command, payload, status, times_queued, queue_pos, execute_after, last_error, created_at, updated_at
		FROM events WHERE event_id = ?
	`, eventID)

	event, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

// ListActive returns queued and processing events in queue order
func (s *Store) ListActive() ([]*Event, error) {
	return s.list(`
		SELECT event_id, account_id, command, payload, status, times_queued, queue_pos, execute_after, last_error, created_at, updated_at
		FROM events
		WHERE status IN (?, ?)
		ORDER BY queue_pos ASC
	`, string(StatusQueued), string(StatusProcessing))
}

// ListDelayed returns delayed events ordered by resume time
func (s *Store) ListDelayed() ([]*Event, error) {
	return s.list(`
		SELECT event_id, account_id, command, payload, status, times_queued, queue_pos, execute_after, last_error, created_at, updated_at
		FROM events
		WHERE status = ?
		ORDER BY execute_after ASC
	`, string(StatusDelayed))
}

func (s *Store) list(query string, args ...interface{}) ([]*Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// IsActive reports whether a dedup key currently has an in-flight event
func (s *Store) IsActive(accountID string, command Command) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM events WHERE account_id = ? AND command = ?
	`, accountID, string(command)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check dedup key: %w", err)
	}
	return count > 0, nil
}

// wake nudges one blocked Dequeue without ever blocking the caller
func (s *Store) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// nextQueuePos returns the next tail position. Runs inside the mutating
// transaction so two enqueues cannot share a position.
func nextQueuePos(tx *sql.Tx) (int64, error) {
	var pos int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(queue_pos), 0) + 1 FROM events`).Scan(&pos); err != nil {
		return 0, fmt.Errorf("failed to compute queue position: %w", err)
	}
	return pos, nil
}

func getEventTx(tx *sql.Tx, eventID string) (*Event, error) {
	row := tx.QueryRow(`
		SELECT event_id, account_id, command, payload, status, times_queued, queue_pos, execute_after, last_error, created_at, updated_at
		FROM events WHERE event_id = ?
	`, eventID)
	return scanEvent(row)
}

func encodePayload(payload map[string]interface{}) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return msgpack.Marshal(payload)
}

func decodePayload(blob []byte) (map[string]interface{}, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var payload map[string]interface{}
	if err := msgpack.Unmarshal(blob, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return payload, nil
}

// rowScanner abstracts sql.Row and sql.Rows for the scan helpers
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row *sql.Row) (*Event, error) {
	event, err := scanEventRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return event, err
}

func scanEventRow(row rowScanner) (*Event, error) {
	var (
		event        Event
		command      string
		status       string
		payload      []byte
		executeAfter sql.NullString
		lastError    sql.NullString
		createdAt    string
		updatedAt    string
	)

	err := row.Scan(&event.EventID, &event.AccountID, &command, &payload, &status,
		&event.TimesQueued, &event.QueuePos, &executeAfter, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	event.Command = Command(command)
	event.Status = Status(status)

	event.Payload, err = decodePayload(payload)
	if err != nil {
		return nil, err
	}

	if executeAfter.Valid && executeAfter.String != "" {
		t, err := time.Parse(time.RFC3339, executeAfter.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse execute_after: %w", err)
		}
		event.ExecuteAfter = &t
	}
	if lastError.Valid {
		event.LastError = lastError.String
	}

	if event.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if event.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &event, nil
}
