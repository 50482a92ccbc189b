package queue

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// QueueStats summarizes the store for the monitoring API
type QueueStats struct {
	Depth            int     `json:"depth"`      // Events waiting on the main queue
	Processing       int     `json:"processing"` // Events claimed by workers
	Delayed          int     `json:"delayed"`    // Events waiting out a market close
	Retried          int     `json:"retried"`    // Events with times_queued > 1
	OldestAgeSeconds float64 `json:"oldest_age_seconds"`
	MeanAgeSeconds   float64 `json:"mean_age_seconds"`
}

// Stats computes queue statistics as of now
func (s *Store) Stats(now time.Time) (*QueueStats, error) {
	stats := &QueueStats{}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		switch Status(status) {
		case StatusQueued:
			stats.Depth = count
		case StatusProcessing:
			stats.Processing = count
		case StatusDelayed:
			stats.Delayed = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE times_queued > 1`).Scan(&stats.Retried); err != nil {
		return nil, fmt.Errorf("failed to count retried events: %w", err)
	}

	ages, err := s.queuedAges(now)
	if err != nil {
		return nil, err
	}
	if len(ages) > 0 {
		stats.OldestAgeSeconds = floats.Max(ages)
		stats.MeanAgeSeconds = stat.Mean(ages, nil)
	}

	return stats, nil
}

// queuedAges returns the age in seconds of every queued or processing event
func (s *Store) queuedAges(now time.Time) ([]float64, error) {
	rows, err := s.db.Query(`
		SELECT created_at FROM events WHERE status IN (?, ?)
	`, string(StatusQueued), string(StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("failed to query event ages: %w", err)
	}
	defer rows.Close()

	var ages []float64
	for rows.Next() {
		var createdAt string
		if err := rows.Scan(&createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			continue
		}
		ages = append(ages, now.Sub(t).Seconds())
	}
	return ages, rows.Err()
}

// Healthy reports the operator-facing health rule: nothing has needed a
// retry and nothing is sitting in the delayed set.
func (s *Store) Healthy() (bool, error) {
	var retried int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE times_queued > 1`).Scan(&retried); err != nil {
		return false, fmt.Errorf("failed to count retried events: %w", err)
	}
	if retried > 0 {
		return false, nil
	}

	var delayed int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE status = ?`, string(StatusDelayed)).Scan(&delayed); err != nil {
		return false, fmt.Errorf("failed to count delayed events: %w", err)
	}
	return delayed == 0, nil
}
