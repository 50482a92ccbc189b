package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(Config{
		Path: filepath.Join(t.TempDir(), "queue.db"),
		Name: "queue",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func countEvents(t *testing.T, db *DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n))
	return n
}

func insertEvent(tx *sql.Tx, eventID string) error {
	_, err := tx.Exec(`
		INSERT INTO events (event_id, account_id, command, status, queue_pos, created_at, updated_at)
		VALUES (?, 'DU100', 'rebalance', 'queued', 1, '2026-08-24T10:00:00Z', '2026-08-24T10:00:00Z')
	`, eventID)
	return err
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate())
}

func TestWithTransaction_Commits(t *testing.T) {
	db := newTestDB(t)

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		return insertEvent(tx, "e1")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(t, db))
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	boom := errors.New("boom")

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if err := insertEvent(tx, "e1"); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 0, countEvents(t, db), "failed transaction must leave no rows behind")
}

func TestWithTransaction_RecoversPanic(t *testing.T) {
	db := newTestDB(t)

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if err := insertEvent(tx, "e1"); err != nil {
			return err
		}
		panic("handler blew up")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")
	assert.Equal(t, 0, countEvents(t, db))
}

func TestWithTransaction_NilDB(t *testing.T) {
	err := WithTransaction(nil, func(tx *sql.Tx) error { return nil })
	require.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	db := newTestDB(t)

	ctx := context.Background()
	require.NoError(t, db.HealthCheck(ctx))
}

func TestGetStats(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		return insertEvent(tx, "e1")
	}))
	require.NoError(t, db.WALCheckpoint("TRUNCATE"))

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Greater(t, stats.SizeBytes, int64(0))
	assert.Greater(t, stats.PageCount, int64(0))
	assert.Greater(t, stats.PageSize, int64(0))
}
