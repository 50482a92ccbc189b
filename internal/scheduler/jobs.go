package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/database"
	"github.com/aristath/rebalancer/internal/queue"
)

const (
	healthProbeTimeout = 30 * time.Second
	backupTimeout      = 10 * time.Minute
	maintenanceTimeout = time.Minute
)

// DelayedSweeper returns due delayed events to the main queue
type DelayedSweeper interface {
	SweepDelayed(now time.Time) (int, error)
}

// HealthChecker probes the broker gateway session
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Admitter enqueues a command for an account
type Admitter interface {
	Admit(accountID string, command queue.Command, payload map[string]interface{}) (*queue.AdmitResult, error)
}

// Backupper uploads a snapshot of the queue database
type Backupper interface {
	Backup(ctx context.Context) error
}

// SweepJob moves delayed events whose execute_after has passed back onto the
// main queue. Workers also sweep opportunistically when idle; this job is the
// guarantee that a busy queue still releases delayed events on time.
type SweepJob struct {
	store DelayedSweeper
	log   zerolog.Logger
}

// NewSweepJob creates the delayed-set sweep job
func NewSweepJob(store DelayedSweeper, log zerolog.Logger) *SweepJob {
	return &SweepJob{store: store, log: log.With().Str("job", "delayed_sweep").Logger()}
}

// Name implements Job
func (j *SweepJob) Name() string { return "delayed_sweep" }

// Run implements Job
func (j *SweepJob) Run() error {
	moved, err := j.store.SweepDelayed(time.Now())
	if err != nil {
		return fmt.Errorf("failed to sweep delayed events: %w", err)
	}
	if moved > 0 {
		j.log.Info().Int("moved", moved).Msg("Delayed events returned to queue")
	}
	return nil
}

// HealthJob probes the broker gateway session so a dead connection is
// noticed and re-established before the next rebalance needs it
type HealthJob struct {
	gateway HealthChecker
	log     zerolog.Logger
}

// NewHealthJob creates the broker health probe job
func NewHealthJob(gateway HealthChecker, log zerolog.Logger) *HealthJob {
	return &HealthJob{gateway: gateway, log: log.With().Str("job", "broker_health").Logger()}
}

// Name implements Job
func (j *HealthJob) Name() string { return "broker_health" }

// Run implements Job
func (j *HealthJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	defer cancel()

	if err := j.gateway.HealthCheck(ctx); err != nil {
		return fmt.Errorf("broker health check failed: %w", err)
	}
	return nil
}

// RebalanceJob admits a scheduled rebalance for one account. Admission goes
// through the same dedup as external triggers, so a schedule firing while a
// rebalance is already queued is a no-op.
type RebalanceJob struct {
	intake    Admitter
	accountID string
	log       zerolog.Logger
}

// NewRebalanceJob creates a scheduled rebalance trigger for an account
func NewRebalanceJob(intake Admitter, accountID string, log zerolog.Logger) *RebalanceJob {
	return &RebalanceJob{
		intake:    intake,
		accountID: accountID,
		log:       log.With().Str("job", "scheduled_rebalance").Str("account_id", accountID).Logger(),
	}
}

// Name implements Job
func (j *RebalanceJob) Name() string { return "rebalance:" + j.accountID }

// Run implements Job
func (j *RebalanceJob) Run() error {
	result, err := j.intake.Admit(j.accountID, queue.CommandRebalance, map[string]interface{}{
		"source": "schedule",
	})
	if err != nil {
		return fmt.Errorf("failed to admit scheduled rebalance: %w", err)
	}

	if result.Deduplicated {
		j.log.Debug().Msg("Scheduled rebalance skipped, one already in flight")
		return nil
	}

	j.log.Info().Str("event_id", result.EventID).Msg("Scheduled rebalance admitted")
	return nil
}

// QueueDatabase is the slice of the database wrapper the maintenance job needs
type QueueDatabase interface {
	HealthCheck(ctx context.Context) error
	WALCheckpoint(mode string) error
	GetStats() (*database.Stats, error)
}

// MaintenanceJob keeps the queue database healthy: an integrity check, a WAL
// checkpoint so the log file cannot grow without bound, and a stats snapshot
// in the log for trend-watching. The queue is small, so running all three on
// a cadence is cheap.
type MaintenanceJob struct {
	db  QueueDatabase
	log zerolog.Logger
}

// NewMaintenanceJob creates the queue database maintenance job
func NewMaintenanceJob(db QueueDatabase, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{db: db, log: log.With().Str("job", "db_maintenance").Logger()}
}

// Name implements Job
func (j *MaintenanceJob) Name() string { return "db_maintenance" }

// Run implements Job
func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()

	if err := j.db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("queue database integrity check failed: %w", err)
	}

	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		return fmt.Errorf("queue database WAL checkpoint failed: %w", err)
	}

	stats, err := j.db.GetStats()
	if err != nil {
		return fmt.Errorf("failed to read queue database stats: %w", err)
	}

	j.log.Info().
		Int64("size_bytes", stats.SizeBytes).
		Int64("wal_size_bytes", stats.WALSizeBytes).
		Int64("freelist_pages", stats.FreelistCount).
		Msg("Queue database maintenance completed")
	return nil
}

// BackupJob snapshots the queue database to remote storage
type BackupJob struct {
	backupper Backupper
	log       zerolog.Logger
}

// NewBackupJob creates the queue backup job
func NewBackupJob(backupper Backupper, log zerolog.Logger) *BackupJob {
	return &BackupJob{backupper: backupper, log: log.With().Str("job", "queue_backup").Logger()}
}

// Name implements Job
func (j *BackupJob) Name() string { return "queue_backup" }

// Run implements Job
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), backupTimeout)
	defer cancel()

	if err := j.backupper.Backup(ctx); err != nil {
		return fmt.Errorf("queue backup failed: %w", err)
	}
	return nil
}
