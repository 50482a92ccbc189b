package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/database"
	"github.com/aristath/rebalancer/internal/queue"
)

type fakeSweeper struct {
	moved int
	err   error
	calls int
}

func (f *fakeSweeper) SweepDelayed(now time.Time) (int, error) {
	f.calls++
	return f.moved, f.err
}

type fakeHealthChecker struct {
	err   error
	calls int
}

func (f *fakeHealthChecker) HealthCheck(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeAdmitter struct {
	accountID    string
	command      queue.Command
	payload      map[string]interface{}
	deduplicated bool
	err          error
}

func (f *fakeAdmitter) Admit(accountID string, command queue.Command, payload map[string]interface{}) (*queue.AdmitResult, error) {
	f.accountID = accountID
	f.command = command
	f.payload = payload
	if f.err != nil {
		return nil, f.err
	}
	if f.deduplicated {
		return &queue.AdmitResult{Accepted: false, Deduplicated: true}, nil
	}
	return &queue.AdmitResult{Accepted: true, EventID: "evt-1"}, nil
}

type fakeDatabase struct {
	healthErr     error
	checkpointErr error
	statsErr      error
	checkpoints   []string
	healthCalls   int
	statsCalls    int
}

func (f *fakeDatabase) HealthCheck(ctx context.Context) error {
	f.healthCalls++
	return f.healthErr
}

func (f *fakeDatabase) WALCheckpoint(mode string) error {
	f.checkpoints = append(f.checkpoints, mode)
	return f.checkpointErr
}

func (f *fakeDatabase) GetStats() (*database.Stats, error) {
	f.statsCalls++
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return &database.Stats{SizeBytes: 4096, PageCount: 1, PageSize: 4096}, nil
}

type fakeBackupper struct {
	err   error
	calls int
}

func (f *fakeBackupper) Backup(ctx context.Context) error {
	f.calls++
	return f.err
}

func testLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestSweepJob(t *testing.T) {
	sweeper := &fakeSweeper{moved: 3}
	job := NewSweepJob(sweeper, testLog())

	assert.Equal(t, "delayed_sweep", job.Name())
	require.NoError(t, job.Run())
	assert.Equal(t, 1, sweeper.calls)

	sweeper.err = errors.New("db locked")
	err := job.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db locked")
}

func TestHealthJob(t *testing.T) {
	checker := &fakeHealthChecker{}
	job := NewHealthJob(checker, testLog())

	assert.Equal(t, "broker_health", job.Name())
	require.NoError(t, job.Run())
	assert.Equal(t, 1, checker.calls)

	checker.err = errors.New("gateway down")
	assert.Error(t, job.Run())
}

func TestRebalanceJob(t *testing.T) {
	intake := &fakeAdmitter{}
	job := NewRebalanceJob(intake, "DU123", testLog())

	assert.Equal(t, "rebalance:DU123", job.Name())
	require.NoError(t, job.Run())

	assert.Equal(t, "DU123", intake.accountID)
	assert.Equal(t, queue.CommandRebalance, intake.command)
	assert.Equal(t, "schedule", intake.payload["source"])
}

func TestRebalanceJob_DeduplicatedIsNotAnError(t *testing.T) {
	intake := &fakeAdmitter{deduplicated: true}
	job := NewRebalanceJob(intake, "DU123", testLog())

	require.NoError(t, job.Run())
}

func TestRebalanceJob_AdmitFailure(t *testing.T) {
	intake := &fakeAdmitter{err: errors.New("store closed")}
	job := NewRebalanceJob(intake, "DU123", testLog())

	err := job.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store closed")
}

func TestMaintenanceJob(t *testing.T) {
	db := &fakeDatabase{}
	job := NewMaintenanceJob(db, testLog())

	assert.Equal(t, "db_maintenance", job.Name())
	require.NoError(t, job.Run())
	assert.Equal(t, 1, db.healthCalls)
	assert.Equal(t, []string{"TRUNCATE"}, db.checkpoints)
	assert.Equal(t, 1, db.statsCalls)
}

func TestMaintenanceJob_FailuresPropagate(t *testing.T) {
	corrupt := &fakeDatabase{healthErr: errors.New("integrity check failed")}
	job := NewMaintenanceJob(corrupt, testLog())

	err := job.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integrity check")
	assert.Empty(t, corrupt.checkpoints, "a corrupt database must not be checkpointed")

	stuck := &fakeDatabase{checkpointErr: errors.New("database is locked")}
	err = NewMaintenanceJob(stuck, testLog()).Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WAL checkpoint")
	assert.Equal(t, 0, stuck.statsCalls)
}

func TestBackupJob(t *testing.T) {
	backupper := &fakeBackupper{}
	job := NewBackupJob(backupper, testLog())

	assert.Equal(t, "queue_backup", job.Name())
	require.NoError(t, job.Run())
	assert.Equal(t, 1, backupper.calls)

	backupper.err = errors.New("bucket unreachable")
	assert.Error(t, job.Run())
}

func TestScheduler_AddJobValidatesSpec(t *testing.T) {
	s := New(testLog())

	err := s.AddJob("not a cron spec", NewSweepJob(&fakeSweeper{}, testLog()))
	assert.Error(t, err)

	err = s.AddJob("@every 30s", NewSweepJob(&fakeSweeper{}, testLog()))
	assert.NoError(t, err)
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(testLog())
	sweeper := &fakeSweeper{}

	require.NoError(t, s.RunNow(NewSweepJob(sweeper, testLog())))
	assert.Equal(t, 1, sweeper.calls)
}
