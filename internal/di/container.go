// Package di wires the application together. Wire builds every component in
// dependency order and returns a Container holding the lot; main only starts
// and stops what the container gives it.
package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/clients/allocations"
	"github.com/aristath/rebalancer/internal/clients/ibgw"
	"github.com/aristath/rebalancer/internal/clients/triggers"
	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/database"
	"github.com/aristath/rebalancer/internal/events"
	"github.com/aristath/rebalancer/internal/locks"
	"github.com/aristath/rebalancer/internal/pricing"
	"github.com/aristath/rebalancer/internal/queue"
	"github.com/aristath/rebalancer/internal/rebalance"
	"github.com/aristath/rebalancer/internal/reliability"
	"github.com/aristath/rebalancer/internal/scheduler"
	"github.com/aristath/rebalancer/internal/server"
	"github.com/aristath/rebalancer/internal/work"
)

// Container holds all application dependencies.
type Container struct {
	// Durable state
	DB    *database.DB
	Store *queue.Store

	// Core plumbing
	Bus    *events.Bus
	Intake *queue.Intake
	Locks  *locks.Registry

	// Clients
	Broker      *ibgw.Client
	Pricing     *pricing.Resolver
	Allocations *allocations.Client

	// Execution
	Service   *rebalance.Service
	Handlers  *rebalance.Handlers
	Processor *work.Processor

	// Background machinery
	Scheduler *scheduler.Scheduler
	Listener  *triggers.Listener        // nil when no trigger feed is configured
	Backup    *reliability.BackupService // nil when R2 credentials are absent

	// HTTP API
	Server *server.Server

	Accounts []config.Account
}

// Wire builds the full dependency graph. On error the database is closed
// before returning; everything else built so far has no external resources
// to release.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	db, err := database.New(database.Config{
		Path: cfg.QueueDBPath(),
		Name: "queue",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize queue database: %w", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	c := &Container{DB: db, Accounts: accounts}

	c.Bus = events.NewBus(log)
	c.Store = queue.NewStore(db.Conn(), log)
	c.Intake = queue.NewIntake(c.Store, c.Bus, log)
	c.Locks = locks.NewRegistry(log)

	// Events claimed by a previous run but never finished are requeued to
	// the tail before any worker starts.
	recovered, err := c.Store.RecoverInFlight()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to recover in-flight events: %w", err)
	}
	if recovered > 0 {
		log.Warn().Int("count", recovered).Msg("Recovered events interrupted by previous shutdown")
	}

	c.Broker = ibgw.NewClient(cfg.Broker, c.Bus, log)
	c.Pricing = pricing.NewResolver(c.Broker, cfg.Broker.PriceTierTimeout, log)
	c.Allocations = allocations.NewClient(cfg.Allocations.BaseURL, cfg.Allocations.APIKey, cfg.Allocations.Timeout, log)

	c.Service = rebalance.NewService(c.Broker, c.Pricing, c.Allocations, cfg.Broker, c.Bus, log)
	c.Handlers = rebalance.NewHandlers(c.Service, accounts, log)
	c.Processor = work.NewProcessor(c.Store, c.Handlers, c.Locks, c.Bus, cfg.Workers, cfg.DequeueTimeout, log)

	if cfg.BackupEnabled() {
		if err := c.initBackup(cfg, log); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		log.Warn().Msg("R2 backup not configured, queue database will not be backed up")
	}

	if err := c.initScheduler(cfg, log); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.Triggers.WebsocketURL != "" {
		channels := allocationChannels(accounts)
		c.Listener = triggers.NewListener(cfg.Triggers.WebsocketURL, cfg.Triggers.Token, channels, c.Intake, c.Bus, log)
	} else {
		log.Info().Msg("No trigger feed configured, events arrive via API and schedules only")
	}

	c.Server = server.New(server.Config{
		Log:      log,
		Port:     cfg.Port,
		Store:    c.Store,
		Intake:   c.Intake,
		Bus:      c.Bus,
		Accounts: accounts,
		Broker:   c.Broker,
	})

	log.Info().
		Int("accounts", len(accounts)).
		Int("workers", cfg.Workers).
		Bool("backup", c.Backup != nil).
		Bool("triggers", c.Listener != nil).
		Msg("Dependency wiring completed")

	return c, nil
}

func (c *Container) initBackup(cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r2, err := reliability.NewR2Client(
		ctx,
		cfg.Backup.R2AccountID,
		cfg.Backup.R2AccessKeyID,
		cfg.Backup.R2SecretAccessKey,
		cfg.Backup.R2BucketName,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to create R2 client: %w", err)
	}

	c.Backup = reliability.NewBackupService(r2, c.DB, cfg.DataDir, cfg.Backup.Retention, c.Bus, log)
	return nil
}

// initScheduler registers the recurring jobs. Worker housekeeping already
// sweeps the delayed set between dequeues; the cron sweep covers the case
// where every worker is busy for a long stretch.
func (c *Container) initScheduler(cfg *config.Config, log zerolog.Logger) error {
	c.Scheduler = scheduler.New(log)

	if err := c.Scheduler.AddJob("@every 30s", scheduler.NewSweepJob(c.Store, log)); err != nil {
		return fmt.Errorf("failed to register sweep job: %w", err)
	}
	if err := c.Scheduler.AddJob("@every 1m", scheduler.NewHealthJob(c.Broker, log)); err != nil {
		return fmt.Errorf("failed to register health job: %w", err)
	}
	if err := c.Scheduler.AddJob("@every 1h", scheduler.NewMaintenanceJob(c.DB, log)); err != nil {
		return fmt.Errorf("failed to register maintenance job: %w", err)
	}

	for _, account := range c.Accounts {
		if account.RebalanceSchedule == "" {
			continue
		}
		job := scheduler.NewRebalanceJob(c.Intake, account.AccountID, log)
		if err := c.Scheduler.AddJob(account.RebalanceSchedule, job); err != nil {
			return fmt.Errorf("failed to register rebalance schedule for %s: %w", account.AccountID, err)
		}
	}

	if c.Backup != nil {
		if err := c.Scheduler.AddJob(cfg.Backup.Schedule, scheduler.NewBackupJob(c.Backup, log)); err != nil {
			return fmt.Errorf("failed to register backup job: %w", err)
		}
	}

	return nil
}

// allocationChannels returns the distinct channels across accounts, in
// first-seen order. The trigger feed subscribes to each channel once no
// matter how many accounts share it.
func allocationChannels(accounts []config.Account) []string {
	seen := make(map[string]bool, len(accounts))
	var channels []string
	for _, account := range accounts {
		if account.AllocationChannel == "" || seen[account.AllocationChannel] {
			continue
		}
		seen[account.AllocationChannel] = true
		channels = append(channels, account.AllocationChannel)
	}
	return channels
}

// Close releases the container's external resources.
func (c *Container) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
