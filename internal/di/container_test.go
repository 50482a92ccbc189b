package di

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/config"
)

const accountsYAML = `accounts:
  - account_id: DU100
    trading_mode: paper
    allocation_channel: growth
    cash_reserve_percent: 1.0
  - account_id: DU200
    trading_mode: paper
    allocation_channel: income
    cash_reserve_percent: 2.5
    rebalance_schedule: "0 0 14 * * MON-FRI"
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	accountsPath := filepath.Join(dir, "accounts.yaml")
	require.NoError(t, os.WriteFile(accountsPath, []byte(accountsYAML), 0644))

	return &config.Config{
		DataDir:        dir,
		AccountsFile:   accountsPath,
		LogLevel:       "info",
		Port:           8080,
		Workers:        2,
		DequeueTimeout: 5 * time.Second,
		Broker: config.BrokerConfig{
			Host:                   "localhost",
			Port:                   5000,
			TradingMode:            "paper",
			ConnectMaxRetries:      3,
			ConnectRetryDelay:      time.Second,
			OrderMaxRetries:        3,
			OrderRetryDelay:        time.Second,
			CancelConfirmTimeout:   30 * time.Second,
			CancelPollInterval:     time.Second,
			OrderCompletionTimeout: 5 * time.Minute,
			OrderPollInterval:      2 * time.Second,
			PriceTierTimeout:       5 * time.Second,
		},
	}
}

func testLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestWire_BuildsFullGraph(t *testing.T) {
	cfg := testConfig(t)

	c, err := Wire(cfg, testLog())
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.DB)
	assert.NotNil(t, c.Store)
	assert.NotNil(t, c.Bus)
	assert.NotNil(t, c.Intake)
	assert.NotNil(t, c.Locks)
	assert.NotNil(t, c.Broker)
	assert.NotNil(t, c.Pricing)
	assert.NotNil(t, c.Allocations)
	assert.NotNil(t, c.Service)
	assert.NotNil(t, c.Handlers)
	assert.NotNil(t, c.Processor)
	assert.NotNil(t, c.Scheduler)
	assert.NotNil(t, c.Server)
	assert.Len(t, c.Accounts, 2)

	// No feed and no R2 credentials configured
	assert.Nil(t, c.Listener)
	assert.Nil(t, c.Backup)
}

func TestWire_TriggerFeedConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Triggers.WebsocketURL = "wss://triggers.example.com/ws"
	cfg.Triggers.Token = "secret"

	c, err := Wire(cfg, testLog())
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Listener)
	assert.False(t, c.Listener.IsConnected(), "listener must not dial during wiring")
}

func TestWire_BackupConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backup = config.BackupConfig{
		R2AccountID:       "acct",
		R2AccessKeyID:     "key",
		R2SecretAccessKey: "secret",
		R2BucketName:      "backups",
		Schedule:          "0 30 1 * * *",
		Retention:         14,
	}

	c, err := Wire(cfg, testLog())
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.Backup)
}

func TestWire_MissingAccountsFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.AccountsFile = filepath.Join(t.TempDir(), "nope.yaml")

	_, err := Wire(cfg, testLog())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load accounts")
}

func TestWire_InvalidRebalanceSchedule(t *testing.T) {
	dir := t.TempDir()
	accountsPath := filepath.Join(dir, "accounts.yaml")
	broken := `accounts:
  - account_id: DU100
    trading_mode: paper
    allocation_channel: growth
    cash_reserve_percent: 1.0
    rebalance_schedule: "not a cron spec"
`
	require.NoError(t, os.WriteFile(accountsPath, []byte(broken), 0644))

	cfg := testConfig(t)
	cfg.AccountsFile = accountsPath

	_, err := Wire(cfg, testLog())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rebalance_schedule")
}

func TestAllocationChannels_Distinct(t *testing.T) {
	accounts := []config.Account{
		{AccountID: "A", AllocationChannel: "growth"},
		{AccountID: "B", AllocationChannel: "income"},
		{AccountID: "C", AllocationChannel: "growth"},
		{AccountID: "D"},
	}

	assert.Equal(t, []string{"growth", "income"}, allocationChannels(accounts))
}
