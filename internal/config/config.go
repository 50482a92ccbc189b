// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir      string // Base directory for the queue database and backup staging (always absolute)
	AccountsFile string // Path to the managed-accounts YAML file
	LogLevel     string
	LogPretty    bool
	Port         int

	Workers        int           // Processing loop worker pool size
	DequeueTimeout time.Duration // Blocking dequeue timeout (housekeeping runs between waits)

	Broker      BrokerConfig
	Allocations AllocationsConfig
	Triggers    TriggersConfig
	Backup      BackupConfig
}

// BrokerConfig holds gateway connection and order handling configuration
type BrokerConfig struct {
	Host        string
	Port        int
	TradingMode string // "paper" or "live" - which gateway this process is connected to

	ConnectMaxRetries int           // Connection attempts before failing fast
	ConnectRetryDelay time.Duration // Fixed delay between connection attempts
	OrderMaxRetries   int           // Smaller budget for order submission/cancellation
	OrderRetryDelay   time.Duration // Fixed delay, no jitter

	CancelConfirmTimeout   time.Duration // Max wait for cancel-all confirmation
	CancelPollInterval     time.Duration
	OrderCompletionTimeout time.Duration // Max wait for sell orders to reach a terminal state
	OrderPollInterval      time.Duration
	PriceTierTimeout       time.Duration // Per-tier budget in the pricing resolver
}

// AllocationsConfig holds the allocation provider API configuration
type AllocationsConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// TriggersConfig holds the realtime trigger feed configuration
type TriggersConfig struct {
	WebsocketURL string
	Token        string
}

// BackupConfig holds R2/S3 backup configuration. All fields empty means
// backups are disabled.
type BackupConfig struct {
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	Schedule          string // Cron spec (with seconds) for the backup job
	Retention         int    // Number of backups to keep remotely
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:        absDataDir,
		AccountsFile:   getEnv("ACCOUNTS_FILE", "accounts.yaml"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogPretty:      getEnvAsBool("LOG_PRETTY", false),
		Port:           getEnvAsInt("PORT", 8080),
		Workers:        getEnvAsInt("WORKERS", 2),
		DequeueTimeout: getEnvAsSeconds("DEQUEUE_TIMEOUT_SECONDS", 5),
		Broker: BrokerConfig{
			Host:                   getEnv("BROKER_HOST", "localhost"),
			Port:                   getEnvAsInt("BROKER_PORT", 5000),
			TradingMode:            getEnv("BROKER_TRADING_MODE", "paper"),
			ConnectMaxRetries:      getEnvAsInt("BROKER_CONNECT_MAX_RETRIES", 8),
			ConnectRetryDelay:      getEnvAsSeconds("BROKER_CONNECT_RETRY_DELAY_SECONDS", 5),
			OrderMaxRetries:        getEnvAsInt("BROKER_ORDER_MAX_RETRIES", 3),
			OrderRetryDelay:        getEnvAsSeconds("BROKER_ORDER_RETRY_DELAY_SECONDS", 2),
			CancelConfirmTimeout:   getEnvAsSeconds("CANCEL_CONFIRM_TIMEOUT_SECONDS", 30),
			CancelPollInterval:     getEnvAsSeconds("CANCEL_POLL_INTERVAL_SECONDS", 1),
			OrderCompletionTimeout: getEnvAsSeconds("ORDER_COMPLETION_TIMEOUT_SECONDS", 300),
			OrderPollInterval:      getEnvAsSeconds("ORDER_POLL_INTERVAL_SECONDS", 2),
			PriceTierTimeout:       getEnvAsSeconds("PRICE_TIER_TIMEOUT_SECONDS", 5),
		},
		Allocations: AllocationsConfig{
			BaseURL: getEnv("ALLOCATIONS_API_URL", ""),
			APIKey:  getEnv("ALLOCATIONS_API_KEY", ""),
			Timeout: getEnvAsSeconds("ALLOCATIONS_TIMEOUT_SECONDS", 10),
		},
		Triggers: TriggersConfig{
			WebsocketURL: getEnv("TRIGGERS_WS_URL", ""),
			Token:        getEnv("TRIGGERS_WS_TOKEN", ""),
		},
		Backup: BackupConfig{
			R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
			R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
			R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
			R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
			Schedule:          getEnv("BACKUP_SCHEDULE", "0 30 1 * * *"),
			Retention:         getEnvAsInt("BACKUP_RETENTION", 14),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Broker.TradingMode != "paper" && c.Broker.TradingMode != "live" {
		return fmt.Errorf("invalid broker trading mode %q (must be paper or live)", c.Broker.TradingMode)
	}
	if c.Broker.ConnectMaxRetries < 1 {
		return fmt.Errorf("broker connect max retries must be at least 1, got %d", c.Broker.ConnectMaxRetries)
	}
	if c.Broker.OrderMaxRetries < 1 {
		return fmt.Errorf("broker order max retries must be at least 1, got %d", c.Broker.OrderMaxRetries)
	}
	if c.Broker.CancelConfirmTimeout <= 0 {
		return fmt.Errorf("cancel confirm timeout must be positive")
	}
	if c.Broker.OrderCompletionTimeout <= 0 {
		return fmt.Errorf("order completion timeout must be positive")
	}
	return nil
}

// BackupEnabled reports whether all R2 credentials are configured.
func (c *Config) BackupEnabled() bool {
	b := c.Backup
	return b.R2AccountID != "" && b.R2AccessKeyID != "" && b.R2SecretAccessKey != "" && b.R2BucketName != ""
}

// QueueDBPath returns the absolute path of the durable queue database.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.DataDir, "queue.db")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}
