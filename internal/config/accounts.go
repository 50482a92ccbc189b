package config

import (
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// scheduleParser matches the six-field (seconds included) specs the
// scheduler runs, so a bad schedule fails at load instead of at
// registration.
var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Account holds the per-account configuration loaded from the accounts file.
// The core reads these once per operation and never mutates them.
type Account struct {
	AccountID          string            `yaml:"account_id"`
	TradingMode        string            `yaml:"trading_mode"`
	AllocationChannel  string            `yaml:"allocation_channel"`
	CashReservePercent float64           `yaml:"cash_reserve_percent"`
	RebalanceSchedule  string            `yaml:"rebalance_schedule,omitempty"`
	Replacements       map[string]string `yaml:"replacements,omitempty"`
}

// accountsFile is the top-level structure of accounts.yaml
type accountsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// LoadAccounts reads and validates the accounts YAML file.
func LoadAccounts(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var file accountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	seen := make(map[string]bool)
	for i := range file.Accounts {
		acc := &file.Accounts[i]
		if acc.AccountID == "" {
			return nil, fmt.Errorf("account at index %d has no account_id", i)
		}
		if seen[acc.AccountID] {
			return nil, fmt.Errorf("duplicate account_id %q", acc.AccountID)
		}
		seen[acc.AccountID] = true

		if acc.TradingMode == "" {
			acc.TradingMode = "paper"
		}
		if acc.TradingMode != "paper" && acc.TradingMode != "live" {
			return nil, fmt.Errorf("account %s: invalid trading_mode %q", acc.AccountID, acc.TradingMode)
		}
		if acc.AllocationChannel == "" {
			return nil, fmt.Errorf("account %s: allocation_channel is required", acc.AccountID)
		}
		if acc.RebalanceSchedule != "" {
			if _, err := scheduleParser.Parse(acc.RebalanceSchedule); err != nil {
				return nil, fmt.Errorf("account %s: invalid rebalance_schedule %q: %w", acc.AccountID, acc.RebalanceSchedule, err)
			}
		}
	}

	return file.Accounts, nil
}

// ReplaceSymbol maps a symbol through the account's replacement table.
// Symbols without a configured replacement pass through unchanged.
func (a *Account) ReplaceSymbol(symbol string) string {
	if a.Replacements == nil {
		return symbol
	}
	if replacement, ok := a.Replacements[symbol]; ok {
		return replacement
	}
	return symbol
}
