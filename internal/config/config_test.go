package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/pincex_backtest/internal/accounts"
	"github.com/Aidin1998/pincex_backtest/internal/trading/engine"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

const sample = `
run:
  strategy: buy_and_hold
  params:
    order_book_id: 000001.XSHE
  start_date: "2024-01-02"
  end_date: "2024-03-29"
  universe: ["000001.XSHE", "600000.XSHG"]
  benchmark: 600000.XSHG
  risk_free_rate: 0.02
accounts:
  - type: stock
    starting_cash: "1000000"
fees:
  slippage: "0.001"
matching:
  type: next_bar
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backtest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "buy_and_hold", cfg.Run.Strategy)
	assert.Equal(t, "000001.XSHE", cfg.Run.Params["order_book_id"])
	assert.Equal(t, []string{"000001.XSHE", "600000.XSHG"}, cfg.Run.Universe)
	assert.Equal(t, "1d", cfg.Run.Frequency)
	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, "stock", cfg.Accounts[0].Type)
	assert.Equal(t, engine.MatchNextBar, cfg.Matching.Type)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultConfig().Fees.StockTaxRate, cfg.Fees.StockTaxRate)
	assert.Equal(t, SnapshotStoreJSON, cfg.Snapshot.Store)
	assert.False(t, cfg.Journal.Enabled)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("BACKTEST_RUN_STRATEGY", "dual_moving_average")
	t.Setenv("BACKTEST_RUN_END_DATE", "2024-02-29")
	t.Setenv("BACKTEST_SNAPSHOT_STORE", "badger")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "dual_moving_average", cfg.Run.Strategy)
	assert.Equal(t, "2024-02-29", cfg.Run.EndDate)
	assert.Equal(t, SnapshotStoreBadger, cfg.Snapshot.Store)
}

func TestLoadWithoutFileNeedsRun(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.Invalid))
	assert.Contains(t, err.Error(), "Config.Run.Strategy")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func valid() Config {
	cfg := DefaultConfig()
	cfg.Run.Strategy = "buy_and_hold"
	cfg.Run.StartDate = "2024-01-02"
	cfg.Run.EndDate = "2024-01-31"
	cfg.Run.Universe = []string{"000001.XSHE"}
	cfg.Accounts = []AccountConfig{{Type: "STOCK", StartingCash: "100000"}}
	return cfg
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing strategy", func(c *Config) { c.Run.Strategy = "" }},
		{"end before start", func(c *Config) { c.Run.EndDate = "2023-12-29" }},
		{"bad date", func(c *Config) { c.Run.StartDate = "02/01/2024" }},
		{"unknown frequency", func(c *Config) { c.Run.Frequency = "5m" }},
		{"empty universe", func(c *Config) { c.Run.Universe = nil }},
		{"no accounts", func(c *Config) { c.Accounts = nil }},
		{"unknown account type", func(c *Config) { c.Accounts[0].Type = "OPTION" }},
		{"benchmark account", func(c *Config) { c.Accounts[0].Type = "benchmark" }},
		{"negative cash", func(c *Config) { c.Accounts[0].StartingCash = "-5" }},
		{"cash is not a number", func(c *Config) { c.Accounts[0].StartingCash = "lots" }},
		{"full slippage", func(c *Config) { c.Fees.Slippage = "1" }},
		{"unknown matching", func(c *Config) { c.Matching.Type = "best_price" }},
		{"resume id", func(c *Config) { c.Run.ResumeRunID = "run-1" }},
		{"badger file", func(c *Config) {
			c.Snapshot.Store = SnapshotStoreBadger
			c.Snapshot.Dir = "runs/snapshots.json"
		}},
		{"journal without path", func(c *Config) {
			c.Journal.Enabled = true
			c.Journal.FilePath = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.Invalid), "%v", err)
		})
	}
}

func TestBacktestConversion(t *testing.T) {
	cfg := valid()
	require.NoError(t, cfg.Validate())
	cfg.Run.ResumeRunID = "6f1c1d9e-3a55-4b8e-9f1e-3f0f8d2a7b11"
	cfg.Run.PauseAt = "2024-01-15"
	cfg.Accounts = append(cfg.Accounts, AccountConfig{Type: "future", StartingCash: "50000.5", T0Instruments: []string{"IF2401"}})

	bt, err := cfg.Backtest()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), bt.StartDate)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), bt.EndDate)
	assert.Equal(t, "6f1c1d9e-3a55-4b8e-9f1e-3f0f8d2a7b11", bt.RunID.String())
	require.Len(t, bt.Accounts, 2)
	assert.Equal(t, accounts.KindStock, bt.Accounts[0].Kind)
	assert.Equal(t, accounts.KindFuture, bt.Accounts[1].Kind)
	assert.True(t, decimal.RequireFromString("50000.5").Equal(bt.Accounts[1].StartingCash))
	assert.Equal(t, []string{"IF2401"}, bt.Accounts[1].T0Instruments)
	assert.True(t, decimal.RequireFromString("0.25").Equal(bt.Matching.VolumePercent))
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), cfg.PauseDate())

	cfg.Fees.StockTaxRate = "-0.001"
	_, err = cfg.Backtest()
	assert.True(t, errors.Is(err, errors.Invalid))
}
