package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "run"

[wallet]
private_key = "abc123"

[chain]
executor_contract = "0x0000000000000000000000000000000000000001"
settlement_asset = "USDC"

[[chain.rpc]]
provider = "rpc"
url = "https://rpc.example/key"

[[quote.endpoints]]
provider = "quote"
url = "https://quote.example"

[[capacity.providers]]
id = "quote"
max_per_second = 10
max_per_minute = 600
priority = 1
retry_delay = "2s"
max_retries = 4

[[capacity.providers]]
id = "rpc"
max_per_hour = 10000
priority = 2

[[protocols]]
id = "aave"
max_loan_amount = 100000
fee_rate = 0.0005
execution_time_budget = "30s"

[[assets]]
symbol = "USDC"
decimals = 6

[[assets]]
symbol = "WETH"
decimals = 18

[[strategies]]
id = "weth-usdc"
requests_per_trade = 4
min_interval_ms = 1000
max_interval_ms = 60000
protocols = ["aave"]

[[strategies.pairs]]
base = "WETH"
quote = "USDC"
source_venue = "a"
target_venue = "b"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flashsched.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDecodesAndValidates(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	// Defaults survive where the file is silent.
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 0.8, cfg.Capacity.SafetyBuffer)
	assert.Equal(t, time.Hour, cfg.Scheduler.RecomputeInterval.Duration)
	assert.Equal(t, "medium", cfg.Chain.FeeLevel)

	providers := cfg.CapacityProviders()
	require.Len(t, providers, 2)
	assert.Equal(t, 2*time.Second, providers[0].RetryDelay)
	assert.Equal(t, 4, providers[0].MaxRetries)
	assert.Equal(t, 10000.0, providers[1].PerHour())

	profile := cfg.Strategies[0].Profile()
	assert.Equal(t, int64(60000), profile.CurrentIntervalMs, "starts at the slowest rate")

	pairs := cfg.Pairs(cfg.Strategies[0])
	require.Len(t, pairs, 1)
	assert.Equal(t, "WETH/USDC", pairs[0].Name())
	assert.Equal(t, int32(6), pairs[0].Quote.Decimals)

	protocols := cfg.LendingProtocols()
	assert.Equal(t, 30*time.Second, protocols["aave"].ExecutionTimeBudget)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLASHSCHED_MODE", "scan")
	t.Setenv("FLASHSCHED_EXECUTOR_RESERVED_FLOOR", "75.5")
	t.Setenv("FLASHSCHED_SCHEDULER_RECOMPUTE_INTERVAL", "15m")
	t.Setenv("FLASHSCHED_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("FLASHSCHED_SERVER_PORT", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "scan", cfg.Mode)
	assert.Equal(t, 75.5, cfg.Executor.ReservedFloor)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.RecomputeInterval.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 8000, cfg.Server.Port, "unparsable override is ignored")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: decode")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Capacity.SafetyBuffer = 1.5
	cfg.Scheduler.RankingMode = "fastest"
	cfg.Quote.Endpoints = []EndpointConfig{{Provider: "ghost", URL: "https://q"}}
	cfg.Strategies = []StrategyConfig{{
		ID:            "s",
		MinIntervalMs: 5000,
		MaxIntervalMs: 1000,
		Protocols:     []string{"missing"},
	}}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "trade"`,
		"capacity: at least one provider is required",
		"safety_buffer must be in (0, 1]",
		`unknown ranking_mode "fastest"`,
		`unknown capacity provider "ghost"`,
		"max interval 1000 below min interval 5000",
		`unknown protocol "missing"`,
		"at least one pair is required",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateRunModeNeedsWalletAndChain(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	cfg.Wallet.PrivateKey = ""
	cfg.Chain.ExecutorContract = ""

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet: either private_key or encrypted_key_path")
	assert.Contains(t, err.Error(), "chain: executor_contract must be set")

	cfg.Mode = "scan"
	assert.NoError(t, cfg.Validate(), "scan mode never signs")
}

func TestValidateDistributedNeedsRedis(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	cfg.Capacity.Distributed = true
	cfg.Redis.Enabled = false
	require.Error(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	cfg.Server.APIKey = "api-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.Notify.Events = []string{"reserve_breach"}

	red := RedactedConfig(cfg)
	assert.Equal(t, redacted, red.Wallet.PrivateKey)
	assert.Equal(t, redacted, red.Server.APIKey)
	assert.Equal(t, redacted, red.Redis.Password)
	assert.Equal(t, redacted, red.Chain.RPC[0].URL)
	assert.Empty(t, red.Wallet.KeyPassword, "empty secrets stay empty")

	// The original is untouched and shares no slices with the copy.
	assert.Equal(t, "abc123", cfg.Wallet.PrivateKey)
	assert.Equal(t, "https://rpc.example/key", cfg.Chain.RPC[0].URL)
	red.Notify.Events[0] = "changed"
	red.Strategies[0].Protocols[0] = "changed"
	assert.Equal(t, "reserve_breach", cfg.Notify.Events[0])
	assert.Equal(t, "aave", cfg.Strategies[0].Protocols[0])
}
