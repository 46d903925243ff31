package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashsched/internal/config"
	"github.com/alanyoungcy/flashsched/internal/domain"
	"github.com/alanyoungcy/flashsched/internal/scheduler"
)

type memProfiles struct {
	saved map[string]domain.StrategyProfile
	err   error
}

func (m *memProfiles) Get(_ context.Context, id string) (domain.StrategyProfile, error) {
	if m.err != nil {
		return domain.StrategyProfile{}, m.err
	}
	p, ok := m.saved[id]
	if !ok {
		return domain.StrategyProfile{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memProfiles) Upsert(_ context.Context, p domain.StrategyProfile) error {
	m.saved[p.ID] = p
	return nil
}

func (m *memProfiles) UpsertBatch(ctx context.Context, ps []domain.StrategyProfile) error {
	for _, p := range ps {
		_ = m.Upsert(ctx, p)
	}
	return nil
}

func (m *memProfiles) List(context.Context) ([]domain.StrategyProfile, error) {
	out := make([]domain.StrategyProfile, 0, len(m.saved))
	for _, p := range m.saved {
		out = append(out, p)
	}
	return out, nil
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Capacity.Providers = []config.ProviderConfig{
		{ID: "alchemy", MaxPerSecond: 10, Priority: 2},
		{ID: "infura", MaxPerMinute: 300, Priority: 1},
		{ID: "oneinch", MaxPerHour: 3600, Priority: 1},
	}
	cfg.Chain.RPC = []config.EndpointConfig{
		{Provider: "alchemy", URL: "https://a.example"},
		{Provider: "infura", URL: "https://i.example"},
	}
	cfg.Quote.Endpoints = []config.EndpointConfig{{Provider: "oneinch", URL: "https://q.example"}}
	cfg.Assets = []config.AssetConfig{
		{Symbol: "WETH", Address: "0xaa", Decimals: 18},
		{Symbol: "USDC", Address: "0xbb", Decimals: 6},
	}
	cfg.Protocols = []config.ProtocolConfig{
		{ID: "aave", MaxLoanAmount: 1000, FeeRate: 0.0009},
		{ID: "balancer", MaxLoanAmount: 500},
	}
	cfg.Strategies = []config.StrategyConfig{
		{
			ID: "eth-usdc", RequestsPerTrade: 4, MinIntervalMs: 1000, MaxIntervalMs: 60000,
			FeeLevel: "high", Protocols: []string{"aave", "missing"},
			Pairs: []config.PairConfig{
				{Base: "WETH", Quote: "USDC", SourceVenue: "uniswap", TargetVenue: "sushiswap"},
				{Base: "WETH", Quote: "DAI"},
			},
		},
		{ID: "slow", RequestsPerTrade: 2, MinIntervalMs: 5000, MaxIntervalMs: 30000, InitialIntervalMs: 10000},
	}
	return &cfg
}

func TestLoadProfilesSeedsAndMerges(t *testing.T) {
	cfg := testConfig()
	updated := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &memProfiles{saved: map[string]domain.StrategyProfile{
		"eth-usdc": {
			ID: "eth-usdc", RequestsPerTrade: 99, MinIntervalMs: 1, MaxIntervalMs: 999999,
			CurrentIntervalMs: 500, Attempts: 10, Successes: 7, SuccessRate: 0.7,
			ProfitPerTrade: 12.5, CumulativeProfit: 87.5, UpdatedAt: updated,
		},
	}}

	ps, err := loadProfiles(context.Background(), cfg, store)
	require.NoError(t, err)
	require.Len(t, ps, 2)

	merged := ps[0]
	assert.Equal(t, 4.0, merged.RequestsPerTrade, "configured cost wins")
	assert.Equal(t, int64(60000), merged.MaxIntervalMs)
	assert.Equal(t, int64(1000), merged.CurrentIntervalMs, "persisted interval clamped into bounds")
	assert.Equal(t, int64(10), merged.Attempts)
	assert.Equal(t, 0.7, merged.SuccessRate)
	assert.Equal(t, 12.5, merged.ProfitPerTrade)
	assert.Equal(t, updated, merged.UpdatedAt)

	seeded := ps[1]
	assert.Equal(t, int64(10000), seeded.CurrentIntervalMs)
	assert.Zero(t, seeded.Attempts)
}

func TestLoadProfilesStoreError(t *testing.T) {
	store := &memProfiles{err: errors.New("connection refused")}
	_, err := loadProfiles(context.Background(), testConfig(), store)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load profile eth-usdc")
}

func TestMergeProfileKeepsSeedIntervalWhenUnset(t *testing.T) {
	seed := domain.StrategyProfile{ID: "s", MinIntervalMs: 100, MaxIntervalMs: 1000, CurrentIntervalMs: 1000}
	got := mergeProfile(seed, domain.StrategyProfile{ID: "s", Attempts: 3})
	assert.Equal(t, int64(1000), got.CurrentIntervalMs)
	assert.Equal(t, int64(3), got.Attempts)
}

func TestBuildRoutes(t *testing.T) {
	routes := buildRoutes(testConfig())
	require.Len(t, routes, 2)

	r := routes["eth-usdc"]
	require.Len(t, r.Pairs, 1, "pair with unknown asset skipped")
	assert.Equal(t, "WETH", r.Pairs[0].Base.Symbol)
	assert.Equal(t, int32(6), r.Pairs[0].Quote.Decimals)
	assert.Equal(t, "uniswap", r.Pairs[0].SourceVenue)
	require.Len(t, r.Protocols, 1, "unknown protocol skipped")
	assert.Equal(t, "aave", r.Protocols[0].ID)

	assert.Empty(t, routes["slow"].Pairs)
	assert.Empty(t, routes["slow"].Protocols)
}

func TestEndpointsCarryRegistryPriority(t *testing.T) {
	cfg := testConfig()
	rpc := rpcEndpoints(cfg)
	require.Len(t, rpc, 2)
	assert.Equal(t, 2, rpc[0].Priority)
	assert.Equal(t, 1, rpc[1].Priority)

	cfg.Quote.Endpoints = append(cfg.Quote.Endpoints, config.EndpointConfig{Provider: "ghost", URL: "x"})
	q := quoteEndpoints(cfg)
	require.Len(t, q, 2)
	assert.Equal(t, 1, q[0].Priority)
	assert.Greater(t, q[1].Priority, 1000, "unknown providers sort last")
}

func TestLedgerProvider(t *testing.T) {
	cfg := testConfig()

	p, ok := ledgerProvider(cfg)
	require.True(t, ok)
	assert.Equal(t, "infura", p.ID, "highest-priority rpc endpoint")

	cfg.Executor.LedgerProvider = "alchemy"
	p, ok = ledgerProvider(cfg)
	require.True(t, ok)
	assert.Equal(t, "alchemy", p.ID)

	cfg.Executor.LedgerProvider = ""
	cfg.Chain.RPC = nil
	_, ok = ledgerProvider(cfg)
	assert.False(t, ok)
}

func TestSignerConfigFeeLevels(t *testing.T) {
	cfg := testConfig()
	cfg.Chain.ExecutorContract = "0xexec"
	sc := signerConfig(cfg)
	assert.Equal(t, "0xexec", sc.Contract)
	assert.Equal(t, "medium", string(sc.DefaultLevel))
	assert.Equal(t, "high", string(sc.Levels["eth-usdc"]))
	_, ok := sc.Levels["slow"]
	assert.False(t, ok)
}

func TestAllocationReport(t *testing.T) {
	res := scheduler.Result{
		Action:       scheduler.ActionShrink,
		Capacity:     1000,
		DemandBefore: 1500,
		DemandAfter:  900,
		Changes:      []scheduler.Change{{StrategyID: "a", FromMs: 1000, ToMs: 2000}},
		Profiles: []domain.StrategyProfile{
			{ID: "a", RequestsPerTrade: 1, MinIntervalMs: 1000, MaxIntervalMs: 10000, CurrentIntervalMs: 2000},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(allocationReport(res)))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "shrink", got["action"])
	assert.Equal(t, 900.0, got["demand_after_per_hour"])
	changes := got["changes"].([]any)
	require.Len(t, changes, 1)
	assert.Equal(t, 2000.0, changes[0].(map[string]any)["to_ms"])
	profiles := got["profiles"].([]any)
	require.Len(t, profiles, 1)
	assert.Equal(t, 1800.0, profiles[0].(map[string]any)["demand_per_hour"])
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(context.Canceled))
	assert.NoError(t, ignoreCanceled(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, ignoreCanceled(boom), boom)
}
