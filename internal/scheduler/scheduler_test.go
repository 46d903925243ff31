package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

type countingCycle struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingCycle) RunCycle(_ context.Context, p domain.StrategyProfile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[p.ID]++
	return nil
}

func (c *countingCycle) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

type memProfileStore struct {
	upserts atomic.Int64
}

func (m *memProfileStore) Get(context.Context, string) (domain.StrategyProfile, error) {
	return domain.StrategyProfile{}, domain.ErrNotFound
}
func (m *memProfileStore) Upsert(context.Context, domain.StrategyProfile) error { return nil }
func (m *memProfileStore) UpsertBatch(context.Context, []domain.StrategyProfile) error {
	m.upserts.Add(1)
	return nil
}
func (m *memProfileStore) List(context.Context) ([]domain.StrategyProfile, error) { return nil, nil }

func fastProfile(id string) domain.StrategyProfile {
	return domain.StrategyProfile{
		ID:                id,
		RequestsPerTrade:  1,
		MinIntervalMs:     5,
		MaxIntervalMs:     50,
		CurrentIntervalMs: 10,
		SuccessRate:       0.5,
		ProfitPerTrade:    1,
	}
}

func TestNewState_Validation(t *testing.T) {
	reg := hourlyRegistry(1000, 0.9)

	_, err := NewState(Registry{SafetyBuffer: 0.9}, []domain.StrategyProfile{fastProfile("a")})
	assert.Error(t, err, "missing providers are fatal")

	_, err = NewState(reg, nil)
	assert.Error(t, err)

	bad := fastProfile("a")
	bad.CurrentIntervalMs = 1
	_, err = NewState(reg, []domain.StrategyProfile{bad})
	assert.Error(t, err)

	_, err = NewState(reg, []domain.StrategyProfile{fastProfile("a"), fastProfile("a")})
	assert.Error(t, err)

	st, err := NewState(reg, []domain.StrategyProfile{fastProfile("b"), fastProfile("a")})
	require.NoError(t, err)
	assert.Equal(t, PhaseInit, st.Phase())
	assert.Equal(t, []string{"a", "b"}, st.IDs())
}

func TestState_Lifecycle(t *testing.T) {
	st, err := NewState(hourlyRegistry(1000000, 0.9), []domain.StrategyProfile{fastProfile("a")})
	require.NoError(t, err)

	_, err = st.Cycle(newTestAllocator(domain.RankProfit))
	require.NoError(t, err)
	assert.Equal(t, PhaseRunning, st.Phase())
	assert.Equal(t, int64(1), st.Cycles())

	st.Shutdown()
	assert.Equal(t, PhaseShutdown, st.Phase())
	_, err = st.Cycle(newTestAllocator(domain.RankProfit))
	assert.Error(t, err)
}

func TestState_RecordOutcome(t *testing.T) {
	st, err := NewState(hourlyRegistry(1000, 0.9), []domain.StrategyProfile{fastProfile("a")})
	require.NoError(t, err)

	_, err = st.RecordOutcome(domain.ExecutionRecord{StrategyID: "a", Status: domain.ExecConfirmed, ActualProfit: 12})
	require.NoError(t, err)
	p, err := st.RecordOutcome(domain.ExecutionRecord{StrategyID: "a", Status: domain.ExecFailed, ActualProfit: -2})
	require.NoError(t, err)

	assert.Equal(t, int64(2), p.Attempts)
	assert.InDelta(t, 0.5, p.SuccessRate, 1e-9)
	assert.InDelta(t, 5, p.ProfitPerTrade, 1e-9)
	assert.Equal(t, int64(10), p.CurrentIntervalMs, "feedback never touches the interval")

	_, err = st.RecordOutcome(domain.ExecutionRecord{StrategyID: "zzz"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestState_SetProvidersRejectsEmpty(t *testing.T) {
	st, err := NewState(hourlyRegistry(1000, 0.9), []domain.StrategyProfile{fastProfile("a")})
	require.NoError(t, err)
	assert.Error(t, st.SetProviders(nil))
	require.NoError(t, st.SetProviders([]domain.CapacityProvider{{ID: "x", MaxPerHour: 10}}))
	assert.Equal(t, "x", st.Registry().Providers[0].ID)
}

func TestScheduler_RunTriggersEveryStrategyAndStops(t *testing.T) {
	st, err := NewState(hourlyRegistry(1e9, 0.9), []domain.StrategyProfile{fastProfile("a"), fastProfile("b")})
	require.NoError(t, err)

	cycle := &countingCycle{calls: map[string]int{}}
	store := &memProfileStore{}
	s := New(st, newTestAllocator(domain.RankProfit), cycle, store, nil, Config{RecomputeEvery: time.Hour}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return cycle.count("a") >= 3 && cycle.count("b") >= 3
	}, 2*time.Second, 5*time.Millisecond)

	s.RequestRecompute()
	require.Eventually(t, func() bool { return st.Cycles() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
	assert.Equal(t, PhaseShutdown, st.Phase())
	assert.GreaterOrEqual(t, store.upserts.Load(), int64(1), "grown intervals are persisted")
}

func TestScheduler_RecomputePersistsEvenWithoutChanges(t *testing.T) {
	st, err := NewState(hourlyRegistry(115, 1), []domain.StrategyProfile{profile("a", 360000, 10, 1, 1)})
	require.NoError(t, err)
	store := &memProfileStore{}
	s := New(st, newTestAllocator(domain.RankProfit), &countingCycle{calls: map[string]int{}}, store, nil, Config{RecomputeEvery: time.Hour}, discardLogger())

	res, err := s.Recompute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionHold, res.Action)
	assert.Empty(t, res.Changes)
	assert.Equal(t, int64(1), store.upserts.Load())
}
