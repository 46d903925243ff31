package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

func TestGate_UnknownProvider(t *testing.T) {
	g := NewGate([]domain.CapacityProvider{{ID: "a", MaxPerSecond: 10}}, 1)
	assert.ErrorIs(t, g.Acquire(context.Background(), "b"), domain.ErrNotFound)
}

func TestGate_BurstThenBlocks(t *testing.T) {
	g := NewGate([]domain.CapacityProvider{{ID: "a", MaxPerMinute: 4}}, 0.5)

	// 4/min at a 0.5 buffer leaves a burst of 2.
	require.NoError(t, g.Acquire(context.Background(), "a"))
	require.NoError(t, g.Acquire(context.Background(), "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, g.Acquire(ctx, "a"), "third request must wait well past the deadline")
}

func TestGate_ResetReplacesLimits(t *testing.T) {
	g := NewGate([]domain.CapacityProvider{{ID: "a", MaxPerHour: 1}}, 1)
	require.NoError(t, g.Acquire(context.Background(), "a"))

	g.Reset([]domain.CapacityProvider{{ID: "a", MaxPerSecond: 1000}})
	for i := 0; i < 10; i++ {
		require.NoError(t, g.Acquire(context.Background(), "a"))
	}
}
