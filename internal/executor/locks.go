package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

// StrategyLocks serialises execution attempts per strategy. The in-process
// set is always consulted; the optional distributed LockManager extends the
// guarantee across processes sharing one wallet.
type StrategyLocks struct {
	mu   sync.Mutex
	held map[string]bool
	dist domain.LockManager
}

// NewStrategyLocks creates a lock set. dist may be nil.
func NewStrategyLocks(dist domain.LockManager) *StrategyLocks {
	return &StrategyLocks{held: make(map[string]bool), dist: dist}
}

// Acquire takes the strategy's lock without waiting. It returns
// domain.ErrExecutionInFlight when an attempt is already running.
func (l *StrategyLocks) Acquire(ctx context.Context, strategyID string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	if l.held[strategyID] {
		l.mu.Unlock()
		return nil, fmt.Errorf("executor: strategy %s: %w", strategyID, domain.ErrExecutionInFlight)
	}
	l.held[strategyID] = true
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		delete(l.held, strategyID)
		l.mu.Unlock()
	}

	if l.dist == nil {
		return release, nil
	}
	unlock, err := l.dist.Acquire(ctx, "exec:"+strategyID, ttl)
	if err != nil {
		release()
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("executor: strategy %s: %w", strategyID, domain.ErrExecutionInFlight)
		}
		return nil, fmt.Errorf("executor: distributed lock %s: %w", strategyID, err)
	}
	return func() {
		unlock()
		release()
	}, nil
}

// Held reports whether the strategy's in-process lock is taken.
func (l *StrategyLocks) Held(strategyID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[strategyID]
}
