package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

// Phase is the lifecycle position of a State.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseRunning
	PhaseShutdown
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseRunning:
		return "running"
	case PhaseShutdown:
		return "shutdown"
	}
	return "unknown"
}

// State owns the capacity registry and every strategy profile for one
// scheduler instance. Trigger loops read intervals from it; only Cycle
// writes them. It is safe for concurrent use.
type State struct {
	mu       sync.RWMutex
	registry Registry
	profiles map[string]*domain.StrategyProfile
	phase    Phase
	cycles   int64
	last     Result
}

// NewState validates the registry and profiles and returns a State in the
// init phase.
func NewState(reg Registry, profiles []domain.StrategyProfile) (*State, error) {
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("scheduler: no strategy profiles")
	}
	m := make(map[string]*domain.StrategyProfile, len(profiles))
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
		if _, dup := m[p.ID]; dup {
			return nil, fmt.Errorf("scheduler: duplicate strategy %q", p.ID)
		}
		cp := p
		m[p.ID] = &cp
	}
	return &State{registry: reg, profiles: m}, nil
}

// Phase returns the current lifecycle phase.
func (s *State) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Cycles returns how many recomputes have been applied.
func (s *State) Cycles() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cycles
}

// LastResult returns the most recent recompute result.
func (s *State) LastResult() Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Registry returns a copy of the capacity registry.
func (s *State) Registry() Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg := s.registry
	reg.Providers = append([]domain.CapacityProvider(nil), s.registry.Providers...)
	return reg
}

// SetProviders replaces the provider list, e.g. after a ceiling refresh.
// The change takes effect on the next Cycle.
func (s *State) SetProviders(providers []domain.CapacityProvider) error {
	reg := s.Registry()
	reg.Providers = append([]domain.CapacityProvider(nil), providers...)
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	s.mu.Lock()
	s.registry = reg
	s.mu.Unlock()
	return nil
}

// IDs returns the strategy ids in sorted order.
func (s *State) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Profile returns a copy of one profile.
func (s *State) Profile(id string) (domain.StrategyProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return domain.StrategyProfile{}, false
	}
	return *p, true
}

// Profiles returns copies of all profiles sorted by id.
func (s *State) Profiles() []domain.StrategyProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() []domain.StrategyProfile {
	out := make([]domain.StrategyProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Interval returns the strategy's current inter-trade interval.
func (s *State) Interval(id string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return 0, false
	}
	return time.Duration(p.CurrentIntervalMs) * time.Millisecond, true
}

// Cycle runs one recompute against the current registry and profiles and
// applies the resulting intervals. A State in the shutdown phase is left
// untouched.
func (s *State) Cycle(a *Allocator) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseShutdown {
		return Result{}, fmt.Errorf("scheduler: cycle after shutdown")
	}
	res := a.Recompute(s.registry, s.snapshotLocked())
	for _, p := range res.Profiles {
		if cur, ok := s.profiles[p.ID]; ok {
			cur.CurrentIntervalMs = p.CurrentIntervalMs
		}
	}
	s.phase = PhaseRunning
	s.cycles++
	s.last = res
	return res, nil
}

// RecordOutcome folds an execution record into the owning strategy's
// learned success rate and profit per trade.
func (s *State) RecordOutcome(rec domain.ExecutionRecord) (domain.StrategyProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[rec.StrategyID]
	if !ok {
		return domain.StrategyProfile{}, fmt.Errorf("scheduler: strategy %q: %w", rec.StrategyID, domain.ErrNotFound)
	}
	p.RecordOutcome(rec.Confirmed(), rec.ActualProfit, rec.Time())
	return *p, nil
}

// Shutdown moves the State to its terminal phase.
func (s *State) Shutdown() {
	s.mu.Lock()
	s.phase = PhaseShutdown
	s.mu.Unlock()
}
