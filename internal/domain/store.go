package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ProfileStore persists strategy profiles keyed by strategy id.
type ProfileStore interface {
	Get(ctx context.Context, id string) (StrategyProfile, error)
	Upsert(ctx context.Context, p StrategyProfile) error
	UpsertBatch(ctx context.Context, ps []StrategyProfile) error
	List(ctx context.Context) ([]StrategyProfile, error)
}

// ExecutionStore is the append-only execution record log.
type ExecutionStore interface {
	Append(ctx context.Context, rec ExecutionRecord) error
	GetByID(ctx context.Context, id string) (ExecutionRecord, error)
	ListByStrategy(ctx context.Context, strategyID string, opts ListOpts) ([]ExecutionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]ExecutionRecord, error)
	Stats(ctx context.Context, strategyID string, since time.Time) (ExecutionStats, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
