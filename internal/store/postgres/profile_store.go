package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

const profileColumns = `id, requests_per_trade, requests_per_health_check, health_check_interval_ms,
	min_interval_ms, max_interval_ms, current_interval_ms, success_rate, profit_per_trade,
	max_trades_per_day, attempts, successes, cumulative_profit, updated_at`

const upsertProfile = `
	INSERT INTO strategy_profiles (` + profileColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
	ON CONFLICT (id) DO UPDATE SET
		requests_per_trade        = EXCLUDED.requests_per_trade,
		requests_per_health_check = EXCLUDED.requests_per_health_check,
		health_check_interval_ms  = EXCLUDED.health_check_interval_ms,
		min_interval_ms           = EXCLUDED.min_interval_ms,
		max_interval_ms           = EXCLUDED.max_interval_ms,
		current_interval_ms       = EXCLUDED.current_interval_ms,
		success_rate              = EXCLUDED.success_rate,
		profit_per_trade          = EXCLUDED.profit_per_trade,
		max_trades_per_day        = EXCLUDED.max_trades_per_day,
		attempts                  = EXCLUDED.attempts,
		successes                 = EXCLUDED.successes,
		cumulative_profit         = EXCLUDED.cumulative_profit,
		updated_at                = NOW()`

// ProfileStore implements domain.ProfileStore.
type ProfileStore struct {
	pool *pgxpool.Pool
}

// NewProfileStore creates a ProfileStore backed by pool.
func NewProfileStore(pool *pgxpool.Pool) *ProfileStore {
	return &ProfileStore{pool: pool}
}

func profileArgs(p domain.StrategyProfile) []any {
	return []any{
		p.ID, p.RequestsPerTrade, p.RequestsPerHealthCheck, p.HealthCheckIntervalMs,
		p.MinIntervalMs, p.MaxIntervalMs, p.CurrentIntervalMs, p.SuccessRate, p.ProfitPerTrade,
		p.MaxTradesPerDay, p.Attempts, p.Successes, p.CumulativeProfit,
	}
}

func scanProfile(row pgx.Row) (domain.StrategyProfile, error) {
	var p domain.StrategyProfile
	err := row.Scan(
		&p.ID, &p.RequestsPerTrade, &p.RequestsPerHealthCheck, &p.HealthCheckIntervalMs,
		&p.MinIntervalMs, &p.MaxIntervalMs, &p.CurrentIntervalMs, &p.SuccessRate, &p.ProfitPerTrade,
		&p.MaxTradesPerDay, &p.Attempts, &p.Successes, &p.CumulativeProfit, &p.UpdatedAt,
	)
	return p, err
}

// Get returns one profile by strategy id.
func (s *ProfileStore) Get(ctx context.Context, id string) (domain.StrategyProfile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM strategy_profiles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StrategyProfile{}, fmt.Errorf("postgres: profile %s: %w", id, domain.ErrNotFound)
		}
		return domain.StrategyProfile{}, fmt.Errorf("postgres: get profile %s: %w", id, err)
	}
	return p, nil
}

// Upsert writes one profile.
func (s *ProfileStore) Upsert(ctx context.Context, p domain.StrategyProfile) error {
	if _, err := s.pool.Exec(ctx, upsertProfile, profileArgs(p)...); err != nil {
		return fmt.Errorf("postgres: upsert profile %s: %w", p.ID, err)
	}
	return nil
}

// UpsertBatch writes all profiles in one transaction, so a recompute is
// persisted whole or not at all.
func (s *ProfileStore) UpsertBatch(ctx context.Context, ps []domain.StrategyProfile) error {
	if len(ps) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, p := range ps {
		batch.Queue(upsertProfile, profileArgs(p)...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: upsert profiles: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit profiles: %w", err)
	}
	return nil
}

// List returns every profile ordered by id.
func (s *ProfileStore) List(ctx context.Context) ([]domain.StrategyProfile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+profileColumns+` FROM strategy_profiles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list profiles: %w", err)
	}
	defer rows.Close()

	var out []domain.StrategyProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list profiles rows: %w", err)
	}
	return out, nil
}

var _ domain.ProfileStore = (*ProfileStore)(nil)
