package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

const executionColumns = `id, strategy_id, loan_amount, protocol, path, expected_profit,
	actual_profit, confirmation_id, timestamp_ms, fee_paid, reserve_balance_after,
	status, reason, final_state`

// ExecutionStore implements domain.ExecutionStore. Rows are only ever
// inserted; the archiver removes them once they are safely in cold storage.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates an ExecutionStore backed by pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

func scanExecution(row pgx.Row) (domain.ExecutionRecord, error) {
	var (
		r                     domain.ExecutionRecord
		status, reason, state string
	)
	err := row.Scan(
		&r.ID, &r.StrategyID, &r.LoanAmount, &r.Protocol, &r.Path, &r.ExpectedProfit,
		&r.ActualProfit, &r.ConfirmationID, &r.TimestampMs, &r.FeePaid, &r.ReserveBalanceAfter,
		&status, &reason, &state,
	)
	r.Status = domain.ExecStatus(status)
	r.Reason = domain.FailureReason(reason)
	r.FinalState = domain.ExecState(state)
	return r, err
}

func collectExecutions(rows pgx.Rows) ([]domain.ExecutionRecord, error) {
	defer rows.Close()
	var out []domain.ExecutionRecord
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: execution rows: %w", err)
	}
	return out, nil
}

// Append inserts rec. Appending the same id twice fails with
// domain.ErrAlreadyExists.
func (s *ExecutionStore) Append(ctx context.Context, rec domain.ExecutionRecord) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO execution_records (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.StrategyID, rec.LoanAmount, rec.Protocol, rec.Path, rec.ExpectedProfit,
		rec.ActualProfit, rec.ConfirmationID, rec.TimestampMs, rec.FeePaid, rec.ReserveBalanceAfter,
		string(rec.Status), string(rec.Reason), string(rec.FinalState),
	)
	if err != nil {
		return fmt.Errorf("postgres: append execution %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: execution %s: %w", rec.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// GetByID returns one record.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	r, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM execution_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExecutionRecord{}, fmt.Errorf("postgres: execution %s: %w", id, domain.ErrNotFound)
		}
		return domain.ExecutionRecord{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	return r, nil
}

// ListByStrategy returns a strategy's records, newest first.
func (s *ExecutionStore) ListByStrategy(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM execution_records WHERE strategy_id = $1`
	args := []any{strategyID}

	if opts.Since != nil {
		args = append(args, opts.Since.UnixMilli())
		query += fmt.Sprintf(" AND timestamp_ms >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, opts.Until.UnixMilli())
		query += fmt.Sprintf(" AND timestamp_ms <= $%d", len(args))
	}
	query += " ORDER BY timestamp_ms DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions for %s: %w", strategyID, err)
	}
	return collectExecutions(rows)
}

// ListRecent returns the newest records across strategies.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM execution_records ORDER BY timestamp_ms DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent executions: %w", err)
	}
	return collectExecutions(rows)
}

// ListBefore returns every record older than before, oldest first.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM execution_records WHERE timestamp_ms < $1 ORDER BY timestamp_ms`,
		before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions before %s: %w", before.Format(time.RFC3339), err)
	}
	return collectExecutions(rows)
}

// DeleteIDs removes archived records.
func (s *ExecutionStore) DeleteIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM execution_records WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats aggregates a strategy's records since the given time. An empty
// strategyID aggregates across all strategies.
func (s *ExecutionStore) Stats(ctx context.Context, strategyID string, since time.Time) (domain.ExecutionStats, error) {
	st := domain.ExecutionStats{StrategyID: strategyID}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'confirmed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(actual_profit), 0),
			COALESCE(SUM(fee_paid), 0)
		FROM execution_records
		WHERE ($1 = '' OR strategy_id = $1) AND timestamp_ms >= $2`,
		strategyID, since.UnixMilli(),
	).Scan(&st.Total, &st.Confirmed, &st.Failed, &st.TotalProfit, &st.TotalFees)
	if err != nil {
		return domain.ExecutionStats{}, fmt.Errorf("postgres: execution stats %s: %w", strategyID, err)
	}
	return st, nil
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)
