package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gravity2api/internal/service"
)

type quotaRepository struct {
	sql sqlExecutor
}

func NewQuotaRepository(sqlDB *sql.DB) service.QuotaRepository {
	return &quotaRepository{sql: sqlDB}
}

func (r *quotaRepository) UpsertModelQuota(ctx context.Context, accountID int64, model string, fraction float64, resetAt *time.Time) error {
	query := `
		INSERT INTO model_quotas (account_id, model, remaining_fraction, reset_at, fetched_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (account_id, model) DO UPDATE
		SET remaining_fraction = EXCLUDED.remaining_fraction,
			reset_at = EXCLUDED.reset_at,
			fetched_at = NOW()
	`
	var reset any
	if resetAt != nil {
		reset = *resetAt
	}
	_, err := r.sql.ExecContext(ctx, query, accountID, model, fraction, reset)
	return err
}

func (r *quotaRepository) GetModelQuota(ctx context.Context, accountID int64, model string) (*service.ModelQuota, error) {
	query := `
		SELECT id, account_id, model, remaining_fraction, reset_at, available, fetched_at
		FROM model_quotas
		WHERE account_id = $1 AND model = $2
	`
	row := r.sql.QueryRowContext(ctx, query, accountID, model)
	quota, err := scanModelQuota(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return quota, err
}

func (r *quotaRepository) ListModelQuotasByAccount(ctx context.Context, accountID int64) ([]service.ModelQuota, error) {
	query := `
		SELECT id, account_id, model, remaining_fraction, reset_at, available, fetched_at
		FROM model_quotas
		WHERE account_id = $1
		ORDER BY model ASC
	`
	rows, err := r.sql.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotas := make([]service.ModelQuota, 0)
	for rows.Next() {
		quota, err := scanModelQuota(rows.Scan)
		if err != nil {
			return nil, err
		}
		quotas = append(quotas, *quota)
	}
	return quotas, rows.Err()
}

func scanModelQuota(scan func(dest ...any) error) (*service.ModelQuota, error) {
	var quota service.ModelQuota
	var resetAt sql.NullTime
	if err := scan(
		&quota.ID,
		&quota.AccountID,
		&quota.Model,
		&quota.RemainingFraction,
		&resetAt,
		&quota.Available,
		&quota.FetchedAt,
	); err != nil {
		return nil, err
	}
	if resetAt.Valid {
		quota.ResetAt = &resetAt.Time
	}
	return &quota, nil
}

func (r *quotaRepository) SetModelAvailability(ctx context.Context, accountID int64, model string, available bool) error {
	query := `
		INSERT INTO model_quotas (account_id, model, remaining_fraction, available, fetched_at)
		VALUES ($1, $2, 0, $3, NOW())
		ON CONFLICT (account_id, model) DO UPDATE
		SET available = EXCLUDED.available
	`
	_, err := r.sql.ExecContext(ctx, query, accountID, model, available)
	return err
}

// UpsertSharedPool creates the row with current = ceiling; an existing row
// keeps current = GREATEST(current, ceiling) so resizing never claws back
// remaining quota.
func (r *quotaRepository) UpsertSharedPool(ctx context.Context, userID int64, model string, ceiling float64) error {
	query := `
		INSERT INTO shared_pools (user_id, model, current, ceiling)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id, model) DO UPDATE
		SET current = GREATEST(shared_pools.current, EXCLUDED.ceiling),
			ceiling = EXCLUDED.ceiling,
			updated_at = NOW()
	`
	_, err := r.sql.ExecContext(ctx, query, userID, model, ceiling)
	return err
}

func (r *quotaRepository) GetSharedPool(ctx context.Context, userID int64, model string) (*service.SharedQuotaPool, error) {
	query := `
		SELECT id, user_id, model, current, ceiling, updated_at
		FROM shared_pools
		WHERE user_id = $1 AND model = $2
	`
	var pool service.SharedQuotaPool
	err := scanSingleRow(ctx, r.sql, query, []any{userID, model},
		&pool.ID, &pool.UserID, &pool.Model, &pool.Current, &pool.Ceiling, &pool.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

func (r *quotaRepository) ListSharedPools(ctx context.Context, userID int64, models []string) ([]service.SharedQuotaPool, error) {
	if len(models) == 0 {
		return []service.SharedQuotaPool{}, nil
	}
	placeholders := make([]string, 0, len(models))
	args := []any{userID}
	for i, model := range models {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		args = append(args, model)
	}
	query := fmt.Sprintf(`
		SELECT id, user_id, model, current, ceiling, updated_at
		FROM shared_pools
		WHERE user_id = $1 AND model IN (%s)
		ORDER BY model ASC
	`, strings.Join(placeholders, ", "))

	rows, err := r.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pools := make([]service.SharedQuotaPool, 0)
	for rows.Next() {
		var pool service.SharedQuotaPool
		if err := rows.Scan(&pool.ID, &pool.UserID, &pool.Model, &pool.Current, &pool.Ceiling, &pool.UpdatedAt); err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, rows.Err()
}

// ConsumeSharedPool draws delta from the pool, floored at zero.
func (r *quotaRepository) ConsumeSharedPool(ctx context.Context, userID int64, model string, delta float64) error {
	query := `
		UPDATE shared_pools
		SET current = GREATEST(current - $1, 0),
			updated_at = NOW()
		WHERE user_id = $2 AND model = $3
	`
	_, err := r.sql.ExecContext(ctx, query, delta, userID, model)
	return err
}

func (r *quotaRepository) AggregateShared(ctx context.Context, models []string) (*service.SharedPoolAggregate, error) {
	if len(models) == 0 {
		return &service.SharedPoolAggregate{}, nil
	}
	placeholders := make([]string, 0, len(models))
	args := make([]any, 0, len(models))
	for i, model := range models {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, model)
	}
	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(q.remaining_fraction), 0),
			MIN(q.reset_at),
			COUNT(DISTINCT a.id) FILTER (WHERE q.remaining_fraction > 0 AND q.available)
		FROM model_quotas q
		JOIN accounts a ON a.id = q.account_id
		WHERE a.is_shared = TRUE AND a.enabled = TRUE AND q.model IN (%s)
	`, strings.Join(placeholders, ", "))

	var agg service.SharedPoolAggregate
	var earliest sql.NullTime
	if err := scanSingleRow(ctx, r.sql, query, args,
		&agg.TotalQuota, &earliest, &agg.AvailableAccountCount); err != nil {
		return nil, err
	}
	if earliest.Valid {
		agg.EarliestReset = &earliest.Time
	}
	return &agg, nil
}
