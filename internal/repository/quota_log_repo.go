package repository

import (
	"context"
	"database/sql"
	"time"

	"gravity2api/internal/service"
)

type consumptionLogRepository struct {
	sql sqlExecutor
}

func NewConsumptionLogRepository(sqlDB *sql.DB) service.ConsumptionLogRepository {
	return &consumptionLogRepository{sql: sqlDB}
}

func (r *consumptionLogRepository) Append(ctx context.Context, row *service.QuotaConsumption) error {
	query := `
		INSERT INTO quota_consumptions (
			user_id, account_id, model, quota_before, quota_after, delta, shared
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	return scanSingleRow(ctx, r.sql, query, []any{
		row.UserID, row.AccountID, row.Model,
		row.QuotaBefore, row.QuotaAfter, row.Delta, row.Shared,
	}, &row.ID, &row.CreatedAt)
}

func (r *consumptionLogRepository) Report(ctx context.Context, userID *int64, since time.Time) ([]service.QuotaConsumption, error) {
	query := `
		SELECT id, user_id, account_id, model, quota_before, quota_after, delta, shared, created_at
		FROM quota_consumptions
		WHERE created_at >= $1
	`
	args := []any{since}
	if userID != nil {
		query += ` AND user_id = $2`
		args = append(args, *userID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]service.QuotaConsumption, 0)
	for rows.Next() {
		var entry service.QuotaConsumption
		if err := rows.Scan(
			&entry.ID, &entry.UserID, &entry.AccountID, &entry.Model,
			&entry.QuotaBefore, &entry.QuotaAfter, &entry.Delta, &entry.Shared,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteOlderThanBatch removes at most limit rows created before cutoff. The
// id-targeted CTE keeps each batch delete short under concurrent appends.
func (r *consumptionLogRepository) DeleteOlderThanBatch(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	query := `
		WITH target AS (
			SELECT id
			FROM quota_consumptions
			WHERE created_at < $1
			ORDER BY created_at ASC, id ASC
			LIMIT $2
		)
		DELETE FROM quota_consumptions
		WHERE id IN (SELECT id FROM target)
		RETURNING id
	`
	rows, err := r.sql.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var deleted int64
	for rows.Next() {
		deleted++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return deleted, nil
}
