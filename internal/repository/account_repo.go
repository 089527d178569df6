package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gravity2api/internal/service"
)

type accountRepository struct {
	sql sqlExecutor
}

func NewAccountRepository(sqlDB *sql.DB) service.AccountRepository {
	return &accountRepository{sql: sqlDB}
}

const accountColumns = `id, user_id, name, is_shared, access_token, refresh_token,
	token_expires_at, enabled, needs_reauth, project_id, region_restricted,
	created_at, updated_at`

func scanAccount(scan func(dest ...any) error) (*service.Account, error) {
	var account service.Account
	var userID sql.NullInt64
	var expiresAt sql.NullTime
	if err := scan(
		&account.ID,
		&userID,
		&account.Name,
		&account.IsShared,
		&account.AccessToken,
		&account.RefreshToken,
		&expiresAt,
		&account.Enabled,
		&account.NeedsReauth,
		&account.ProjectID,
		&account.RegionRestricted,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if userID.Valid {
		v := userID.Int64
		account.UserID = &v
	}
	if expiresAt.Valid {
		account.TokenExpiresAt = &expiresAt.Time
	}
	return &account, nil
}

func (r *accountRepository) Create(ctx context.Context, account *service.Account) error {
	query := `
		INSERT INTO accounts (
			user_id, name, is_shared, access_token, refresh_token,
			token_expires_at, enabled, needs_reauth, project_id, region_restricted
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	var userID any
	if account.UserID != nil {
		userID = *account.UserID
	}
	var expiresAt any
	if account.TokenExpiresAt != nil {
		expiresAt = *account.TokenExpiresAt
	}
	return scanSingleRow(ctx, r.sql, query, []any{
		userID, account.Name, account.IsShared, account.AccessToken, account.RefreshToken,
		expiresAt, account.Enabled, account.NeedsReauth, account.ProjectID, account.RegionRestricted,
	}, &account.ID, &account.CreatedAt, &account.UpdatedAt)
}

func (r *accountRepository) GetByID(ctx context.Context, id int64) (*service.Account, error) {
	row := r.sql.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	account, err := scanAccount(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrNotFound
	}
	return account, err
}

func (r *accountRepository) List(ctx context.Context) ([]service.Account, error) {
	return r.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC, id ASC`)
}

func (r *accountRepository) ListEnabledShared(ctx context.Context) ([]service.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE is_shared = TRUE AND enabled = TRUE
		ORDER BY created_at ASC, id ASC
	`
	return r.queryAccounts(ctx, query)
}

func (r *accountRepository) ListEnabledByUser(ctx context.Context, userID int64) ([]service.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE is_shared = FALSE AND enabled = TRUE AND user_id = $1
		ORDER BY created_at ASC, id ASC
	`
	return r.queryAccounts(ctx, query, userID)
}

func (r *accountRepository) queryAccounts(ctx context.Context, query string, args ...any) ([]service.Account, error) {
	rows, err := r.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]service.Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows.Scan)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

func (r *accountRepository) CountEnabledShared(ctx context.Context) (int64, error) {
	var count int64
	err := scanSingleRow(ctx, r.sql,
		`SELECT COUNT(*) FROM accounts WHERE is_shared = TRUE AND enabled = TRUE`, nil, &count)
	return count, err
}

func (r *accountRepository) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	query := `
		UPDATE accounts
		SET access_token = $1,
			refresh_token = $2,
			token_expires_at = $3,
			updated_at = NOW()
		WHERE id = $4
	`
	_, err := r.sql.ExecContext(ctx, query, accessToken, refreshToken, expiresAt, id)
	return err
}

func (r *accountRepository) Disable(ctx context.Context, id int64, needsReauth bool) error {
	query := `
		UPDATE accounts
		SET enabled = FALSE,
			needs_reauth = $1,
			updated_at = NOW()
		WHERE id = $2
	`
	_, err := r.sql.ExecContext(ctx, query, needsReauth, id)
	return err
}

func (r *accountRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	query := `
		UPDATE accounts
		SET enabled = $1,
			needs_reauth = CASE WHEN $1 THEN FALSE ELSE needs_reauth END,
			updated_at = NOW()
		WHERE id = $2
	`
	_, err := r.sql.ExecContext(ctx, query, enabled, id)
	return err
}

func (r *accountRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.sql.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	return err
}
