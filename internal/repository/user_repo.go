package repository

import (
	"context"
	"database/sql"
	"errors"

	"gravity2api/internal/service"
)

type userRepository struct {
	sql sqlExecutor
}

func NewUserRepository(sqlDB *sql.DB) service.UserRepository {
	return &userRepository{sql: sqlDB}
}

const userColumns = `id, name, api_key, prefer_shared, enabled, created_at, updated_at`

func scanUser(scan func(dest ...any) error) (*service.User, error) {
	var user service.User
	if err := scan(
		&user.ID,
		&user.Name,
		&user.APIKey,
		&user.PreferShared,
		&user.Enabled,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) Create(ctx context.Context, user *service.User) error {
	query := `
		INSERT INTO users (name, api_key, prefer_shared, enabled)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	return scanSingleRow(ctx, r.sql, query,
		[]any{user.Name, user.APIKey, user.PreferShared, user.Enabled},
		&user.ID, &user.CreatedAt, &user.UpdatedAt)
}

func (r *userRepository) GetByID(ctx context.Context, id int64) (*service.User, error) {
	row := r.sql.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrNotFound
	}
	return user, err
}

func (r *userRepository) GetByAPIKey(ctx context.Context, apiKey string) (*service.User, error) {
	row := r.sql.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE api_key = $1`, apiKey)
	user, err := scanUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrNotFound
	}
	return user, err
}

func (r *userRepository) List(ctx context.Context) ([]service.User, error) {
	rows, err := r.sql.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]service.User, 0)
	for rows.Next() {
		user, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

func (r *userRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := r.sql.ExecContext(ctx,
		`UPDATE users SET enabled = $1, updated_at = NOW() WHERE id = $2`, enabled, id)
	return err
}

func (r *userRepository) SetPreferShared(ctx context.Context, id int64, preferShared bool) error {
	_, err := r.sql.ExecContext(ctx,
		`UPDATE users SET prefer_shared = $1, updated_at = NOW() WHERE id = $2`, preferShared, id)
	return err
}
