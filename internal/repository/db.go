package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"gravity2api/internal/config"
)

// sqlExecutor is the subset of *sql.DB the repositories need; transactions
// satisfy it too.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to Postgres and verifies the connection.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpen > 0 {
		db.SetMaxOpenConns(cfg.MaxOpen)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func scanSingleRow(ctx context.Context, ex sqlExecutor, query string, args []any, dest ...any) error {
	return ex.QueryRowContext(ctx, query, args...).Scan(dest...)
}

// EnsureSchema creates the tables the gateway needs. Statements are
// idempotent so multiple instances can race on startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            BIGSERIAL PRIMARY KEY,
			name          TEXT NOT NULL,
			api_key       TEXT NOT NULL UNIQUE,
			prefer_shared BOOLEAN NOT NULL DEFAULT FALSE,
			enabled       BOOLEAN NOT NULL DEFAULT TRUE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id                BIGSERIAL PRIMARY KEY,
			user_id           BIGINT REFERENCES users(id) ON DELETE CASCADE,
			name              TEXT NOT NULL DEFAULT '',
			is_shared         BOOLEAN NOT NULL DEFAULT FALSE,
			access_token      TEXT NOT NULL DEFAULT '',
			refresh_token     TEXT NOT NULL DEFAULT '',
			token_expires_at  TIMESTAMPTZ,
			enabled           BOOLEAN NOT NULL DEFAULT TRUE,
			needs_reauth      BOOLEAN NOT NULL DEFAULT FALSE,
			project_id        TEXT NOT NULL DEFAULT '',
			region_restricted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_shared ON accounts (is_shared, enabled, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts (user_id, enabled, created_at)`,
		`CREATE TABLE IF NOT EXISTS model_quotas (
			id                 BIGSERIAL PRIMARY KEY,
			account_id         BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			model              TEXT NOT NULL,
			remaining_fraction DOUBLE PRECISION NOT NULL DEFAULT 0,
			reset_at           TIMESTAMPTZ,
			available          BOOLEAN NOT NULL DEFAULT TRUE,
			fetched_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (account_id, model)
		)`,
		`CREATE TABLE IF NOT EXISTS shared_pools (
			id         BIGSERIAL PRIMARY KEY,
			user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			model      TEXT NOT NULL,
			current    DOUBLE PRECISION NOT NULL DEFAULT 0,
			ceiling    DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, model)
		)`,
		`CREATE TABLE IF NOT EXISTS quota_consumptions (
			id           BIGSERIAL PRIMARY KEY,
			user_id      BIGINT NOT NULL,
			account_id   BIGINT NOT NULL,
			model        TEXT NOT NULL,
			quota_before DOUBLE PRECISION NOT NULL,
			quota_after  DOUBLE PRECISION NOT NULL,
			delta        DOUBLE PRECISION NOT NULL,
			shared       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quota_consumptions_created ON quota_consumptions (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_quota_consumptions_user ON quota_consumptions (user_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
