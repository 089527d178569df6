package service

import (
	"context"
	"net/http"
	"time"

	"gravity2api/internal/pkg/antigravity"
)

// Repository ports. All writes are conditional single-row upserts keyed by
// natural unique constraints so concurrent gateway instances converge without
// in-process locking.

type AccountRepository interface {
	Create(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, id int64) (*Account, error)
	List(ctx context.Context) ([]Account, error)
	// ListEnabledShared returns enabled shared accounts ordered by creation
	// time ascending.
	ListEnabledShared(ctx context.Context) ([]Account, error)
	// ListEnabledByUser returns the user's enabled dedicated accounts ordered
	// by creation time ascending.
	ListEnabledByUser(ctx context.Context, userID int64) ([]Account, error)
	CountEnabledShared(ctx context.Context) (int64, error)
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error
	// Disable flips the account off; needsReauth distinguishes transient
	// refresh failures from permanent invalid-grant revocation.
	Disable(ctx context.Context, id int64, needsReauth bool) error
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	// Delete removes the account and cascades to its quota rows.
	Delete(ctx context.Context, id int64) error
}

type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*User, error)
	List(ctx context.Context) ([]User, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	SetPreferShared(ctx context.Context, id int64, preferShared bool) error
}

type QuotaRepository interface {
	UpsertModelQuota(ctx context.Context, accountID int64, model string, fraction float64, resetAt *time.Time) error
	GetModelQuota(ctx context.Context, accountID int64, model string) (*ModelQuota, error)
	ListModelQuotasByAccount(ctx context.Context, accountID int64) ([]ModelQuota, error)
	SetModelAvailability(ctx context.Context, accountID int64, model string, available bool) error

	// UpsertSharedPool applies the ceiling recomputation semantics: create
	// with current = ceiling, otherwise current = max(current, ceiling) and
	// ceiling replaced.
	UpsertSharedPool(ctx context.Context, userID int64, model string, ceiling float64) error
	GetSharedPool(ctx context.Context, userID int64, model string) (*SharedQuotaPool, error)
	ListSharedPools(ctx context.Context, userID int64, models []string) ([]SharedQuotaPool, error)
	// ConsumeSharedPool decrements current by delta, floored at zero.
	ConsumeSharedPool(ctx context.Context, userID int64, model string, delta float64) error

	// AggregateShared sums remaining quota across enabled shared accounts for
	// the given models.
	AggregateShared(ctx context.Context, models []string) (*SharedPoolAggregate, error)
}

type ConsumptionLogRepository interface {
	Append(ctx context.Context, row *QuotaConsumption) error
	Report(ctx context.Context, userID *int64, since time.Time) ([]QuotaConsumption, error)
	// DeleteOlderThanBatch removes at most limit rows created before cutoff
	// and reports how many went.
	DeleteOlderThanBatch(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// GatewayCache is the cross-instance cache for sticky sessions and thought
// signatures.
type GatewayCache interface {
	GetSessionAccountID(ctx context.Context, key string) (int64, error)
	SetSessionAccountID(ctx context.Context, key string, accountID int64, ttl time.Duration) error
	GetSignature(ctx context.Context, sessionID string) (string, error)
	SetSignature(ctx context.Context, sessionID, signature string, ttl time.Duration) error
}

// OAuthProvider is the identity-provider boundary: code exchange and refresh.
type OAuthProvider interface {
	AuthURL(redirectURI, state string) string
	ExchangeCode(ctx context.Context, code, redirectURI string) (*antigravity.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*antigravity.TokenResponse, error)
}

// UpstreamAPI is the chat/quota surface of the Cloud Code API, one call per
// exchange.
type UpstreamAPI interface {
	StreamGenerate(ctx context.Context, accessToken string, envelope map[string]any) (*http.Response, error)
	Generate(ctx context.Context, accessToken string, envelope map[string]any) ([]byte, error)
	CountTokens(ctx context.Context, accessToken, projectID, model string, contents []map[string]any) (int, error)
	FetchAvailableModels(ctx context.Context, accessToken, projectID string) ([]byte, map[string]antigravity.ModelQuotaInfo, error)
}
