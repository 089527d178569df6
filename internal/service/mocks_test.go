//go:build unit

package service

import (
	"context"
	"net/http"
	"time"

	"gravity2api/internal/pkg/antigravity"
)

// Hand-rolled port mocks with overridable func fields. Nil funcs return zero
// values so each test only wires what it asserts on.

type mockAccountRepo struct {
	createFn             func(ctx context.Context, account *Account) error
	getByIDFn            func(ctx context.Context, id int64) (*Account, error)
	listFn               func(ctx context.Context) ([]Account, error)
	listEnabledSharedFn  func(ctx context.Context) ([]Account, error)
	listEnabledByUserFn  func(ctx context.Context, userID int64) ([]Account, error)
	countEnabledSharedFn func(ctx context.Context) (int64, error)
	updateTokensFn       func(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error
	disableFn            func(ctx context.Context, id int64, needsReauth bool) error
	setEnabledFn         func(ctx context.Context, id int64, enabled bool) error
	deleteFn             func(ctx context.Context, id int64) error
}

func (m *mockAccountRepo) Create(ctx context.Context, account *Account) error {
	if m.createFn != nil {
		return m.createFn(ctx, account)
	}
	return nil
}

func (m *mockAccountRepo) GetByID(ctx context.Context, id int64) (*Account, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, ErrNotFound
}

func (m *mockAccountRepo) List(ctx context.Context) ([]Account, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockAccountRepo) ListEnabledShared(ctx context.Context) ([]Account, error) {
	if m.listEnabledSharedFn != nil {
		return m.listEnabledSharedFn(ctx)
	}
	return nil, nil
}

func (m *mockAccountRepo) ListEnabledByUser(ctx context.Context, userID int64) ([]Account, error) {
	if m.listEnabledByUserFn != nil {
		return m.listEnabledByUserFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockAccountRepo) CountEnabledShared(ctx context.Context) (int64, error) {
	if m.countEnabledSharedFn != nil {
		return m.countEnabledSharedFn(ctx)
	}
	return 0, nil
}

func (m *mockAccountRepo) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	if m.updateTokensFn != nil {
		return m.updateTokensFn(ctx, id, accessToken, refreshToken, expiresAt)
	}
	return nil
}

func (m *mockAccountRepo) Disable(ctx context.Context, id int64, needsReauth bool) error {
	if m.disableFn != nil {
		return m.disableFn(ctx, id, needsReauth)
	}
	return nil
}

func (m *mockAccountRepo) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if m.setEnabledFn != nil {
		return m.setEnabledFn(ctx, id, enabled)
	}
	return nil
}

func (m *mockAccountRepo) Delete(ctx context.Context, id int64) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

type mockUserRepo struct {
	createFn          func(ctx context.Context, user *User) error
	getByIDFn         func(ctx context.Context, id int64) (*User, error)
	getByAPIKeyFn     func(ctx context.Context, apiKey string) (*User, error)
	listFn            func(ctx context.Context) ([]User, error)
	setEnabledFn      func(ctx context.Context, id int64, enabled bool) error
	setPreferSharedFn func(ctx context.Context, id int64, preferShared bool) error
}

func (m *mockUserRepo) Create(ctx context.Context, user *User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

func (m *mockUserRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, ErrNotFound
}

func (m *mockUserRepo) GetByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	if m.getByAPIKeyFn != nil {
		return m.getByAPIKeyFn(ctx, apiKey)
	}
	return nil, ErrNotFound
}

func (m *mockUserRepo) List(ctx context.Context) ([]User, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockUserRepo) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if m.setEnabledFn != nil {
		return m.setEnabledFn(ctx, id, enabled)
	}
	return nil
}

func (m *mockUserRepo) SetPreferShared(ctx context.Context, id int64, preferShared bool) error {
	if m.setPreferSharedFn != nil {
		return m.setPreferSharedFn(ctx, id, preferShared)
	}
	return nil
}

type mockQuotaRepo struct {
	upsertModelQuotaFn     func(ctx context.Context, accountID int64, model string, fraction float64, resetAt *time.Time) error
	getModelQuotaFn        func(ctx context.Context, accountID int64, model string) (*ModelQuota, error)
	listModelQuotasFn      func(ctx context.Context, accountID int64) ([]ModelQuota, error)
	setModelAvailabilityFn func(ctx context.Context, accountID int64, model string, available bool) error
	upsertSharedPoolFn     func(ctx context.Context, userID int64, model string, ceiling float64) error
	getSharedPoolFn        func(ctx context.Context, userID int64, model string) (*SharedQuotaPool, error)
	listSharedPoolsFn      func(ctx context.Context, userID int64, models []string) ([]SharedQuotaPool, error)
	consumeSharedPoolFn    func(ctx context.Context, userID int64, model string, delta float64) error
	aggregateSharedFn      func(ctx context.Context, models []string) (*SharedPoolAggregate, error)
}

func (m *mockQuotaRepo) UpsertModelQuota(ctx context.Context, accountID int64, model string, fraction float64, resetAt *time.Time) error {
	if m.upsertModelQuotaFn != nil {
		return m.upsertModelQuotaFn(ctx, accountID, model, fraction, resetAt)
	}
	return nil
}

func (m *mockQuotaRepo) GetModelQuota(ctx context.Context, accountID int64, model string) (*ModelQuota, error) {
	if m.getModelQuotaFn != nil {
		return m.getModelQuotaFn(ctx, accountID, model)
	}
	return nil, nil
}

func (m *mockQuotaRepo) ListModelQuotasByAccount(ctx context.Context, accountID int64) ([]ModelQuota, error) {
	if m.listModelQuotasFn != nil {
		return m.listModelQuotasFn(ctx, accountID)
	}
	return nil, nil
}

func (m *mockQuotaRepo) SetModelAvailability(ctx context.Context, accountID int64, model string, available bool) error {
	if m.setModelAvailabilityFn != nil {
		return m.setModelAvailabilityFn(ctx, accountID, model, available)
	}
	return nil
}

func (m *mockQuotaRepo) UpsertSharedPool(ctx context.Context, userID int64, model string, ceiling float64) error {
	if m.upsertSharedPoolFn != nil {
		return m.upsertSharedPoolFn(ctx, userID, model, ceiling)
	}
	return nil
}

func (m *mockQuotaRepo) GetSharedPool(ctx context.Context, userID int64, model string) (*SharedQuotaPool, error) {
	if m.getSharedPoolFn != nil {
		return m.getSharedPoolFn(ctx, userID, model)
	}
	return nil, nil
}

func (m *mockQuotaRepo) ListSharedPools(ctx context.Context, userID int64, models []string) ([]SharedQuotaPool, error) {
	if m.listSharedPoolsFn != nil {
		return m.listSharedPoolsFn(ctx, userID, models)
	}
	return nil, nil
}

func (m *mockQuotaRepo) ConsumeSharedPool(ctx context.Context, userID int64, model string, delta float64) error {
	if m.consumeSharedPoolFn != nil {
		return m.consumeSharedPoolFn(ctx, userID, model, delta)
	}
	return nil
}

func (m *mockQuotaRepo) AggregateShared(ctx context.Context, models []string) (*SharedPoolAggregate, error) {
	if m.aggregateSharedFn != nil {
		return m.aggregateSharedFn(ctx, models)
	}
	return &SharedPoolAggregate{}, nil
}

type mockLogRepo struct {
	appendFn func(ctx context.Context, row *QuotaConsumption) error
	reportFn func(ctx context.Context, userID *int64, since time.Time) ([]QuotaConsumption, error)
	deleteFn func(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

func (m *mockLogRepo) Append(ctx context.Context, row *QuotaConsumption) error {
	if m.appendFn != nil {
		return m.appendFn(ctx, row)
	}
	return nil
}

func (m *mockLogRepo) Report(ctx context.Context, userID *int64, since time.Time) ([]QuotaConsumption, error) {
	if m.reportFn != nil {
		return m.reportFn(ctx, userID, since)
	}
	return nil, nil
}

func (m *mockLogRepo) DeleteOlderThanBatch(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, cutoff, limit)
	}
	return 0, nil
}

type mockGatewayCache struct {
	getSessionFn func(ctx context.Context, key string) (int64, error)
	setSessionFn func(ctx context.Context, key string, accountID int64, ttl time.Duration) error
	getSigFn     func(ctx context.Context, sessionID string) (string, error)
	setSigFn     func(ctx context.Context, sessionID, signature string, ttl time.Duration) error
}

func (m *mockGatewayCache) GetSessionAccountID(ctx context.Context, key string) (int64, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, key)
	}
	return 0, ErrNotFound
}

func (m *mockGatewayCache) SetSessionAccountID(ctx context.Context, key string, accountID int64, ttl time.Duration) error {
	if m.setSessionFn != nil {
		return m.setSessionFn(ctx, key, accountID, ttl)
	}
	return nil
}

func (m *mockGatewayCache) GetSignature(ctx context.Context, sessionID string) (string, error) {
	if m.getSigFn != nil {
		return m.getSigFn(ctx, sessionID)
	}
	return "", ErrNotFound
}

func (m *mockGatewayCache) SetSignature(ctx context.Context, sessionID, signature string, ttl time.Duration) error {
	if m.setSigFn != nil {
		return m.setSigFn(ctx, sessionID, signature, ttl)
	}
	return nil
}

type mockOAuthProvider struct {
	authURLFn      func(redirectURI, state string) string
	exchangeCodeFn func(ctx context.Context, code, redirectURI string) (*antigravity.TokenResponse, error)
	refreshFn      func(ctx context.Context, refreshToken string) (*antigravity.TokenResponse, error)
}

func (m *mockOAuthProvider) AuthURL(redirectURI, state string) string {
	if m.authURLFn != nil {
		return m.authURLFn(redirectURI, state)
	}
	return "https://auth.example/" + state
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*antigravity.TokenResponse, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code, redirectURI)
	}
	return &antigravity.TokenResponse{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600}, nil
}

func (m *mockOAuthProvider) Refresh(ctx context.Context, refreshToken string) (*antigravity.TokenResponse, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return &antigravity.TokenResponse{AccessToken: "at2", ExpiresIn: 3600}, nil
}

type mockUpstream struct {
	streamGenerateFn func(ctx context.Context, accessToken string, envelope map[string]any) (*http.Response, error)
	generateFn       func(ctx context.Context, accessToken string, envelope map[string]any) ([]byte, error)
	countTokensFn    func(ctx context.Context, accessToken, projectID, model string, contents []map[string]any) (int, error)
	fetchModelsFn    func(ctx context.Context, accessToken, projectID string) ([]byte, map[string]antigravity.ModelQuotaInfo, error)
}

func (m *mockUpstream) StreamGenerate(ctx context.Context, accessToken string, envelope map[string]any) (*http.Response, error) {
	if m.streamGenerateFn != nil {
		return m.streamGenerateFn(ctx, accessToken, envelope)
	}
	return nil, &antigravity.UpstreamError{StatusCode: http.StatusServiceUnavailable}
}

func (m *mockUpstream) Generate(ctx context.Context, accessToken string, envelope map[string]any) ([]byte, error) {
	if m.generateFn != nil {
		return m.generateFn(ctx, accessToken, envelope)
	}
	return []byte("{}"), nil
}

func (m *mockUpstream) CountTokens(ctx context.Context, accessToken, projectID, model string, contents []map[string]any) (int, error) {
	if m.countTokensFn != nil {
		return m.countTokensFn(ctx, accessToken, projectID, model, contents)
	}
	return 0, nil
}

func (m *mockUpstream) FetchAvailableModels(ctx context.Context, accessToken, projectID string) ([]byte, map[string]antigravity.ModelQuotaInfo, error) {
	if m.fetchModelsFn != nil {
		return m.fetchModelsFn(ctx, accessToken, projectID)
	}
	return []byte("{}"), map[string]antigravity.ModelQuotaInfo{}, nil
}
