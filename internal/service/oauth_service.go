package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// pendingAuth is one in-flight authorization handshake, keyed by its random
// state token and self-expiring.
type pendingAuth struct {
	UserID      *int64
	IsShared    bool
	Name        string
	ProjectID   string
	RedirectURI string
	CreatedAt   time.Time
}

// OAuthService drives the authorization-code handshake that creates accounts.
// Pending states live in an expiring map; a cron sweep evicts leftovers.
type OAuthService struct {
	accountRepo AccountRepository
	quota       *QuotaService
	provider    OAuthProvider
	upstream    UpstreamAPI
	logger      *zap.Logger

	states *gocache.Cache
}

func NewOAuthService(
	accountRepo AccountRepository,
	quota *QuotaService,
	provider OAuthProvider,
	upstream UpstreamAPI,
	stateTTL time.Duration,
	logger *zap.Logger,
) *OAuthService {
	if stateTTL <= 0 {
		stateTTL = 10 * time.Minute
	}
	return &OAuthService{
		accountRepo: accountRepo,
		quota:       quota,
		provider:    provider,
		upstream:    upstream,
		logger:      logger,
		states:      gocache.New(stateTTL, stateTTL),
	}
}

// BeginAuthInput describes the account the handshake will create.
type BeginAuthInput struct {
	UserID      *int64 `json:"user_id,omitempty"`
	IsShared    bool   `json:"is_shared"`
	Name        string `json:"name"`
	ProjectID   string `json:"project_id"`
	RedirectURI string `json:"redirect_uri"`
}

// BeginAuth registers a pending handshake and returns the provider
// authorization URL plus the state token.
func (s *OAuthService) BeginAuth(input BeginAuthInput) (authURL, state string, err error) {
	if input.ProjectID == "" {
		return "", "", fmt.Errorf("project_id is required")
	}
	if !input.IsShared && input.UserID == nil {
		return "", "", fmt.Errorf("dedicated accounts need an owning user")
	}
	state = uuid.NewString()
	s.states.SetDefault(state, &pendingAuth{
		UserID:      input.UserID,
		IsShared:    input.IsShared,
		Name:        input.Name,
		ProjectID:   input.ProjectID,
		RedirectURI: input.RedirectURI,
		CreatedAt:   time.Now(),
	})
	return s.provider.AuthURL(input.RedirectURI, state), state, nil
}

// CompleteAuth consumes the state (one-shot), exchanges the code, verifies
// the account against the upstream with a live capability check, and only
// then creates the account. A new shared account re-sizes every user's shared
// pool for the models it exposes quota for.
func (s *OAuthService) CompleteAuth(ctx context.Context, state, code string) (*Account, error) {
	raw, ok := s.states.Get(state)
	if !ok {
		return nil, fmt.Errorf("%w: oauth state not found or expired", ErrNotFound)
	}
	s.states.Delete(state)
	pending := raw.(*pendingAuth)

	token, err := s.provider.ExchangeCode(ctx, code, pending.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}

	// Capability check: the account must answer a quota probe before it is
	// admitted to the pool.
	_, models, err := s.upstream.FetchAvailableModels(ctx, token.AccessToken, pending.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("upstream capability check: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	account := &Account{
		UserID:         pending.UserID,
		Name:           pending.Name,
		IsShared:       pending.IsShared,
		AccessToken:    token.AccessToken,
		RefreshToken:   token.RefreshToken,
		TokenExpiresAt: &expiresAt,
		Enabled:        true,
		ProjectID:      pending.ProjectID,
	}
	if account.IsShared {
		account.UserID = nil
	}
	if err := s.accountRepo.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	if err := s.quota.RefreshAccountQuota(ctx, account); err != nil {
		s.logger.Warn("initial quota refresh failed", zap.Int64("account_id", account.ID), zap.Error(err))
	}

	if account.IsShared {
		exposed := make([]string, 0, len(models))
		for model := range models {
			exposed = append(exposed, model)
		}
		s.quota.RecomputeAllSharedCeilings(ctx, exposed)
	}

	s.logger.Info("account authorized",
		zap.Int64("account_id", account.ID), zap.Bool("shared", account.IsShared))
	return account, nil
}

// SweepExpiredStates evicts expired pending handshakes; run from cron.
func (s *OAuthService) SweepExpiredStates() {
	s.states.DeleteExpired()
}

// PendingStates reports the number of in-flight handshakes.
func (s *OAuthService) PendingStates() int {
	return s.states.ItemCount()
}
