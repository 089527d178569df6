package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gravity2api/internal/pkg/antigravity"
)

// tokenExpirySafetyMargin: a credential is treated as expired this long
// before its recorded expiry so in-flight requests never race the deadline.
const tokenExpirySafetyMargin = 5 * time.Minute

// TokenService owns the account credential lifecycle: freshness checks,
// refresh, and the disablement cascade on refresh failure.
type TokenService struct {
	accountRepo AccountRepository
	provider    OAuthProvider
	logger      *zap.Logger
}

func NewTokenService(accountRepo AccountRepository, provider OAuthProvider, logger *zap.Logger) *TokenService {
	return &TokenService{
		accountRepo: accountRepo,
		provider:    provider,
		logger:      logger,
	}
}

// IsExpired reports true when no expiry is recorded or now is within the
// safety margin of it.
func (s *TokenService) IsExpired(account *Account) bool {
	if account.TokenExpiresAt == nil {
		return true
	}
	return !time.Now().Add(tokenExpirySafetyMargin).Before(*account.TokenExpiresAt)
}

// EnsureFresh refreshes the credential when needed. On failure the account
// has already been disabled; the caller should exclude it and re-select.
func (s *TokenService) EnsureFresh(ctx context.Context, account *Account) error {
	if !s.IsExpired(account) {
		return nil
	}
	return s.Refresh(ctx, account)
}

// Refresh exchanges the refresh credential and persists the rotated tokens.
// invalid_grant disables the account outright; any other failure flags it
// needs-reauth and disables it, so operators can tell permanent revocation
// apart from transient failure.
func (s *TokenService) Refresh(ctx context.Context, account *Account) error {
	if account.RefreshToken == "" {
		s.disable(ctx, account, true)
		return fmt.Errorf("%w: account %d has no refresh credential", ErrTransientRefresh, account.ID)
	}

	token, err := s.provider.Refresh(ctx, account.RefreshToken)
	if err != nil {
		var oauthErr *antigravity.OAuthError
		if errors.As(err, &oauthErr) && oauthErr.IsInvalidGrant() {
			s.logger.Warn("refresh credential permanently rejected, disabling account",
				zap.Int64("account_id", account.ID))
			s.disable(ctx, account, false)
			return fmt.Errorf("%w: account %d: %v", ErrInvalidGrant, account.ID, err)
		}
		s.logger.Warn("token refresh failed, flagging account for reauth",
			zap.Int64("account_id", account.ID), zap.Error(err))
		s.disable(ctx, account, true)
		return fmt.Errorf("%w: account %d: %v", ErrTransientRefresh, account.ID, err)
	}

	expiresAt := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	refreshToken := account.RefreshToken
	if token.RefreshToken != "" {
		refreshToken = token.RefreshToken
	}
	if err := s.accountRepo.UpdateTokens(ctx, account.ID, token.AccessToken, refreshToken, expiresAt); err != nil {
		return fmt.Errorf("persist refreshed tokens: %w", err)
	}

	account.AccessToken = token.AccessToken
	account.RefreshToken = refreshToken
	account.TokenExpiresAt = &expiresAt
	return nil
}

func (s *TokenService) disable(ctx context.Context, account *Account, needsReauth bool) {
	if err := s.accountRepo.Disable(ctx, account.ID, needsReauth); err != nil {
		s.logger.Error("failed to disable account after refresh failure",
			zap.Int64("account_id", account.ID), zap.Error(err))
	}
	account.Enabled = false
	account.NeedsReauth = needsReauth
}

// googleOAuthProvider adapts the upstream client to the OAuthProvider port
// with the configured OAuth client credentials.
type googleOAuthProvider struct {
	client       *antigravity.Client
	clientID     string
	clientSecret string
}

func NewGoogleOAuthProvider(client *antigravity.Client, clientID, clientSecret string) OAuthProvider {
	return &googleOAuthProvider{client: client, clientID: clientID, clientSecret: clientSecret}
}

func (p *googleOAuthProvider) AuthURL(redirectURI, state string) string {
	return antigravity.BuildAuthURL(p.clientID, redirectURI, state)
}

func (p *googleOAuthProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*antigravity.TokenResponse, error) {
	return p.client.ExchangeCode(ctx, p.clientID, p.clientSecret, code, redirectURI)
}

func (p *googleOAuthProvider) Refresh(ctx context.Context, refreshToken string) (*antigravity.TokenResponse, error) {
	return p.client.RefreshToken(ctx, p.clientID, p.clientSecret, refreshToken)
}
