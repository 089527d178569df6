package service

import (
	"context"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"gravity2api/internal/pkg/antigravity"
)

// AccountSelector chooses the upstream account serving a (user, model) pair.
// Pool precedence follows the user's preference; the final pick is uniform
// random within the first non-empty eligible pool so preference weighting is
// preserved while load still spreads.
type AccountSelector struct {
	accountRepo AccountRepository
	quota       *QuotaService
	tokens      *TokenService
	logger      *zap.Logger

	// pick is the random index source; replaced in tests.
	pick func(n int) int
}

func NewAccountSelector(accountRepo AccountRepository, quota *QuotaService, tokens *TokenService, logger *zap.Logger) *AccountSelector {
	return &AccountSelector{
		accountRepo: accountRepo,
		quota:       quota,
		tokens:      tokens,
		logger:      logger,
		pick:        rand.Intn,
	}
}

// SelectAccount returns an enabled account with a fresh credential, or
// ErrNoAccountAvailable once exclusion covers every eligible candidate.
//
// A candidate whose credential is expired is refreshed in place; on refresh
// failure the account has been disabled by the token lifecycle, the exclusion
// set grows, and selection re-runs. The loop is bounded because each failed
// iteration strictly grows the exclusion set.
func (s *AccountSelector) SelectAccount(ctx context.Context, userID int64, model string, preferShared bool, excluded map[int64]struct{}) (*Account, error) {
	mc, ok := antigravity.LookupModel(model)
	if !ok {
		return nil, fmt.Errorf("%w: unknown model %q", antigravity.ErrUnsupportedModel, model)
	}
	if excluded == nil {
		excluded = make(map[int64]struct{})
	}

	for {
		candidate, err := s.selectOnce(ctx, userID, mc, preferShared, excluded)
		if err != nil {
			return nil, err
		}

		if err := s.tokens.EnsureFresh(ctx, candidate); err != nil {
			s.logger.Info("candidate account rejected, re-selecting",
				zap.Int64("account_id", candidate.ID), zap.Error(err))
			excluded[candidate.ID] = struct{}{}
			continue
		}
		return candidate, nil
	}
}

func (s *AccountSelector) selectOnce(ctx context.Context, userID int64, mc antigravity.ModelCapability, preferShared bool, excluded map[int64]struct{}) (*Account, error) {
	shared, err := s.sharedPool(ctx, userID, mc, excluded)
	if err != nil {
		return nil, err
	}
	dedicated, err := s.dedicatedPool(ctx, userID, mc, excluded)
	if err != nil {
		return nil, err
	}

	pools := [][]Account{dedicated, shared}
	if preferShared {
		pools = [][]Account{shared, dedicated}
	}
	for _, pool := range pools {
		if len(pool) == 0 {
			continue
		}
		chosen := pool[s.pick(len(pool))]
		return &chosen, nil
	}
	return nil, ErrNoAccountAvailable
}

// sharedPool returns eligible shared candidates ordered by creation time.
// Shared eligibility additionally requires the user to have remaining shared
// pool quota for the model's quota-sharing group.
func (s *AccountSelector) sharedPool(ctx context.Context, userID int64, mc antigravity.ModelCapability, excluded map[int64]struct{}) ([]Account, error) {
	accounts, err := s.accountRepo.ListEnabledShared(ctx)
	if err != nil {
		return nil, fmt.Errorf("list shared accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	if !s.quota.UserSharedPoolHasQuota(ctx, userID, mc.QuotaGroup) {
		return nil, nil
	}
	return s.filterEligible(ctx, accounts, mc, excluded), nil
}

func (s *AccountSelector) dedicatedPool(ctx context.Context, userID int64, mc antigravity.ModelCapability, excluded map[int64]struct{}) ([]Account, error) {
	accounts, err := s.accountRepo.ListEnabledByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list dedicated accounts: %w", err)
	}
	return s.filterEligible(ctx, accounts, mc, excluded), nil
}

func (s *AccountSelector) filterEligible(ctx context.Context, accounts []Account, mc antigravity.ModelCapability, excluded map[int64]struct{}) []Account {
	eligible := make([]Account, 0, len(accounts))
	for _, account := range accounts {
		if _, skip := excluded[account.ID]; skip {
			continue
		}
		if !s.quota.IsModelAvailable(ctx, &account, mc.Upstream) {
			continue
		}
		eligible = append(eligible, account)
	}
	return eligible
}
