package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/alitto/pond/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"gravity2api/internal/config"
	"gravity2api/internal/pkg/antigravity"
)

// quotaSnapshot is the cached result of one fetchAvailableModels probe.
type quotaSnapshot struct {
	FetchedAt time.Time
	Models    map[string]antigravity.ModelQuotaInfo
	RawSHA256 string
}

// QuotaService is the quota ledger: shared-pool sizing, per-model
// availability, consumption recording, and the snapshot cache with
// non-blocking background refresh.
type QuotaService struct {
	accountRepo AccountRepository
	userRepo    UserRepository
	quotaRepo   QuotaRepository
	logRepo     ConsumptionLogRepository
	tokens      *TokenService
	upstream    UpstreamAPI
	cfg         config.QuotaConfig
	logger      *zap.Logger

	// snapshots outlive the freshness TTL so stale reads still return a value
	// while the background refresh runs.
	snapshots *gocache.Cache
	refresh   singleflight.Group
	pool      pond.Pool
}

func NewQuotaService(
	accountRepo AccountRepository,
	userRepo UserRepository,
	quotaRepo QuotaRepository,
	logRepo ConsumptionLogRepository,
	tokens *TokenService,
	upstream UpstreamAPI,
	cfg config.QuotaConfig,
	logger *zap.Logger,
) *QuotaService {
	workers := cfg.RefreshWorkers
	if workers <= 0 {
		workers = 4
	}
	return &QuotaService{
		accountRepo: accountRepo,
		userRepo:    userRepo,
		quotaRepo:   quotaRepo,
		logRepo:     logRepo,
		tokens:      tokens,
		upstream:    upstream,
		cfg:         cfg,
		logger:      logger,
		snapshots:   gocache.New(time.Hour, 10*time.Minute),
		pool:        pond.NewPool(workers),
	}
}

// Stop drains the background refresh pool.
func (s *QuotaService) Stop() {
	s.pool.StopAndWait()
}

func snapshotKey(accountID int64) string {
	return "quota:" + strconv.FormatInt(accountID, 10)
}

// IsModelAvailable answers from the cached snapshot immediately; a stale or
// missing snapshot schedules a background refresh that never blocks the
// caller. The admin availability toggle from storage is honored first; the
// same row read doubles as the fraction fallback when no snapshot exists yet.
func (s *QuotaService) IsModelAvailable(ctx context.Context, account *Account, upstreamModel string) bool {
	row, err := s.quotaRepo.GetModelQuota(ctx, account.ID, upstreamModel)
	if err == nil && row != nil && !row.Available {
		return false
	}

	if snap := s.cachedSnapshot(account.ID); snap != nil {
		if time.Since(snap.FetchedAt) > s.cfg.SnapshotTTL {
			s.scheduleRefresh(account)
		}
		info, ok := snap.Models[upstreamModel]
		if !ok {
			return false
		}
		return info.RemainingFraction > 0
	}

	s.scheduleRefresh(account)

	if err != nil || row == nil {
		// Unknown quota is treated as available; the probe will correct it.
		return true
	}
	return row.RemainingFraction > 0
}

func (s *QuotaService) cachedSnapshot(accountID int64) *quotaSnapshot {
	if v, ok := s.snapshots.Get(snapshotKey(accountID)); ok {
		if snap, ok := v.(*quotaSnapshot); ok {
			return snap
		}
	}
	return nil
}

// scheduleRefresh submits a deduplicated background probe for the account.
func (s *QuotaService) scheduleRefresh(account *Account) {
	acc := *account
	s.pool.Submit(func() {
		key := snapshotKey(acc.ID)
		_, _, _ = s.refresh.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := s.RefreshAccountQuota(ctx, &acc); err != nil {
				s.logger.Warn("background quota refresh failed",
					zap.Int64("account_id", acc.ID), zap.Error(err))
			}
			return nil, nil
		})
	})
}

// RefreshAccountQuota probes fetchAvailableModels and persists changed
// per-model rows. A payload identical to the previous probe (by sha256) skips
// the persistence round-trip.
func (s *QuotaService) RefreshAccountQuota(ctx context.Context, account *Account) error {
	if s.tokens != nil {
		if err := s.tokens.EnsureFresh(ctx, account); err != nil {
			return err
		}
	}
	raw, models, err := s.upstream.FetchAvailableModels(ctx, account.AccessToken, account.ProjectID)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	prev := s.cachedSnapshot(account.ID)
	snap := &quotaSnapshot{FetchedAt: time.Now(), Models: models, RawSHA256: hash}
	s.snapshots.Set(snapshotKey(account.ID), snap, gocache.DefaultExpiration)

	if prev != nil && prev.RawSHA256 == hash {
		return nil
	}
	for model, info := range models {
		var resetAt *time.Time
		if !info.ResetTime.IsZero() {
			t := info.ResetTime
			resetAt = &t
		}
		if err := s.quotaRepo.UpsertModelQuota(ctx, account.ID, model, info.RemainingFraction, resetAt); err != nil {
			s.logger.Warn("persist model quota failed",
				zap.Int64("account_id", account.ID), zap.String("model", model), zap.Error(err))
		}
	}
	return nil
}

// ModelQuotaFraction returns the freshest known remaining fraction for the
// model, preferring the in-memory snapshot.
func (s *QuotaService) ModelQuotaFraction(ctx context.Context, account *Account, upstreamModel string) (float64, bool) {
	if snap := s.cachedSnapshot(account.ID); snap != nil {
		if info, ok := snap.Models[upstreamModel]; ok {
			return info.RemainingFraction, true
		}
	}
	row, err := s.quotaRepo.GetModelQuota(ctx, account.ID, upstreamModel)
	if err != nil || row == nil {
		return 0, false
	}
	return row.RemainingFraction, true
}

// ConsumeAndRecord appends one ledger row for a completed exchange and, for
// shared accounts, draws the delta from the user's shared pool. delta is
// clamped at zero: an upstream reset mid-exchange logs zero consumption,
// never negative. Bookkeeping failures are logged and never surface to the
// caller.
func (s *QuotaService) ConsumeAndRecord(ctx context.Context, userID, accountID int64, model string, before, after float64, shared bool) {
	delta := before - after
	if delta < 0 {
		delta = 0
	}

	row := &QuotaConsumption{
		UserID:      userID,
		AccountID:   accountID,
		Model:       model,
		QuotaBefore: before,
		QuotaAfter:  after,
		Delta:       delta,
		Shared:      shared,
	}
	if err := s.logRepo.Append(ctx, row); err != nil {
		s.logger.Warn("consumption log append failed",
			zap.Int64("user_id", userID), zap.Int64("account_id", accountID),
			zap.String("model", model), zap.Error(err))
	}

	if shared && delta > 0 {
		if err := s.quotaRepo.ConsumeSharedPool(ctx, userID, model, delta); err != nil {
			s.logger.Warn("shared pool consume failed",
				zap.Int64("user_id", userID), zap.String("model", model), zap.Error(err))
		}
	}
}

// RecomputeSharedCeiling sizes one (user, model) shared pool: ceiling scales
// with the global enabled shared-account supply. Idempotent: a new row is
// created with current = ceiling; an existing row keeps
// current = max(current, ceiling) — never clamped downward.
func (s *QuotaService) RecomputeSharedCeiling(ctx context.Context, userID int64, model string) error {
	count, err := s.accountRepo.CountEnabledShared(ctx)
	if err != nil {
		return fmt.Errorf("count shared accounts: %w", err)
	}
	scale := s.cfg.SharedPoolScale
	if scale <= 0 {
		scale = 2.0
	}
	ceiling := scale * float64(count)
	return s.quotaRepo.UpsertSharedPool(ctx, userID, model, ceiling)
}

// RecomputeAllSharedCeilings re-sizes the shared pools of every user for the
// given upstream models; called after the shared-account population changes.
func (s *QuotaService) RecomputeAllSharedCeilings(ctx context.Context, models []string) {
	users, err := s.userRepo.List(ctx)
	if err != nil {
		s.logger.Warn("list users for ceiling recompute failed", zap.Error(err))
		return
	}
	for _, user := range users {
		for _, model := range models {
			if err := s.RecomputeSharedCeiling(ctx, user.ID, model); err != nil {
				s.logger.Warn("shared ceiling recompute failed",
					zap.Int64("user_id", user.ID), zap.String("model", model), zap.Error(err))
			}
		}
	}
}

// UserSharedPoolHasQuota reports whether the user can still draw from the
// shared pool for any model in the quota-sharing group. Missing pool rows are
// sized lazily before answering.
func (s *QuotaService) UserSharedPoolHasQuota(ctx context.Context, userID int64, group string) bool {
	models := antigravity.QuotaGroupModels(group)
	if len(models) == 0 {
		return false
	}
	pools, err := s.quotaRepo.ListSharedPools(ctx, userID, models)
	if err != nil {
		s.logger.Warn("list shared pools failed", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	if len(pools) == 0 {
		for _, model := range models {
			if err := s.RecomputeSharedCeiling(ctx, userID, model); err != nil {
				s.logger.Warn("lazy shared pool init failed",
					zap.Int64("user_id", userID), zap.String("model", model), zap.Error(err))
			}
		}
		pools, err = s.quotaRepo.ListSharedPools(ctx, userID, models)
		if err != nil {
			return false
		}
	}
	for _, pool := range pools {
		if pool.Current > 0 {
			return true
		}
	}
	return false
}

// AggregateSharedPool is the admin view over the shared-account supply for
// the model's quota-sharing group.
func (s *QuotaService) AggregateSharedPool(ctx context.Context, model string) (*SharedPoolAggregate, error) {
	mc, ok := antigravity.LookupModel(model)
	if !ok {
		return nil, fmt.Errorf("%w: model %q", ErrNotFound, model)
	}
	return s.quotaRepo.AggregateShared(ctx, antigravity.QuotaGroupModels(mc.QuotaGroup))
}

// SweepStaleSnapshots refreshes quota for enabled accounts whose snapshots
// have aged past the TTL; run from cron.
func (s *QuotaService) SweepStaleSnapshots(ctx context.Context) {
	accounts, err := s.accountRepo.List(ctx)
	if err != nil {
		s.logger.Warn("list accounts for quota sweep failed", zap.Error(err))
		return
	}
	for i := range accounts {
		account := accounts[i]
		if !account.Enabled {
			continue
		}
		snap := s.cachedSnapshot(account.ID)
		if snap != nil && time.Since(snap.FetchedAt) <= s.cfg.SnapshotTTL {
			continue
		}
		s.scheduleRefresh(&account)
	}
}

// CleanupConsumptionLog trims ledger rows older than the retention window in
// batches; run from cron.
func (s *QuotaService) CleanupConsumptionLog(ctx context.Context) {
	if s.cfg.LogRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.LogRetention)
	batch := s.cfg.CleanupBatch
	if batch <= 0 {
		batch = 5000
	}
	var total int64
	for {
		deleted, err := s.logRepo.DeleteOlderThanBatch(ctx, cutoff, batch)
		if err != nil {
			s.logger.Warn("consumption log cleanup failed", zap.Error(err))
			return
		}
		total += deleted
		if deleted < int64(batch) {
			break
		}
	}
	if total > 0 {
		s.logger.Info("consumption log cleanup done", zap.Int64("deleted", total))
	}
}
