//go:build unit

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gravity2api/internal/config"
	"gravity2api/internal/pkg/antigravity"
)

func quotaTestConfig() config.QuotaConfig {
	return config.QuotaConfig{
		SnapshotTTL:     5 * time.Minute,
		RefreshWorkers:  2,
		SharedPoolScale: 2.0,
	}
}

func newTestQuotaService(accountRepo AccountRepository, userRepo UserRepository, quotaRepo QuotaRepository, logRepo ConsumptionLogRepository, upstream UpstreamAPI) *QuotaService {
	return NewQuotaService(accountRepo, userRepo, quotaRepo, logRepo, nil, upstream, quotaTestConfig(), zap.NewNop())
}

func TestQuotaService_ConsumeAndRecord(t *testing.T) {
	tests := []struct {
		name          string
		before, after float64
		shared        bool
		wantDelta     float64
		wantConsume   bool
	}{
		{"正常扣减", 0.8, 0.5, true, 0.3, true},
		{"上游中途重置时 delta 钳为零", 0.2, 0.9, true, 0, false},
		{"专属账户不动共享池", 0.8, 0.5, false, 0.3, false},
		{"零 delta 不动共享池", 0.5, 0.5, true, 0, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var logged *QuotaConsumption
			logRepo := &mockLogRepo{
				appendFn: func(_ context.Context, row *QuotaConsumption) error {
					logged = row
					return nil
				},
			}
			consumed := false
			var consumedDelta float64
			quotaRepo := &mockQuotaRepo{
				consumeSharedPoolFn: func(_ context.Context, _ int64, _ string, delta float64) error {
					consumed = true
					consumedDelta = delta
					return nil
				},
			}
			svc := newTestQuotaService(&mockAccountRepo{}, &mockUserRepo{}, quotaRepo, logRepo, &mockUpstream{})
			defer svc.Stop()

			svc.ConsumeAndRecord(context.Background(), 1, 2, "gemini-3-pro-high", tt.before, tt.after, tt.shared)

			require.NotNil(t, logged, "台账永远追加一行")
			require.InDelta(t, tt.wantDelta, logged.Delta, 1e-9)
			require.GreaterOrEqual(t, logged.Delta, 0.0)
			require.Equal(t, tt.wantConsume, consumed)
			if tt.wantConsume {
				require.InDelta(t, tt.wantDelta, consumedDelta, 1e-9)
			}
		})
	}
}

func TestQuotaService_ConsumeAndRecord_LogFailureNeverSurfaces(t *testing.T) {
	t.Parallel()

	logRepo := &mockLogRepo{
		appendFn: func(context.Context, *QuotaConsumption) error {
			return context.DeadlineExceeded
		},
	}
	consumed := false
	quotaRepo := &mockQuotaRepo{
		consumeSharedPoolFn: func(context.Context, int64, string, float64) error {
			consumed = true
			return nil
		},
	}
	svc := newTestQuotaService(&mockAccountRepo{}, &mockUserRepo{}, quotaRepo, logRepo, &mockUpstream{})
	defer svc.Stop()

	// 不会 panic、不会返回错误，共享池扣减照常进行
	svc.ConsumeAndRecord(context.Background(), 1, 2, "gemini-3-pro-high", 0.9, 0.6, true)
	require.True(t, consumed)
}

func TestQuotaService_RecomputeSharedCeiling(t *testing.T) {
	t.Parallel()

	accountRepo := &mockAccountRepo{
		countEnabledSharedFn: func(context.Context) (int64, error) { return 3, nil },
	}
	var gotCeiling float64
	quotaRepo := &mockQuotaRepo{
		upsertSharedPoolFn: func(_ context.Context, userID int64, model string, ceiling float64) error {
			require.Equal(t, int64(5), userID)
			require.Equal(t, "gemini-3-pro-high", model)
			gotCeiling = ceiling
			return nil
		},
	}
	svc := newTestQuotaService(accountRepo, &mockUserRepo{}, quotaRepo, &mockLogRepo{}, &mockUpstream{})
	defer svc.Stop()

	require.NoError(t, svc.RecomputeSharedCeiling(context.Background(), 5, "gemini-3-pro-high"))
	// 上限 = 全局启用共享账户数 × 缩放系数
	require.InDelta(t, 6.0, gotCeiling, 1e-9)
}

func TestQuotaService_SharedCeilingUpsertNeverLowersCurrent(t *testing.T) {
	t.Parallel()

	// 按仓储的合并语义建模:新行 current = ceiling;
	// 已有行 current = GREATEST(current, 新 ceiling),ceiling 总是覆写
	var mu sync.Mutex
	var current, ceiling float64
	exists := false
	quotaRepo := &mockQuotaRepo{
		upsertSharedPoolFn: func(_ context.Context, _ int64, _ string, newCeiling float64) error {
			mu.Lock()
			defer mu.Unlock()
			if !exists {
				exists = true
				current = newCeiling
			} else if newCeiling > current {
				current = newCeiling
			}
			ceiling = newCeiling
			return nil
		},
	}
	sharedCount := int64(3)
	accountRepo := &mockAccountRepo{
		countEnabledSharedFn: func(context.Context) (int64, error) {
			mu.Lock()
			defer mu.Unlock()
			return sharedCount, nil
		},
	}
	svc := newTestQuotaService(accountRepo, &mockUserRepo{}, quotaRepo, &mockLogRepo{}, &mockUpstream{})
	defer svc.Stop()

	recompute := func() {
		require.NoError(t, svc.RecomputeSharedCeiling(context.Background(), 1, "gemini-3-pro-high"))
	}
	setState := func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}
	state := func() (float64, float64) {
		mu.Lock()
		defer mu.Unlock()
		return current, ceiling
	}

	// 3 个共享账户:首次建行 current = ceiling = 6.0
	recompute()
	cur, ceil := state()
	require.InDelta(t, 6.0, ceil, 1e-9)
	require.InDelta(t, 6.0, cur, 1e-9)

	// 消耗后共享账户增至 4 个:上限 6.0→8.0,current 补到新上限
	setState(func() { current = 3.5 })
	setState(func() { sharedCount = 4 })
	recompute()
	cur, ceil = state()
	require.InDelta(t, 8.0, ceil, 1e-9)
	require.InDelta(t, 8.0, cur, 1e-9)
	require.GreaterOrEqual(t, cur, 3.5, "重算不得降低 current")

	// 共享账户减少:上限下调,但 current 绝不回收
	setState(func() { current = 5.0 })
	setState(func() { sharedCount = 1 })
	recompute()
	cur, ceil = state()
	require.InDelta(t, 2.0, ceil, 1e-9)
	require.InDelta(t, 5.0, cur, 1e-9, "上限下调时 current 保持原值")
}

func TestQuotaService_UserSharedPoolHasQuota(t *testing.T) {
	t.Parallel()

	t.Run("组内任一模型余额大于零即可", func(t *testing.T) {
		quotaRepo := &mockQuotaRepo{
			listSharedPoolsFn: func(_ context.Context, _ int64, models []string) ([]SharedQuotaPool, error) {
				return []SharedQuotaPool{
					{Model: "gemini-3-pro-high", Current: 0},
					{Model: "gemini-3-pro-low", Current: 0.4},
				}, nil
			},
		}
		svc := newTestQuotaService(&mockAccountRepo{}, &mockUserRepo{}, quotaRepo, &mockLogRepo{}, &mockUpstream{})
		defer svc.Stop()
		require.True(t, svc.UserSharedPoolHasQuota(context.Background(), 1, "gemini-3-pro"))
	})

	t.Run("全部耗尽则不可用", func(t *testing.T) {
		quotaRepo := &mockQuotaRepo{
			listSharedPoolsFn: func(context.Context, int64, []string) ([]SharedQuotaPool, error) {
				return []SharedQuotaPool{{Model: "gemini-3-pro-high", Current: 0}}, nil
			},
		}
		svc := newTestQuotaService(&mockAccountRepo{}, &mockUserRepo{}, quotaRepo, &mockLogRepo{}, &mockUpstream{})
		defer svc.Stop()
		require.False(t, svc.UserSharedPoolHasQuota(context.Background(), 1, "gemini-3-pro"))
	})

	t.Run("缺行时惰性初始化", func(t *testing.T) {
		var mu sync.Mutex
		initialized := map[string]float64{}
		calls := 0
		quotaRepo := &mockQuotaRepo{
			listSharedPoolsFn: func(context.Context, int64, []string) ([]SharedQuotaPool, error) {
				mu.Lock()
				defer mu.Unlock()
				calls++
				if calls == 1 {
					return nil, nil
				}
				pools := make([]SharedQuotaPool, 0, len(initialized))
				for model, ceiling := range initialized {
					pools = append(pools, SharedQuotaPool{Model: model, Current: ceiling, Ceiling: ceiling})
				}
				return pools, nil
			},
			upsertSharedPoolFn: func(_ context.Context, _ int64, model string, ceiling float64) error {
				mu.Lock()
				defer mu.Unlock()
				initialized[model] = ceiling
				return nil
			},
		}
		accountRepo := &mockAccountRepo{
			countEnabledSharedFn: func(context.Context) (int64, error) { return 2, nil },
		}
		svc := newTestQuotaService(accountRepo, &mockUserRepo{}, quotaRepo, &mockLogRepo{}, &mockUpstream{})
		defer svc.Stop()

		require.True(t, svc.UserSharedPoolHasQuota(context.Background(), 1, "gemini-3-pro"))
		require.Len(t, initialized, 2)
		for _, ceiling := range initialized {
			require.InDelta(t, 4.0, ceiling, 1e-9)
		}
	})
}

func TestQuotaService_RefreshAccountQuota_HashSkip(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"models":{"gemini-3-pro-high":{"quotaInfo":{"remainingFraction":0.7}}}}`)
	upstream := &mockUpstream{
		fetchModelsFn: func(context.Context, string, string) ([]byte, map[string]antigravity.ModelQuotaInfo, error) {
			return raw, map[string]antigravity.ModelQuotaInfo{
				"gemini-3-pro-high": {RemainingFraction: 0.7},
			}, nil
		},
	}
	var mu sync.Mutex
	persisted := 0
	quotaRepo := &mockQuotaRepo{
		upsertModelQuotaFn: func(context.Context, int64, string, float64, *time.Time) error {
			mu.Lock()
			persisted++
			mu.Unlock()
			return nil
		},
	}
	svc := newTestQuotaService(&mockAccountRepo{}, &mockUserRepo{}, quotaRepo, &mockLogRepo{}, upstream)
	defer svc.Stop()

	account := &Account{ID: 1, AccessToken: "at", ProjectID: "p"}
	require.NoError(t, svc.RefreshAccountQuota(context.Background(), account))
	require.NoError(t, svc.RefreshAccountQuota(context.Background(), account))

	// 第二次探测 payload 未变，跳过持久化
	require.Equal(t, 1, persisted)

	fraction, ok := svc.ModelQuotaFraction(context.Background(), account, "gemini-3-pro-high")
	require.True(t, ok)
	require.InDelta(t, 0.7, fraction, 1e-9)
}

func TestQuotaService_IsModelAvailable(t *testing.T) {
	t.Parallel()

	t.Run("管理员手动停用优先于配额", func(t *testing.T) {
		quotaRepo := &mockQuotaRepo{
			getModelQuotaFn: func(context.Context, int64, string) (*ModelQuota, error) {
				return &ModelQuota{RemainingFraction: 0.9, Available: false}, nil
			},
		}
		svc := newTestQuotaService(&mockAccountRepo{}, &mockUserRepo{}, quotaRepo, &mockLogRepo{}, &mockUpstream{})
		defer svc.Stop()
		require.False(t, svc.IsModelAvailable(context.Background(), &Account{ID: 1}, "gemini-3-pro-high"))
	})

	t.Run("快照命中且余额为零时不可用", func(t *testing.T) {
		upstream := &mockUpstream{
			fetchModelsFn: func(context.Context, string, string) ([]byte, map[string]antigravity.ModelQuotaInfo, error) {
				return []byte(`{"a":1}`), map[string]antigravity.ModelQuotaInfo{
					"gemini-3-pro-high": {RemainingFraction: 0},
				}, nil
			},
		}
		svc := newTestQuotaService(&mockAccountRepo{}, &mockUserRepo{}, &mockQuotaRepo{}, &mockLogRepo{}, upstream)
		defer svc.Stop()

		account := &Account{ID: 2, AccessToken: "at", ProjectID: "p"}
		require.NoError(t, svc.RefreshAccountQuota(context.Background(), account))
		require.False(t, svc.IsModelAvailable(context.Background(), account, "gemini-3-pro-high"))
	})

	t.Run("快照未命中时只读一次持久行", func(t *testing.T) {
		var mu sync.Mutex
		reads := 0
		quotaRepo := &mockQuotaRepo{
			getModelQuotaFn: func(context.Context, int64, string) (*ModelQuota, error) {
				mu.Lock()
				reads++
				mu.Unlock()
				return &ModelQuota{RemainingFraction: 0.5, Available: true}, nil
			},
		}
		svc := newTestQuotaService(&mockAccountRepo{}, &mockUserRepo{}, quotaRepo, &mockLogRepo{}, &mockUpstream{})
		defer svc.Stop()

		require.True(t, svc.IsModelAvailable(context.Background(), &Account{ID: 4, AccessToken: "at"}, "gemini-3-pro-high"))
		mu.Lock()
		defer mu.Unlock()
		// 停用开关与余额回退共用同一次行读取
		require.Equal(t, 1, reads)
	})

	t.Run("无快照无持久行时默认可用且触发后台刷新", func(t *testing.T) {
		refreshed := make(chan struct{}, 1)
		upstream := &mockUpstream{
			fetchModelsFn: func(context.Context, string, string) ([]byte, map[string]antigravity.ModelQuotaInfo, error) {
				select {
				case refreshed <- struct{}{}:
				default:
				}
				return []byte("{}"), map[string]antigravity.ModelQuotaInfo{}, nil
			},
		}
		svc := newTestQuotaService(&mockAccountRepo{}, &mockUserRepo{}, &mockQuotaRepo{}, &mockLogRepo{}, upstream)

		available := svc.IsModelAvailable(context.Background(), &Account{ID: 3, AccessToken: "at"}, "gemini-3-pro-high")
		require.True(t, available)

		svc.Stop() // 等待后台探测完成
		select {
		case <-refreshed:
		default:
			t.Fatal("后台刷新未被调度")
		}
	})
}

func TestQuotaService_CleanupConsumptionLog_Batches(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	batches := []int64{4000, 4000, 120}
	call := 0
	logRepo := &mockLogRepo{
		deleteFn: func(_ context.Context, _ time.Time, limit int) (int64, error) {
			mu.Lock()
			defer mu.Unlock()
			require.Equal(t, 4000, limit)
			n := batches[call]
			call++
			return n, nil
		},
	}
	cfg := quotaTestConfig()
	cfg.LogRetention = 30 * 24 * time.Hour
	cfg.CleanupBatch = 4000
	svc := NewQuotaService(&mockAccountRepo{}, &mockUserRepo{}, &mockQuotaRepo{}, logRepo, nil, &mockUpstream{}, cfg, zap.NewNop())
	defer svc.Stop()

	svc.CleanupConsumptionLog(context.Background())
	require.Equal(t, 3, call)
}
