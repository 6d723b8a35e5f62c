package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/logger"
)

// BalanceService 读多写少：缓存 + singleflight 合并并发回源
// 任何改动余额的事务提交后都要调用 Invalidate
// gens 是每个账户的失效代数：回源开始后账户被失效过，这次读到的结果就不写缓存
type BalanceService struct {
	repo   domain.LedgerRepo
	assets *domain.AssetRegistry
	cache  BalanceCache
	ttl    time.Duration
	sf     singleflight.Group

	mu   sync.Mutex
	gens map[int64]uint64
}

func NewBalanceService(repo domain.LedgerRepo, assets *domain.AssetRegistry, cache BalanceCache, ttl time.Duration) *BalanceService {
	if cache == nil {
		cache = noopCache{}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceService{repo: repo, assets: assets, cache: cache, ttl: ttl, gens: make(map[int64]uint64)}
}

// GetBalances 返回所有已登记资产，没有记录的资产显示 0
func (s *BalanceService) GetBalances(ctx context.Context, accountID int64) ([]domain.BalanceView, error) {
	if views, ok, err := s.cache.GetBalances(ctx, accountID); err == nil && ok {
		return views, nil
	} else if err != nil {
		logger.Warn(ctx, "balance cache get failed", zap.Int64("account", accountID), zap.Error(err))
	}

	v, err, _ := s.sf.Do(strconv.FormatInt(accountID, 10), func() (interface{}, error) {
		gen := s.generation(accountID)
		views, err := s.load(ctx, accountID)
		if err != nil {
			return nil, err
		}
		s.fill(ctx, accountID, gen, views)
		return views, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.BalanceView), nil
}

func (s *BalanceService) generation(accountID int64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[accountID]
}

// fill 代数没变才写缓存；和 Invalidate 的代数递增互斥，写入要么被随后的删除覆盖，要么被跳过
func (s *BalanceService) fill(ctx context.Context, accountID int64, gen uint64, views []domain.BalanceView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[accountID] != gen {
		return
	}
	if err := s.cache.SetBalances(ctx, accountID, views, s.ttl); err != nil {
		logger.Warn(ctx, "balance cache set failed", zap.Int64("account", accountID), zap.Error(err))
	}
}

func (s *BalanceService) load(ctx context.Context, accountID int64) ([]domain.BalanceView, error) {
	rows, err := s.repo.ListBalances(ctx, accountID)
	if err != nil {
		return nil, err
	}
	byAsset := make(map[string]domain.Balance, len(rows))
	for _, b := range rows {
		byAsset[b.Asset] = b
	}

	assets := s.assets.List()
	views := make([]domain.BalanceView, 0, len(assets))
	for _, a := range assets {
		b := byAsset[a.Symbol]
		views = append(views, domain.BalanceView{
			Asset:     a.Symbol,
			Available: a.Format(b.Available),
			Held:      a.Format(b.Held),
		})
	}
	return views, nil
}

func (s *BalanceService) Invalidate(ctx context.Context, accountIDs ...int64) {
	s.mu.Lock()
	for _, id := range accountIDs {
		s.gens[id]++
	}
	s.mu.Unlock()

	if err := s.cache.DelBalances(ctx, accountIDs...); err != nil {
		logger.Warn(ctx, "balance cache invalidate failed", zap.Int64s("accounts", accountIDs), zap.Error(err))
	}
}
