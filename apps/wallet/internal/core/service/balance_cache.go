package service

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/metrics"
)

type BalanceCache interface {
	GetBalances(ctx context.Context, accountID int64) ([]domain.BalanceView, bool, error)
	SetBalances(ctx context.Context, accountID int64, views []domain.BalanceView, ttl time.Duration) error
	DelBalances(ctx context.Context, accountIDs ...int64) error
}

type redisCache struct {
	client *redis.Client
}

func NewRedisCache(c *redis.Client) BalanceCache {
	return &redisCache{client: c}
}

func (r *redisCache) GetBalances(ctx context.Context, accountID int64) ([]domain.BalanceView, bool, error) {
	key := balanceKey(accountID)

	b, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		metrics.RedisErrors.WithLabelValues("get").Inc()
		return nil, false, err
	}

	var views []domain.BalanceView
	if err := json.Unmarshal(b, &views); err != nil {
		// 缓存脏了就删掉，避免持续命中错误
		_ = r.client.Del(ctx, key).Err()
		return nil, false, err
	}
	return views, true, nil
}

func (r *redisCache) SetBalances(ctx context.Context, accountID int64, views []domain.BalanceView, ttl time.Duration) error {
	b, err := json.Marshal(views)
	if err != nil {
		return err
	}
	// 加入随机时间 防止同时过期
	if err := r.client.Set(ctx, balanceKey(accountID), b, withJitter(ttl, 300*time.Millisecond)).Err(); err != nil {
		metrics.RedisErrors.WithLabelValues("set").Inc()
		return err
	}
	return nil
}

func (r *redisCache) DelBalances(ctx context.Context, accountIDs ...int64) error {
	if len(accountIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		keys = append(keys, balanceKey(id))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		metrics.RedisErrors.WithLabelValues("del").Inc()
		return err
	}
	return nil
}

func balanceKey(accountID int64) string {
	return fmt.Sprintf("wallet:bal:%d", accountID)
}

func withJitter(ttl time.Duration, jitter time.Duration) time.Duration {
	if ttl <= 0 || jitter <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int63n(int64(jitter)))
}

// noopCache 没有配置 Redis 时使用
type noopCache struct{}

func (noopCache) GetBalances(context.Context, int64) ([]domain.BalanceView, bool, error) {
	return nil, false, nil
}
func (noopCache) SetBalances(context.Context, int64, []domain.BalanceView, time.Duration) error {
	return nil
}
func (noopCache) DelBalances(context.Context, ...int64) error { return nil }
