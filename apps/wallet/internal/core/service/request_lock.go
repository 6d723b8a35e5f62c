package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cryptopay.com/pkg/xredis"
)

// RequestLocker 同一账户同一时间只允许一笔提现请求在途
type RequestLocker interface {
	// Acquire 拿不到锁返回 ok=false；release 必须调用
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type redisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) RequestLocker {
	return &redisLocker{rdb: rdb}
}

func (r *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l := xredis.NewDistLock(r.rdb, key, ttl)
	ok, err := l.TryLock(ctx)
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		// 请求 ctx 可能已经取消，解锁不能跟着失败
		_, _ = l.Unlock(context.WithoutCancel(ctx))
	}, true, nil
}

// memLocker 单进程部署没有 Redis 时使用
type memLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func NewMemLocker() RequestLocker {
	return &memLocker{held: map[string]time.Time{}}
}

func (m *memLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if exp, ok := m.held[key]; ok && now.Before(exp) {
		return func() {}, false, nil
	}
	exp := now.Add(ttl)
	m.held[key] = exp
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.held[key] == exp {
			delete(m.held, key)
		}
	}, true, nil
}

func withdrawLockKey(accountID int64) string {
	return fmt.Sprintf("wallet:withdraw:lock:%d", accountID)
}
