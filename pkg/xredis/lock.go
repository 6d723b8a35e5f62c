package xredis

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cryptopay.com/pkg/logger"
)

// Lua 脚本：释放锁
// KEYS[1]: 锁的 key
// ARGV[1]: 锁的 value (token)，防止误删别人的锁
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// Lua 脚本：锁是自己的才续期
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`

// RedisLockMaster 多实例部署时选出唯一的扫描主节点
type RedisLockMaster struct {
	rdb *redis.Client
	id  string // 当前节点的唯一ID
}

func NewRedisLockMaster(rdb *redis.Client) *RedisLockMaster {
	return &RedisLockMaster{
		rdb: rdb,
		id:  fmt.Sprintf("%s-%d", uuid.New().String(), time.Now().UnixNano()),
	}
}

func (r *RedisLockMaster) ID() string { return r.id }

// TryAcquireMaster 抢主或续期；Redis 出错时返回 false，本轮放弃
func (r *RedisLockMaster) TryAcquireMaster(ctx context.Context, key string, ttl time.Duration) bool {
	// SETNX: 如果 Key 不存在则设置成功，否则失败
	// 设置过期时间防止死锁（Master 挂了后锁会自动释放）
	success, err := r.rdb.SetNX(ctx, key, r.id, ttl).Result()
	if err != nil {
		logger.Warn(ctx, "⚠️ 抢主失败", zap.String("node", r.id), zap.Error(err))
		return false
	}
	if success {
		return true
	}

	// 抢锁失败，检查锁是不是自己的，是则原子续期
	res, err := r.rdb.Eval(ctx, renewScript, []string{key}, r.id, ttl.Milliseconds()).Int64()
	if err != nil {
		logger.Warn(ctx, "⚠️ 续期失败", zap.String("node", r.id), zap.Error(err))
		return false
	}
	return res == 1
}

// Release 主动让出（优雅退出时调用）
func (r *RedisLockMaster) Release(ctx context.Context, key string) {
	_ = r.rdb.Eval(ctx, unlockScript, []string{key}, r.id).Err()
}

// DistLock 短任务互斥锁
type DistLock struct {
	client     *redis.Client
	key        string
	token      string        // 锁的唯一标识 (UUID)，谁加锁谁解锁
	expiration time.Duration // 锁的自动过期时间
}

func NewDistLock(client *redis.Client, key string, expiration time.Duration) *DistLock {
	return &DistLock{
		client:     client,
		key:        key,
		token:      uuid.New().String(),
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞，一次性）
func (l *DistLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.expiration).Result()
}

// Lock 自旋锁，带随机抖动的有限重试
func (l *DistLock) Lock(ctx context.Context, retryTimes int, retryInterval time.Duration) (bool, error) {
	for i := 0; i < retryTimes; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return false, err
		}
		if success {
			return true, nil
		}

		// 加上随机时间，防止所有等待方同时唤醒冲击 Redis
		sleepTime := retryInterval + time.Duration(rand.Intn(10))*time.Millisecond

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(sleepTime):
		}
	}
	return false, nil
}

// Unlock 安全释放锁
func (l *DistLock) Unlock(ctx context.Context) (bool, error) {
	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return false, err
	}
	// 1 表示删除成功，0 表示 Key 不存在或 Token 不匹配
	return res == 1, nil
}
