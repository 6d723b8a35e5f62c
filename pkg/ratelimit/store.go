package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"cryptopay.com/pkg/safe"
)

// Limit 一个令牌桶的参数
type Limit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen int64 // unix nano
}

// Store 每个 (主体, 路由) 一个令牌桶
// 主体是账户或 IP；routes 里列出的路由用自己的参数，其余用 def
type Store struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	def     Limit
	routes  map[string]Limit
	ttl     time.Duration
}

func NewStore(def Limit, routes map[string]Limit, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		buckets: make(map[string]*bucket, 1024),
		def:     def,
		routes:  routes,
		ttl:     ttl,
	}
}

// Allow 消耗一个令牌，桶空了返回 false
func (s *Store) Allow(subject, route string) bool {
	key := subject + "|" + route
	now := time.Now().UnixNano()

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		l, tight := s.routes[route]
		if !tight {
			l = s.def
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.RPS), l.Burst), lastSeen: now}
		s.buckets[key] = b
	} else {
		atomic.StoreInt64(&b.lastSeen, now)
	}
	s.mu.Unlock()

	return b.limiter.Allow()
}

// Len 当前桶数量
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// StartJanitor 定期清掉 ttl 内没有请求的桶，直到 ctx 取消
func (s *Store) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	safe.GoCtx(ctx, func(ctx context.Context) {
		safe.Loop(ctx, "ratelimit-janitor", every, func(context.Context) { s.sweep(time.Now()) })
	})
}

func (s *Store) sweep(now time.Time) int {
	cut := now.Add(-s.ttl).UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, b := range s.buckets {
		if atomic.LoadInt64(&b.lastSeen) < cut {
			delete(s.buckets, k)
			n++
		}
	}
	return n
}
