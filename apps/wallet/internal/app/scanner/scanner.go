package scanner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cryptopay.com/apps/wallet/internal/core/handler"
	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/logger"
	"cryptopay.com/pkg/metrics"
	"cryptopay.com/pkg/safe"
	"cryptopay.com/pkg/xerr"
)

const masterKey = "wallet:reconciler:master"

type Config struct {
	Interval         time.Duration `mapstructure:"interval"`          // 扫描间隔
	Window           int           `mapstructure:"window"`            // 每个地址每轮拉取的签名数
	FetchConcurrency int           `mapstructure:"fetch_concurrency"` // 并发拉取详情
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`     // 单次拉取超时
	MaxAttempts      uint          `mapstructure:"max_attempts"`      // 单个签名每轮最多尝试次数
	MasterTTL        time.Duration `mapstructure:"master_ttl"`
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 50
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 4
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.MasterTTL <= 0 {
		c.MasterTTL = 3 * c.Interval
	}
}

type DepositHandler interface {
	Handle(ctx context.Context, tx *domain.ChainTx) (handler.Result, error)
}

type SeenStore interface {
	SeenSet(ctx context.Context, txIDs []string) (map[string]bool, error)
}

// MasterLock 多实例部署时只有主节点扫描；xredis.RedisLockMaster 实现
type MasterLock interface {
	TryAcquireMaster(ctx context.Context, key string, ttl time.Duration) bool
	Release(ctx context.Context, key string)
}

// Stats 一轮对账的统计
type Stats struct {
	Listed      int
	New         int
	Fetched     int
	FetchFailed int
	Outcomes    map[domain.ScanOutcome]int
}

// Engine 充值对账：列签名 -> 过滤已处理 -> 并发拉详情 -> 按时间顺序逐笔落账
type Engine struct {
	cfg     Config
	reader  domain.ChainReader
	handler DepositHandler
	seen    SeenStore
	watched []string
	master  MasterLock
}

func New(cfg Config, reader domain.ChainReader, h DepositHandler, seen SeenStore, pool domain.PoolAddresses, master MasterLock) *Engine {
	cfg.withDefaults()
	return &Engine{cfg: cfg, reader: reader, handler: h, seen: seen, watched: pool.Watched(), master: master}
}

// Start 阻塞到 ctx 取消
func (e *Engine) Start(ctx context.Context) {
	logger.Info(ctx, "🔭 Reconciler start",
		zap.Strings("watched", e.watched),
		zap.Duration("interval", e.cfg.Interval),
		zap.Int("window", e.cfg.Window))

	e.tick(ctx)
	safe.Loop(ctx, "reconciler", e.cfg.Interval, e.tick)

	if e.master != nil {
		e.master.Release(context.WithoutCancel(ctx), masterKey)
	}
	logger.Info(ctx, "🛑 Reconciler stopped")
}

func (e *Engine) tick(ctx context.Context) {
	if e.master != nil && !e.master.TryAcquireMaster(ctx, masterKey, e.cfg.MasterTTL) {
		logger.Debug(ctx, "not reconciler master, skip round")
		return
	}
	stats, err := e.RunOnce(ctx)
	if err != nil {
		logger.Error(ctx, "❌ 对账失败", zap.Error(err))
		return
	}
	if stats.New > 0 {
		logger.Info(ctx, "✅ 对账完成",
			zap.Int("listed", stats.Listed),
			zap.Int("new", stats.New),
			zap.Int("fetch_failed", stats.FetchFailed),
			zap.Any("outcomes", stats.Outcomes))
	}
}

// RunOnce 跑一轮；单个签名失败不影响其它签名，下一轮会重试
func (e *Engine) RunOnce(ctx context.Context) (stats Stats, err error) {
	start := time.Now()
	ctx, span := otel.Tracer("cryptopay/scanner").Start(ctx, "reconcile.round")
	defer func() {
		metrics.ScanDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	stats.Outcomes = map[domain.ScanOutcome]int{}

	ids, err := e.list(ctx)
	if err != nil {
		return stats, err
	}
	stats.Listed = len(ids)
	if len(ids) == 0 {
		return stats, nil
	}

	seen, err := e.seen.SeenSet(ctx, ids)
	if err != nil {
		metrics.ScanErrorsTotal.WithLabelValues("seen").Inc()
		return stats, err
	}
	fresh := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			fresh = append(fresh, id)
		}
	}
	stats.New = len(fresh)
	span.SetAttributes(attribute.Int("listed", stats.Listed), attribute.Int("new", stats.New))
	if len(fresh) == 0 {
		return stats, nil
	}

	txs, failed := e.fetchAll(ctx, fresh)
	stats.Fetched, stats.FetchFailed = len(txs), failed

	for _, tx := range txs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		res, err := e.handler.Handle(ctx, tx)
		if err != nil {
			metrics.ScanErrorsTotal.WithLabelValues("handle").Inc()
			logger.Error(ctx, "❌ 处理交易失败", zap.String("tx", tx.ID), zap.Error(err))
			continue
		}
		stats.Outcomes[res.Outcome]++
	}
	return stats, nil
}

// list 所有监控地址最近的签名，去重后最老的在前
func (e *Engine) list(ctx context.Context) ([]string, error) {
	var (
		out  []string
		dups = map[string]bool{}
	)
	for _, addr := range e.watched {
		sigs, err := retry(ctx, e.cfg, func(ctx context.Context) ([]string, error) {
			return e.reader.ListRecentTransactions(ctx, addr, e.cfg.Window)
		})
		if err != nil {
			metrics.ScanErrorsTotal.WithLabelValues("list").Inc()
			return nil, xerr.Wrap(err, xerr.ExternalUnavailable, "list signatures for "+addr)
		}
		for i := len(sigs) - 1; i >= 0; i-- {
			if !dups[sigs[i]] {
				dups[sigs[i]] = true
				out = append(out, sigs[i])
			}
		}
	}
	return out, nil
}

// fetchAll 有界并发拉详情；查不到或重试耗尽的留给下一轮
func (e *Engine) fetchAll(ctx context.Context, ids []string) ([]*domain.ChainTx, int) {
	results := make([]*domain.ChainTx, len(ids))
	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			fctx, span := otel.Tracer("cryptopay/scanner").Start(gctx, "reconcile.fetch")
			span.SetAttributes(attribute.String("tx", id))
			defer span.End()

			tx, err := retry(fctx, e.cfg, func(ctx context.Context) (*domain.ChainTx, error) {
				return e.reader.GetTransactionDetail(ctx, id)
			})
			if err != nil || tx == nil {
				if err != nil {
					span.RecordError(err)
					metrics.ScanErrorsTotal.WithLabelValues("fetch").Inc()
					logger.Warn(gctx, "拉取交易详情失败，下轮重试", zap.String("tx", id), zap.Error(err))
				}
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			results[i] = tx
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*domain.ChainTx, 0, len(results))
	for _, tx := range results {
		if tx != nil {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].BlockTime, out[j].BlockTime
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return a.Before(*b)
	})
	return out, failed
}

// retry 指数退避；业务错误（非系统错误）不重试
func retry[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(ctx, func() (T, error) {
		actx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
		defer cancel()
		v, err := op(actx)
		if err != nil && !xerr.IsSystemError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(cfg.MaxAttempts))
}
