package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cryptopay.com/apps/wallet/config"
	"cryptopay.com/apps/wallet/internal/app/scanner"
	"cryptopay.com/apps/wallet/internal/core/fee"
	"cryptopay.com/apps/wallet/internal/core/handler"
	"cryptopay.com/apps/wallet/internal/core/service"
	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/apps/wallet/internal/infra/notify"
	"cryptopay.com/apps/wallet/internal/infra/persistence"
	"cryptopay.com/apps/wallet/internal/infra/solana"
	whttp "cryptopay.com/apps/wallet/internal/server/http"
	"cryptopay.com/pkg/bootstrap"
	vipConfig "cryptopay.com/pkg/config"
	"cryptopay.com/pkg/logger"
	"cryptopay.com/pkg/metrics"
	"cryptopay.com/pkg/orm"
	"cryptopay.com/pkg/safe"
	"cryptopay.com/pkg/trace"
	"cryptopay.com/pkg/xredis"
)

var serviceName = flag.String("name", "wallet", "config name, loads etc/{name}.yaml")

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 配置 + 日志
	cfg := config.Default()
	if _, err := vipConfig.LoadAndWatch(*serviceName, cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.InitWithFile(cfg.Name, cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()
	metrics.MustRegister()

	traceShutdown, err := trace.InitTrace(ctx, cfg.Name, cfg.Otel)
	if err != nil {
		logger.Fatal(ctx, "init tracer failed", zap.Error(err))
	}

	// 2. 基础设施
	db, err := orm.New(&cfg.DB)
	if err != nil {
		logger.Fatal(ctx, "open db failed", zap.Error(err))
	}
	repo := persistence.New(db)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal(ctx, "migrate failed", zap.Error(err))
	}
	sqlDB, _ := db.DB()

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		if rdb, err = xredis.NewRedis(ctx, &cfg.Redis); err != nil {
			logger.Fatal(ctx, "connect redis failed", zap.Error(err))
		}
	} else {
		logger.Warn(ctx, "⚠️ 未配置 Redis，缓存和锁只在本进程内有效，不要多实例部署")
	}
	safe.GoCtx(ctx, func(ctx context.Context) { metrics.CollectPools(ctx, sqlDB, rdb, 0) })

	var notifier domain.Notifier = notify.Log{}
	var natsNotifier *notify.Nats
	if cfg.Nats.URL != "" {
		natsNotifier, err = notify.NewNats(cfg.Nats.URL, cfg.Nats.Prefix, nats.Name(cfg.Name), nats.MaxReconnects(-1))
		if err != nil {
			logger.Fatal(ctx, "connect nats failed", zap.Error(err))
		}
		notifier = natsNotifier
	}

	assets, err := domain.NewAssetRegistry(cfg.Assets)
	if err != nil {
		logger.Fatal(ctx, "bad asset config", zap.Error(err))
	}
	chain, err := solana.New(cfg.Solana)
	if err != nil {
		logger.Fatal(ctx, "init solana adapter failed", zap.Error(err))
	}
	if err := chain.Ping(ctx); err != nil {
		logger.Warn(ctx, "⚠️ solana 节点不可用，对账会自动重试", zap.Error(err))
	}
	pool, err := chain.Pool(assets.List())
	if err != nil {
		logger.Fatal(ctx, "derive pool addresses failed", zap.Error(err))
	}

	// 3. 业务组件
	var (
		cache  service.BalanceCache
		locker = service.NewMemLocker()
		master scanner.MasterLock
	)
	if rdb != nil {
		cache = service.NewRedisCache(rdb)
		locker = service.NewRedisLocker(rdb)
		master = xredis.NewRedisLockMaster(rdb)
	}

	fees := fee.NewCalculator(cfg.Fees)
	balances := service.NewBalanceService(repo, assets, cache, cfg.BalanceTTL)
	accounts := service.NewAccountService(repo, chain, pool, assets)
	transfers := service.NewTransferService(repo, assets, fees, balances, notifier)
	withdraws := service.NewWithdrawService(repo, assets, fees, chain, locker, balances, notifier, cfg.Withdraw)
	confirm := service.NewConfirmService(repo, notifier, cfg.Confirm)
	ledger := service.NewLedger(repo, assets, accounts, balances, transfers, withdraws, confirm, cfg.HistoryLimit)

	if reports, err := ledger.Audit(ctx); err != nil {
		logger.Error(ctx, "startup audit failed", zap.Error(err))
	} else {
		for _, r := range reports {
			logger.Info(ctx, "📒 账本对账", zap.String("asset", r.Asset), zap.Bool("balanced", r.Balanced), zap.String("discrepancy", r.Discrepancy))
		}
	}

	deposits := handler.NewDepositHandler(repo, assets, pool, cfg.Reconciler.TokenTolerance, notifier, balances)
	engine := scanner.New(cfg.Reconciler.Config, chain, deposits, repo, pool, master)
	monitor := scanner.NewWithdrawMonitor(withdraws, notifier, withdraws.Config().StaleCheckInterval)

	safe.GoCtx(ctx, confirm.Run)
	safe.GoCtx(ctx, engine.Start)
	safe.GoCtx(ctx, monitor.Start)

	// 4. 对外服务
	if err := bootstrap.InitSentinel(ctx, cfg.Sentinel); err != nil {
		logger.Fatal(ctx, "init sentinel failed", zap.Error(err))
	}
	pprofSrv := bootstrap.StartPprof(ctx, cfg.Metrics.Pprof)
	metricsSrv := bootstrap.StartMetrics(ctx, cfg.Metrics.Addr)

	srv := whttp.NewServer(ctx, cfg.Name, cfg.HTTP, whttp.NewHandler(ledger))
	if err := bootstrap.Serve(ctx, srv, cfg.ShutdownGrace); err != nil {
		logger.Error(ctx, "http server error", zap.Error(err))
	}

	// 5. 优雅退出
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bootstrap.Shutdown(shutdownCtx, pprofSrv, metricsSrv)
	if natsNotifier != nil {
		natsNotifier.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if sqlDB != nil {
		_ = sqlDB.Close()
	}
	_ = traceShutdown(shutdownCtx)
	logger.Info(shutdownCtx, "👋 wallet stopped")
}
