package config

import (
	"time"

	"github.com/shopspring/decimal"

	"cryptopay.com/apps/wallet/internal/app/scanner"
	"cryptopay.com/apps/wallet/internal/core/fee"
	"cryptopay.com/apps/wallet/internal/core/service"
	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/apps/wallet/internal/infra/solana"
	whttp "cryptopay.com/apps/wallet/internal/server/http"
	"cryptopay.com/pkg/bootstrap"
	"cryptopay.com/pkg/logger"
	"cryptopay.com/pkg/orm"
	"cryptopay.com/pkg/trace"
	"cryptopay.com/pkg/xredis"
)

// Config 对应 etc/wallet.yaml
type Config struct {
	Name          string                 `mapstructure:"name"`
	Log           LogConfig              `mapstructure:"log"`
	HTTP          whttp.Config           `mapstructure:"http"`
	Metrics       MetricsConfig          `mapstructure:"metrics"`
	DB            orm.Config             `mapstructure:"db"`
	Redis         xredis.Config          `mapstructure:"redis"` // addr 为空时缓存和锁都用进程内实现
	Otel          trace.Config           `mapstructure:"otel"`
	Sentinel      bootstrap.SentinelCfg  `mapstructure:"sentinel"`
	Nats          NatsConfig             `mapstructure:"nats"` // url 为空时通知只写日志
	Solana        solana.Config          `mapstructure:"solana"`
	Assets        []domain.Asset         `mapstructure:"assets"`
	Fees          fee.Config             `mapstructure:"fees"`
	Reconciler    ReconcilerConfig       `mapstructure:"reconciler"`
	Withdraw      service.WithdrawConfig `mapstructure:"withdraw"`
	Confirm       service.ConfirmConfig  `mapstructure:"confirm"`
	BalanceTTL    time.Duration          `mapstructure:"balance_ttl"`
	HistoryLimit  int                    `mapstructure:"history_limit"`
	ShutdownGrace time.Duration          `mapstructure:"shutdown_grace"`
}

type LogConfig struct {
	Level string            `mapstructure:"level"`
	File  logger.FileConfig `mapstructure:"file"`
}

type MetricsConfig struct {
	Addr  string `mapstructure:"addr"`
	Pprof string `mapstructure:"pprof"`
}

type NatsConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type ReconcilerConfig struct {
	scanner.Config `mapstructure:",squash"`
	// TokenTolerance 按余额变化反推代币来源时允许的误差
	TokenTolerance decimal.Decimal `mapstructure:"token_tolerance"`
}

// Default 配置文件里没写的字段保持这里的值
func Default() *Config {
	return &Config{
		Name:          "wallet",
		Log:           LogConfig{Level: "info"},
		HTTP:          whttp.Config{Addr: ":8080"},
		DB:            orm.Config{Type: "sqlite", DSN: "wallet.db"},
		Assets:        domain.DefaultAssets(),
		Fees:          fee.DefaultConfig(),
		HistoryLimit:  12,
		ShutdownGrace: 15 * time.Second,
	}
}
