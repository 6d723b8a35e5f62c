package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"cryptopay.com/pkg/common"
	"cryptopay.com/pkg/middleware"
	"cryptopay.com/pkg/ratelimit"
)

type Config struct {
	Addr         string          `mapstructure:"addr"`
	ReadTimeout  time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout time.Duration   `mapstructure:"write_timeout"`
	RPS          float64         `mapstructure:"rps"` // 每个账户 + 路由
	Burst        int             `mapstructure:"burst"`
	Funds        ratelimit.Limit `mapstructure:"funds"` // 动钱的路由单独收紧
	JWTSecret    string          `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration   `mapstructure:"token_ttl"`
	Sentinel     bool            `mapstructure:"sentinel"`
}

func NewServer(ctx context.Context, service string, cfg Config, h *Handler) *http.Server {
	if cfg.RPS <= 0 {
		cfg.RPS = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}
	if cfg.Funds.RPS <= 0 {
		cfg.Funds = ratelimit.Limit{RPS: 1, Burst: 3}
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// 出金会等链上确认，写超时要比 payout_timeout 长
		cfg.WriteTimeout = 90 * time.Second
	}

	funds := make(map[string]ratelimit.Limit, len(fundsRoutes))
	for _, route := range fundsRoutes {
		funds[route] = cfg.Funds
	}
	store := ratelimit.NewStore(ratelimit.Limit{RPS: cfg.RPS, Burst: cfg.Burst}, funds, 10*time.Minute)
	store.StartJanitor(ctx, time.Minute)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	p := ginprom.NewPrometheus(service)
	p.Use(r)
	r.Use(
		otelgin.Middleware(service),
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
	)
	if cfg.Sentinel {
		r.Use(middleware.Sentinel(service))
	}
	Routes(r, h, middleware.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL), middleware.RateLimit(service, store))

	return &http.Server{
		Addr:           cfg.Addr,
		Handler:        r,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
}

// fundsRoutes 发起或移动资金的路由
var fundsRoutes = []string{
	"/api/v1/transfers",
	"/api/v1/transfers/:id/release",
	"/api/v1/withdrawals",
	"/api/v1/confirmations",
}

// Routes extra 挂在 Auth 之后，限流按账户计数
func Routes(r *gin.Engine, h *Handler, issuer *middleware.TokenIssuer, extra ...gin.HandlerFunc) {
	r.GET("/healthz", func(c *gin.Context) { common.Success(c, "ok") })

	api := r.Group("/api/v1", append([]gin.HandlerFunc{middleware.Auth(issuer)}, extra...)...)
	{
		api.POST("/accounts", h.EnsureAccount)
		api.GET("/accounts/me", h.GetAccount)
		api.PUT("/accounts/me/settings", h.UpdateSettings)
		api.PUT("/accounts/me/password", h.SetPassword)
		api.PUT("/accounts/me/source", h.RegisterSource)
		api.GET("/deposit-info", h.DepositInfo)
		api.GET("/balances", h.Balances)
		api.GET("/history", h.History)

		api.POST("/transfers", h.Send)
		api.POST("/transfers/:id/release", h.Release)
		api.POST("/transfers/:id/dispute", h.Dispute)
		api.POST("/transfers/:id/shipped", h.Shipped)
		api.POST("/withdrawals", h.Withdraw)

		api.POST("/confirmations", h.Confirm)
		api.DELETE("/confirmations", h.CancelConfirm)
	}

	ops := api.Group("/ops", middleware.RequireRole(middleware.RoleOperator))
	{
		ops.POST("/transfers/:id/resolve", h.Resolve)
		ops.GET("/audit", h.Audit)
	}
}
