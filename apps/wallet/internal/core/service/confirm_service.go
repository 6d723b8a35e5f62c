package service

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/logger"
	"cryptopay.com/pkg/metrics"
	"cryptopay.com/pkg/safe"
	"cryptopay.com/pkg/xerr"
)

type OpKind string

const (
	OpSend     OpKind = "send"
	OpWithdraw OpKind = "withdraw"
	OpRelease  OpKind = "release"
)

// Executor 执行被确认保护的操作；payload 是 Begin 时序列化的请求
type Executor func(ctx context.Context, accountID int64, payload []byte) (interface{}, error)

type ConfirmConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	EchoCode bool          `mapstructure:"echo_code"`
}

// Challenge Begin 的返回
// Done=true 表示账户关闭了验证码，操作已经直接执行，结果在 Result 里
type Challenge struct {
	Kind      OpKind      `json:"kind"`
	Done      bool        `json:"done"`
	Code      string      `json:"code,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Result    interface{} `json:"result,omitempty"`
}

type pendingOp struct {
	kind      OpKind
	payload   []byte
	code      string
	expiresAt time.Time
}

// ConfirmService 密码 + 一次性验证码两步确认
// 每个账户最多一个待确认操作，只存内存，重启即失效
type ConfirmService struct {
	accounts  domain.AccountRepo
	notifier  domain.Notifier
	cfg       ConfirmConfig
	now       func() time.Time
	mu        sync.Mutex
	pending   map[int64]*pendingOp
	executors map[OpKind]Executor
}

func NewConfirmService(accounts domain.AccountRepo, notifier domain.Notifier, cfg ConfirmConfig) *ConfirmService {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &ConfirmService{
		accounts:  accounts,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
		pending:   map[int64]*pendingOp{},
		executors: map[OpKind]Executor{},
	}
}

// Register 启动时注册，之后只读
func (s *ConfirmService) Register(kind OpKind, exec Executor) {
	s.executors[kind] = exec
}

// Begin 发起确认
// 新的发起总是先丢弃旧的待确认操作；密码错误时不会生成新的
func (s *ConfirmService) Begin(ctx context.Context, accountID int64, kind OpKind, req interface{}, password string) (*Challenge, error) {
	exec, ok := s.executors[kind]
	if !ok {
		return nil, xerr.New(xerr.ServerCommonError, "no executor for "+string(kind))
	}
	acc, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ServerCommonError, "encode pending payload failed")
	}

	s.drop(accountID)

	if acc.HasPassword() && !checkPassword(acc.PasswordHash, password) {
		metrics.ConfirmationsTotal.WithLabelValues(string(kind), "password_mismatch").Inc()
		return nil, xerr.NewErrCode(xerr.PasswordMismatch)
	}

	if !acc.CodeEnabled {
		res, err := exec(ctx, accountID, payload)
		s.observe(kind, err)
		if err != nil {
			return nil, err
		}
		return &Challenge{Kind: kind, Done: true, Result: res}, nil
	}

	code, err := newCode()
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ServerCommonError, "generate code failed")
	}
	exp := s.now().Add(s.cfg.TTL)
	s.mu.Lock()
	s.pending[accountID] = &pendingOp{kind: kind, payload: payload, code: code, expiresAt: exp}
	s.mu.Unlock()

	notify(ctx, s.notifier, domain.Event{Kind: domain.EventConfirmCode, AccountID: accountID, Code: code, Message: string(kind)})
	logger.Info(ctx, "🔑 等待验证码", zap.Int64("account", accountID), zap.String("kind", string(kind)), zap.Time("expires_at", exp))

	ch := &Challenge{Kind: kind, ExpiresAt: &exp}
	if s.cfg.EchoCode {
		ch.Code = code
	}
	return ch, nil
}

// Confirm 校验验证码；不论结果如何待确认操作都会被销毁
func (s *ConfirmService) Confirm(ctx context.Context, accountID int64, code string) (OpKind, interface{}, error) {
	s.mu.Lock()
	p, ok := s.pending[accountID]
	delete(s.pending, accountID)
	s.mu.Unlock()

	if !ok {
		return "", nil, xerr.NewErrCode(xerr.NoPendingConfirmation)
	}
	if !s.now().Before(p.expiresAt) {
		metrics.ConfirmationsTotal.WithLabelValues(string(p.kind), "expired").Inc()
		return p.kind, nil, xerr.NewErrCode(xerr.ConfirmationExpired)
	}
	if !codeEqual(code, p.code) {
		metrics.ConfirmationsTotal.WithLabelValues(string(p.kind), "mismatch").Inc()
		logger.Warn(ctx, "验证码错误，操作已取消", zap.Int64("account", accountID), zap.String("kind", string(p.kind)))
		return p.kind, nil, xerr.NewErrCode(xerr.CodeMismatch)
	}

	res, err := s.executors[p.kind](ctx, accountID, p.payload)
	s.observe(p.kind, err)
	return p.kind, res, err
}

// Cancel 用户主动取消；返回是否真的有待确认操作
func (s *ConfirmService) Cancel(accountID int64) bool {
	return s.drop(accountID)
}

// HasPending 前端用来判断下一条消息是不是验证码
func (s *ConfirmService) HasPending(accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[accountID]
	return ok && s.now().Before(p.expiresAt)
}

func (s *ConfirmService) drop(accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[accountID]
	delete(s.pending, accountID)
	return ok
}

// Sweep 清理过期的待确认操作，返回清理数量
func (s *ConfirmService) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.pending {
		if !now.Before(p.expiresAt) {
			delete(s.pending, id)
			n++
		}
	}
	return n
}

// Run 后台清理，阻塞到 ctx 取消
func (s *ConfirmService) Run(ctx context.Context) {
	safe.Loop(ctx, "confirm-janitor", s.cfg.TTL/2, func(ctx context.Context) {
		if n := s.Sweep(); n > 0 {
			logger.Debug(ctx, "🧹 清理过期验证码", zap.Int("count", n))
		}
	})
}

func (s *ConfirmService) observe(kind OpKind, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	metrics.ConfirmationsTotal.WithLabelValues(string(kind), result).Inc()
}
