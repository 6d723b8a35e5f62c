package scanner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/logger"
	"cryptopay.com/pkg/metrics"
	"cryptopay.com/pkg/safe"
)

// StaleResolver service.WithdrawService 实现
type StaleResolver interface {
	ListStale(ctx context.Context, now time.Time, limit int) ([]domain.Withdrawal, error)
	ResolvePending(ctx context.Context, w domain.Withdrawal) (bool, error)
}

// WithdrawMonitor 巡检长时间 pending 的提现：能确定结果的直接终结，确定不了的告警
type WithdrawMonitor struct {
	svc       StaleResolver
	notifier  domain.Notifier
	interval  time.Duration
	batch     int
	now       func() time.Time
	escalated map[string]bool
}

func NewWithdrawMonitor(svc StaleResolver, notifier domain.Notifier, interval time.Duration) *WithdrawMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &WithdrawMonitor{svc: svc, notifier: notifier, interval: interval, batch: 100, now: time.Now, escalated: map[string]bool{}}
}

func (m *WithdrawMonitor) Start(ctx context.Context) {
	logger.Info(ctx, "🚀 提现巡检启动", zap.Duration("interval", m.interval))
	safe.Loop(ctx, "withdraw-monitor", m.interval, func(ctx context.Context) { m.Check(ctx) })
	logger.Info(ctx, "🛑 提现巡检停止")
}

// Check 返回仍然无法终结的提现数量
func (m *WithdrawMonitor) Check(ctx context.Context) int {
	list, err := m.svc.ListStale(ctx, m.now(), m.batch)
	if err != nil {
		logger.Error(ctx, "查询滞留提现失败", zap.Error(err))
		return 0
	}

	stuck := 0
	for _, w := range list {
		done, err := m.svc.ResolvePending(ctx, w)
		if err != nil {
			logger.Warn(ctx, "滞留提现暂时无法确认", zap.String("withdrawal", w.ID), zap.String("tx", w.TxID), zap.Error(err))
		}
		if done {
			delete(m.escalated, w.ID)
			logger.Info(ctx, "✅ 滞留提现已终结", zap.String("withdrawal", w.ID), zap.String("tx", w.TxID))
			continue
		}
		stuck++
		if m.escalated[w.ID] {
			continue
		}
		m.escalated[w.ID] = true
		logger.Error(ctx, "🚨 提现长时间未确认",
			zap.String("withdrawal", w.ID),
			zap.Int64("account", w.AccountID),
			zap.String("asset", w.Asset),
			zap.String("gross", w.Gross.String()),
			zap.String("tx", w.TxID),
			zap.Time("created_at", w.CreatedAt))
		if m.notifier != nil {
			ev := domain.Event{Kind: domain.EventWithdrawStale, AccountID: w.AccountID, RefID: w.ID, Asset: w.Asset,
				Amount: w.Gross.String(), Message: "tx=" + w.TxID}
			if err := m.notifier.Escalate(ctx, ev); err != nil {
				logger.Error(ctx, "🚨 告警发送失败", zap.String("withdrawal", w.ID), zap.Error(err))
			}
		}
	}
	metrics.WithdrawalsPending.Set(float64(stuck))
	return stuck
}
