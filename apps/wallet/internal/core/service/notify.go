package service

import (
	"context"

	"go.uber.org/zap"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/logger"
)

// 通知失败不影响账本，只记日志
func notify(ctx context.Context, n domain.Notifier, ev domain.Event) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, ev); err != nil {
		logger.Warn(ctx, "⚠️ 通知发送失败", zap.String("kind", string(ev.Kind)), zap.Int64("account", ev.AccountID), zap.Error(err))
	}
}

func escalate(ctx context.Context, n domain.Notifier, ev domain.Event) {
	if n == nil {
		return
	}
	if err := n.Escalate(ctx, ev); err != nil {
		logger.Error(ctx, "🚨 告警发送失败", zap.String("kind", string(ev.Kind)), zap.String("ref", ev.RefID), zap.Error(err))
	}
}
