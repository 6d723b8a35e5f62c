package notify

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/logger"
	"cryptopay.com/pkg/xerr"
)

const (
	EventsSubject     = "wallet.events"
	EscalationSubject = "wallet.escalations"
)

// Publisher *nats.Conn 满足这个接口
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Nats 用户事件按类型分 subject，告警统一一个 subject
// 网关订阅 wallet.events.> 再按 account_id 推给前端
type Nats struct {
	pub    Publisher
	prefix string
	nc     *nats.Conn
}

var _ domain.Notifier = (*Nats)(nil)

func NewNats(url, prefix string, opts ...nats.Option) (*Nats, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ExternalUnavailable, "connect nats")
	}
	n := newNats(nc, prefix)
	n.nc = nc
	return n, nil
}

func newNats(pub Publisher, prefix string) *Nats {
	return &Nats{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

func (n *Nats) subject(s string) string {
	if n.prefix == "" {
		return s
	}
	return n.prefix + "." + s
}

func (n *Nats) Notify(ctx context.Context, ev domain.Event) error {
	return n.publish(ctx, n.subject(EventsSubject+"."+string(ev.Kind)), ev)
}

func (n *Nats) Escalate(ctx context.Context, ev domain.Event) error {
	logger.Warn(ctx, "🚨 运营告警", zap.String("kind", string(ev.Kind)), zap.String("ref", ev.RefID), zap.String("msg", ev.Message))
	return n.publish(ctx, n.subject(EscalationSubject), ev)
}

func (n *Nats) publish(ctx context.Context, subject string, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return xerr.Wrap(err, xerr.ServerCommonError, "encode event")
	}
	if err := n.pub.Publish(subject, data); err != nil {
		logger.Error(ctx, "❌ 事件发布失败", zap.String("subject", subject), zap.Error(err))
		return xerr.Wrap(err, xerr.ExternalUnavailable, "publish "+subject)
	}
	return nil
}

func (n *Nats) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
		n.nc.Close()
	}
}

// Log 没配 NATS 时用，只写日志；验证码也会打出来，只适合本地
type Log struct{}

var _ domain.Notifier = Log{}

func (Log) Notify(ctx context.Context, ev domain.Event) error {
	logger.Info(ctx, "🔔 用户通知", fields(ev)...)
	return nil
}

func (Log) Escalate(ctx context.Context, ev domain.Event) error {
	logger.Warn(ctx, "🚨 运营告警", fields(ev)...)
	return nil
}

func fields(ev domain.Event) []zap.Field {
	return []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.Int64("account", ev.AccountID),
		zap.String("ref", ev.RefID),
		zap.String("asset", ev.Asset),
		zap.String("amount", ev.Amount),
		zap.String("code", ev.Code),
		zap.String("msg", ev.Message),
	}
}
