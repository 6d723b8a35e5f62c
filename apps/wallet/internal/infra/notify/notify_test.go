package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/xerr"
)

type msg struct {
	subject string
	data    []byte
}

type fakePub struct {
	msgs []msg
	err  error
}

func (f *fakePub) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg{subject, data})
	return nil
}

func TestNats_Subjects(t *testing.T) {
	cases := []struct {
		name     string
		prefix   string
		escalate bool
		kind     domain.EventKind
		want     string
	}{
		{"用户事件", "", false, domain.EventDepositCredited, "wallet.events.deposit.credited"},
		{"告警", "", true, domain.EventWithdrawStale, "wallet.escalations"},
		{"带前缀", "prod.", false, domain.EventConfirmCode, "prod.wallet.events.confirm.code"},
		{"带前缀告警", "prod", true, domain.EventNegativeBalance, "prod.wallet.escalations"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			pub := &fakePub{}
			n := newNats(pub, c.prefix)
			ev := domain.Event{Kind: c.kind, AccountID: 7, RefID: "r1", Amount: "1.5"}
			var err error
			if c.escalate {
				err = n.Escalate(context.Background(), ev)
			} else {
				err = n.Notify(context.Background(), ev)
			}
			require.NoError(t, err)
			require.Len(t, pub.msgs, 1)
			assert.Equal(t, c.want, pub.msgs[0].subject)

			var got domain.Event
			require.NoError(t, json.Unmarshal(pub.msgs[0].data, &got))
			assert.Equal(t, ev, got)
		})
	}
}

func TestNats_PublishError(t *testing.T) {
	n := newNats(&fakePub{err: errors.New("nats: connection closed")}, "")
	err := n.Notify(context.Background(), domain.Event{Kind: domain.EventWithdrawPaid})
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.ExternalUnavailable))
}

func TestLog(t *testing.T) {
	var n domain.Notifier = Log{}
	assert.NoError(t, n.Notify(context.Background(), domain.Event{Kind: domain.EventConfirmCode, Code: "123456"}))
	assert.NoError(t, n.Escalate(context.Background(), domain.Event{Kind: domain.EventWithdrawStale}))
}
