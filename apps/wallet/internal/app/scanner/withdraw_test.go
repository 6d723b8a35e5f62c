package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"cryptopay.com/apps/wallet/internal/domain"
)

type fakeResolver struct {
	list    []domain.Withdrawal
	done    map[string]bool
	errs    map[string]error
	calls   int
	cutoffs []time.Time
}

func (f *fakeResolver) ListStale(_ context.Context, now time.Time, _ int) ([]domain.Withdrawal, error) {
	f.cutoffs = append(f.cutoffs, now)
	return f.list, nil
}

func (f *fakeResolver) ResolvePending(_ context.Context, w domain.Withdrawal) (bool, error) {
	f.calls++
	return f.done[w.ID], f.errs[w.ID]
}

type escalations struct{ events []domain.Event }

func (e *escalations) Notify(context.Context, domain.Event) error { return nil }
func (e *escalations) Escalate(_ context.Context, ev domain.Event) error {
	e.events = append(e.events, ev)
	return nil
}

func TestWithdrawMonitorCheck(t *testing.T) {
	res := &fakeResolver{
		list: []domain.Withdrawal{
			{ID: "w1", TxID: "sig1", Gross: decimal.NewFromInt(1)},
			{ID: "w2", TxID: "sig2", Gross: decimal.NewFromInt(2)},
			{ID: "w3", TxID: "sig3", Gross: decimal.NewFromInt(3)},
		},
		done: map[string]bool{"w1": true},
		errs: map[string]error{"w3": errors.New("rpc down")},
	}
	n := &escalations{}
	m := NewWithdrawMonitor(res, n, time.Minute)

	assert.Equal(t, 2, m.Check(context.Background()))
	assert.Equal(t, 3, res.calls)
	assert.Len(t, n.events, 2)
	for _, ev := range n.events {
		assert.Equal(t, domain.EventWithdrawStale, ev.Kind)
	}

	m.Check(context.Background())
	assert.Len(t, n.events, 2, "同一笔只告警一次")
}
