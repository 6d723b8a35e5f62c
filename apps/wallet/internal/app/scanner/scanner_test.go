package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay.com/apps/wallet/internal/core/handler"
	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/xerr"
)

type fakeReader struct {
	mu     sync.Mutex
	lists  map[string][]string
	txs    map[string]*domain.ChainTx
	errs   map[string]error
	detail map[string]int
}

func (f *fakeReader) ListRecentTransactions(_ context.Context, address string, limit int) ([]string, error) {
	l := f.lists[address]
	if len(l) > limit {
		l = l[:limit]
	}
	return l, nil
}

func (f *fakeReader) GetTransactionDetail(_ context.Context, txID string) (*domain.ChainTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detail[txID]++
	if err := f.errs[txID]; err != nil {
		return nil, err
	}
	return f.txs[txID], nil
}

type fakeHandler struct {
	mu      sync.Mutex
	handled []string
}

func (h *fakeHandler) Handle(_ context.Context, tx *domain.ChainTx) (handler.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, tx.ID)
	return handler.Result{Outcome: domain.OutcomeUnmatched}, nil
}

type fakeSeen map[string]bool

func (s fakeSeen) SeenSet(_ context.Context, ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range ids {
		if s[id] {
			out[id] = true
		}
	}
	return out, nil
}

type fakeMaster struct{ master bool }

func (m *fakeMaster) TryAcquireMaster(context.Context, string, time.Duration) bool { return m.master }
func (m *fakeMaster) Release(context.Context, string)                              {}

func at(sec int64) *time.Time {
	t := time.Unix(sec, 0)
	return &t
}

func newFixture() (*fakeReader, *fakeHandler, domain.PoolAddresses) {
	pool := domain.PoolAddresses{Wallet: "wallet", TokenAccount: map[string]string{"mint": "ata"}}
	r := &fakeReader{
		// 最新在前
		lists: map[string][]string{
			"wallet": {"s4", "s3", "s1"},
			"ata":    {"s3", "s2"},
		},
		txs: map[string]*domain.ChainTx{
			"s1": {ID: "s1", BlockTime: at(100)},
			"s2": {ID: "s2", BlockTime: at(200)},
			"s3": {ID: "s3", BlockTime: at(300)},
			"s4": {ID: "s4", BlockTime: at(400)},
		},
		errs:   map[string]error{},
		detail: map[string]int{},
	}
	return r, &fakeHandler{}, pool
}

func TestRunOnceOrderingAndDedup(t *testing.T) {
	r, h, pool := newFixture()
	e := New(Config{FetchConcurrency: 3, MaxAttempts: 2}, r, h, fakeSeen{"s1": true}, pool, nil)

	stats, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Listed, "重复签名只算一次")
	assert.Equal(t, 3, stats.New)
	assert.Equal(t, []string{"s2", "s3", "s4"}, h.handled, "按区块时间从老到新处理")
	assert.Equal(t, 3, stats.Outcomes[domain.OutcomeUnmatched])
	assert.Zero(t, r.detail["s1"], "已处理的不再拉详情")
}

func TestRunOnceFetchFailures(t *testing.T) {
	r, h, pool := newFixture()
	r.errs["s2"] = xerr.New(xerr.ExternalUnavailable, "rpc 429")
	r.errs["s3"] = xerr.New(xerr.ValidationError, "bad signature")
	delete(r.txs, "s4") // 还查不到

	e := New(Config{FetchConcurrency: 2, MaxAttempts: 2, FetchTimeout: time.Second}, r, h, fakeSeen{}, pool, nil)
	stats, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.FetchFailed)
	assert.Equal(t, []string{"s1"}, h.handled)
	assert.Equal(t, 2, r.detail["s2"], "系统错误重试到上限")
	assert.Equal(t, 1, r.detail["s3"], "业务错误不重试")
}

func TestTickRequiresMaster(t *testing.T) {
	r, h, pool := newFixture()
	m := &fakeMaster{}
	e := New(Config{}, r, h, fakeSeen{}, pool, m)

	e.tick(context.Background())
	assert.Empty(t, h.handled, "不是主节点不扫描")

	m.master = true
	e.tick(context.Background())
	assert.Len(t, h.handled, 4)
}
