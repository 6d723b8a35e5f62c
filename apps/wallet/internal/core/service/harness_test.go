package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay.com/apps/wallet/internal/core/fee"
	"cryptopay.com/apps/wallet/internal/core/service"
	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/apps/wallet/internal/infra/persistence"
	"cryptopay.com/pkg/orm"
	"cryptopay.com/pkg/xerr"
)

const (
	poolWallet = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	alice      = int64(1)
	bob        = int64(2)
	carol      = int64(3) // 推荐人
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]interface{}{"want %s got %s", want, got.String()}, msgAndArgs...)...)
}

type fakeNotifier struct {
	mu        sync.Mutex
	events    []domain.Event
	escalated []domain.Event
}

func (f *fakeNotifier) Notify(_ context.Context, ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeNotifier) Escalate(_ context.Context, ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, ev)
	return nil
}

func (f *fakeNotifier) kinds() []domain.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EventKind, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (f *fakeNotifier) lastCode(account int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Kind == domain.EventConfirmCode && f.events[i].AccountID == account {
			return f.events[i].Code
		}
	}
	return ""
}

// fakePayer 可编排的出金适配器
// hang=true 时 Broadcast 一直等到 ctx 到期，和真实适配器轮询确认一样
type fakePayer struct {
	mu           sync.Mutex
	prepareErr   error
	broadcastErr error
	hang         bool
	onBroadcast  func(sp *domain.SignedPayout)
	state        domain.TxState
	statusErr    error
	sent         []*domain.SignedPayout
	prepared     int
}

func (p *fakePayer) ValidateAddress(address string) error {
	if !domain.ValidAddressFormat(address) {
		return xerr.New(xerr.ValidationError, "bad address")
	}
	return nil
}

func (p *fakePayer) PreparePayout(_ context.Context, _ domain.Asset, _ string, _ decimal.Decimal) (*domain.SignedPayout, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepared++
	if p.prepareErr != nil {
		return nil, p.prepareErr
	}
	return &domain.SignedPayout{TxID: "sig-" + uuid.NewString(), Payload: []byte("tx")}, nil
}

func (p *fakePayer) Broadcast(ctx context.Context, sp *domain.SignedPayout) error {
	p.mu.Lock()
	err, hang, hook := p.broadcastErr, p.hang, p.onBroadcast
	if err == nil {
		p.sent = append(p.sent, sp)
	}
	p.mu.Unlock()

	if hook != nil {
		hook(sp)
	}
	if hang {
		<-ctx.Done()
		return &domain.PayoutError{TxID: sp.TxID, Ambiguous: true, Err: ctx.Err()}
	}
	return err
}

func (p *fakePayer) TxStatus(ctx context.Context, _ string, _ time.Time) (domain.TxState, error) {
	if err := ctx.Err(); err != nil {
		return domain.TxUnknown, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.statusErr
}

type harness struct {
	repo     *persistence.Repo
	assets   *domain.AssetRegistry
	payer    *fakePayer
	notifier *fakeNotifier
	ledger   *service.Ledger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := orm.NewSQLite(&orm.Config{
		DSN:      "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		LogLevel: "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	repo := persistence.New(db)
	require.NoError(t, repo.AutoMigrate(context.Background()))

	assets, err := domain.NewAssetRegistry(domain.DefaultAssets())
	require.NoError(t, err)

	h := &harness{repo: repo, assets: assets, payer: &fakePayer{}, notifier: &fakeNotifier{}}
	pool := domain.PoolAddresses{Wallet: poolWallet, TokenAccount: map[string]string{}}
	fees := fee.NewCalculator(fee.DefaultConfig())
	balances := service.NewBalanceService(repo, assets, nil, time.Minute)
	accounts := service.NewAccountService(repo, h.payer, pool, assets)
	transfers := service.NewTransferService(repo, assets, fees, balances, h.notifier)
	withdraws := service.NewWithdrawService(repo, assets, fees, h.payer, service.NewMemLocker(), balances, h.notifier,
		service.WithdrawConfig{PayoutTimeout: time.Second, StaleAfter: time.Minute})
	confirm := service.NewConfirmService(repo, h.notifier, service.ConfirmConfig{TTL: time.Minute})
	h.ledger = service.NewLedger(repo, assets, accounts, balances, transfers, withdraws, confirm, 12)
	return h
}

// account 创建账户，默认关闭验证码，方便直接执行
func (h *harness) account(t *testing.T, id int64, handle string, referrer *int64) {
	t.Helper()
	ctx := context.Background()
	_, err := h.ledger.EnsureAccount(ctx, id, handle, referrer)
	require.NoError(t, err)
	off := false
	require.NoError(t, h.ledger.UpdateSettings(ctx, id, service.SettingsUpdate{CodeEnabled: &off}))
}

// deposit 模拟一笔已入账的充值，保持账本守恒
func (h *harness) deposit(t *testing.T, id int64, asset, amount string) {
	t.Helper()
	ctx := context.Background()
	err := h.repo.Transaction(ctx, func(ctx context.Context) error {
		if _, err := h.repo.Adjust(ctx, id, asset, d(amount), decimal.Zero); err != nil {
			return err
		}
		_, err := h.repo.CreateDeposit(ctx, &domain.Deposit{TxID: uuid.NewString(), AccountID: id, Asset: asset, Amount: d(amount)})
		return err
	})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, id int64, asset string) domain.Balance {
	t.Helper()
	b, err := h.repo.GetBalance(context.Background(), id, asset)
	require.NoError(t, err)
	return b
}

func (h *harness) assertBalanced(t *testing.T) {
	t.Helper()
	reports, err := h.ledger.Audit(context.Background())
	require.NoError(t, err)
	for _, r := range reports {
		assert.True(t, r.Balanced, "%s 不守恒: %s", r.Asset, r.Discrepancy)
	}
}

func ptr(v int64) *int64 { return &v }
