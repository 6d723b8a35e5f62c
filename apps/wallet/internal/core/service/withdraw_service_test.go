package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay.com/apps/wallet/internal/core/fee"
	"cryptopay.com/apps/wallet/internal/core/service"
	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/xerr"
)

const dest = "So11111111111111111111111111111111111111112"

func (h *harness) withdraw(t *testing.T, id int64, amount string) (*service.WithdrawalView, error) {
	t.Helper()
	ch, err := h.ledger.RequestWithdrawal(context.Background(), service.WithdrawInput{AccountID: id, Amount: amount, Destination: dest})
	if err != nil {
		return nil, err
	}
	require.True(t, ch.Done)
	return ch.Result.(*service.WithdrawalView), nil
}

func TestWithdrawPaid(t *testing.T) {
	h := newHarness(t)
	h.account(t, alice, "alice", nil)
	h.deposit(t, alice, "SOL", "1")

	w, err := h.withdraw(t, alice, "0.5 SOL")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawPaid, w.Status)
	assert.NotEmpty(t, w.TxID)
	assert.Len(t, h.payer.sent, 1)

	assertDec(t, "0.5", h.balance(t, alice, "SOL").Available)
	h.assertBalanced(t)
	assert.Contains(t, h.notifier.kinds(), domain.EventWithdrawPaid)
}

func TestWithdrawRejectedBeforeReserve(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, alice, "alice", nil)
	h.deposit(t, alice, "SOL", "1")

	tests := []struct {
		name string
		in   service.WithdrawInput
		code int
	}{
		{"低于最小提现", service.WithdrawInput{AccountID: alice, Amount: "0.001", Destination: dest}, xerr.ValidationError},
		{"余额不足", service.WithdrawInput{AccountID: alice, Amount: "2", Destination: dest}, xerr.InsufficientFunds},
		{"地址非法", service.WithdrawInput{AccountID: alice, Amount: "0.5", Destination: "0xdeadbeef"}, xerr.ValidationError},
		{"金额格式错误", service.WithdrawInput{AccountID: alice, Amount: "abc", Destination: dest}, xerr.ValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ledger.RequestWithdrawal(ctx, tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.code, xerr.CodeOf(err), err.Error())
		})
	}
	assert.Zero(t, h.payer.prepared, "校验失败不能触发出金")
	assertDec(t, "1", h.balance(t, alice, "SOL").Available)
}

func TestWithdrawRollback(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *fakePayer)
	}{
		{"签名失败", func(p *fakePayer) { p.prepareErr = errors.New("rpc down") }},
		{"广播被拒绝", func(p *fakePayer) {
			p.broadcastErr = &domain.PayoutError{Err: errors.New("insufficient lamports")}
		}},
		{"结果不明但交易已失败", func(p *fakePayer) {
			p.broadcastErr = &domain.PayoutError{Ambiguous: true, Err: context.DeadlineExceeded}
			p.state = domain.TxFailed
		}},
		{"结果不明且 blockhash 已过期", func(p *fakePayer) {
			p.broadcastErr = &domain.PayoutError{Ambiguous: true, Err: context.DeadlineExceeded}
			p.state = domain.TxExpired
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.account(t, alice, "alice", nil)
			h.deposit(t, alice, "SOL", "1")
			tt.setup(h.payer)

			_, err := h.withdraw(t, alice, "0.5")
			require.Error(t, err)
			assert.True(t, xerr.Is(err, xerr.PayoutFailed), err.Error())

			assertDec(t, "1", h.balance(t, alice, "SOL").Available, "失败必须全额退回")
			hist, err := h.ledger.GetHistory(context.Background(), alice)
			require.NoError(t, err)
			require.Len(t, hist.Withdrawals, 1)
			assert.Equal(t, domain.WithdrawError, hist.Withdrawals[0].Status)
			h.assertBalanced(t)
			assert.Contains(t, h.notifier.kinds(), domain.EventWithdrawFailed)
		})
	}
}

func TestWithdrawAmbiguousStaysPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, alice, "alice", nil)
	h.deposit(t, alice, "SOL", "1")
	h.payer.broadcastErr = &domain.PayoutError{Ambiguous: true, Err: context.DeadlineExceeded}
	h.payer.state = domain.TxUnknown

	w, err := h.withdraw(t, alice, "0.5")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawPending, w.Status)
	assertDec(t, "0.5", h.balance(t, alice, "SOL").Available, "结果不明时保持预留")
	h.assertBalanced(t)

	pending, err := h.repo.ListPendingWithdrawals(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	done, err := h.ledger.Withdraws.ResolvePending(ctx, pending[0])
	require.NoError(t, err)
	assert.False(t, done, "链上仍然查不到")

	h.payer.state = domain.TxLanded
	done, err = h.ledger.Withdraws.ResolvePending(ctx, pending[0])
	require.NoError(t, err)
	assert.True(t, done)

	got, err := h.repo.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawPaid, got.Status)
	assertDec(t, "0.5", h.balance(t, alice, "SOL").Available)
	h.assertBalanced(t)
}

func TestResolvePendingNeverBroadcast(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, alice, "alice", nil)
	h.deposit(t, alice, "SOL", "1")

	w := &domain.Withdrawal{ID: "w-1", AccountID: alice, Asset: "SOL", Destination: dest,
		Gross: d("0.4"), Fee: decimal.Zero, Net: d("0.4"), Status: domain.WithdrawPending}
	err := h.repo.Transaction(ctx, func(ctx context.Context) error {
		if _, err := h.repo.Adjust(ctx, alice, "SOL", d("-0.4"), decimal.Zero); err != nil {
			return err
		}
		return h.repo.CreateWithdrawal(ctx, w)
	})
	require.NoError(t, err)

	done, err := h.ledger.Withdraws.ResolvePending(ctx, *w)
	require.NoError(t, err)
	assert.True(t, done)
	assertDec(t, "1", h.balance(t, alice, "SOL").Available)
	h.assertBalanced(t)
}

func TestWithdrawFeeGoesToPlatform(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, alice, "alice", nil)
	h.deposit(t, alice, "USDC", "100")

	cfg := fee.DefaultConfig()
	cfg.WithdrawFixedFee = d("1")
	balances := service.NewBalanceService(h.repo, h.assets, nil, time.Minute)
	svc := service.NewWithdrawService(h.repo, h.assets, fee.NewCalculator(cfg), h.payer, nil, balances, h.notifier, service.WithdrawConfig{})

	w, err := svc.Request(ctx, service.WithdrawRequest{AccountID: alice, Asset: "USDC", Destination: dest, Amount: d("10")})
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawPaid, w.Status)
	assertDec(t, "9", w.Net)
	assertDec(t, "90", h.balance(t, alice, "USDC").Available)
	assertDec(t, "1", h.balance(t, domain.PlatformAccountID, "USDC").Available)
	h.assertBalanced(t)
}

func TestWithdrawBroadcastTimeoutChecksChain(t *testing.T) {
	tests := []struct {
		name      string
		state     domain.TxState
		status    domain.WithdrawStatus
		available string
		failed    bool
	}{
		{"超时但链上已确认", domain.TxLanded, domain.WithdrawPaid, "0.5", false},
		{"超时且交易已过期", domain.TxExpired, domain.WithdrawError, "1", true},
		{"超时且链上查不到", domain.TxUnknown, domain.WithdrawPending, "0.5", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			h.account(t, alice, "alice", nil)
			h.deposit(t, alice, "SOL", "1")
			h.payer.hang = true
			h.payer.state = tt.state

			balances := service.NewBalanceService(h.repo, h.assets, nil, time.Minute)
			svc := service.NewWithdrawService(h.repo, h.assets, fee.NewCalculator(fee.DefaultConfig()), h.payer, nil, balances, h.notifier,
				service.WithdrawConfig{PayoutTimeout: 50 * time.Millisecond, StatusTimeout: time.Second})

			w, err := svc.Request(ctx, service.WithdrawRequest{AccountID: alice, Asset: "SOL", Destination: dest, Amount: d("0.5")})
			if tt.failed {
				assert.True(t, xerr.Is(err, xerr.PayoutFailed))
			} else {
				require.NoError(t, err)
			}

			got, err := h.repo.GetWithdrawal(ctx, w.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assertDec(t, tt.available, h.balance(t, alice, "SOL").Available)
			h.assertBalanced(t)
		})
	}
}

func TestWithdrawAlreadyPaidByMonitor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, alice, "alice", nil)
	h.deposit(t, alice, "USDC", "100")
	h.payer.state = domain.TxLanded

	cfg := fee.DefaultConfig()
	cfg.WithdrawFixedFee = d("1")
	balances := service.NewBalanceService(h.repo, h.assets, nil, time.Minute)
	svc := service.NewWithdrawService(h.repo, h.assets, fee.NewCalculator(cfg), h.payer, nil, balances, h.notifier, service.WithdrawConfig{})

	// 广播返回之前，巡检已经按链上状态把单子记为到账
	h.payer.onBroadcast = func(*domain.SignedPayout) {
		pending, err := h.repo.ListPendingWithdrawals(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		done, err := svc.ResolvePending(ctx, pending[0])
		require.NoError(t, err)
		require.True(t, done)
	}

	w, err := svc.Request(ctx, service.WithdrawRequest{AccountID: alice, Asset: "USDC", Destination: dest, Amount: d("10")})
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawPaid, w.Status)
	assertDec(t, "90", h.balance(t, alice, "USDC").Available)
	assertDec(t, "1", h.balance(t, domain.PlatformAccountID, "USDC").Available, "服务费只记一次")
	h.assertBalanced(t)
}
