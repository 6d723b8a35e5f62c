package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay.com/apps/wallet/internal/core/service"
	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/xerr"
)

func (h *harness) send(t *testing.T, from int64, to, amount string, mode domain.TransferMode) *service.TransferView {
	t.Helper()
	ch, err := h.ledger.InitiateSend(context.Background(), service.SendInput{SenderID: from, Receiver: to, Amount: amount, Mode: mode})
	require.NoError(t, err)
	require.True(t, ch.Done)
	v, ok := ch.Result.(*service.TransferView)
	require.True(t, ok)
	return v
}

func TestEscrowSendAndRelease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, carol, "carol", nil)
	h.account(t, alice, "alice", ptr(carol))
	h.account(t, bob, "Bob", nil)
	h.deposit(t, alice, "SOL", "10")

	v := h.send(t, alice, "@bob", "10 sol", "escrow")
	assert.Equal(t, domain.TransferHeld, v.Status)
	assert.Equal(t, service.DirOut, v.Direction)
	assert.Equal(t, "Bob", v.Handle)

	assertDec(t, "0", h.balance(t, alice, "SOL").Available)
	assertDec(t, "0", h.balance(t, bob, "SOL").Available)
	assertDec(t, "9.92", h.balance(t, bob, "SOL").Held)
	assertDec(t, "0.02", h.balance(t, carol, "SOL").Available)
	assertDec(t, "0.06", h.balance(t, domain.PlatformAccountID, "SOL").Available)
	h.assertBalanced(t)
	assert.Contains(t, h.notifier.kinds(), domain.EventTransferReceived)
	assert.Contains(t, h.notifier.kinds(), domain.EventReferralRebate)

	_, err := h.ledger.ReleaseEscrow(ctx, bob, v.ID, "")
	assert.True(t, xerr.Is(err, xerr.NotEligible), "收款方不能释放")

	ch, err := h.ledger.ReleaseEscrow(ctx, alice, v.ID, "")
	require.NoError(t, err)
	require.True(t, ch.Done)
	assert.Equal(t, domain.TransferReleased, ch.Result.(*service.TransferView).Status)
	assertDec(t, "9.92", h.balance(t, bob, "SOL").Available)
	assertDec(t, "0", h.balance(t, bob, "SOL").Held)
	h.assertBalanced(t)

	_, err = h.ledger.ReleaseEscrow(ctx, alice, v.ID, "")
	assert.True(t, xerr.Is(err, xerr.NotEligible), "不能重复释放")
}

func TestFNFSend(t *testing.T) {
	h := newHarness(t)
	h.account(t, alice, "alice", nil)
	h.account(t, bob, "bob", nil)
	h.deposit(t, alice, "SOL", "5")

	v := h.send(t, alice, "2", "5", domain.ModeFNF)
	assert.Equal(t, domain.TransferCompleted, v.Status)
	assert.Equal(t, "0.030000000", v.Fee)

	assertDec(t, "4.97", h.balance(t, bob, "SOL").Available)
	assertDec(t, "0", h.balance(t, bob, "SOL").Held)
	assertDec(t, "0.03", h.balance(t, domain.PlatformAccountID, "SOL").Available)
	h.assertBalanced(t)
}

func TestSendRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, alice, "alice", nil)
	h.account(t, bob, "bob", nil)
	h.deposit(t, alice, "USDC", "1")

	tests := []struct {
		name string
		in   service.SendInput
		code int
	}{
		{"余额不足", service.SendInput{SenderID: alice, Receiver: "@bob", Amount: "2 USDC", Mode: domain.ModeFNF}, xerr.InsufficientFunds},
		{"转给自己", service.SendInput{SenderID: alice, Receiver: "@alice", Amount: "1 USDC", Mode: domain.ModeFNF}, xerr.ValidationError},
		{"收款人不存在", service.SendInput{SenderID: alice, Receiver: "@nobody", Amount: "1 USDC", Mode: domain.ModeFNF}, xerr.AccountNotFound},
		{"未知模式", service.SendInput{SenderID: alice, Receiver: "@bob", Amount: "1 USDC", Mode: "GIFT"}, xerr.ValidationError},
		{"未知币种", service.SendInput{SenderID: alice, Receiver: "@bob", Amount: "1 DOGE", Mode: domain.ModeFNF}, xerr.ValidationError},
		{"金额为 0", service.SendInput{SenderID: alice, Receiver: "@bob", Amount: "0", Mode: domain.ModeFNF}, xerr.ValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ledger.InitiateSend(ctx, tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.code, xerr.CodeOf(err), err.Error())
		})
	}
	assertDec(t, "1", h.balance(t, alice, "USDC").Available)
	h.assertBalanced(t)
}

func TestDisputeAndResolve(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		release       bool
		wantStatus    domain.TransferStatus
		aliceAvail    string
		bobAvail      string
		disputeByUser int64
	}{
		{"裁决退款给买家", false, domain.TransferRefunded, "9.92", "0", alice},
		{"裁决放款给卖家", true, domain.TransferReleased, "0", "9.92", bob},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.account(t, alice, "alice", nil)
			h.account(t, bob, "bob", nil)
			h.deposit(t, alice, "SOL", "10")
			v := h.send(t, alice, "@bob", "10", domain.ModeEscrow)

			dv, err := h.ledger.DisputeEscrow(ctx, tt.disputeByUser, v.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.TransferDisputed, dv.Status)
			require.Len(t, h.notifier.escalated, 1)
			assert.Equal(t, domain.EventEscrowDisputed, h.notifier.escalated[0].Kind)

			_, err = h.ledger.ReleaseEscrow(ctx, alice, v.ID, "")
			assert.True(t, xerr.Is(err, xerr.NotEligible), "争议中不能释放")
			_, err = h.ledger.MarkShipped(ctx, bob, v.ID)
			assert.True(t, xerr.Is(err, xerr.NotEligible))

			rv, err := h.ledger.ResolveDispute(ctx, v.ID, tt.release)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rv.Status)
			assertDec(t, tt.aliceAvail, h.balance(t, alice, "SOL").Available)
			assertDec(t, tt.bobAvail, h.balance(t, bob, "SOL").Available)
			assertDec(t, "0", h.balance(t, bob, "SOL").Held)
			h.assertBalanced(t)

			_, err = h.ledger.ResolveDispute(ctx, v.ID, tt.release)
			assert.True(t, xerr.Is(err, xerr.NotEligible), "不能重复裁决")
		})
	}
}

func TestDisputeByOutsider(t *testing.T) {
	h := newHarness(t)
	h.account(t, alice, "alice", nil)
	h.account(t, bob, "bob", nil)
	h.account(t, carol, "carol", nil)
	h.deposit(t, alice, "SOL", "1")
	v := h.send(t, alice, "@bob", "1", domain.ModeEscrow)

	_, err := h.ledger.DisputeEscrow(context.Background(), carol, v.ID)
	assert.True(t, xerr.Is(err, xerr.NotEligible))

	h.deposit(t, alice, "SOL", "1")
	fnf := h.send(t, alice, "@bob", "1", domain.ModeFNF).ID
	_, err = h.ledger.DisputeEscrow(context.Background(), alice, fnf)
	assert.True(t, xerr.Is(err, xerr.NotEligible), "FNF 不能争议")
}

func TestMarkShipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, alice, "alice", nil)
	h.account(t, bob, "bob", nil)
	h.deposit(t, alice, "SOL", "1")
	v := h.send(t, alice, "@bob", "1", domain.ModeEscrow)

	_, err := h.ledger.MarkShipped(ctx, alice, v.ID)
	assert.True(t, xerr.Is(err, xerr.NotEligible), "只有卖家能标记发货")

	sv, err := h.ledger.MarkShipped(ctx, bob, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferHeld, sv.Status)
	assert.Equal(t, service.DirIn, sv.Direction)
	assert.Contains(t, h.notifier.kinds(), domain.EventEscrowShipped)
}

func TestConcurrentSendsNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	h.account(t, alice, "alice", nil)
	h.account(t, bob, "bob", nil)
	h.deposit(t, alice, "SOL", "10")

	var (
		wg sync.WaitGroup
		ok int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := h.ledger.InitiateSend(context.Background(), service.SendInput{SenderID: alice, Receiver: "@bob", Amount: "1", Mode: domain.ModeFNF})
			if err == nil && ch.Done {
				atomic.AddInt32(&ok, 1)
				return
			}
			assert.True(t, xerr.Is(err, xerr.InsufficientFunds), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok)
	assertDec(t, "0", h.balance(t, alice, "SOL").Available)
	assertDec(t, "9.94", h.balance(t, bob, "SOL").Available)
	h.assertBalanced(t)
}

func TestHistory(t *testing.T) {
	h := newHarness(t)
	h.account(t, alice, "alice", nil)
	h.account(t, bob, "bob", nil)
	h.deposit(t, alice, "SOL", "3")
	h.send(t, alice, "@bob", "1", domain.ModeFNF)
	h.send(t, alice, "@bob", "1", domain.ModeEscrow)

	hist, err := h.ledger.GetHistory(context.Background(), bob)
	require.NoError(t, err)
	require.Len(t, hist.Transfers, 2)
	for _, tv := range hist.Transfers {
		assert.Equal(t, service.DirIn, tv.Direction)
		assert.Equal(t, alice, tv.Counterparty)
		assert.Equal(t, "alice", tv.Handle)
	}
	assert.Empty(t, hist.Deposits)

	hist, err = h.ledger.GetHistory(context.Background(), alice)
	require.NoError(t, err)
	assert.Len(t, hist.Deposits, 1)
	assert.Equal(t, service.DirOut, hist.Transfers[0].Direction)

	views, err := h.ledger.GetBalances(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, views, 3, "所有登记资产都要展示")
}
