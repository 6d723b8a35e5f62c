package domain

import "context"

type EventKind string

const (
	EventConfirmCode      EventKind = "confirm.code"
	EventDepositCredited  EventKind = "deposit.credited"
	EventTransferReceived EventKind = "transfer.received"
	EventEscrowReleased   EventKind = "escrow.released"
	EventEscrowShipped    EventKind = "escrow.shipped"
	EventEscrowDisputed   EventKind = "escrow.disputed"
	EventEscrowResolved   EventKind = "escrow.resolved"
	EventWithdrawPaid     EventKind = "withdraw.paid"
	EventWithdrawFailed   EventKind = "withdraw.failed"
	EventWithdrawStale    EventKind = "withdraw.stale"
	EventNegativeBalance  EventKind = "ledger.negative_balance"
	EventReferralRebate   EventKind = "referral.rebate"
)

// Event 推给前端（用户消息）或运营（告警）
type Event struct {
	Kind      EventKind `json:"kind"`
	AccountID int64     `json:"account_id,omitempty"`
	RefID     string    `json:"ref_id,omitempty"` // 转账 / 提现 / 交易 ID
	Asset     string    `json:"asset,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Notifier 通知失败不影响账本结果，调用方只记日志
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Escalate(ctx context.Context, ev Event) error
}
