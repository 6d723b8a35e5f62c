package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Transactor 一个逻辑事件的全部写操作在同一个事务里提交
// 事务通过 ctx 传递，仓储方法自动复用
type Transactor interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// LedgerRepo 余额行
type LedgerRepo interface {
	Transactor
	// GetBalance 行不存在时返回 (0, 0)
	GetBalance(ctx context.Context, accountID int64, asset string) (Balance, error)
	ListBalances(ctx context.Context, accountID int64) ([]Balance, error)
	// Adjust 单行原子增减；任一侧变负返回 NegativeBalance
	Adjust(ctx context.Context, accountID int64, asset string, dAvailable, dHeld decimal.Decimal) (*Balance, error)
}

type AccountRepo interface {
	// CreateAccount 已存在时不覆盖，返回 false
	CreateAccount(ctx context.Context, acc *Account) (bool, error)
	GetAccount(ctx context.Context, id int64) (*Account, error)
	GetAccountByHandle(ctx context.Context, handle string) (*Account, error)
	UpdateAccount(ctx context.Context, id int64, fields map[string]interface{}) error
}

type SourceRepo interface {
	// 不存在返回 nil, nil
	GetSourceByAccount(ctx context.Context, accountID int64) (*SourceBinding, error)
	GetSourceByAddress(ctx context.Context, address string) (*SourceBinding, error)
	// SaveSource 地址已被其他账户占用返回 SourceAddressTaken
	SaveSource(ctx context.Context, accountID int64, address string) error
}

type DepositRepo interface {
	SeenSet(ctx context.Context, txIDs []string) (map[string]bool, error)
	MarkSeen(ctx context.Context, txID string, outcome ScanOutcome, detail string) error
	// CreateDeposit 重复 TxID 返回 false（幂等）
	CreateDeposit(ctx context.Context, d *Deposit) (bool, error)
	ListDeposits(ctx context.Context, accountID int64, limit int) ([]Deposit, error)
}

type TransferRepo interface {
	CreateTransfer(ctx context.Context, t *Transfer) error
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
	// TransitionTransfer 条件更新 status=from，0 行返回 NotEligible（先到先得）
	TransitionTransfer(ctx context.Context, id string, from, to TransferStatus) error
	CreateFeeEntry(ctx context.Context, e *FeeEntry) error
	CreateRebate(ctx context.Context, r *ReferralRebate) error
	ListTransfers(ctx context.Context, accountID int64, limit int) ([]Transfer, error)
}

type WithdrawRepo interface {
	CreateWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	AttachWithdrawalTx(ctx context.Context, id, txID string) error
	// FinishWithdrawal 只允许 pending -> paid/error；重复终结同一状态返回 changed=false
	FinishWithdrawal(ctx context.Context, id string, status WithdrawStatus, txID, errMsg string) (changed bool, err error)
	ListPendingWithdrawals(ctx context.Context, createdBefore time.Time, limit int) ([]Withdrawal, error)
	ListWithdrawals(ctx context.Context, accountID int64, limit int) ([]Withdrawal, error)
}

// Totals 某资产的账本汇总，用于守恒校验
type Totals struct {
	Asset              string          `json:"asset"`
	UserBalances       decimal.Decimal `json:"user_balances"` // 不含平台账户，available + held
	PlatformBalance    decimal.Decimal `json:"platform_balance"`
	Deposits           decimal.Decimal `json:"deposits"`
	PaidWithdrawals    decimal.Decimal `json:"paid_withdrawals"`    // gross
	PendingWithdrawals decimal.Decimal `json:"pending_withdrawals"` // gross，已从用户余额预留
	Fees               decimal.Decimal `json:"fees"`
	Rebates            decimal.Decimal `json:"rebates"`
}

// Discrepancy 用户余额 - (充值 - 已付提现 - 在途提现 - (手续费 - 返佣))，正常为 0
func (t Totals) Discrepancy() decimal.Decimal {
	expected := t.Deposits.Sub(t.PaidWithdrawals).Sub(t.PendingWithdrawals).Sub(t.Fees.Sub(t.Rebates))
	return t.UserBalances.Sub(expected)
}

type AuditRepo interface {
	LedgerTotals(ctx context.Context, asset string) (*Totals, error)
}

// WalletRepo 聚合接口，persistence.Repo 全部实现
type WalletRepo interface {
	LedgerRepo
	AccountRepo
	SourceRepo
	DepositRepo
	TransferRepo
	WithdrawRepo
	AuditRepo
}
