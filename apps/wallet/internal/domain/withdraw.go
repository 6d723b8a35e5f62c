package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type WithdrawStatus string

const (
	WithdrawPending WithdrawStatus = "pending" // 已预留，出金结果未知
	WithdrawPaid    WithdrawStatus = "paid"
	WithdrawError   WithdrawStatus = "error" // 已回滚
)

// Withdrawal 提现单
// TxID 在广播前就能确定（签名即交易 ID），先落库再广播，方便对账
type Withdrawal struct {
	ID          string          `gorm:"primaryKey;size:36"`
	AccountID   int64           `gorm:"index"`
	Asset       string          `gorm:"size:20"`
	Destination string          `gorm:"size:64"`
	Gross       decimal.Decimal `gorm:"type:varchar(64)"`
	Fee         decimal.Decimal `gorm:"type:varchar(64)"`
	Net         decimal.Decimal `gorm:"type:varchar(64)"`
	Status      WithdrawStatus  `gorm:"size:10;index"`
	TxID        string          `gorm:"size:128"`
	ErrorMsg    string          `gorm:"size:255"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
