package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deposit 一笔链上交易最多一条，TxID 唯一索引是入账的幂等锁
type Deposit struct {
	ID        int64
	TxID      string          `gorm:"uniqueIndex;size:128"`
	AccountID int64           `gorm:"index"`
	Asset     string          `gorm:"size:20"`
	Amount    decimal.Decimal `gorm:"type:varchar(64)"`
	Source    string          `gorm:"size:64"`
	BlockTime *time.Time
	CreatedAt time.Time
}

// ScanOutcome 对账结果，未命中的交易也要记下来，避免反复拉详情
type ScanOutcome string

const (
	OutcomeCredited     ScanOutcome = "credited"
	OutcomeUnmatched    ScanOutcome = "unmatched"     // 来源地址没有登记 / 不是转入
	OutcomeBelowMinimum ScanOutcome = "below_minimum" // 低于最小充值金额
	OutcomeAmbiguous    ScanOutcome = "ambiguous"     // 一笔交易匹配到多个账户或资产，拒绝入账
	OutcomeFailedTx     ScanOutcome = "failed_tx"     // 链上执行失败
)

// SeenTransaction 已处理的交易签名集合
type SeenTransaction struct {
	TxID      string      `gorm:"primaryKey;size:128"`
	Outcome   ScanOutcome `gorm:"size:20"`
	Detail    string      `gorm:"size:255"`
	CreatedAt time.Time
}
