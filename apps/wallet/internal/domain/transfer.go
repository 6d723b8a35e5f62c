package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransferMode string

const (
	ModeFNF    TransferMode = "FNF"    // Friends & Family：即时到账
	ModeEscrow TransferMode = "ESCROW" // 托管：先冻结在收款方，买家确认后释放
)

func (m TransferMode) Valid() bool { return m == ModeFNF || m == ModeEscrow }

type TransferStatus string

const (
	TransferCompleted TransferStatus = "completed" // FNF 终态
	TransferHeld      TransferStatus = "held"
	TransferReleased  TransferStatus = "released" // 终态
	TransferDisputed  TransferStatus = "disputed" // 等待运营处理
	TransferRefunded  TransferStatus = "refunded" // 运营裁决退款，终态
)

type Transfer struct {
	ID         string          `gorm:"primaryKey;size:36"`
	Mode       TransferMode    `gorm:"size:10"`
	Asset      string          `gorm:"size:20"`
	SenderID   int64           `gorm:"index"`
	ReceiverID int64           `gorm:"index"`
	Gross      decimal.Decimal `gorm:"type:varchar(64)"`
	Fee        decimal.Decimal `gorm:"type:varchar(64)"`
	Net        decimal.Decimal `gorm:"type:varchar(64)"`
	Status     TransferStatus  `gorm:"size:12;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ReleasedAt *time.Time
}

// FeeEntry 每笔转账一条，记录的是全额手续费（返佣从平台收入里出，不冲减这里）
type FeeEntry struct {
	ID         int64
	TransferID string          `gorm:"uniqueIndex;size:36"`
	Asset      string          `gorm:"size:20"`
	Amount     decimal.Decimal `gorm:"type:varchar(64)"`
	CreatedAt  time.Time
}

type ReferralRebate struct {
	ID         int64
	TransferID string          `gorm:"uniqueIndex;size:36"`
	ReferrerID int64           `gorm:"index"`
	Asset      string          `gorm:"size:20"`
	Amount     decimal.Decimal `gorm:"type:varchar(64)"`
	CreatedAt  time.Time
}
