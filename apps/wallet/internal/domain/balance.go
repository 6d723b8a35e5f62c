package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance 每个 (账户, 资产) 一行，首次使用时创建
// Held 属于收款方：托管中的钱记在收款方名下，释放前不可用
// 金额列一律存 decimal 的字符串形式，sqlite 的 NUMERIC 亲和性会把小数转成 REAL
type Balance struct {
	ID        int64
	AccountID int64           `gorm:"uniqueIndex:idx_account_asset"`
	Asset     string          `gorm:"uniqueIndex:idx_account_asset;size:20"`
	Available decimal.Decimal `gorm:"type:varchar(64);default:'0'"`
	Held      decimal.Decimal `gorm:"type:varchar(64);default:'0'"`
	Version   int64           `gorm:"default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BalanceView 对外展示
type BalanceView struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Held      string `json:"held"`
}
