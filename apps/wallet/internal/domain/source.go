package domain

import (
	"regexp"
	"time"
)

// SourceBinding 用户登记的充值来源地址
// 每个账户一个来源地址（可替换），一个地址只能属于一个账户
type SourceBinding struct {
	ID        int64
	AccountID int64  `gorm:"uniqueIndex"`
	Address   string `gorm:"uniqueIndex;size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

var addressRe = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// ValidAddressFormat base58 字符集 + 长度，链适配器再做公钥解码
func ValidAddressFormat(address string) bool {
	return addressRe.MatchString(address)
}
