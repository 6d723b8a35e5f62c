package domain

import (
	"strings"
	"time"
)

// PlatformAccountID 平台伪账户，收取手续费（扣除返佣后）
const PlatformAccountID int64 = 0

const (
	LangEN = "en"
	LangDE = "de"
)

// Account 账户 ID 由前端（聊天平台）分配，不自增
type Account struct {
	ID           int64  `gorm:"primaryKey;autoIncrement:false"`
	Handle       string `gorm:"size:64"`
	HandleKey    string `gorm:"size:64;index"` // 小写，用于 @handle 查找
	Language     string `gorm:"size:8;default:en"`
	PasswordHash string `gorm:"size:128"` // bcrypt，自带盐
	CodeEnabled  bool
	ReferrerID   *int64 `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (a *Account) HasPassword() bool { return a.PasswordHash != "" }

// NormalizeHandle 去掉前缀 @ 并转小写
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}
