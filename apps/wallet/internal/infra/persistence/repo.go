package persistence

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"cryptopay.com/apps/wallet/internal/domain"
)

type ctxKey string

// txDBKey 事务对象在 context 里的 key
const txDBKey ctxKey = "tx_db"

// maxListLimit 历史查询单次最多返回条数
const maxListLimit = 100

type Repo struct {
	db *gorm.DB
	// 单写者：所有写事务串行执行，读不受影响
	mu sync.Mutex
}

func New(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// 确保 Repo 实现了所有接口
var (
	_ domain.LedgerRepo   = (*Repo)(nil)
	_ domain.AccountRepo  = (*Repo)(nil)
	_ domain.SourceRepo   = (*Repo)(nil)
	_ domain.DepositRepo  = (*Repo)(nil)
	_ domain.TransferRepo = (*Repo)(nil)
	_ domain.WithdrawRepo = (*Repo)(nil)
	_ domain.AuditRepo    = (*Repo)(nil)
	_ domain.WalletRepo   = (*Repo)(nil)
)

// AutoMigrate 建表
func (r *Repo) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(
		&domain.Account{},
		&domain.Balance{},
		&domain.SourceBinding{},
		&domain.Deposit{},
		&domain.SeenTransaction{},
		&domain.Transfer{},
		&domain.FeeEntry{},
		&domain.ReferralRebate{},
		&domain.Withdrawal{},
	)
}

// Transaction 实现事务
// ctx 里已经有事务时直接复用（嵌套调用），否则开启新事务并注入 ctx
func (r *Repo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txDBKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, txDBKey, tx)
		return fn(txCtx)
	})
}

// conn 如果 context 里有事务对象，就用事务对象
func (r *Repo) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txDBKey).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}
