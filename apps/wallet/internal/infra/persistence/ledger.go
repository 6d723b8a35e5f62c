package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/xerr"
)

// GetBalance 查无此记录不是错误，返回零余额
func (r *Repo) GetBalance(ctx context.Context, accountID int64, asset string) (domain.Balance, error) {
	var b domain.Balance
	err := r.conn(ctx).
		Where("account_id = ? AND asset = ?", accountID, asset).
		Take(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Balance{AccountID: accountID, Asset: asset, Available: decimal.Zero, Held: decimal.Zero}, nil
	}
	if err != nil {
		return domain.Balance{}, xerr.Wrap(err, xerr.DbError, "get balance failed")
	}
	return b, nil
}

func (r *Repo) ListBalances(ctx context.Context, accountID int64) ([]domain.Balance, error) {
	var list []domain.Balance
	if err := r.conn(ctx).Where("account_id = ?", accountID).Order("asset").Find(&list).Error; err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list balances failed")
	}
	return list, nil
}

// Adjust 单行原子增减 (乐观锁)
// 新值在 Go 里用 decimal 算好再写回，不依赖数据库的小数运算
// SQL: UPDATE balances SET available = ?, held = ?, version = version + 1 WHERE id = ? AND version = ?
func (r *Repo) Adjust(ctx context.Context, accountID int64, asset string, dAvailable, dHeld decimal.Decimal) (*domain.Balance, error) {
	var out *domain.Balance
	err := r.Transaction(ctx, func(ctx context.Context) error {
		b, err := r.loadOrCreate(ctx, accountID, asset)
		if err != nil {
			return err
		}

		available := b.Available.Add(dAvailable)
		held := b.Held.Add(dHeld)
		if available.IsNegative() || held.IsNegative() {
			return xerr.New(xerr.NegativeBalance, fmt.Sprintf(
				"account %d %s: available %s delta %s, held %s delta %s",
				accountID, asset, b.Available, dAvailable, b.Held, dHeld))
		}

		res := r.conn(ctx).Model(&domain.Balance{}).
			Where("id = ? AND version = ?", b.ID, b.Version).
			Updates(map[string]interface{}{
				"available": available,
				"held":      held,
				"version":   b.Version + 1,
			})
		if res.Error != nil {
			return xerr.Wrap(res.Error, xerr.DbError, "adjust balance failed")
		}
		if res.RowsAffected == 0 {
			// 单写者下不会出现，多实例共用 MySQL 时说明有并发写
			return xerr.New(xerr.DbError, fmt.Sprintf("balance %d/%s version conflict", accountID, asset))
		}

		b.Available, b.Held, b.Version = available, held, b.Version+1
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) loadOrCreate(ctx context.Context, accountID int64, asset string) (*domain.Balance, error) {
	db := r.conn(ctx)
	var b domain.Balance
	err := db.Where("account_id = ? AND asset = ?", accountID, asset).Take(&b).Error
	if err == nil {
		return &b, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, xerr.Wrap(err, xerr.DbError, "load balance failed")
	}

	// 首次使用时创建 (INSERT IGNORE)
	row := domain.Balance{AccountID: accountID, Asset: asset, Available: decimal.Zero, Held: decimal.Zero}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "create balance failed")
	}
	if err := db.Where("account_id = ? AND asset = ?", accountID, asset).Take(&b).Error; err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "reload balance failed")
	}
	return &b, nil
}
