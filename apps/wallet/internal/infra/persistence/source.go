package persistence

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/xerr"
)

func (r *Repo) GetSourceByAccount(ctx context.Context, accountID int64) (*domain.SourceBinding, error) {
	return r.findSource(ctx, "account_id = ?", accountID)
}

func (r *Repo) GetSourceByAddress(ctx context.Context, address string) (*domain.SourceBinding, error) {
	return r.findSource(ctx, "address = ?", address)
}

func (r *Repo) findSource(ctx context.Context, query string, arg interface{}) (*domain.SourceBinding, error) {
	var b domain.SourceBinding
	err := r.conn(ctx).Where(query, arg).Take(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "get source binding failed")
	}
	return &b, nil
}

// SaveSource 每个账户一个来源地址，重复登记则替换
// 地址被别的账户登记过直接拒绝，不做"先到先得"之外的猜测
func (r *Repo) SaveSource(ctx context.Context, accountID int64, address string) error {
	return r.Transaction(ctx, func(ctx context.Context) error {
		owner, err := r.GetSourceByAddress(ctx, address)
		if err != nil {
			return err
		}
		if owner != nil {
			if owner.AccountID != accountID {
				return xerr.NewErrCode(xerr.SourceAddressTaken)
			}
			return nil
		}

		b := domain.SourceBinding{AccountID: accountID, Address: address}
		err = r.conn(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"address", "updated_at"}),
		}).Create(&b).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return xerr.NewErrCode(xerr.SourceAddressTaken)
		}
		if err != nil {
			return xerr.Wrap(err, xerr.DbError, "save source binding failed")
		}
		return nil
	})
}
