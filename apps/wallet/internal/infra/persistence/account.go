package persistence

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/xerr"
)

func (r *Repo) CreateAccount(ctx context.Context, acc *domain.Account) (bool, error) {
	acc.HandleKey = domain.NormalizeHandle(acc.Handle)
	res := r.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(acc)
	if res.Error != nil {
		return false, xerr.Wrap(res.Error, xerr.DbError, "create account failed")
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var acc domain.Account
	err := r.conn(ctx).Where("id = ?", id).Take(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, xerr.NewErrCode(xerr.AccountNotFound)
	}
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "get account failed")
	}
	return &acc, nil
}

// GetAccountByHandle handle 可能被多人先后使用过，取最近更新的那个
func (r *Repo) GetAccountByHandle(ctx context.Context, handle string) (*domain.Account, error) {
	key := domain.NormalizeHandle(handle)
	if key == "" {
		return nil, xerr.NewErrCode(xerr.AccountNotFound)
	}
	var acc domain.Account
	err := r.conn(ctx).Where("handle_key = ?", key).Order("updated_at DESC").Take(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, xerr.NewErrCode(xerr.AccountNotFound)
	}
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "get account by handle failed")
	}
	return &acc, nil
}

func (r *Repo) UpdateAccount(ctx context.Context, id int64, fields map[string]interface{}) error {
	if h, ok := fields["handle"].(string); ok {
		fields["handle_key"] = domain.NormalizeHandle(h)
	}
	res := r.conn(ctx).Model(&domain.Account{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return xerr.Wrap(res.Error, xerr.DbError, "update account failed")
	}
	if res.RowsAffected == 0 {
		return xerr.NewErrCode(xerr.AccountNotFound)
	}
	return nil
}
