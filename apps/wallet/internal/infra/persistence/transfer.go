package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/orm"
	"cryptopay.com/pkg/xerr"
)

func (r *Repo) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	if err := r.conn(ctx).Create(t).Error; err != nil {
		return xerr.Wrap(err, xerr.DbError, "create transfer failed")
	}
	return nil
}

func (r *Repo) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	var t domain.Transfer
	err := r.conn(ctx).Where("id = ?", id).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, xerr.NewErrCode(xerr.TransferNotFound)
	}
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "get transfer failed")
	}
	return &t, nil
}

// TransitionTransfer 状态机推进
// SQL: UPDATE transfers SET status = ? WHERE id = ? AND status = ?
// 两个并发 release 只有一个能影响到行，另一个拿到 NotEligible
func (r *Repo) TransitionTransfer(ctx context.Context, id string, from, to domain.TransferStatus) error {
	updates := map[string]interface{}{"status": to}
	if to == domain.TransferReleased || to == domain.TransferRefunded {
		updates["released_at"] = time.Now()
	}
	res := r.conn(ctx).Model(&domain.Transfer{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return xerr.Wrap(res.Error, xerr.DbError, "update transfer status failed")
	}
	if res.RowsAffected == 0 {
		return xerr.New(xerr.NotEligible, fmt.Sprintf("transfer %s is not %s", id, from))
	}
	return nil
}

func (r *Repo) CreateFeeEntry(ctx context.Context, e *domain.FeeEntry) error {
	if err := r.conn(ctx).Create(e).Error; err != nil {
		return xerr.Wrap(err, xerr.DbError, "create fee entry failed")
	}
	return nil
}

func (r *Repo) CreateRebate(ctx context.Context, rb *domain.ReferralRebate) error {
	if err := r.conn(ctx).Create(rb).Error; err != nil {
		return xerr.Wrap(err, xerr.DbError, "create referral rebate failed")
	}
	return nil
}

// ListTransfers 账户作为发送方或接收方的最近转账
func (r *Repo) ListTransfers(ctx context.Context, accountID int64, limit int) ([]domain.Transfer, error) {
	var list []domain.Transfer
	q := r.conn(ctx).
		Where("sender_id = ? OR receiver_id = ?", accountID, accountID).
		Order("created_at DESC")
	err := orm.ApplyPagination(q, 1, limit, maxListLimit).Find(&list).Error
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list transfers failed")
	}
	return list, nil
}
