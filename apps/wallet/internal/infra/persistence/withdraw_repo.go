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

// CreateWithdrawal 创建提现订单 (status=pending)
func (r *Repo) CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	if err := r.conn(ctx).Create(w).Error; err != nil {
		return xerr.Wrap(err, xerr.DbError, "create withdrawal failed")
	}
	return nil
}

func (r *Repo) GetWithdrawal(ctx context.Context, id string) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	err := r.conn(ctx).Where("id = ?", id).Take(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, xerr.New(xerr.RecordNotFound, "withdrawal not found")
	}
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "get withdrawal failed")
	}
	return &w, nil
}

// AttachWithdrawalTx 广播前先记下签名，广播结果丢失时还能去链上查
// 提现单已经不是 pending（被巡检回滚了）时返回 NotEligible，调用方不能再广播
func (r *Repo) AttachWithdrawalTx(ctx context.Context, id, txID string) error {
	res := r.conn(ctx).Model(&domain.Withdrawal{}).
		Where("id = ? AND status = ?", id, domain.WithdrawPending).
		Update("tx_id", txID)
	if res.Error != nil {
		return xerr.Wrap(res.Error, xerr.DbError, "attach withdrawal tx failed")
	}
	if res.RowsAffected == 0 {
		return xerr.New(xerr.NotEligible, fmt.Sprintf("withdrawal %s is not pending", id))
	}
	return nil
}

// FinishWithdrawal 单条更新结果 (成功/失败)，只能从 pending 出发
// 已经是同一个终态（同一笔交易）时返回 changed=false，调用方不要重复记账
func (r *Repo) FinishWithdrawal(ctx context.Context, id string, status domain.WithdrawStatus, txID, errMsg string) (bool, error) {
	if len(errMsg) > 255 {
		errMsg = errMsg[:255]
	}
	updates := map[string]interface{}{
		"status":    status,
		"error_msg": errMsg,
	}
	if txID != "" {
		updates["tx_id"] = txID
	}
	res := r.conn(ctx).Model(&domain.Withdrawal{}).
		Where("id = ? AND status = ?", id, domain.WithdrawPending).
		Updates(updates)
	if res.Error != nil {
		return false, xerr.Wrap(res.Error, xerr.DbError, "finish withdrawal failed")
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	cur, err := r.GetWithdrawal(ctx, id)
	if err != nil {
		return false, err
	}
	if cur.Status == status && (txID == "" || cur.TxID == txID) {
		return false, nil
	}
	return false, xerr.New(xerr.NotEligible, fmt.Sprintf("withdrawal %s is %s", id, cur.Status))
}

// ListPendingWithdrawals 早于 createdBefore 仍未终结的提现，最老的在前
func (r *Repo) ListPendingWithdrawals(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Withdrawal, error) {
	var list []domain.Withdrawal
	err := r.conn(ctx).
		Where("status = ? AND created_at < ?", domain.WithdrawPending, createdBefore).
		Order("created_at ASC").Limit(limit).Find(&list).Error
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list pending withdrawals failed")
	}
	return list, nil
}

func (r *Repo) ListWithdrawals(ctx context.Context, accountID int64, limit int) ([]domain.Withdrawal, error) {
	var list []domain.Withdrawal
	q := r.conn(ctx).Where("account_id = ?", accountID).Order("created_at DESC")
	err := orm.ApplyPagination(q, 1, limit, maxListLimit).Find(&list).Error
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list withdrawals failed")
	}
	return list, nil
}
