package persistence

import (
	"context"

	"gorm.io/gorm/clause"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/orm"
	"cryptopay.com/pkg/xerr"
)

// SeenSet 已处理过的交易：seen 表或者已有充值记录，两者任一即可
func (r *Repo) SeenSet(ctx context.Context, txIDs []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(txIDs))
	if len(txIDs) == 0 {
		return seen, nil
	}
	db := r.conn(ctx)

	var ids []string
	if err := db.Model(&domain.SeenTransaction{}).Where("tx_id IN ?", txIDs).Pluck("tx_id", &ids).Error; err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "query seen transactions failed")
	}
	for _, id := range ids {
		seen[id] = true
	}

	ids = ids[:0]
	if err := db.Model(&domain.Deposit{}).Where("tx_id IN ?", txIDs).Pluck("tx_id", &ids).Error; err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "query deposits failed")
	}
	for _, id := range ids {
		seen[id] = true
	}
	return seen, nil
}

// MarkSeen 已存在则保留第一次的结果
func (r *Repo) MarkSeen(ctx context.Context, txID string, outcome domain.ScanOutcome, detail string) error {
	if len(detail) > 255 {
		detail = detail[:255]
	}
	row := domain.SeenTransaction{TxID: txID, Outcome: outcome, Detail: detail}
	if err := r.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return xerr.Wrap(err, xerr.DbError, "mark seen failed")
	}
	return nil
}

// CreateDeposit 唯一索引 tx_id 是入账的最后一道幂等锁
func (r *Repo) CreateDeposit(ctx context.Context, d *domain.Deposit) (bool, error) {
	res := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_id"}},
		DoNothing: true,
	}).Create(d)
	if res.Error != nil {
		return false, xerr.Wrap(res.Error, xerr.DbError, "create deposit failed")
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) ListDeposits(ctx context.Context, accountID int64, limit int) ([]domain.Deposit, error) {
	var list []domain.Deposit
	q := r.conn(ctx).Where("account_id = ?", accountID).Order("created_at DESC, id DESC")
	err := orm.ApplyPagination(q, 1, limit, maxListLimit).Find(&list).Error
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list deposits failed")
	}
	return list, nil
}
