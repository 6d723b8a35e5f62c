package persistence

import (
	"context"

	"github.com/shopspring/decimal"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/xerr"
)

// LedgerTotals 汇总在 Go 里用 decimal 做，避免 sqlite 浮点求和的误差
func (r *Repo) LedgerTotals(ctx context.Context, asset string) (*domain.Totals, error) {
	db := r.conn(ctx)
	t := &domain.Totals{
		Asset:              asset,
		UserBalances:       decimal.Zero,
		PlatformBalance:    decimal.Zero,
		Deposits:           decimal.Zero,
		PaidWithdrawals:    decimal.Zero,
		PendingWithdrawals: decimal.Zero,
		Fees:               decimal.Zero,
		Rebates:            decimal.Zero,
	}

	var balances []domain.Balance
	if err := db.Where("asset = ?", asset).Find(&balances).Error; err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "sum balances failed")
	}
	for _, b := range balances {
		if b.AccountID == domain.PlatformAccountID {
			t.PlatformBalance = t.PlatformBalance.Add(b.Available).Add(b.Held)
			continue
		}
		t.UserBalances = t.UserBalances.Add(b.Available).Add(b.Held)
	}

	var deposits []domain.Deposit
	if err := db.Select("amount").Where("asset = ?", asset).Find(&deposits).Error; err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "sum deposits failed")
	}
	for _, d := range deposits {
		t.Deposits = t.Deposits.Add(d.Amount)
	}

	var withdrawals []domain.Withdrawal
	err := db.Select("gross", "status").
		Where("asset = ? AND status IN ?", asset, []domain.WithdrawStatus{domain.WithdrawPaid, domain.WithdrawPending}).
		Find(&withdrawals).Error
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "sum withdrawals failed")
	}
	for _, w := range withdrawals {
		if w.Status == domain.WithdrawPaid {
			t.PaidWithdrawals = t.PaidWithdrawals.Add(w.Gross)
		} else {
			t.PendingWithdrawals = t.PendingWithdrawals.Add(w.Gross)
		}
	}

	var fees []domain.FeeEntry
	if err := db.Select("amount").Where("asset = ?", asset).Find(&fees).Error; err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "sum fees failed")
	}
	for _, f := range fees {
		t.Fees = t.Fees.Add(f.Amount)
	}

	var rebates []domain.ReferralRebate
	if err := db.Select("amount").Where("asset = ?", asset).Find(&rebates).Error; err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "sum rebates failed")
	}
	for _, rb := range rebates {
		t.Rebates = t.Rebates.Add(rb.Amount)
	}
	return t, nil
}
