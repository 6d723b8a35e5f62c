package fee

import (
	"github.com/shopspring/decimal"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/xerr"
)

var hundred = decimal.NewFromInt(100)

// Config 百分比均以 % 表示，例如 0.6 表示 0.6%
type Config struct {
	PlatformPercent    decimal.Decimal `mapstructure:"platform_percent"`
	EscrowExtraPercent decimal.Decimal `mapstructure:"escrow_extra_percent"`
	FixedFee           decimal.Decimal `mapstructure:"fixed_fee"`
	ReferralPercent    decimal.Decimal `mapstructure:"referral_percent"`
	WithdrawPercent    decimal.Decimal `mapstructure:"withdraw_percent"`
	WithdrawFixedFee   decimal.Decimal `mapstructure:"withdraw_fixed_fee"`
}

func DefaultConfig() Config {
	return Config{
		PlatformPercent:    decimal.RequireFromString("0.6"),
		EscrowExtraPercent: decimal.RequireFromString("0.2"),
		FixedFee:           decimal.Zero,
		ReferralPercent:    decimal.NewFromInt(25),
		WithdrawPercent:    decimal.Zero,
		WithdrawFixedFee:   decimal.Zero,
	}
}

// Quote 一笔转账的费用拆分
// Fee 是记在转账上的全额手续费；Rebate 从平台收入里出，不从 Fee 里再扣
type Quote struct {
	Gross      decimal.Decimal
	Fee        decimal.Decimal
	Net        decimal.Decimal
	Rebate     decimal.Decimal
	ReferrerID *int64
}

// PlatformShare 平台实际留存 = Fee - Rebate
func (q Quote) PlatformShare() decimal.Decimal { return q.Fee.Sub(q.Rebate) }

// Calculator 纯函数，没有副作用
type Calculator struct {
	cfg Config
}

func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Quote 计算转账费用
// referrer 只有在与收发双方都不同的时候才有返佣
func (c *Calculator) Quote(gross decimal.Decimal, asset domain.Asset, mode domain.TransferMode, referrer *int64, sender, receiver int64) (Quote, error) {
	gross = asset.Truncate(gross)
	if !gross.IsPositive() {
		return Quote{}, xerr.New(xerr.ValidationError, "金额必须大于 0")
	}

	percent := c.cfg.PlatformPercent
	if mode == domain.ModeEscrow {
		percent = percent.Add(c.cfg.EscrowExtraPercent)
	}
	fee := asset.Truncate(gross.Mul(percent).Div(hundred).Add(c.cfg.FixedFee))
	net := gross.Sub(fee)
	if !net.IsPositive() {
		return Quote{}, xerr.NewErrCode(xerr.AmountTooSmall)
	}

	q := Quote{Gross: gross, Fee: fee, Net: net, Rebate: decimal.Zero}
	if referrer != nil && *referrer != sender && *referrer != receiver && *referrer != domain.PlatformAccountID {
		q.Rebate = asset.Truncate(fee.Mul(c.cfg.ReferralPercent).Div(hundred))
		ref := *referrer
		q.ReferrerID = &ref
	}
	return q, nil
}

// QuoteWithdrawal 提现服务费，可以为 0
func (c *Calculator) QuoteWithdrawal(gross decimal.Decimal, asset domain.Asset) (fee, net decimal.Decimal, err error) {
	gross = asset.Truncate(gross)
	if !gross.IsPositive() {
		return decimal.Zero, decimal.Zero, xerr.New(xerr.ValidationError, "金额必须大于 0")
	}
	fee = asset.Truncate(gross.Mul(c.cfg.WithdrawPercent).Div(hundred).Add(c.cfg.WithdrawFixedFee))
	net = gross.Sub(fee)
	if !net.IsPositive() {
		return decimal.Zero, decimal.Zero, xerr.NewErrCode(xerr.AmountTooSmall)
	}
	return fee, net, nil
}
