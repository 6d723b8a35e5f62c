package fee

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/xerr"
)

var (
	sol  = domain.Asset{Symbol: "SOL", Decimals: 9}
	usdc = domain.Asset{Symbol: "USDC", Mint: "mint", Decimals: 6}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(v int64) *int64 { return &v }

func TestQuote(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	tests := []struct {
		name       string
		gross      string
		asset      domain.Asset
		mode       domain.TransferMode
		referrer   *int64
		wantFee    string
		wantNet    string
		wantRebate string
	}{
		{"托管 10 SOL 带返佣", "10", sol, domain.ModeEscrow, ptr(3), "0.08", "9.92", "0.02"},
		{"FNF 5 SOL 无推荐人", "5", sol, domain.ModeFNF, nil, "0.03", "4.97", "0"},
		{"推荐人是接收方不返佣", "5", sol, domain.ModeFNF, ptr(2), "0.03", "4.97", "0"},
		{"推荐人是发送方不返佣", "5", sol, domain.ModeFNF, ptr(1), "0.03", "4.97", "0"},
		{"代币按 6 位精度截断", "1.234567", usdc, domain.ModeFNF, ptr(3), "0.007407", "1.22716", "0.001851"},
		{"输入超出精度先截断", "1.0000000019", sol, domain.ModeFNF, nil, "0.006", "0.994000001", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := calc.Quote(d(tt.gross), tt.asset, tt.mode, tt.referrer, 1, 2)
			require.NoError(t, err)
			assert.True(t, d(tt.wantFee).Equal(q.Fee), "fee %s", q.Fee)
			assert.True(t, d(tt.wantNet).Equal(q.Net), "net %s", q.Net)
			assert.True(t, d(tt.wantRebate).Equal(q.Rebate), "rebate %s", q.Rebate)
			assert.True(t, q.Net.Add(q.Fee).Equal(q.Gross), "gross = net + fee")
		})
	}
}

func TestQuote_Rejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FixedFee = d("1")
	calc := NewCalculator(cfg)

	_, err := calc.Quote(d("0"), sol, domain.ModeFNF, nil, 1, 2)
	assert.True(t, xerr.Is(err, xerr.ValidationError))

	_, err = calc.Quote(d("0.0000000001"), sol, domain.ModeFNF, nil, 1, 2)
	assert.True(t, xerr.Is(err, xerr.ValidationError), "截断后为 0")

	_, err = calc.Quote(d("1"), sol, domain.ModeFNF, nil, 1, 2)
	assert.True(t, xerr.Is(err, xerr.AmountTooSmall), "固定费吃掉全部金额")
}

func TestQuoteWithdrawal(t *testing.T) {
	fee, net, err := NewCalculator(DefaultConfig()).QuoteWithdrawal(d("2.5"), sol)
	require.NoError(t, err)
	assert.True(t, fee.IsZero())
	assert.True(t, d("2.5").Equal(net))

	cfg := DefaultConfig()
	cfg.WithdrawPercent = d("1")
	cfg.WithdrawFixedFee = d("0.5")
	fee, net, err = NewCalculator(cfg).QuoteWithdrawal(d("10"), usdc)
	require.NoError(t, err)
	assert.True(t, d("0.6").Equal(fee))
	assert.True(t, d("9.4").Equal(net))
}
