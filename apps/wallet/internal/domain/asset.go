package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"cryptopay.com/pkg/xerr"
)

// Asset 资产定义，Mint 为空表示链原生资产
type Asset struct {
	Symbol      string          `mapstructure:"symbol"`
	Mint        string          `mapstructure:"mint"`
	Decimals    int32           `mapstructure:"decimals"`
	MinDeposit  decimal.Decimal `mapstructure:"min_deposit"`
	MinWithdraw decimal.Decimal `mapstructure:"min_withdraw"`
	MaxWithdraw decimal.Decimal `mapstructure:"max_withdraw"` // 0 表示不限
}

func (a Asset) Native() bool { return a.Mint == "" }

// Truncate 按资产精度截断（只舍不入，账本不承诺比实际多的钱）
func (a Asset) Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(a.Decimals)
}

// Format 固定小数位输出，日志和对外展示统一用它
func (a Asset) Format(d decimal.Decimal) string {
	return d.StringFixed(a.Decimals)
}

const (
	SymbolSOL  = "SOL"
	SymbolUSDC = "USDC"
	SymbolUSDT = "USDT"
)

func DefaultAssets() []Asset {
	return []Asset{
		{Symbol: SymbolSOL, Decimals: 9, MinDeposit: decimal.RequireFromString("0.001"), MinWithdraw: decimal.RequireFromString("0.01")},
		{Symbol: SymbolUSDC, Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6, MinDeposit: decimal.RequireFromString("0.1"), MinWithdraw: decimal.RequireFromString("1")},
		{Symbol: SymbolUSDT, Mint: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Decimals: 6, MinDeposit: decimal.RequireFromString("0.1"), MinWithdraw: decimal.RequireFromString("1")},
	}
}

// AssetRegistry 只读，启动后不再修改
type AssetRegistry struct {
	bySymbol map[string]Asset
	byMint   map[string]Asset
	native   *Asset
}

func NewAssetRegistry(assets []Asset) (*AssetRegistry, error) {
	if len(assets) == 0 {
		assets = DefaultAssets()
	}
	r := &AssetRegistry{
		bySymbol: make(map[string]Asset, len(assets)),
		byMint:   make(map[string]Asset, len(assets)),
	}
	for _, a := range assets {
		a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
		if a.Symbol == "" || a.Decimals < 0 || a.Decimals > 18 {
			return nil, fmt.Errorf("invalid asset %+v", a)
		}
		if _, dup := r.bySymbol[a.Symbol]; dup {
			return nil, fmt.Errorf("duplicate asset %s", a.Symbol)
		}
		r.bySymbol[a.Symbol] = a
		if a.Native() {
			if r.native != nil {
				return nil, fmt.Errorf("more than one native asset: %s, %s", r.native.Symbol, a.Symbol)
			}
			native := a
			r.native = &native
			continue
		}
		r.byMint[a.Mint] = a
	}
	if r.native == nil {
		return nil, fmt.Errorf("native asset is required")
	}
	return r, nil
}

func (r *AssetRegistry) Get(symbol string) (Asset, error) {
	a, ok := r.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Asset{}, xerr.New(xerr.ValidationError, "不支持的资产: "+symbol)
	}
	return a, nil
}

func (r *AssetRegistry) ByMint(mint string) (Asset, bool) {
	a, ok := r.byMint[mint]
	return a, ok
}

func (r *AssetRegistry) Native() Asset { return *r.native }

// List 按符号排序，原生资产在前
func (r *AssetRegistry) List() []Asset {
	out := make([]Asset, 0, len(r.bySymbol))
	for _, a := range r.bySymbol {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Native() != out[j].Native() {
			return out[i].Native()
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Tokens 非原生资产
func (r *AssetRegistry) Tokens() []Asset {
	out := make([]Asset, 0, len(r.byMint))
	for _, a := range r.List() {
		if !a.Native() {
			out = append(out, a)
		}
	}
	return out
}

var amountRe = regexp.MustCompile(`^\s*([0-9]+(?:[.,][0-9]+)?)\s*([A-Za-z]*)\s*$`)

// ParseAmount 解析 "0.5 SOL" / "10 usdc" / "1,5"；不带币种默认原生资产
// 返回值已经按资产精度截断，且必须 > 0
func (r *AssetRegistry) ParseAmount(s string) (decimal.Decimal, Asset, error) {
	m := amountRe.FindStringSubmatch(s)
	if m == nil {
		return decimal.Zero, Asset{}, xerr.New(xerr.ValidationError, "金额格式错误: "+s)
	}
	asset := r.Native()
	if m[2] != "" {
		var err error
		if asset, err = r.Get(m[2]); err != nil {
			return decimal.Zero, Asset{}, err
		}
	}
	amount, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", "."))
	if err != nil {
		return decimal.Zero, Asset{}, xerr.Wrap(err, xerr.ValidationError, "金额格式错误")
	}
	amount = asset.Truncate(amount)
	if !amount.IsPositive() {
		return decimal.Zero, Asset{}, xerr.New(xerr.ValidationError, "金额必须大于 0")
	}
	return amount, asset, nil
}
