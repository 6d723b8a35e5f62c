package handler

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/logger"
	"cryptopay.com/pkg/metrics"
)

// BalanceInvalidator 入账后清余额缓存
type BalanceInvalidator interface {
	Invalidate(ctx context.Context, accountIDs ...int64)
}

// Credit 一笔可入账的充值
type Credit struct {
	AccountID int64
	Asset     domain.Asset
	Amount    decimal.Decimal
	Source    string
}

// Result 对一笔交易的判定
type Result struct {
	Outcome domain.ScanOutcome
	Credit  *Credit
	Detail  string
}

// inbound 转入归集地址的一笔转账
type inbound struct {
	asset  domain.Asset
	source string
	amount decimal.Decimal
}

type DepositHandler struct {
	repo      domain.WalletRepo
	assets    *domain.AssetRegistry
	pool      domain.PoolAddresses
	tolerance decimal.Decimal
	notifier  domain.Notifier
	balances  BalanceInvalidator
}

func NewDepositHandler(repo domain.WalletRepo, assets *domain.AssetRegistry, pool domain.PoolAddresses,
	tolerance decimal.Decimal, notifier domain.Notifier, balances BalanceInvalidator) *DepositHandler {
	return &DepositHandler{repo: repo, assets: assets, pool: pool, tolerance: tolerance, notifier: notifier, balances: balances}
}

// Match 把交易归到一个结果上，只读
func (h *DepositHandler) Match(ctx context.Context, tx *domain.ChainTx) (Result, error) {
	if tx.Failed {
		return Result{Outcome: domain.OutcomeFailedTx}, nil
	}

	ins, ambiguous := h.inbounds(tx)
	if ambiguous != "" {
		return Result{Outcome: domain.OutcomeAmbiguous, Detail: ambiguous}, nil
	}
	if len(ins) == 0 {
		return Result{Outcome: domain.OutcomeUnmatched, Detail: "no inbound transfer"}, nil
	}

	// 按 (账户, 资产) 聚合，同一来源同一资产的多笔转账合并
	type key struct {
		account int64
		symbol  string
	}
	groups := map[key]*Credit{}
	var unknown []string
	for _, in := range ins {
		b, err := h.repo.GetSourceByAddress(ctx, in.source)
		if err != nil {
			return Result{}, err
		}
		if b == nil {
			unknown = append(unknown, in.source)
			continue
		}
		k := key{b.AccountID, in.asset.Symbol}
		c, ok := groups[k]
		if !ok {
			c = &Credit{AccountID: b.AccountID, Asset: in.asset, Amount: decimal.Zero, Source: in.source}
			groups[k] = c
		}
		c.Amount = c.Amount.Add(in.amount)
	}

	switch len(groups) {
	case 0:
		return Result{Outcome: domain.OutcomeUnmatched, Detail: fmt.Sprintf("unregistered source %v", unknown)}, nil
	case 1:
	default:
		return Result{Outcome: domain.OutcomeAmbiguous, Detail: fmt.Sprintf("%d account/asset pairs", len(groups))}, nil
	}

	var c *Credit
	for _, v := range groups {
		c = v
	}
	c.Amount = c.Asset.Truncate(c.Amount)
	if c.Amount.LessThan(c.Asset.MinDeposit) || !c.Amount.IsPositive() {
		return Result{Outcome: domain.OutcomeBelowMinimum, Credit: c,
			Detail: fmt.Sprintf("%s %s below %s", c.Amount, c.Asset.Symbol, c.Asset.MinDeposit)}, nil
	}
	return Result{Outcome: domain.OutcomeCredited, Credit: c}, nil
}

// inbounds 从解码后的指令里找转入；代币转账解不出来源时，退回到 owner 余额变化上匹配
func (h *DepositHandler) inbounds(tx *domain.ChainTx) ([]inbound, string) {
	var out []inbound
	decoded := map[string]bool{} // mint 已经通过指令拿到来源
	for _, t := range tx.Transfers {
		if !t.Amount.IsPositive() || t.Source == h.pool.Wallet {
			continue
		}
		if t.Mint == "" {
			if t.Destination == h.pool.Wallet {
				out = append(out, inbound{asset: h.assets.Native(), source: t.Source, amount: t.Amount})
			}
			continue
		}
		asset, ok := h.assets.ByMint(t.Mint)
		if !ok || t.Destination != h.pool.TokenAccount[t.Mint] || t.Source == "" {
			continue
		}
		decoded[t.Mint] = true
		out = append(out, inbound{asset: asset, source: t.Source, amount: t.Amount})
	}

	for _, asset := range h.assets.Tokens() {
		if decoded[asset.Mint] {
			continue
		}
		in, reason := h.fromBalances(tx.TokenBalances, asset)
		if reason != "" {
			return nil, reason
		}
		if in != nil {
			out = append(out, *in)
		}
	}
	return out, ""
}

// fromBalances 归集钱包在该 mint 上净增加 X，找净减少 X（容差内）的唯一 owner
func (h *DepositHandler) fromBalances(changes []domain.TokenBalanceChange, asset domain.Asset) (*inbound, string) {
	received := decimal.Zero
	deltas := map[string]decimal.Decimal{}
	for _, c := range changes {
		if c.Mint != asset.Mint || c.Owner == "" {
			continue
		}
		if c.Owner == h.pool.Wallet {
			received = received.Add(c.Delta())
			continue
		}
		deltas[c.Owner] = deltas[c.Owner].Add(c.Delta())
	}
	if !received.IsPositive() {
		return nil, ""
	}

	var candidates []string
	for owner, delta := range deltas {
		if delta.IsNegative() && delta.Abs().Sub(received).Abs().LessThanOrEqual(h.tolerance) {
			candidates = append(candidates, owner)
		}
	}
	sort.Strings(candidates)
	switch len(candidates) {
	case 0:
		return nil, ""
	case 1:
		return &inbound{asset: asset, source: candidates[0], amount: received}, ""
	default:
		return nil, fmt.Sprintf("%s: %d candidate owners", asset.Symbol, len(candidates))
	}
}

// Handle 判定并落账：入账、充值记录、已处理标记在同一个事务里
func (h *DepositHandler) Handle(ctx context.Context, tx *domain.ChainTx) (Result, error) {
	res, err := h.Match(ctx, tx)
	if err != nil {
		return Result{}, err
	}

	credited := false
	err = h.repo.Transaction(ctx, func(ctx context.Context) error {
		if res.Outcome == domain.OutcomeCredited {
			c := res.Credit
			created, err := h.repo.CreateDeposit(ctx, &domain.Deposit{
				TxID:      tx.ID,
				AccountID: c.AccountID,
				Asset:     c.Asset.Symbol,
				Amount:    c.Amount,
				Source:    c.Source,
				BlockTime: tx.BlockTime,
			})
			if err != nil {
				return err
			}
			if created {
				if _, err := h.repo.Adjust(ctx, c.AccountID, c.Asset.Symbol, c.Amount, decimal.Zero); err != nil {
					return err
				}
				credited = true
			}
		}
		return h.repo.MarkSeen(ctx, tx.ID, res.Outcome, res.Detail)
	})
	if err != nil {
		return Result{}, err
	}

	symbol := "unknown"
	if res.Credit != nil {
		symbol = res.Credit.Asset.Symbol
	}
	metrics.DepositsTotal.WithLabelValues(symbol, string(res.Outcome)).Inc()

	switch {
	case credited:
		c := res.Credit
		logger.Info(ctx, "💰 充值入账",
			zap.String("tx", tx.ID),
			zap.Int64("account", c.AccountID),
			zap.String("asset", c.Asset.Symbol),
			zap.String("amount", c.Amount.String()),
			zap.String("source", c.Source))
		if h.balances != nil {
			h.balances.Invalidate(ctx, c.AccountID)
		}
		if h.notifier != nil {
			ev := domain.Event{Kind: domain.EventDepositCredited, AccountID: c.AccountID, RefID: tx.ID, Asset: c.Asset.Symbol, Amount: c.Amount.String()}
			if err := h.notifier.Notify(ctx, ev); err != nil {
				logger.Warn(ctx, "⚠️ 充值通知失败", zap.String("tx", tx.ID), zap.Error(err))
			}
		}
	case res.Outcome == domain.OutcomeAmbiguous:
		logger.Warn(ctx, "⚠️ 充值无法唯一归属，未入账", zap.String("tx", tx.ID), zap.String("detail", res.Detail))
	default:
		logger.Debug(ctx, "跳过交易", zap.String("tx", tx.ID), zap.String("outcome", string(res.Outcome)), zap.String("detail", res.Detail))
	}
	return res, nil
}
