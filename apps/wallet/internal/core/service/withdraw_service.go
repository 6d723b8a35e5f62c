package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cryptopay.com/apps/wallet/internal/core/fee"
	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/logger"
	"cryptopay.com/pkg/metrics"
	"cryptopay.com/pkg/xerr"
)

type WithdrawConfig struct {
	PayoutTimeout      time.Duration `mapstructure:"payout_timeout"`
	StatusTimeout      time.Duration `mapstructure:"status_timeout"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	StaleCheckInterval time.Duration `mapstructure:"stale_check_interval"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
}

func (c *WithdrawConfig) withDefaults() {
	if c.PayoutTimeout <= 0 {
		c.PayoutTimeout = 60 * time.Second
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = 15 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.StaleCheckInterval <= 0 {
		c.StaleCheckInterval = time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.PayoutTimeout + c.StatusTimeout + 30*time.Second
	}
}

type WithdrawRequest struct {
	AccountID   int64           `json:"account_id"`
	Asset       string          `json:"asset"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
}

// WithdrawService 预留 -> 出金 -> 提交或回滚
// 链上调用期间不持有数据库事务
type WithdrawService struct {
	repo     domain.WalletRepo
	assets   *domain.AssetRegistry
	fees     *fee.Calculator
	payer    domain.ChainPayer
	locker   RequestLocker
	balances *BalanceService
	notifier domain.Notifier
	cfg      WithdrawConfig
}

func NewWithdrawService(repo domain.WalletRepo, assets *domain.AssetRegistry, fees *fee.Calculator, payer domain.ChainPayer,
	locker RequestLocker, balances *BalanceService, notifier domain.Notifier, cfg WithdrawConfig) *WithdrawService {
	if locker == nil {
		locker = NewMemLocker()
	}
	cfg.withDefaults()
	return &WithdrawService{repo: repo, assets: assets, fees: fees, payer: payer, locker: locker,
		balances: balances, notifier: notifier, cfg: cfg}
}

func (s *WithdrawService) Config() WithdrawConfig { return s.cfg }

// Validate 只读校验，发起确认之前就把问题告诉用户
func (s *WithdrawService) Validate(ctx context.Context, req WithdrawRequest) (domain.Asset, decimal.Decimal, decimal.Decimal, error) {
	asset, err := s.assets.Get(req.Asset)
	if err != nil {
		return domain.Asset{}, decimal.Zero, decimal.Zero, err
	}
	gross := asset.Truncate(req.Amount)
	if !gross.IsPositive() {
		return domain.Asset{}, decimal.Zero, decimal.Zero, xerr.New(xerr.ValidationError, "金额必须大于 0")
	}
	if gross.LessThan(asset.MinWithdraw) {
		return domain.Asset{}, decimal.Zero, decimal.Zero, xerr.New(xerr.ValidationError,
			fmt.Sprintf("最小提现金额 %s %s", asset.Format(asset.MinWithdraw), asset.Symbol))
	}
	if asset.MaxWithdraw.IsPositive() && gross.GreaterThan(asset.MaxWithdraw) {
		return domain.Asset{}, decimal.Zero, decimal.Zero, xerr.New(xerr.ValidationError,
			fmt.Sprintf("最大提现金额 %s %s", asset.Format(asset.MaxWithdraw), asset.Symbol))
	}
	if err := s.payer.ValidateAddress(req.Destination); err != nil {
		return domain.Asset{}, decimal.Zero, decimal.Zero, err
	}
	fee, _, err := s.fees.QuoteWithdrawal(gross, asset)
	if err != nil {
		return domain.Asset{}, decimal.Zero, decimal.Zero, err
	}
	bal, err := s.repo.GetBalance(ctx, req.AccountID, asset.Symbol)
	if err != nil {
		return domain.Asset{}, decimal.Zero, decimal.Zero, err
	}
	if bal.Available.LessThan(gross) {
		return domain.Asset{}, decimal.Zero, decimal.Zero, xerr.New(xerr.InsufficientFunds, asset.Symbol+" 可用余额不足")
	}
	return asset, gross, fee, nil
}

// Request 发起提现，返回时提现单处于终态，或者在结果不明时保持 pending
func (s *WithdrawService) Request(ctx context.Context, req WithdrawRequest) (*domain.Withdrawal, error) {
	release, ok, err := s.locker.Acquire(ctx, withdrawLockKey(req.AccountID), s.cfg.LockTTL)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ServerCommonError, "acquire withdraw lock failed")
	}
	if !ok {
		return nil, xerr.NewErrCode(xerr.DuplicateRequest)
	}
	defer release()

	w, asset, err := s.reserve(ctx, req)
	if err != nil {
		return nil, err
	}
	s.balances.Invalidate(ctx, w.AccountID)
	logger.Info(ctx, "🏧 提现已预留",
		zap.String("withdrawal", w.ID),
		zap.Int64("account", w.AccountID),
		zap.String("asset", w.Asset),
		zap.String("gross", w.Gross.String()),
		zap.String("net", w.Net.String()),
		zap.String("to", w.Destination))

	// 用户断开连接不能打断出金，否则结果不明的单子会越来越多
	payCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PayoutTimeout)
	defer cancel()

	signed, err := s.payer.PreparePayout(payCtx, asset, w.Destination, w.Net)
	if err != nil {
		// 还没签出交易，肯定没上链
		return s.rollback(payCtx, w, err)
	}
	if err := s.repo.AttachWithdrawalTx(payCtx, w.ID, signed.TxID); err != nil {
		return s.rollback(payCtx, w, err)
	}
	w.TxID = signed.TxID

	if err := s.payer.Broadcast(payCtx, signed); err != nil {
		pe, ok := domain.AsPayoutError(err)
		if ok && !pe.Ambiguous {
			return s.rollback(payCtx, w, err)
		}
		// 超时的情况下 payCtx 已经到期，查状态和记账换一个新的 ctx
		statusCtx, cancelStatus := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StatusTimeout)
		defer cancelStatus()
		return s.settleAmbiguous(statusCtx, w, err)
	}
	return s.markPaid(payCtx, w)
}

func (s *WithdrawService) reserve(ctx context.Context, req WithdrawRequest) (*domain.Withdrawal, domain.Asset, error) {
	var (
		w     *domain.Withdrawal
		asset domain.Asset
	)
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		var (
			gross, fee decimal.Decimal
			err        error
		)
		if asset, gross, fee, err = s.Validate(ctx, req); err != nil {
			return err
		}
		if _, err := s.repo.Adjust(ctx, req.AccountID, asset.Symbol, gross.Neg(), decimal.Zero); err != nil {
			return err
		}
		w = &domain.Withdrawal{
			ID:          uuid.NewString(),
			AccountID:   req.AccountID,
			Asset:       asset.Symbol,
			Destination: req.Destination,
			Gross:       gross,
			Fee:         fee,
			Net:         gross.Sub(fee),
			Status:      domain.WithdrawPending,
		}
		return s.repo.CreateWithdrawal(ctx, w)
	})
	if err != nil {
		return nil, domain.Asset{}, err
	}
	return w, asset, nil
}

// settleAmbiguous 广播结果不明：去链上查签名状态
func (s *WithdrawService) settleAmbiguous(ctx context.Context, w *domain.Withdrawal, cause error) (*domain.Withdrawal, error) {
	state, err := s.payer.TxStatus(ctx, w.TxID, w.CreatedAt)
	if err != nil {
		logger.Warn(ctx, "⏳ 出金结果不明，保持 pending", zap.String("withdrawal", w.ID), zap.String("tx", w.TxID), zap.Error(cause), zap.NamedError("lookup", err))
		return w, nil
	}
	switch state {
	case domain.TxLanded:
		return s.markPaid(ctx, w)
	case domain.TxFailed, domain.TxExpired:
		return s.rollback(ctx, w, cause)
	default:
		logger.Warn(ctx, "⏳ 出金交易尚未确认，保持 pending", zap.String("withdrawal", w.ID), zap.String("tx", w.TxID), zap.Error(cause))
		return w, nil
	}
}

// markPaid 提交：提现单 paid，服务费记入平台账户
func (s *WithdrawService) markPaid(ctx context.Context, w *domain.Withdrawal) (*domain.Withdrawal, error) {
	changed := false
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		var err error
		if changed, err = s.repo.FinishWithdrawal(ctx, w.ID, domain.WithdrawPaid, w.TxID, ""); err != nil || !changed {
			return err
		}
		if w.Fee.IsPositive() {
			if _, err := s.repo.Adjust(ctx, domain.PlatformAccountID, w.Asset, w.Fee, decimal.Zero); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.Status = domain.WithdrawPaid
	if !changed {
		logger.Info(ctx, "提现已由巡检记为到账", zap.String("withdrawal", w.ID), zap.String("tx", w.TxID))
		return w, nil
	}
	metrics.WithdrawalsTotal.WithLabelValues(w.Asset, string(w.Status)).Inc()
	logger.Info(ctx, "✅ 提现已到账", zap.String("withdrawal", w.ID), zap.String("tx", w.TxID), zap.String("net", w.Net.String()))
	notify(ctx, s.notifier, domain.Event{Kind: domain.EventWithdrawPaid, AccountID: w.AccountID, RefID: w.TxID, Asset: w.Asset, Amount: w.Net.String()})
	return w, nil
}

// rollback 退回预留的 gross，提现单 error；返回 PayoutFailed 让上层告知用户
func (s *WithdrawService) rollback(ctx context.Context, w *domain.Withdrawal, cause error) (*domain.Withdrawal, error) {
	msg := "payout failed"
	if cause != nil {
		msg = cause.Error()
	}
	changed := false
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		var err error
		if changed, err = s.repo.FinishWithdrawal(ctx, w.ID, domain.WithdrawError, w.TxID, msg); err != nil || !changed {
			return err
		}
		_, err = s.repo.Adjust(ctx, w.AccountID, w.Asset, w.Gross, decimal.Zero)
		return err
	})
	if err != nil {
		logger.Error(ctx, "🚨 提现回滚失败", zap.String("withdrawal", w.ID), zap.Error(err), zap.NamedError("cause", cause))
		escalate(ctx, s.notifier, domain.Event{Kind: domain.EventWithdrawStale, AccountID: w.AccountID, RefID: w.ID, Asset: w.Asset, Amount: w.Gross.String(), Message: "rollback failed: " + err.Error()})
		return nil, err
	}
	w.Status = domain.WithdrawError
	w.ErrorMsg = msg
	if !changed {
		return w, xerr.Wrap(cause, xerr.PayoutFailed, "提现失败，资金已退回")
	}
	s.balances.Invalidate(ctx, w.AccountID)
	metrics.WithdrawalsTotal.WithLabelValues(w.Asset, string(w.Status)).Inc()
	logger.Warn(ctx, "↩️ 提现失败已回滚", zap.String("withdrawal", w.ID), zap.Error(cause))
	notify(ctx, s.notifier, domain.Event{Kind: domain.EventWithdrawFailed, AccountID: w.AccountID, RefID: w.ID, Asset: w.Asset, Amount: w.Gross.String()})
	return w, xerr.Wrap(cause, xerr.PayoutFailed, "提现失败，资金已退回")
}

// ListStale 超过 StaleAfter 仍为 pending 的提现
func (s *WithdrawService) ListStale(ctx context.Context, now time.Time, limit int) ([]domain.Withdrawal, error) {
	return s.repo.ListPendingWithdrawals(ctx, now.Add(-s.cfg.StaleAfter), limit)
}

// ResolvePending 巡检用：没有签名说明从未广播，直接回滚；否则按链上状态处理
// 返回 true 表示已经终结
func (s *WithdrawService) ResolvePending(ctx context.Context, w domain.Withdrawal) (bool, error) {
	if w.TxID == "" {
		_, err := s.rollback(ctx, &w, fmt.Errorf("payout never broadcast"))
		return xerr.Is(err, xerr.PayoutFailed), ignorePayoutFailed(err)
	}
	state, err := s.payer.TxStatus(ctx, w.TxID, w.CreatedAt)
	if err != nil {
		return false, err
	}
	switch state {
	case domain.TxLanded:
		_, err := s.markPaid(ctx, &w)
		return err == nil, err
	case domain.TxFailed, domain.TxExpired:
		_, err := s.rollback(ctx, &w, fmt.Errorf("payout tx %s not landed (state=%d)", w.TxID, state))
		return xerr.Is(err, xerr.PayoutFailed), ignorePayoutFailed(err)
	default:
		return false, nil
	}
}

func ignorePayoutFailed(err error) error {
	if xerr.Is(err, xerr.PayoutFailed) {
		return nil
	}
	return err
}
