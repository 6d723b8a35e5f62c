package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cryptopay.com/apps/wallet/internal/core/fee"
	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/logger"
	"cryptopay.com/pkg/metrics"
	"cryptopay.com/pkg/xerr"
)

type SendRequest struct {
	SenderID   int64               `json:"sender_id"`
	ReceiverID int64               `json:"receiver_id"`
	Asset      string              `json:"asset"`
	Amount     decimal.Decimal     `json:"amount"`
	Mode       domain.TransferMode `json:"mode"`
}

type TransferService struct {
	repo     domain.WalletRepo
	assets   *domain.AssetRegistry
	fees     *fee.Calculator
	balances *BalanceService
	notifier domain.Notifier
}

func NewTransferService(repo domain.WalletRepo, assets *domain.AssetRegistry, fees *fee.Calculator, balances *BalanceService, notifier domain.Notifier) *TransferService {
	return &TransferService{repo: repo, assets: assets, fees: fees, balances: balances, notifier: notifier}
}

// Prepare 校验并报价，不改任何数据；发起确认前先跑一遍，让用户尽早看到错误
func (s *TransferService) Prepare(ctx context.Context, req SendRequest) (domain.Asset, fee.Quote, error) {
	asset, sender, err := s.validate(ctx, req)
	if err != nil {
		return domain.Asset{}, fee.Quote{}, err
	}
	q, err := s.fees.Quote(req.Amount, asset, req.Mode, sender.ReferrerID, req.SenderID, req.ReceiverID)
	if err != nil {
		return domain.Asset{}, fee.Quote{}, err
	}
	bal, err := s.repo.GetBalance(ctx, req.SenderID, asset.Symbol)
	if err != nil {
		return domain.Asset{}, fee.Quote{}, err
	}
	if bal.Available.LessThan(q.Gross) {
		return domain.Asset{}, fee.Quote{}, xerr.New(xerr.InsufficientFunds, asset.Symbol+" 可用余额不足")
	}
	return asset, q, nil
}

func (s *TransferService) validate(ctx context.Context, req SendRequest) (domain.Asset, *domain.Account, error) {
	if !req.Mode.Valid() {
		return domain.Asset{}, nil, xerr.New(xerr.ValidationError, "未知的转账模式: "+string(req.Mode))
	}
	if req.SenderID == req.ReceiverID {
		return domain.Asset{}, nil, xerr.New(xerr.ValidationError, "不能转给自己")
	}
	asset, err := s.assets.Get(req.Asset)
	if err != nil {
		return domain.Asset{}, nil, err
	}
	if !asset.Truncate(req.Amount).IsPositive() {
		return domain.Asset{}, nil, xerr.New(xerr.ValidationError, "金额必须大于 0")
	}
	sender, err := s.repo.GetAccount(ctx, req.SenderID)
	if err != nil {
		return domain.Asset{}, nil, err
	}
	if _, err := s.repo.GetAccount(ctx, req.ReceiverID); err != nil {
		return domain.Asset{}, nil, err
	}
	return asset, sender, nil
}

// Send 执行转账，所有行变动在一个事务里：
// 发送方 -gross；FNF 接收方 available +net，ESCROW 接收方 held +net；
// 手续费流水；推荐人 +rebate；平台 +(fee-rebate)
func (s *TransferService) Send(ctx context.Context, req SendRequest) (*domain.Transfer, error) {
	var (
		t *domain.Transfer
		q fee.Quote
	)
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		var (
			asset domain.Asset
			err   error
		)
		// 事务内重新校验余额，确认期间余额可能已经变了
		asset, q, err = s.Prepare(ctx, req)
		if err != nil {
			return err
		}

		status := domain.TransferCompleted
		dAvail, dHeld := q.Net, decimal.Zero
		if req.Mode == domain.ModeEscrow {
			status = domain.TransferHeld
			dAvail, dHeld = decimal.Zero, q.Net
		}

		if _, err := s.repo.Adjust(ctx, req.SenderID, asset.Symbol, q.Gross.Neg(), decimal.Zero); err != nil {
			return err
		}
		if _, err := s.repo.Adjust(ctx, req.ReceiverID, asset.Symbol, dAvail, dHeld); err != nil {
			return err
		}

		t = &domain.Transfer{
			ID:         uuid.NewString(),
			Mode:       req.Mode,
			Asset:      asset.Symbol,
			SenderID:   req.SenderID,
			ReceiverID: req.ReceiverID,
			Gross:      q.Gross,
			Fee:        q.Fee,
			Net:        q.Net,
			Status:     status,
		}
		if err := s.repo.CreateTransfer(ctx, t); err != nil {
			return err
		}
		if err := s.repo.CreateFeeEntry(ctx, &domain.FeeEntry{TransferID: t.ID, Asset: asset.Symbol, Amount: q.Fee}); err != nil {
			return err
		}
		if q.Rebate.IsPositive() {
			if _, err := s.repo.Adjust(ctx, *q.ReferrerID, asset.Symbol, q.Rebate, decimal.Zero); err != nil {
				return err
			}
			rb := &domain.ReferralRebate{TransferID: t.ID, ReferrerID: *q.ReferrerID, Asset: asset.Symbol, Amount: q.Rebate}
			if err := s.repo.CreateRebate(ctx, rb); err != nil {
				return err
			}
		}
		if share := q.PlatformShare(); share.IsPositive() {
			if _, err := s.repo.Adjust(ctx, domain.PlatformAccountID, asset.Symbol, share, decimal.Zero); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.alertInvariant(ctx, err, req.SenderID, "send")
		return nil, err
	}

	touched := []int64{t.SenderID, t.ReceiverID}
	if q.ReferrerID != nil && q.Rebate.IsPositive() {
		touched = append(touched, *q.ReferrerID)
	}
	s.balances.Invalidate(ctx, touched...)
	metrics.TransfersTotal.WithLabelValues(string(t.Mode), string(t.Status)).Inc()

	logger.Info(ctx, "💸 转账完成",
		zap.String("transfer", t.ID),
		zap.String("mode", string(t.Mode)),
		zap.Int64("sender", t.SenderID),
		zap.Int64("receiver", t.ReceiverID),
		zap.String("asset", t.Asset),
		zap.String("gross", t.Gross.String()),
		zap.String("fee", t.Fee.String()),
		zap.String("rebate", q.Rebate.String()))

	notify(ctx, s.notifier, domain.Event{Kind: domain.EventTransferReceived, AccountID: t.ReceiverID, RefID: t.ID, Asset: t.Asset, Amount: t.Net.String(), Message: string(t.Mode)})
	if q.ReferrerID != nil && q.Rebate.IsPositive() {
		notify(ctx, s.notifier, domain.Event{Kind: domain.EventReferralRebate, AccountID: *q.ReferrerID, RefID: t.ID, Asset: t.Asset, Amount: q.Rebate.String()})
	}
	return t, nil
}

// CheckRelease 只做校验（发起确认前调用）
func (s *TransferService) CheckRelease(ctx context.Context, transferID string, requester int64) (*domain.Transfer, error) {
	t, err := s.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Mode != domain.ModeEscrow || t.SenderID != requester || t.Status != domain.TransferHeld {
		return nil, xerr.NewErrCode(xerr.NotEligible)
	}
	return t, nil
}

// Release 只有发送方（买家）可以在 held 状态下释放
func (s *TransferService) Release(ctx context.Context, transferID string, requester int64) (*domain.Transfer, error) {
	var t *domain.Transfer
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		var err error
		if t, err = s.CheckRelease(ctx, transferID, requester); err != nil {
			return err
		}
		return s.settleHeld(ctx, t, domain.TransferHeld, domain.TransferReleased)
	})
	if err != nil {
		s.alertInvariant(ctx, err, requester, "release")
		return nil, err
	}
	t.Status = domain.TransferReleased
	s.balances.Invalidate(ctx, t.ReceiverID)
	metrics.TransfersTotal.WithLabelValues(string(t.Mode), string(t.Status)).Inc()
	logger.Info(ctx, "🔓 托管已释放", zap.String("transfer", t.ID), zap.Int64("receiver", t.ReceiverID), zap.String("net", t.Net.String()))
	notify(ctx, s.notifier, domain.Event{Kind: domain.EventEscrowReleased, AccountID: t.ReceiverID, RefID: t.ID, Asset: t.Asset, Amount: t.Net.String()})
	return t, nil
}

// settleHeld 状态推进 + 资金移动；先条件更新状态，保证并发下只有一个调用方能移动资金
// to=released：接收方 held -> available；to=refunded：接收方 held -> 发送方 available
func (s *TransferService) settleHeld(ctx context.Context, t *domain.Transfer, from, to domain.TransferStatus) error {
	if err := s.repo.TransitionTransfer(ctx, t.ID, from, to); err != nil {
		return err
	}
	bal, err := s.repo.GetBalance(ctx, t.ReceiverID, t.Asset)
	if err != nil {
		return err
	}
	if bal.Held.LessThan(t.Net) {
		return xerr.New(xerr.InsufficientHeld, fmt.Sprintf("receiver %d held %s < %s", t.ReceiverID, bal.Held, t.Net))
	}
	switch to {
	case domain.TransferReleased:
		_, err = s.repo.Adjust(ctx, t.ReceiverID, t.Asset, t.Net, t.Net.Neg())
	case domain.TransferRefunded:
		if _, err = s.repo.Adjust(ctx, t.ReceiverID, t.Asset, decimal.Zero, t.Net.Neg()); err == nil {
			_, err = s.repo.Adjust(ctx, t.SenderID, t.Asset, t.Net, decimal.Zero)
		}
	default:
		err = xerr.New(xerr.ServerCommonError, "unsupported settlement "+string(to))
	}
	return err
}

// Dispute 收发双方都可以在 held 状态下发起争议，不移动资金，上报运营
func (s *TransferService) Dispute(ctx context.Context, transferID string, requester int64) (*domain.Transfer, error) {
	t, err := s.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Mode != domain.ModeEscrow || (requester != t.SenderID && requester != t.ReceiverID) {
		return nil, xerr.NewErrCode(xerr.NotEligible)
	}
	if err := s.repo.TransitionTransfer(ctx, t.ID, domain.TransferHeld, domain.TransferDisputed); err != nil {
		return nil, err
	}
	t.Status = domain.TransferDisputed
	metrics.TransfersTotal.WithLabelValues(string(t.Mode), string(t.Status)).Inc()
	logger.Warn(ctx, "⚖️ 托管争议", zap.String("transfer", t.ID), zap.Int64("requester", requester))

	ev := domain.Event{Kind: domain.EventEscrowDisputed, RefID: t.ID, Asset: t.Asset, Amount: t.Net.String(),
		Message: fmt.Sprintf("sender=%d receiver=%d requester=%d", t.SenderID, t.ReceiverID, requester)}
	escalate(ctx, s.notifier, ev)
	for _, id := range []int64{t.SenderID, t.ReceiverID} {
		ev.AccountID = id
		notify(ctx, s.notifier, ev)
	}
	return t, nil
}

// MarkShipped 卖家（接收方）通知买家已发货，不改变状态
func (s *TransferService) MarkShipped(ctx context.Context, transferID string, requester int64) (*domain.Transfer, error) {
	t, err := s.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Mode != domain.ModeEscrow || t.ReceiverID != requester || t.Status != domain.TransferHeld {
		return nil, xerr.NewErrCode(xerr.NotEligible)
	}
	notify(ctx, s.notifier, domain.Event{Kind: domain.EventEscrowShipped, AccountID: t.SenderID, RefID: t.ID, Asset: t.Asset, Amount: t.Net.String()})
	return t, nil
}

// ResolveDispute 运营裁决：放款给接收方，或者把 net 退回发送方（手续费不退）
func (s *TransferService) ResolveDispute(ctx context.Context, transferID string, releaseToReceiver bool) (*domain.Transfer, error) {
	to := domain.TransferRefunded
	if releaseToReceiver {
		to = domain.TransferReleased
	}
	var t *domain.Transfer
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		var err error
		if t, err = s.repo.GetTransfer(ctx, transferID); err != nil {
			return err
		}
		return s.settleHeld(ctx, t, domain.TransferDisputed, to)
	})
	if err != nil {
		s.alertInvariant(ctx, err, 0, "resolve")
		return nil, err
	}
	t.Status = to
	s.balances.Invalidate(ctx, t.SenderID, t.ReceiverID)
	metrics.TransfersTotal.WithLabelValues(string(t.Mode), string(t.Status)).Inc()
	logger.Info(ctx, "⚖️ 争议已裁决", zap.String("transfer", t.ID), zap.String("status", string(to)))

	for _, id := range []int64{t.SenderID, t.ReceiverID} {
		notify(ctx, s.notifier, domain.Event{Kind: domain.EventEscrowResolved, AccountID: id, RefID: t.ID, Asset: t.Asset, Amount: t.Net.String(), Message: string(to)})
	}
	return t, nil
}

// alertInvariant NegativeBalance / InsufficientHeld 说明账本出错了，不能静默重试
func (s *TransferService) alertInvariant(ctx context.Context, err error, account int64, op string) {
	if !xerr.Is(err, xerr.NegativeBalance) && !xerr.Is(err, xerr.InsufficientHeld) {
		return
	}
	logger.Error(ctx, "🚨 账本不变量被破坏", zap.String("op", op), zap.Int64("account", account), zap.Error(err))
	escalate(ctx, s.notifier, domain.Event{Kind: domain.EventNegativeBalance, AccountID: account, Message: op + ": " + err.Error()})
}
