package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/logger"
	"cryptopay.com/pkg/xerr"
)

// Ledger 对外暴露的全部操作；前端（HTTP / 聊天）只和它打交道
type Ledger struct {
	Accounts  *AccountService
	Balances  *BalanceService
	Transfers *TransferService
	Withdraws *WithdrawService
	Confirm   *ConfirmService

	repo         domain.WalletRepo
	assets       *domain.AssetRegistry
	historyLimit int
}

func NewLedger(repo domain.WalletRepo, assets *domain.AssetRegistry, accounts *AccountService, balances *BalanceService,
	transfers *TransferService, withdraws *WithdrawService, confirm *ConfirmService, historyLimit int) *Ledger {
	if historyLimit <= 0 {
		historyLimit = 12
	}
	l := &Ledger{
		Accounts:     accounts,
		Balances:     balances,
		Transfers:    transfers,
		Withdraws:    withdraws,
		Confirm:      confirm,
		repo:         repo,
		assets:       assets,
		historyLimit: historyLimit,
	}
	confirm.Register(OpSend, l.execSend)
	confirm.Register(OpWithdraw, l.execWithdraw)
	confirm.Register(OpRelease, l.execRelease)
	return l
}

func (l *Ledger) EnsureAccount(ctx context.Context, id int64, handle string, referrer *int64) (*domain.Account, error) {
	return l.Accounts.EnsureAccount(ctx, id, handle, referrer)
}

type AccountView struct {
	ID          int64  `json:"id"`
	Handle      string `json:"handle"`
	Language    string `json:"language"`
	CodeEnabled bool   `json:"code_enabled"`
	HasPassword bool   `json:"has_password"`
	ReferrerID  *int64 `json:"referrer_id,omitempty"`
}

func (l *Ledger) GetAccount(ctx context.Context, id int64) (*AccountView, error) {
	a, err := l.Accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return &AccountView{
		ID:          a.ID,
		Handle:      a.Handle,
		Language:    a.Language,
		CodeEnabled: a.CodeEnabled,
		HasPassword: a.HasPassword(),
		ReferrerID:  a.ReferrerID,
	}, nil
}

func (l *Ledger) UpdateSettings(ctx context.Context, id int64, u SettingsUpdate) error {
	return l.Accounts.UpdateSettings(ctx, id, u)
}

func (l *Ledger) SetPassword(ctx context.Context, id int64, oldPw, newPw string) error {
	return l.Accounts.SetPassword(ctx, id, oldPw, newPw)
}

func (l *Ledger) RegisterSource(ctx context.Context, id int64, address string) error {
	return l.Accounts.RegisterSource(ctx, id, address)
}

func (l *Ledger) GetDepositInfo(ctx context.Context, id int64) (*DepositInfo, error) {
	return l.Accounts.GetDepositInfo(ctx, id)
}

func (l *Ledger) GetBalances(ctx context.Context, id int64) ([]domain.BalanceView, error) {
	return l.Balances.GetBalances(ctx, id)
}

type SendInput struct {
	SenderID int64               `json:"-"`
	Receiver string              `json:"receiver" binding:"required"` // @handle 或账户 ID
	Amount   string              `json:"amount" binding:"required"`   // "0.5 SOL" / "10 usdc"
	Asset    string              `json:"asset"`                       // 可选，Amount 不带币种时使用
	Mode     domain.TransferMode `json:"mode" binding:"required"`
	Password string              `json:"password"`
}

// InitiateSend 校验通过后进入确认流程；验证码通过之前不会动余额
func (l *Ledger) InitiateSend(ctx context.Context, in SendInput) (*Challenge, error) {
	receiver, err := l.Accounts.ResolveReceiver(ctx, in.Receiver)
	if err != nil {
		return nil, err
	}
	amount, asset, err := l.parseAmount(in.Amount, in.Asset)
	if err != nil {
		return nil, err
	}
	req := SendRequest{
		SenderID:   in.SenderID,
		ReceiverID: receiver.ID,
		Asset:      asset.Symbol,
		Amount:     amount,
		Mode:       domain.TransferMode(strings.ToUpper(string(in.Mode))),
	}
	if _, _, err := l.Transfers.Prepare(ctx, req); err != nil {
		return nil, err
	}
	return l.Confirm.Begin(ctx, in.SenderID, OpSend, req, in.Password)
}

type WithdrawInput struct {
	AccountID   int64  `json:"-"`
	Amount      string `json:"amount" binding:"required"`
	Asset       string `json:"asset"`
	Destination string `json:"destination" binding:"required"`
	Password    string `json:"password"`
}

func (l *Ledger) RequestWithdrawal(ctx context.Context, in WithdrawInput) (*Challenge, error) {
	amount, asset, err := l.parseAmount(in.Amount, in.Asset)
	if err != nil {
		return nil, err
	}
	req := WithdrawRequest{
		AccountID:   in.AccountID,
		Asset:       asset.Symbol,
		Destination: strings.TrimSpace(in.Destination),
		Amount:      amount,
	}
	if _, _, _, err := l.Withdraws.Validate(ctx, req); err != nil {
		return nil, err
	}
	return l.Confirm.Begin(ctx, in.AccountID, OpWithdraw, req, in.Password)
}

type releaseRequest struct {
	TransferID string `json:"transfer_id"`
}

// ReleaseEscrow 释放资金是不可逆的，同样走确认流程
func (l *Ledger) ReleaseEscrow(ctx context.Context, accountID int64, transferID, password string) (*Challenge, error) {
	if _, err := l.Transfers.CheckRelease(ctx, transferID, accountID); err != nil {
		return nil, err
	}
	return l.Confirm.Begin(ctx, accountID, OpRelease, releaseRequest{TransferID: transferID}, password)
}

func (l *Ledger) DisputeEscrow(ctx context.Context, accountID int64, transferID string) (*TransferView, error) {
	t, err := l.Transfers.Dispute(ctx, transferID, accountID)
	if err != nil {
		return nil, err
	}
	return l.transferView(ctx, accountID, *t), nil
}

func (l *Ledger) MarkShipped(ctx context.Context, accountID int64, transferID string) (*TransferView, error) {
	t, err := l.Transfers.MarkShipped(ctx, transferID, accountID)
	if err != nil {
		return nil, err
	}
	return l.transferView(ctx, accountID, *t), nil
}

// ResolveDispute 运营接口
func (l *Ledger) ResolveDispute(ctx context.Context, transferID string, releaseToReceiver bool) (*TransferView, error) {
	t, err := l.Transfers.ResolveDispute(ctx, transferID, releaseToReceiver)
	if err != nil {
		return nil, err
	}
	return l.transferView(ctx, t.SenderID, *t), nil
}

type ConfirmResult struct {
	Kind   OpKind      `json:"kind"`
	Result interface{} `json:"result"`
}

func (l *Ledger) ConfirmStep(ctx context.Context, accountID int64, code string) (*ConfirmResult, error) {
	kind, res, err := l.Confirm.Confirm(ctx, accountID, code)
	if err != nil {
		return nil, err
	}
	return &ConfirmResult{Kind: kind, Result: res}, nil
}

func (l *Ledger) CancelConfirmation(accountID int64) bool {
	return l.Confirm.Cancel(accountID)
}

func (l *Ledger) execSend(ctx context.Context, accountID int64, payload []byte) (interface{}, error) {
	var req SendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, xerr.Wrap(err, xerr.ServerCommonError, "decode send payload failed")
	}
	if req.SenderID != accountID {
		return nil, xerr.NewErrCode(xerr.NotEligible)
	}
	t, err := l.Transfers.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return l.transferView(ctx, accountID, *t), nil
}

func (l *Ledger) execWithdraw(ctx context.Context, accountID int64, payload []byte) (interface{}, error) {
	var req WithdrawRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, xerr.Wrap(err, xerr.ServerCommonError, "decode withdraw payload failed")
	}
	if req.AccountID != accountID {
		return nil, xerr.NewErrCode(xerr.NotEligible)
	}
	w, err := l.Withdraws.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	v := l.withdrawalView(*w)
	return &v, nil
}

func (l *Ledger) execRelease(ctx context.Context, accountID int64, payload []byte) (interface{}, error) {
	var req releaseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, xerr.Wrap(err, xerr.ServerCommonError, "decode release payload failed")
	}
	t, err := l.Transfers.Release(ctx, req.TransferID, accountID)
	if err != nil {
		return nil, err
	}
	return l.transferView(ctx, accountID, *t), nil
}

func (l *Ledger) parseAmount(amount, asset string) (decimal.Decimal, domain.Asset, error) {
	s := strings.TrimSpace(amount)
	if asset != "" && strings.IndexFunc(s, isLetter) < 0 {
		s += " " + asset
	}
	return l.assets.ParseAmount(s)
}

func isLetter(r rune) bool { return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') }

type Direction string

const (
	DirIn  Direction = "in"
	DirOut Direction = "out"
)

type TransferView struct {
	ID           string                `json:"id"`
	Direction    Direction             `json:"direction"`
	Counterparty int64                 `json:"counterparty"`
	Handle       string                `json:"counterparty_handle,omitempty"`
	Asset        string                `json:"asset"`
	Gross        string                `json:"gross"`
	Fee          string                `json:"fee"`
	Net          string                `json:"net"`
	Mode         domain.TransferMode   `json:"mode"`
	Status       domain.TransferStatus `json:"status"`
	CreatedAt    time.Time             `json:"created_at"`
}

type DepositView struct {
	TxID      string    `json:"tx_id"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

type WithdrawalView struct {
	ID          string                `json:"id"`
	Asset       string                `json:"asset"`
	Destination string                `json:"destination"`
	Gross       string                `json:"gross"`
	Fee         string                `json:"fee"`
	Net         string                `json:"net"`
	Status      domain.WithdrawStatus `json:"status"`
	TxID        string                `json:"tx_id,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

type History struct {
	Transfers   []TransferView   `json:"transfers"`
	Deposits    []DepositView    `json:"deposits"`
	Withdrawals []WithdrawalView `json:"withdrawals"`
}

// GetHistory 最近的转账（收发都算）、充值和提现，最新在前
func (l *Ledger) GetHistory(ctx context.Context, accountID int64) (*History, error) {
	transfers, err := l.repo.ListTransfers(ctx, accountID, l.historyLimit)
	if err != nil {
		return nil, err
	}
	deposits, err := l.repo.ListDeposits(ctx, accountID, l.historyLimit)
	if err != nil {
		return nil, err
	}
	withdrawals, err := l.repo.ListWithdrawals(ctx, accountID, l.historyLimit)
	if err != nil {
		return nil, err
	}

	h := &History{
		Transfers:   make([]TransferView, 0, len(transfers)),
		Deposits:    make([]DepositView, 0, len(deposits)),
		Withdrawals: make([]WithdrawalView, 0, len(withdrawals)),
	}
	handles := map[int64]string{}
	for _, t := range transfers {
		v := l.transferViewCached(ctx, accountID, t, handles)
		h.Transfers = append(h.Transfers, *v)
	}
	sort.SliceStable(h.Transfers, func(i, j int) bool { return h.Transfers[i].CreatedAt.After(h.Transfers[j].CreatedAt) })
	for _, d := range deposits {
		h.Deposits = append(h.Deposits, DepositView{
			TxID: d.TxID, Asset: d.Asset, Amount: l.format(d.Asset, d.Amount), Source: d.Source, CreatedAt: d.CreatedAt,
		})
	}
	for _, w := range withdrawals {
		h.Withdrawals = append(h.Withdrawals, l.withdrawalView(w))
	}
	return h, nil
}

func (l *Ledger) transferView(ctx context.Context, viewer int64, t domain.Transfer) *TransferView {
	return l.transferViewCached(ctx, viewer, t, map[int64]string{})
}

func (l *Ledger) transferViewCached(ctx context.Context, viewer int64, t domain.Transfer, handles map[int64]string) *TransferView {
	dir, other := DirOut, t.ReceiverID
	if t.ReceiverID == viewer {
		dir, other = DirIn, t.SenderID
	}
	handle, ok := handles[other]
	if !ok {
		if acc, err := l.repo.GetAccount(ctx, other); err == nil {
			handle = acc.Handle
		} else {
			logger.Debug(ctx, "counterparty lookup failed", zap.Int64("account", other), zap.Error(err))
		}
		handles[other] = handle
	}
	return &TransferView{
		ID:           t.ID,
		Direction:    dir,
		Counterparty: other,
		Handle:       handle,
		Asset:        t.Asset,
		Gross:        l.format(t.Asset, t.Gross),
		Fee:          l.format(t.Asset, t.Fee),
		Net:          l.format(t.Asset, t.Net),
		Mode:         t.Mode,
		Status:       t.Status,
		CreatedAt:    t.CreatedAt,
	}
}

func (l *Ledger) withdrawalView(w domain.Withdrawal) WithdrawalView {
	return WithdrawalView{
		ID:          w.ID,
		Asset:       w.Asset,
		Destination: w.Destination,
		Gross:       l.format(w.Asset, w.Gross),
		Fee:         l.format(w.Asset, w.Fee),
		Net:         l.format(w.Asset, w.Net),
		Status:      w.Status,
		TxID:        w.TxID,
		CreatedAt:   w.CreatedAt,
	}
}

type AuditReport struct {
	domain.Totals
	Discrepancy string `json:"discrepancy"`
	Balanced    bool   `json:"balanced"`
}

// Audit 逐资产做守恒校验
func (l *Ledger) Audit(ctx context.Context) ([]AuditReport, error) {
	assets := l.assets.List()
	out := make([]AuditReport, 0, len(assets))
	for _, a := range assets {
		t, err := l.repo.LedgerTotals(ctx, a.Symbol)
		if err != nil {
			return nil, err
		}
		d := t.Discrepancy()
		out = append(out, AuditReport{Totals: *t, Discrepancy: d.String(), Balanced: d.IsZero()})
		if !d.IsZero() {
			logger.Error(ctx, "🚨 账本不守恒", zap.String("asset", a.Symbol), zap.String("discrepancy", d.String()))
		}
	}
	return out, nil
}

func (l *Ledger) format(symbol string, d decimal.Decimal) string {
	if a, err := l.assets.Get(symbol); err == nil {
		return a.Format(d)
	}
	return d.String()
}
