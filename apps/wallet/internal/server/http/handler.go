package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"cryptopay.com/apps/wallet/internal/core/service"
	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/common"
	"cryptopay.com/pkg/xerr"
)

// Wallet *service.Ledger 的对外操作
type Wallet interface {
	EnsureAccount(ctx context.Context, id int64, handle string, referrer *int64) (*domain.Account, error)
	GetAccount(ctx context.Context, id int64) (*service.AccountView, error)
	UpdateSettings(ctx context.Context, id int64, u service.SettingsUpdate) error
	SetPassword(ctx context.Context, id int64, oldPw, newPw string) error
	RegisterSource(ctx context.Context, id int64, address string) error
	GetDepositInfo(ctx context.Context, id int64) (*service.DepositInfo, error)
	GetBalances(ctx context.Context, id int64) ([]domain.BalanceView, error)
	GetHistory(ctx context.Context, id int64) (*service.History, error)
	InitiateSend(ctx context.Context, in service.SendInput) (*service.Challenge, error)
	RequestWithdrawal(ctx context.Context, in service.WithdrawInput) (*service.Challenge, error)
	ReleaseEscrow(ctx context.Context, id int64, transferID, password string) (*service.Challenge, error)
	DisputeEscrow(ctx context.Context, id int64, transferID string) (*service.TransferView, error)
	MarkShipped(ctx context.Context, id int64, transferID string) (*service.TransferView, error)
	ConfirmStep(ctx context.Context, id int64, code string) (*service.ConfirmResult, error)
	CancelConfirmation(id int64) bool
	ResolveDispute(ctx context.Context, transferID string, releaseToReceiver bool) (*service.TransferView, error)
	Audit(ctx context.Context) ([]service.AuditReport, error)
}

var _ Wallet = (*service.Ledger)(nil)

type Handler struct {
	w Wallet
}

func NewHandler(w Wallet) *Handler { return &Handler{w: w} }

// me 只在 Auth 之后的路由里调用
func me(c *gin.Context) int64 {
	id, _ := common.AccountIDFromGin(c)
	return id
}

func badRequest(c *gin.Context, err error) {
	common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "参数错误: "+err.Error())
}

func reply(c *gin.Context, data interface{}, err error) {
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, data)
}

type ensureAccountReq struct {
	Handle     string `json:"handle"`
	ReferrerID *int64 `json:"referrer_id"`
}

func (h *Handler) EnsureAccount(c *gin.Context) {
	var req ensureAccountReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := h.w.EnsureAccount(ctx, me(c), req.Handle, req.ReferrerID); err != nil {
		common.FailFromErr(c, err)
		return
	}
	view, err := h.w.GetAccount(ctx, me(c))
	reply(c, view, err)
}

func (h *Handler) GetAccount(c *gin.Context) {
	view, err := h.w.GetAccount(c.Request.Context(), me(c))
	reply(c, view, err)
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	var req service.SettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	if err := h.w.UpdateSettings(ctx, me(c), req); err != nil {
		common.FailFromErr(c, err)
		return
	}
	view, err := h.w.GetAccount(ctx, me(c))
	reply(c, view, err)
}

type setPasswordReq struct {
	Old string `json:"old"`
	New string `json:"new" binding:"required"`
}

func (h *Handler) SetPassword(c *gin.Context) {
	var req setPasswordReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	reply(c, nil, h.w.SetPassword(c.Request.Context(), me(c), req.Old, req.New))
}

type sourceReq struct {
	Address string `json:"address" binding:"required"`
}

func (h *Handler) RegisterSource(c *gin.Context) {
	var req sourceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	if err := h.w.RegisterSource(ctx, me(c), req.Address); err != nil {
		common.FailFromErr(c, err)
		return
	}
	info, err := h.w.GetDepositInfo(ctx, me(c))
	reply(c, info, err)
}

func (h *Handler) DepositInfo(c *gin.Context) {
	info, err := h.w.GetDepositInfo(c.Request.Context(), me(c))
	reply(c, info, err)
}

func (h *Handler) Balances(c *gin.Context) {
	list, err := h.w.GetBalances(c.Request.Context(), me(c))
	reply(c, list, err)
}

func (h *Handler) History(c *gin.Context) {
	hist, err := h.w.GetHistory(c.Request.Context(), me(c))
	reply(c, hist, err)
}

func (h *Handler) Send(c *gin.Context) {
	var req service.SendInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.SenderID = me(c)
	ch, err := h.w.InitiateSend(c.Request.Context(), req)
	reply(c, ch, err)
}

func (h *Handler) Withdraw(c *gin.Context) {
	var req service.WithdrawInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.AccountID = me(c)
	ch, err := h.w.RequestWithdrawal(c.Request.Context(), req)
	reply(c, ch, err)
}

type passwordReq struct {
	Password string `json:"password"`
}

func (h *Handler) Release(c *gin.Context) {
	var req passwordReq
	// body 可以为空
	_ = c.ShouldBindJSON(&req)
	ch, err := h.w.ReleaseEscrow(c.Request.Context(), me(c), c.Param("id"), req.Password)
	reply(c, ch, err)
}

func (h *Handler) Dispute(c *gin.Context) {
	view, err := h.w.DisputeEscrow(c.Request.Context(), me(c), c.Param("id"))
	reply(c, view, err)
}

func (h *Handler) Shipped(c *gin.Context) {
	view, err := h.w.MarkShipped(c.Request.Context(), me(c), c.Param("id"))
	reply(c, view, err)
}

type confirmReq struct {
	Code string `json:"code" binding:"required"`
}

func (h *Handler) Confirm(c *gin.Context) {
	var req confirmReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.w.ConfirmStep(c.Request.Context(), me(c), req.Code)
	reply(c, res, err)
}

func (h *Handler) CancelConfirm(c *gin.Context) {
	if !h.w.CancelConfirmation(me(c)) {
		common.FailFromErr(c, xerr.NewErrCode(xerr.NoPendingConfirmation))
		return
	}
	common.Success(c, nil)
}

type resolveReq struct {
	ReleaseToReceiver *bool `json:"release_to_receiver" binding:"required"`
}

func (h *Handler) Resolve(c *gin.Context) {
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	view, err := h.w.ResolveDispute(c.Request.Context(), c.Param("id"), *req.ReleaseToReceiver)
	reply(c, view, err)
}

func (h *Handler) Audit(c *gin.Context) {
	reports, err := h.w.Audit(c.Request.Context())
	reply(c, reports, err)
}
