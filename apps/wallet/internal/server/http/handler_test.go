package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay.com/apps/wallet/internal/core/service"
	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/common"
	"cryptopay.com/pkg/middleware"
	"cryptopay.com/pkg/ratelimit"
	"cryptopay.com/pkg/xerr"
)

type fakeWallet struct {
	sendIn    service.SendInput
	withdraw  service.WithdrawInput
	resolved  *bool
	releasePw string
	sendErr   error
	pending   bool
}

func (f *fakeWallet) EnsureAccount(ctx context.Context, id int64, handle string, referrer *int64) (*domain.Account, error) {
	return &domain.Account{ID: id, Handle: handle, ReferrerID: referrer}, nil
}

func (f *fakeWallet) GetAccount(ctx context.Context, id int64) (*service.AccountView, error) {
	return &service.AccountView{ID: id, Handle: "alice", Language: "en"}, nil
}

func (f *fakeWallet) UpdateSettings(ctx context.Context, id int64, u service.SettingsUpdate) error {
	return nil
}

func (f *fakeWallet) SetPassword(ctx context.Context, id int64, oldPw, newPw string) error {
	if oldPw != "old" {
		return xerr.NewErrCode(xerr.PasswordMismatch)
	}
	return nil
}

func (f *fakeWallet) RegisterSource(ctx context.Context, id int64, address string) error {
	return xerr.New(xerr.SourceAddressTaken, "地址已被其他账户绑定")
}

func (f *fakeWallet) GetDepositInfo(ctx context.Context, id int64) (*service.DepositInfo, error) {
	return &service.DepositInfo{PoolWallet: "pool"}, nil
}

func (f *fakeWallet) GetBalances(ctx context.Context, id int64) ([]domain.BalanceView, error) {
	return []domain.BalanceView{{Asset: "SOL", Available: "1.5 SOL", Held: "0 SOL"}}, nil
}

func (f *fakeWallet) GetHistory(ctx context.Context, id int64) (*service.History, error) {
	return &service.History{}, nil
}

func (f *fakeWallet) InitiateSend(ctx context.Context, in service.SendInput) (*service.Challenge, error) {
	f.sendIn = in
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	exp := time.Now().Add(time.Minute)
	return &service.Challenge{Kind: service.OpSend, ExpiresAt: &exp}, nil
}

func (f *fakeWallet) RequestWithdrawal(ctx context.Context, in service.WithdrawInput) (*service.Challenge, error) {
	f.withdraw = in
	return &service.Challenge{Kind: service.OpWithdraw, Done: true}, nil
}

func (f *fakeWallet) ReleaseEscrow(ctx context.Context, id int64, transferID, password string) (*service.Challenge, error) {
	f.releasePw = password
	return &service.Challenge{Kind: service.OpRelease}, nil
}

func (f *fakeWallet) DisputeEscrow(ctx context.Context, id int64, transferID string) (*service.TransferView, error) {
	return nil, xerr.NewErrCode(xerr.TransferNotFound)
}

func (f *fakeWallet) MarkShipped(ctx context.Context, id int64, transferID string) (*service.TransferView, error) {
	return &service.TransferView{ID: transferID}, nil
}

func (f *fakeWallet) ConfirmStep(ctx context.Context, id int64, code string) (*service.ConfirmResult, error) {
	if code != "123456" {
		return nil, xerr.NewErrCode(xerr.CodeMismatch)
	}
	return &service.ConfirmResult{Kind: service.OpSend}, nil
}

func (f *fakeWallet) CancelConfirmation(id int64) bool { return f.pending }

func (f *fakeWallet) ResolveDispute(ctx context.Context, transferID string, releaseToReceiver bool) (*service.TransferView, error) {
	f.resolved = &releaseToReceiver
	return &service.TransferView{ID: transferID}, nil
}

func (f *fakeWallet) Audit(ctx context.Context) ([]service.AuditReport, error) {
	return []service.AuditReport{{Balanced: true, Discrepancy: "0"}}, nil
}

type fixture struct {
	r      *gin.Engine
	w      *fakeWallet
	user   string
	op     string
	issuer *middleware.TokenIssuer
}

func newFixture(t *testing.T, extra ...gin.HandlerFunc) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{r: gin.New(), w: &fakeWallet{}, issuer: middleware.NewTokenIssuer("s3cret", time.Hour)}
	Routes(f.r, NewHandler(f.w), f.issuer, extra...)
	var err error
	f.user, err = f.issuer.Issue(42, middleware.RoleUser)
	require.NoError(t, err)
	f.op, err = f.issuer.Issue(1, middleware.RoleOperator)
	require.NoError(t, err)
	return f
}

func (f *fixture) do(method, path, token, body string) (*httptest.ResponseRecorder, common.Response) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.r.ServeHTTP(rec, req)
	var resp common.Response
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestRoutes_Status(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		body     string
		wantHTTP int
		wantCode int
	}{
		{"健康检查不需要令牌", http.MethodGet, "/healthz", "", "", http.StatusOK, http.StatusOK},
		{"没有令牌", http.MethodGet, "/api/v1/balances", "", "", http.StatusUnauthorized, xerr.Unauthorized},
		{"余额", http.MethodGet, "/api/v1/balances", "user", "", http.StatusOK, http.StatusOK},
		{"开户", http.MethodPost, "/api/v1/accounts", "user", `{"handle":"alice"}`, http.StatusOK, http.StatusOK},
		{"转账缺字段", http.MethodPost, "/api/v1/transfers", "user", `{"amount":"1"}`, http.StatusBadRequest, xerr.RequestParamsError},
		{"转账 JSON 错误", http.MethodPost, "/api/v1/transfers", "user", `{`, http.StatusBadRequest, xerr.RequestParamsError},
		{"密码不对", http.MethodPut, "/api/v1/accounts/me/password", "user", `{"old":"x","new":"y"}`, http.StatusForbidden, xerr.PasswordMismatch},
		{"来源地址冲突", http.MethodPut, "/api/v1/accounts/me/source", "user", `{"address":"abc"}`, http.StatusConflict, xerr.SourceAddressTaken},
		{"争议找不到转账", http.MethodPost, "/api/v1/transfers/t1/dispute", "user", "", http.StatusNotFound, xerr.TransferNotFound},
		{"验证码错误", http.MethodPost, "/api/v1/confirmations", "user", `{"code":"000000"}`, http.StatusForbidden, xerr.CodeMismatch},
		{"验证码正确", http.MethodPost, "/api/v1/confirmations", "user", `{"code":"123456"}`, http.StatusOK, http.StatusOK},
		{"没有待确认", http.MethodDelete, "/api/v1/confirmations", "user", "", http.StatusNotFound, xerr.NoPendingConfirmation},
		{"普通用户仲裁", http.MethodPost, "/api/v1/ops/transfers/t1/resolve", "user", `{"release_to_receiver":true}`, http.StatusForbidden, xerr.NotEligible},
		{"仲裁缺字段", http.MethodPost, "/api/v1/ops/transfers/t1/resolve", "op", `{}`, http.StatusBadRequest, xerr.RequestParamsError},
		{"运营对账", http.MethodGet, "/api/v1/ops/audit", "op", "", http.StatusOK, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := map[string]string{"user": f.user, "op": f.op}[tt.token]
			rec, resp := f.do(tt.method, tt.path, token, tt.body)
			assert.Equal(t, tt.wantHTTP, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}

func TestSend_UsesTokenAccount(t *testing.T) {
	f := newFixture(t)
	rec, resp := f.do(http.MethodPost, "/api/v1/transfers", f.user,
		`{"sender_id":7,"receiver":"@bob","amount":"1.5 SOL","mode":"escrow","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusOK, resp.Code)

	assert.Equal(t, int64(42), f.w.sendIn.SenderID, "发送方只认令牌")
	assert.Equal(t, "@bob", f.w.sendIn.Receiver)
	assert.Equal(t, domain.TransferMode("escrow"), f.w.sendIn.Mode)
	assert.Equal(t, "pw", f.w.sendIn.Password)
}

func TestSend_BusinessError(t *testing.T) {
	f := newFixture(t)
	f.w.sendErr = xerr.NewErrCode(xerr.InsufficientFunds)
	rec, resp := f.do(http.MethodPost, "/api/v1/transfers", f.user, `{"receiver":"7","amount":"1","mode":"fnf"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, xerr.InsufficientFunds, resp.Code)
}

func TestWithdrawAndRelease(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(http.MethodPost, "/api/v1/withdrawals", f.user, `{"amount":"2","asset":"SOL","destination":"dest"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(42), f.w.withdraw.AccountID)
	assert.Equal(t, "dest", f.w.withdraw.Destination)

	rec, _ = f.do(http.MethodPost, "/api/v1/transfers/t1/release", f.user, "")
	require.Equal(t, http.StatusOK, rec.Code, "没有 body 也可以释放")
	rec, _ = f.do(http.MethodPost, "/api/v1/transfers/t1/release", f.user, `{"password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pw", f.w.releasePw)
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(http.MethodPost, "/api/v1/ops/transfers/t9/resolve", f.op, `{"release_to_receiver":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, f.w.resolved)
	assert.False(t, *f.w.resolved)
}

func TestFundsRoutesLimitedPerAccount(t *testing.T) {
	funds := map[string]ratelimit.Limit{}
	for _, route := range fundsRoutes {
		funds[route] = ratelimit.Limit{RPS: 0, Burst: 1}
	}
	store := ratelimit.NewStore(ratelimit.Limit{RPS: 0, Burst: 10}, funds, time.Minute)
	f := newFixture(t, middleware.RateLimit("test", store))
	body := `{"amount":"2","asset":"SOL","destination":"dest"}`

	rec, _ := f.do(http.MethodPost, "/api/v1/withdrawals", f.user, body)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(http.MethodPost, "/api/v1/withdrawals", f.user, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "出金额度用完")

	rec, _ = f.do(http.MethodGet, "/api/v1/balances", f.user, "")
	assert.Equal(t, http.StatusOK, rec.Code, "查询类路由不受影响")
	rec, _ = f.do(http.MethodPost, "/api/v1/withdrawals", f.op, body)
	assert.Equal(t, http.StatusOK, rec.Code, "按账户计数")
}
