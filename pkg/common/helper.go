package common

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cryptopay.com/pkg/logger"
	"cryptopay.com/pkg/xerr"
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

func FailLogged(c *gin.Context, httpStatus int, code int, msg string, err error) {
	logger.Warn(c.Request.Context(), "http error",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("biz_code", code),
		zap.String("message", msg),
		zap.Error(err),
		zap.ByteString("stack", debug.Stack()),
	)
	Fail(c, httpStatus, code, msg)
}

// FailFromErr 对外只回 biz_code + message（data=null）
// 系统错误不透出内部信息，只记日志
func FailFromErr(c *gin.Context, err error) {
	code := xerr.CodeOf(err)
	httpStatus := HTTPStatus(code)
	if httpStatus >= http.StatusInternalServerError {
		FailLogged(c, httpStatus, code, xerr.MapErrMsg(code), err)
		return
	}
	msg := xerr.MapErrMsg(code)
	if ce, ok := xerr.As(err); ok && ce.Msg != "" {
		msg = ce.Msg
	}
	Fail(c, httpStatus, code, msg)
}

func HTTPStatus(code int) int {
	switch code {
	case xerr.OK:
		return http.StatusOK
	case xerr.RequestParamsError, xerr.ValidationError, xerr.AmountTooSmall:
		return http.StatusBadRequest
	case xerr.Unauthorized:
		return http.StatusUnauthorized
	case xerr.PasswordMismatch, xerr.CodeMismatch:
		return http.StatusForbidden
	case xerr.RecordNotFound, xerr.AccountNotFound, xerr.TransferNotFound, xerr.NoPendingConfirmation:
		return http.StatusNotFound
	case xerr.SourceAddressTaken, xerr.DuplicateRequest, xerr.NotEligible:
		return http.StatusConflict
	case xerr.InsufficientFunds, xerr.InsufficientHeld, xerr.ConfirmationRequired:
		return http.StatusUnprocessableEntity
	case xerr.ConfirmationExpired:
		return http.StatusGone
	case xerr.ExternalUnavailable:
		return http.StatusServiceUnavailable
	case xerr.PayoutFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
