package xerr

import (
	"errors"
	"fmt"
)

// 通用错误码
const (
	OK                 = 200
	ServerCommonError  = 500
	RequestParamsError = 400
	DbError            = 501
	RecordNotFound     = 404
)

// 账本业务错误码
const (
	ValidationError       = 100001 // 地址格式、金额非法、低于最小值
	InsufficientFunds     = 100002 // 可用余额不足
	NegativeBalance       = 100003 // 余额将变为负数（不变量被破坏，需要告警）
	NotEligible           = 100004 // 托管状态或操作人不符
	InsufficientHeld      = 100005 // 接收方冻结余额不足
	AmountTooSmall        = 100006 // 扣除手续费后金额 <= 0
	ExternalUnavailable   = 100007 // 链 RPC 不可用
	PayoutFailed          = 100008 // 出金失败（已回滚）
	ConfirmationRequired  = 100009 // 需要输入验证码
	CodeMismatch          = 100010 // 验证码错误
	ConfirmationExpired   = 100011 // 验证码过期
	NoPendingConfirmation = 100012 // 没有待确认的操作
	PasswordMismatch      = 100013 // 密码错误
	SourceAddressTaken    = 100014 // 充值来源地址已被其他账户绑定
	AccountNotFound       = 100015
	TransferNotFound      = 100016
	DuplicateRequest      = 100017 // 重复请求（幂等锁未释放）
	Unauthorized          = 100018
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Cause error  `json:"-"`
}

func (e *CodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s, Cause:%v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.Cause }

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 保留底层错误，同时挂上业务码
func Wrap(err error, code int, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, Cause: err}
}

// As 取出链路上的第一个 CodeError
func As(err error) (*CodeError, bool) {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf 没有业务码的错误一律当作 ServerCommonError
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return ServerCommonError
}

func Is(err error, code int) bool {
	ce, ok := As(err)
	return ok && ce.Code == code
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "服务器开小差了"
	case RequestParamsError:
		return "参数错误"
	case DbError:
		return "数据库繁忙"
	case RecordNotFound:
		return "记录不存在"
	case ValidationError:
		return "参数校验失败"
	case InsufficientFunds:
		return "可用余额不足"
	case NegativeBalance:
		return "余额不变量被破坏"
	case NotEligible:
		return "当前状态不允许该操作"
	case InsufficientHeld:
		return "冻结余额不足"
	case AmountTooSmall:
		return "扣除手续费后金额过小"
	case ExternalUnavailable:
		return "链服务暂不可用"
	case PayoutFailed:
		return "出金失败"
	case ConfirmationRequired:
		return "请输入验证码"
	case CodeMismatch:
		return "验证码错误"
	case ConfirmationExpired:
		return "验证码已过期"
	case NoPendingConfirmation:
		return "没有待确认的操作"
	case PasswordMismatch:
		return "密码错误"
	case SourceAddressTaken:
		return "该地址已被其他账户绑定"
	case AccountNotFound:
		return "账户不存在"
	case TransferNotFound:
		return "转账记录不存在"
	case DuplicateRequest:
		return "请求处理中，请勿重复提交"
	case Unauthorized:
		return "未登录"
	default:
		return "未知错误"
	}
}

// IsSystemError 只有系统类错误计入熔断；业务拒绝（余额不足、验证码错误）不算依赖故障
func IsSystemError(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ServerCommonError, DbError, ExternalUnavailable, NegativeBalance:
		return true
	default:
		return false
	}
}
