package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ChainTransfer 交易内的一笔转账，屏蔽底层链差异
// 原生资产 Mint 为空；代币转账 Source 为签名的 owner，Destination 为目标代币账户
type ChainTransfer struct {
	Mint        string
	Source      string
	Destination string
	Amount      decimal.Decimal
}

// TokenBalanceChange 某个 owner 在某个 mint 上的交易前后余额
type TokenBalanceChange struct {
	Owner string
	Mint  string
	Pre   decimal.Decimal
	Post  decimal.Decimal
}

func (c TokenBalanceChange) Delta() decimal.Decimal { return c.Post.Sub(c.Pre) }

// ChainTx 交易详情
type ChainTx struct {
	ID            string
	Failed        bool
	BlockTime     *time.Time
	Transfers     []ChainTransfer
	TokenBalances []TokenBalanceChange
}

// ChainReader 只读链接口（列表 + 详情）
type ChainReader interface {
	// ListRecentTransactions 最新在前
	ListRecentTransactions(ctx context.Context, address string, limit int) ([]string, error)
	GetTransactionDetail(ctx context.Context, txID string) (*ChainTx, error)
}

type TxState int

const (
	TxUnknown TxState = iota // 查不到：可能未上链，也可能还在传播
	TxLanded                 // 已确认成功
	TxFailed                 // 上链但执行失败
	TxExpired                // blockhash 已过期且查不到，不可能再上链
)

// SignedPayout 已签名、未广播的出金交易；签名即交易 ID
type SignedPayout struct {
	TxID    string
	Payload []byte
}

// ChainPayer 出金接口
// 先 PreparePayout 拿到交易 ID 落库，再 Broadcast，结果丢失时还能按 ID 去链上核对
type ChainPayer interface {
	// ValidateAddress 地址格式 + 公钥合法性
	ValidateAddress(address string) error
	PreparePayout(ctx context.Context, asset Asset, destination string, amount decimal.Decimal) (*SignedPayout, error)
	// Broadcast 失败时返回 *PayoutError
	Broadcast(ctx context.Context, p *SignedPayout) error
	// TxStatus preparedAt 用来判断 blockhash 是否已过期
	TxStatus(ctx context.Context, txID string, preparedAt time.Time) (TxState, error)
}

// PayoutError Ambiguous=true 表示交易可能已经上链，不能直接回滚
type PayoutError struct {
	TxID      string
	Ambiguous bool
	Err       error
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("payout %s (ambiguous=%v): %v", e.TxID, e.Ambiguous, e.Err)
}

func (e *PayoutError) Unwrap() error { return e.Err }

func AsPayoutError(err error) (*PayoutError, bool) {
	var pe *PayoutError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// PoolAddresses 归集钱包以及它在每个代币上的关联代币账户
type PoolAddresses struct {
	Wallet       string
	TokenAccount map[string]string // mint -> ATA
}

// Watched 对账需要扫描的全部地址，钱包在前
func (p PoolAddresses) Watched() []string {
	out := []string{p.Wallet}
	for _, ata := range p.TokenAccount {
		out = append(out, ata)
	}
	return out
}
