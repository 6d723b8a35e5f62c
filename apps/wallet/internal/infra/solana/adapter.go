package solana

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/logger"
	"cryptopay.com/pkg/ratelimit"
	"cryptopay.com/pkg/xerr"
)

type Config struct {
	RPC         string         `mapstructure:"rpc"`
	RPS         float64        `mapstructure:"rps"`   // 节点限速
	Burst       int            `mapstructure:"burst"` // 令牌桶容量
	SecretKey   string         `mapstructure:"secret_key"`
	Mnemonic    string         `mapstructure:"mnemonic"`
	ConfirmPoll time.Duration  `mapstructure:"confirm_poll"` // 广播后轮询确认状态的间隔
	Breaker     ratelimit.Rule `mapstructure:"breaker"`
}

// Adapter 同时实现 ChainReader 和 ChainPayer
type Adapter struct {
	rpc      *rpc.Client
	key      solana.PrivateKey
	wallet   solana.PublicKey
	breakers *ratelimit.Manager
	poll     time.Duration

	mu        sync.Mutex
	lastValid map[string]uint64 // txID -> 最后有效区块高度
}

var (
	_ domain.ChainReader = (*Adapter)(nil)
	_ domain.ChainPayer  = (*Adapter)(nil)
)

func New(cfg Config) (*Adapter, error) {
	key, err := LoadKey(cfg.SecretKey, cfg.Mnemonic)
	if err != nil {
		return nil, err
	}
	if cfg.RPC == "" {
		cfg.RPC = rpc.MainNetBeta_RPC
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	client := rpc.NewWithCustomRPCClient(rpc.NewWithLimiter(cfg.RPC, rate.Limit(cfg.RPS), cfg.Burst))
	a := newAdapter(client, key, cfg)
	logger.Info(context.Background(), "🔑 solana 适配器就绪", zap.String("rpc", cfg.RPC), zap.String("wallet", a.wallet.String()))
	return a, nil
}

func newAdapter(client *rpc.Client, key solana.PrivateKey, cfg Config) *Adapter {
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = 2 * time.Second
	}
	return &Adapter{
		rpc:       client,
		key:       key,
		wallet:    key.PublicKey(),
		breakers:  ratelimit.NewManager("solana", cfg.Breaker, nil, isSuccessful),
		poll:      cfg.ConfirmPoll,
		lastValid: map[string]uint64{},
	}
}

// isSuccessful 查不到、节点明确拒绝都是正常应答，不计入熔断
func isSuccessful(err error) bool {
	if err == nil || errors.Is(err, rpc.ErrNotFound) || errors.Is(err, context.Canceled) {
		return true
	}
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr)
}

// call 经过熔断器的 RPC 调用，出错统一包装成 ExternalUnavailable
func (a *Adapter) call(method string, fn func() error) error {
	err := a.breakers.Do("solana."+method, fn)
	if err == nil || errors.Is(err, rpc.ErrNotFound) {
		return err
	}
	return xerr.Wrap(err, xerr.ExternalUnavailable, "solana "+method+" failed")
}

// Pool 归集钱包以及它在每个代币上的 ATA
func (a *Adapter) Pool(assets []domain.Asset) (domain.PoolAddresses, error) {
	p := domain.PoolAddresses{Wallet: a.wallet.String(), TokenAccount: map[string]string{}}
	for _, as := range assets {
		if as.Native() {
			continue
		}
		mint, err := solana.PublicKeyFromBase58(as.Mint)
		if err != nil {
			return p, xerr.Wrap(err, xerr.ValidationError, "bad mint for "+as.Symbol)
		}
		ata, _, err := solana.FindAssociatedTokenAddress(a.wallet, mint)
		if err != nil {
			return p, xerr.Wrap(err, xerr.ServerCommonError, "derive ATA for "+as.Symbol)
		}
		p.TokenAccount[as.Mint] = ata.String()
	}
	return p, nil
}

// ValidateAddress base58 格式 + 能解出 32 字节公钥
func (a *Adapter) ValidateAddress(address string) error {
	return ValidateAddress(address)
}

func ValidateAddress(address string) error {
	if !domain.ValidAddressFormat(address) {
		return xerr.New(xerr.ValidationError, "地址格式错误")
	}
	if _, err := solana.PublicKeyFromBase58(address); err != nil {
		return xerr.Wrap(err, xerr.ValidationError, "地址不是合法公钥")
	}
	return nil
}

// Ping 启动时检查节点可用
func (a *Adapter) Ping(ctx context.Context) error {
	return a.call("getHealth", func() error {
		_, err := a.rpc.GetHealth(ctx)
		return err
	})
}
