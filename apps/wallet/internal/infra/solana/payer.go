package solana

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/logger"
	"cryptopay.com/pkg/xerr"
)

// blockhash 大约 150 个 slot 后失效，留足余量
const blockhashExpiry = 3 * time.Minute

func (a *Adapter) PreparePayout(ctx context.Context, asset domain.Asset, destination string, amount decimal.Decimal) (*domain.SignedPayout, error) {
	if err := ValidateAddress(destination); err != nil {
		return nil, err
	}
	dest := solana.MustPublicKeyFromBase58(destination)

	ixs, err := a.payoutInstructions(ctx, asset, dest, amount)
	if err != nil {
		return nil, err
	}

	var recent *rpc.GetLatestBlockhashResult
	err = a.call("getLatestBlockhash", func() error {
		var e error
		recent, e = a.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		return e
	})
	if err != nil {
		return nil, err
	}

	tx, err := solana.NewTransaction(ixs, recent.Value.Blockhash, solana.TransactionPayer(a.wallet))
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ServerCommonError, "build transaction")
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(a.wallet) {
			return &a.key
		}
		return nil
	}); err != nil {
		return nil, xerr.Wrap(err, xerr.ServerCommonError, "sign transaction")
	}
	payload, err := tx.MarshalBinary()
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ServerCommonError, "encode transaction")
	}

	id := tx.Signatures[0].String()
	a.mu.Lock()
	a.lastValid[id] = recent.Value.LastValidBlockHeight
	a.mu.Unlock()
	return &domain.SignedPayout{TxID: id, Payload: payload}, nil
}

func (a *Adapter) payoutInstructions(ctx context.Context, asset domain.Asset, dest solana.PublicKey, amount decimal.Decimal) ([]solana.Instruction, error) {
	if asset.Native() {
		lamports, err := toBaseUnits(amount, lamportDecimals)
		if err != nil {
			return nil, err
		}
		return []solana.Instruction{system.NewTransferInstruction(lamports, a.wallet, dest).Build()}, nil
	}

	mint, err := solana.PublicKeyFromBase58(asset.Mint)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ValidationError, "bad mint")
	}
	units, err := toBaseUnits(amount, asset.Decimals)
	if err != nil {
		return nil, err
	}
	src, _, err := solana.FindAssociatedTokenAddress(a.wallet, mint)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ServerCommonError, "derive source ATA")
	}
	dst, _, err := solana.FindAssociatedTokenAddress(dest, mint)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ServerCommonError, "derive destination ATA")
	}

	var ixs []solana.Instruction
	exists, err := a.accountExists(ctx, dst)
	if err != nil {
		return nil, err
	}
	if !exists {
		// 收款方没有 ATA，由归集钱包代付创建
		ixs = append(ixs, associatedtokenaccount.NewCreateInstruction(a.wallet, dest, mint).Build())
	}
	ixs = append(ixs, token.NewTransferCheckedInstruction(
		units, uint8(asset.Decimals), src, mint, dst, a.wallet, []solana.PublicKey{},
	).Build())
	return ixs, nil
}

func (a *Adapter) accountExists(ctx context.Context, pk solana.PublicKey) (bool, error) {
	err := a.call("getAccountInfo", func() error {
		_, e := a.rpc.GetAccountInfo(ctx, pk)
		return e
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Broadcast 发送后轮询到 confirmed；节点明确拒绝的不算歧义，其余失败一律当作可能已上链
func (a *Adapter) Broadcast(ctx context.Context, p *domain.SignedPayout) error {
	err := a.call("sendTransaction", func() error {
		_, e := a.rpc.SendRawTransactionWithOpts(ctx, p.Payload, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentFinalized,
		})
		return e
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		return &domain.PayoutError{TxID: p.TxID, Ambiguous: !errors.As(err, &rpcErr), Err: err}
	}

	logger.Info(ctx, "📤 出金交易已广播", zap.String("tx", p.TxID))
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		state, err := a.signatureState(ctx, p.TxID)
		if err == nil {
			switch state {
			case domain.TxLanded:
				return nil
			case domain.TxFailed:
				return &domain.PayoutError{TxID: p.TxID, Err: errors.New("transaction failed on chain")}
			}
		}
		select {
		case <-ctx.Done():
			return &domain.PayoutError{TxID: p.TxID, Ambiguous: true, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (a *Adapter) TxStatus(ctx context.Context, txID string, preparedAt time.Time) (domain.TxState, error) {
	state, err := a.signatureState(ctx, txID)
	if err != nil || state != domain.TxUnknown {
		if state == domain.TxLanded || state == domain.TxFailed {
			a.forget(txID)
		}
		return state, err
	}
	if a.expired(ctx, txID, preparedAt) {
		a.forget(txID)
		return domain.TxExpired, nil
	}
	return domain.TxUnknown, nil
}

func (a *Adapter) signatureState(ctx context.Context, txID string) (domain.TxState, error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return domain.TxUnknown, xerr.Wrap(err, xerr.ValidationError, "bad signature")
	}
	var out *rpc.GetSignatureStatusesResult
	err = a.call("getSignatureStatuses", func() error {
		var e error
		out, e = a.rpc.GetSignatureStatuses(ctx, true, sig)
		return e
	})
	if err != nil {
		return domain.TxUnknown, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return domain.TxUnknown, nil
	}
	st := out.Value[0]
	if st.Err != nil {
		return domain.TxFailed, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return domain.TxLanded, nil
	}
	return domain.TxUnknown, nil
}

// expired 记得 lastValidBlockHeight 就按区块高度判断，进程重启过就按时间判断
func (a *Adapter) expired(ctx context.Context, txID string, preparedAt time.Time) bool {
	a.mu.Lock()
	last, ok := a.lastValid[txID]
	a.mu.Unlock()
	if ok {
		var height uint64
		err := a.call("getBlockHeight", func() error {
			var e error
			height, e = a.rpc.GetBlockHeight(ctx, rpc.CommitmentFinalized)
			return e
		})
		if err == nil {
			return height > last
		}
	}
	return time.Since(preparedAt) > blockhashExpiry
}

func (a *Adapter) forget(txID string) {
	a.mu.Lock()
	delete(a.lastValid, txID)
	a.mu.Unlock()
}
