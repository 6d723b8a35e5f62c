package solana

import (
	"context"
	"errors"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/xerr"
)

const lamportDecimals = 9

func (a *Adapter) ListRecentTransactions(ctx context.Context, address string, limit int) ([]string, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ValidationError, "bad address")
	}
	var sigs []*rpc.TransactionSignature
	err = a.call("getSignaturesForAddress", func() error {
		var e error
		sigs, e = a.rpc.GetSignaturesForAddressWithOpts(ctx, pk, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: rpc.CommitmentFinalized,
		})
		return e
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, s.Signature.String())
	}
	return out, nil
}

// GetTransactionDetail 查不到返回 nil, nil
func (a *Adapter) GetTransactionDetail(ctx context.Context, txID string) (*domain.ChainTx, error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ValidationError, "bad signature")
	}
	version := uint64(0)
	var res *rpc.GetTransactionResult
	err = a.call("getTransaction", func() error {
		var e error
		res, e = a.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentFinalized,
			MaxSupportedTransactionVersion: &version,
		})
		return e
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && (res == nil || res.Transaction == nil)) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ServerCommonError, "decode transaction")
	}
	return decodeTx(txID, tx, res.Meta, res.BlockTime), nil
}

type tokenAccount struct {
	mint     string
	decimals int32
}

// decodeTx 只看顶层指令；CPI 里的代币转账靠 TokenBalances 兜底
func decodeTx(id string, tx *solana.Transaction, meta *rpc.TransactionMeta, blockTime *solana.UnixTimeSeconds) *domain.ChainTx {
	out := &domain.ChainTx{ID: id}
	if blockTime != nil {
		t := blockTime.Time()
		out.BlockTime = &t
	}
	if meta != nil && meta.Err != nil {
		out.Failed = true
		return out
	}

	keys := append(solana.PublicKeySlice{}, tx.Message.AccountKeys...)
	if meta != nil {
		// v0 交易：地址表加载的账户按 writable、readonly 顺序接在后面
		keys = append(keys, meta.LoadedAddresses.Writable...)
		keys = append(keys, meta.LoadedAddresses.ReadOnly...)
	}
	accounts := tokenAccounts(keys, meta)
	for _, inst := range tx.Message.Instructions {
		if t, ok := decodeTransfer(keys, inst, accounts); ok {
			out.Transfers = append(out.Transfers, t)
		}
	}
	if meta != nil {
		out.TokenBalances = tokenBalanceChanges(meta)
	}
	return out
}

func decodeTransfer(keys solana.PublicKeySlice, inst solana.CompiledInstruction, accounts map[string]tokenAccount) (domain.ChainTransfer, bool) {
	var none domain.ChainTransfer
	if int(inst.ProgramIDIndex) >= len(keys) {
		return none, false
	}
	metas := make([]*solana.AccountMeta, 0, len(inst.Accounts))
	for _, idx := range inst.Accounts {
		if int(idx) >= len(keys) {
			return none, false
		}
		metas = append(metas, &solana.AccountMeta{PublicKey: keys[idx]})
	}
	decoded, err := solana.DecodeInstruction(keys[inst.ProgramIDIndex], metas, inst.Data)
	if err != nil {
		return none, false
	}

	switch ix := decoded.(type) {
	case *system.Instruction:
		switch in := ix.Impl.(type) {
		case *system.Transfer:
			if in.Lamports == nil {
				return none, false
			}
			return domain.ChainTransfer{
				Source:      in.GetFundingAccount().PublicKey.String(),
				Destination: in.GetRecipientAccount().PublicKey.String(),
				Amount:      fromBaseUnits(*in.Lamports, lamportDecimals),
			}, true
		case *system.TransferWithSeed:
			if in.Lamports == nil {
				return none, false
			}
			return domain.ChainTransfer{
				Source:      in.GetFundingAccount().PublicKey.String(),
				Destination: in.GetRecipientAccount().PublicKey.String(),
				Amount:      fromBaseUnits(*in.Lamports, lamportDecimals),
			}, true
		}
	case *token.Instruction:
		switch in := ix.Impl.(type) {
		case *token.Transfer:
			// 普通 Transfer 不带 mint，从交易后的代币余额里查目标账户的 mint
			dst := in.GetDestinationAccount().PublicKey.String()
			acc, ok := accounts[dst]
			if !ok || in.Amount == nil {
				return none, false
			}
			return domain.ChainTransfer{
				Mint:        acc.mint,
				Source:      in.GetOwnerAccount().PublicKey.String(),
				Destination: dst,
				Amount:      fromBaseUnits(*in.Amount, acc.decimals),
			}, true
		case *token.TransferChecked:
			if in.Amount == nil || in.Decimals == nil {
				return none, false
			}
			return domain.ChainTransfer{
				Mint:        in.GetMintAccount().PublicKey.String(),
				Source:      in.GetOwnerAccount().PublicKey.String(),
				Destination: in.GetDestinationAccount().PublicKey.String(),
				Amount:      fromBaseUnits(*in.Amount, int32(*in.Decimals)),
			}, true
		}
	}
	return none, false
}

// tokenAccounts 代币账户地址 -> mint/精度
func tokenAccounts(keys solana.PublicKeySlice, meta *rpc.TransactionMeta) map[string]tokenAccount {
	out := map[string]tokenAccount{}
	if meta == nil {
		return out
	}
	for _, list := range [][]rpc.TokenBalance{meta.PreTokenBalances, meta.PostTokenBalances} {
		for _, b := range list {
			if int(b.AccountIndex) >= len(keys) || b.UiTokenAmount == nil {
				continue
			}
			out[keys[b.AccountIndex].String()] = tokenAccount{mint: b.Mint.String(), decimals: int32(b.UiTokenAmount.Decimals)}
		}
	}
	return out
}

// tokenBalanceChanges 按 (owner, mint) 汇总交易前后余额
func tokenBalanceChanges(meta *rpc.TransactionMeta) []domain.TokenBalanceChange {
	type key struct{ owner, mint string }
	idx := map[key]int{}
	var out []domain.TokenBalanceChange
	add := func(b rpc.TokenBalance, post bool) {
		if b.Owner == nil || b.UiTokenAmount == nil {
			return
		}
		amt, err := decimal.NewFromString(b.UiTokenAmount.Amount)
		if err != nil {
			return
		}
		amt = amt.Shift(-int32(b.UiTokenAmount.Decimals))
		k := key{b.Owner.String(), b.Mint.String()}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, domain.TokenBalanceChange{Owner: k.owner, Mint: k.mint, Pre: decimal.Zero, Post: decimal.Zero})
		}
		if post {
			out[i].Post = out[i].Post.Add(amt)
		} else {
			out[i].Pre = out[i].Pre.Add(amt)
		}
	}
	for _, b := range meta.PreTokenBalances {
		add(b, false)
	}
	for _, b := range meta.PostTokenBalances {
		add(b, true)
	}
	return out
}

func fromBaseUnits(v uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -decimals)
}

// toBaseUnits 多出的精度直接截掉
func toBaseUnits(d decimal.Decimal, decimals int32) (uint64, error) {
	b := d.Shift(decimals).Truncate(0).BigInt()
	if b.Sign() <= 0 || !b.IsUint64() {
		return 0, xerr.New(xerr.ValidationError, "金额超出范围")
	}
	return b.Uint64(), nil
}
