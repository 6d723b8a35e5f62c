package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"cryptopay.com/apps/wallet/internal/domain"
	"cryptopay.com/pkg/logger"
	"cryptopay.com/pkg/xerr"
)

// AddressValidator 由链适配器实现
type AddressValidator interface {
	ValidateAddress(address string) error
}

type AccountService struct {
	repo      domain.WalletRepo
	validator AddressValidator
	pool      domain.PoolAddresses
	assets    *domain.AssetRegistry
}

func NewAccountService(repo domain.WalletRepo, validator AddressValidator, pool domain.PoolAddresses, assets *domain.AssetRegistry) *AccountService {
	return &AccountService{repo: repo, validator: validator, pool: pool, assets: assets}
}

// EnsureAccount 首次交互时创建账户
// 推荐人必须已存在，自己推荐自己忽略；已存在的账户只刷新 handle
func (s *AccountService) EnsureAccount(ctx context.Context, id int64, handle string, referrer *int64) (*domain.Account, error) {
	if id == domain.PlatformAccountID {
		return nil, xerr.New(xerr.ValidationError, "保留账户 ID")
	}
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")

	acc := &domain.Account{ID: id, Handle: handle, Language: domain.LangEN, CodeEnabled: true}
	if referrer != nil && *referrer != id && *referrer != domain.PlatformAccountID {
		if _, err := s.repo.GetAccount(ctx, *referrer); err == nil {
			ref := *referrer
			acc.ReferrerID = &ref
		} else if !xerr.Is(err, xerr.AccountNotFound) {
			return nil, err
		}
	}

	created, err := s.repo.CreateAccount(ctx, acc)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info(ctx, "👤 新账户", zap.Int64("account", id), zap.String("handle", handle))
		return acc, nil
	}

	existing, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if handle != "" && handle != existing.Handle {
		if err := s.repo.UpdateAccount(ctx, id, map[string]interface{}{"handle": handle}); err != nil {
			return nil, err
		}
		existing.Handle = handle
	}
	return existing, nil
}

func (s *AccountService) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return s.repo.GetAccount(ctx, id)
}

// ResolveReceiver 支持 @handle 或者数字 ID
func (s *AccountService) ResolveReceiver(ctx context.Context, receiver string) (*domain.Account, error) {
	receiver = strings.TrimSpace(receiver)
	if id, ok := parseAccountID(receiver); ok {
		return s.repo.GetAccount(ctx, id)
	}
	return s.repo.GetAccountByHandle(ctx, receiver)
}

type SettingsUpdate struct {
	Language    *string `json:"language"`
	CodeEnabled *bool   `json:"code_enabled"`
}

func (s *AccountService) UpdateSettings(ctx context.Context, id int64, u SettingsUpdate) error {
	fields := map[string]interface{}{}
	if u.Language != nil {
		lang := strings.ToLower(*u.Language)
		if lang != domain.LangEN && lang != domain.LangDE {
			return xerr.New(xerr.ValidationError, "不支持的语言: "+*u.Language)
		}
		fields["language"] = lang
	}
	if u.CodeEnabled != nil {
		fields["code_enabled"] = *u.CodeEnabled
	}
	if len(fields) == 0 {
		return nil
	}
	return s.repo.UpdateAccount(ctx, id, fields)
}

// SetPassword 已设置过密码时必须提供旧密码；newPw 为空表示清除密码
func (s *AccountService) SetPassword(ctx context.Context, id int64, oldPw, newPw string) error {
	acc, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if acc.HasPassword() && !checkPassword(acc.PasswordHash, oldPw) {
		return xerr.NewErrCode(xerr.PasswordMismatch)
	}
	hash := ""
	if newPw != "" {
		if len(newPw) < minPasswordLen {
			return xerr.New(xerr.ValidationError, "密码至少 6 位")
		}
		if hash, err = hashPassword(newPw); err != nil {
			return xerr.Wrap(err, xerr.ServerCommonError, "hash password failed")
		}
	}
	if err := s.repo.UpdateAccount(ctx, id, map[string]interface{}{"password_hash": hash}); err != nil {
		return err
	}
	logger.Info(ctx, "🔐 密码已更新", zap.Int64("account", id), zap.Bool("cleared", newPw == ""))
	return nil
}

// RegisterSource 登记充值来源地址；同一地址不能被两个账户登记
func (s *AccountService) RegisterSource(ctx context.Context, id int64, address string) error {
	address = strings.TrimSpace(address)
	if err := s.validator.ValidateAddress(address); err != nil {
		return err
	}
	if address == s.pool.Wallet {
		return xerr.New(xerr.ValidationError, "不能登记平台钱包地址")
	}
	if _, err := s.repo.GetAccount(ctx, id); err != nil {
		return err
	}
	if err := s.repo.SaveSource(ctx, id, address); err != nil {
		return err
	}
	logger.Info(ctx, "📮 登记充值来源地址", zap.Int64("account", id), zap.String("address", address))
	return nil
}

type DepositInfo struct {
	PoolWallet    string            `json:"pool_wallet"`
	TokenAccounts map[string]string `json:"token_accounts"` // symbol -> ATA
	Source        string            `json:"source,omitempty"`
}

func (s *AccountService) GetDepositInfo(ctx context.Context, id int64) (*DepositInfo, error) {
	info := &DepositInfo{PoolWallet: s.pool.Wallet, TokenAccounts: map[string]string{}}
	for _, a := range s.assets.Tokens() {
		if ata, ok := s.pool.TokenAccount[a.Mint]; ok {
			info.TokenAccounts[a.Symbol] = ata
		}
	}
	b, err := s.repo.GetSourceByAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if b != nil {
		info.Source = b.Address
	}
	return info, nil
}
