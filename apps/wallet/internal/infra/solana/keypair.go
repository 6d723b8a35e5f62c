package solana

import (
	"crypto/ed25519"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/segmentio/encoding/json"
	"github.com/tyler-smith/go-bip39"

	"cryptopay.com/pkg/xerr"
)

// LoadKey 归集钱包私钥，三种写法：
//   - base58 私钥（钱包导出格式）
//   - solana-keygen 的 JSON 字节数组
//   - 助记词（与 solana-keygen recover 一致，不走派生路径）
func LoadKey(secret, mnemonic string) (solana.PrivateKey, error) {
	secret = strings.TrimSpace(secret)
	switch {
	case strings.HasPrefix(secret, "["):
		// []byte 会按 base64 字符串解，这里必须用整数数组
		var nums []int
		if err := json.Unmarshal([]byte(secret), &nums); err != nil {
			return nil, xerr.Wrap(err, xerr.ValidationError, "bad keypair json")
		}
		if len(nums) != ed25519.PrivateKeySize {
			return nil, xerr.New(xerr.ValidationError, "keypair must be 64 bytes")
		}
		raw := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > 255 {
				return nil, xerr.New(xerr.ValidationError, "keypair byte out of range")
			}
			raw[i] = byte(n)
		}
		return solana.PrivateKey(raw), nil
	case secret != "":
		key, err := solana.PrivateKeyFromBase58(secret)
		if err != nil {
			return nil, xerr.Wrap(err, xerr.ValidationError, "bad base58 secret key")
		}
		return key, nil
	case mnemonic != "":
		seed, err := bip39.NewSeedWithErrorChecking(strings.TrimSpace(mnemonic), "")
		if err != nil {
			return nil, xerr.Wrap(err, xerr.ValidationError, "bad mnemonic")
		}
		return solana.PrivateKey(ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])), nil
	}
	return nil, xerr.New(xerr.ValidationError, "solana secret_key or mnemonic required")
}
