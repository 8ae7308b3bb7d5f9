// Package signer 提供用户操作哈希的签名实现。
package signer

import (
	"context"
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "userop-generator/internal/errors"
)

// Signer 对 32 字节哈希产出 65 字节的 (r, s, v) 签名。
type Signer interface {
	Sign(ctx context.Context, hash common.Hash) ([]byte, error)
	Address() common.Address
}

// Local 持有进程内的 ECDSA 私钥，按 EIP-191 个人消息格式签名。
// 只适合开发与测试环境，生产密钥应放在外部签名服务。
type Local struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocal 从十六进制私钥构造本地签名器，可带 0x 前缀。
func NewLocal(hexKey string) (*Local, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignatureFailure, err, "解析签名私钥失败")
	}
	return &Local{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Sign 先对哈希加 EIP-191 前缀再签名，v 调整为 27/28 以兼容链上校验。
func (s *Local) Sign(_ context.Context, hash common.Hash) ([]byte, error) {
	digest := accounts.TextHash(hash.Bytes())
	signature, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignatureFailure, err, "签名失败")
	}
	signature[64] += 27
	return signature, nil
}

// Address 返回签名账户地址。
func (s *Local) Address() common.Address {
	return s.address
}
