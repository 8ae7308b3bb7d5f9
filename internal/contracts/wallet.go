package contracts

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	xerrors "userop-generator/internal/errors"
)

const smartWalletABI = `[
	{"inputs":[],"name":"getNonce",
	 "outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"bytes32","name":"hash","type":"bytes32"},
	           {"internalType":"bytes","name":"signature","type":"bytes"}],
	 "name":"isValidSignature",
	 "outputs":[{"internalType":"bytes4","name":"","type":"bytes4"}],
	 "stateMutability":"view","type":"function"}
]`

// eip1271MagicValue 是 isValidSignature 认可签名时返回的选择子。
var eip1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

// SmartWallet 是账户抽象钱包合约的调用句柄。
type SmartWallet struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewSmartWallet 在给定后端上绑定钱包合约。
func NewSmartWallet(address common.Address, backend bind.ContractBackend) (*SmartWallet, error) {
	parsed, err := abi.JSON(strings.NewReader(smartWalletABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "解析钱包 ABI 失败")
	}
	return &SmartWallet{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
	}, nil
}

// Address 返回钱包地址。
func (w *SmartWallet) Address() common.Address {
	return w.address
}

// Nonce 读取钱包自身维护的 nonce。
func (w *SmartWallet) Nonce(ctx context.Context) (*big.Int, error) {
	var out []any
	err := w.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getNonce")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCFailure, err, "getNonce 调用失败")
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeRPCFailure, "getNonce 返回类型异常")
	}
	return nonce, nil
}

// ValidSignature 按 EIP-1271 询问钱包某签名是否有效。
func (w *SmartWallet) ValidSignature(ctx context.Context, hash common.Hash, signature []byte) (bool, error) {
	var out []any
	err := w.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isValidSignature", hash, signature)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeRPCFailure, err, "isValidSignature 调用失败")
	}
	selector, ok := out[0].([4]byte)
	if !ok {
		return false, xerrors.New(xerrors.CodeRPCFailure, "isValidSignature 返回类型异常")
	}
	return selector == eip1271MagicValue, nil
}
