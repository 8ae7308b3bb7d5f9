// Package contracts 封装 ERC-4337 相关合约的最小调用面。
// ABI 手工维护，只保留本服务实际用到的方法。
package contracts

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "userop-generator/internal/errors"
	"userop-generator/internal/userop"
)

const userOpComponents = `[
	{"internalType":"address","name":"sender","type":"address"},
	{"internalType":"uint256","name":"nonce","type":"uint256"},
	{"internalType":"bytes","name":"initCode","type":"bytes"},
	{"internalType":"bytes","name":"callData","type":"bytes"},
	{"internalType":"uint256","name":"callGasLimit","type":"uint256"},
	{"internalType":"uint256","name":"verificationGasLimit","type":"uint256"},
	{"internalType":"uint256","name":"preVerificationGas","type":"uint256"},
	{"internalType":"uint256","name":"maxFeePerGas","type":"uint256"},
	{"internalType":"uint256","name":"maxPriorityFeePerGas","type":"uint256"},
	{"internalType":"bytes","name":"paymasterAndData","type":"bytes"},
	{"internalType":"bytes","name":"signature","type":"bytes"}
]`

var entryPointABI = `[
	{"inputs":[{"components":` + userOpComponents + `,"internalType":"struct UserOperation","name":"userOp","type":"tuple"}],
	 "name":"getUserOpHash","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[{"components":` + userOpComponents + `,"internalType":"struct UserOperation[]","name":"ops","type":"tuple[]"},
	           {"internalType":"address payable","name":"beneficiary","type":"address"}],
	 "name":"handleOps","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"address","name":"account","type":"address"}],
	 "name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"}
]`

// EntryPoint 是 v0.6 EntryPoint 合约的调用句柄。
type EntryPoint struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewEntryPoint 在给定后端上绑定 EntryPoint 合约。
func NewEntryPoint(address common.Address, backend bind.ContractBackend) (*EntryPoint, error) {
	parsed, err := abi.JSON(strings.NewReader(entryPointABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "解析 EntryPoint ABI 失败")
	}
	return &EntryPoint{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
	}, nil
}

// Address 返回合约地址。
func (e *EntryPoint) Address() common.Address {
	return e.address
}

// GetUserOpHash 让合约计算操作哈希，用于和本地哈希对账。
func (e *EntryPoint) GetUserOpHash(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	var out []any
	err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getUserOpHash", *op)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeRPCFailure, err, "getUserOpHash 调用失败")
	}
	raw, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, xerrors.New(xerrors.CodeRPCFailure, "getUserOpHash 返回类型异常")
	}
	return common.Hash(raw), nil
}

// VerifyHash 用合约实现核对本地规范哈希，仅作诊断用途。
func (e *EntryPoint) VerifyHash(ctx context.Context, op *userop.UserOperation, local common.Hash) (bool, error) {
	remote, err := e.GetUserOpHash(ctx, op)
	if err != nil {
		return false, err
	}
	return remote == local, nil
}

// HandleOps 把一批已签名操作提交给 EntryPoint 执行。
func (e *EntryPoint) HandleOps(auth *bind.TransactOpts, ops []userop.UserOperation, beneficiary common.Address) (*coretypes.Transaction, error) {
	tx, err := e.contract.Transact(auth, "handleOps", ops, beneficiary)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCFailure, err, "handleOps 提交失败")
	}
	return tx, nil
}

// BalanceOf 查询账户在 EntryPoint 的押金余额。
func (e *EntryPoint) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var out []any
	err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCFailure, err, "balanceOf 调用失败")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeRPCFailure, "balanceOf 返回类型异常")
	}
	return balance, nil
}
