package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "userop-generator/internal/errors"
)

var (
	abiAddress = mustType("address")
	abiUint256 = mustType("uint256")
	abiBytes   = mustType("bytes")

	// hashArguments 固定了规范哈希的字段顺序，任何一个字段变化都会改变结果。
	hashArguments = abi.Arguments{
		{Type: abiAddress}, // sender
		{Type: abiUint256}, // nonce
		{Type: abiBytes},   // initCode
		{Type: abiBytes},   // callData
		{Type: abiUint256}, // callGasLimit
		{Type: abiUint256}, // verificationGasLimit
		{Type: abiUint256}, // preVerificationGas
		{Type: abiUint256}, // maxFeePerGas
		{Type: abiUint256}, // maxPriorityFeePerGas
		{Type: abiBytes},   // paymasterAndData
		{Type: abiUint256}, // chainId
		{Type: abiAddress}, // entryPoint
	}
)

func mustType(name string) abi.Type {
	typ, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// Hash 计算用户操作在 (chainID, entryPoint) 下的规范哈希：
// 对全部字段（签名除外）连同链 ID 与 EntryPoint 地址做 ABI 编码后取 keccak256。
func Hash(op *UserOperation, chainID uint64, entryPoint common.Address) (common.Hash, error) {
	packed, err := hashArguments.Pack(
		op.Sender,
		op.Nonce,
		op.InitCode,
		op.CallData,
		op.CallGasLimit,
		op.VerificationGasLimit,
		op.PreVerificationGas,
		op.MaxFeePerGas,
		op.MaxPriorityFeePerGas,
		op.PaymasterAndData,
		new(big.Int).SetUint64(chainID),
		entryPoint,
	)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidUserOp, err, "用户操作哈希编码失败")
	}
	return crypto.Keccak256Hash(packed), nil
}
