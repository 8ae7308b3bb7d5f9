// Package userop 定义 ERC-4337 v0.6 用户操作结构，并负责组装、哈希与签名。
package userop

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"userop-generator/internal/gas"
)

// UserOperation 是 EntryPoint v0.6 定义的 11 字段用户操作。
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// New 构造一个仅含身份字段的用户操作，数值字段初始化为零。
func New(sender common.Address, nonce uint64, callData []byte) *UserOperation {
	return &UserOperation{
		Sender:               sender,
		Nonce:                new(big.Int).SetUint64(nonce),
		CallData:             callData,
		CallGasLimit:         new(big.Int),
		VerificationGasLimit: new(big.Int),
		PreVerificationGas:   new(big.Int),
		MaxFeePerGas:         new(big.Int),
		MaxPriorityFeePerGas: new(big.Int),
		InitCode:             []byte{},
		PaymasterAndData:     []byte{},
		Signature:            []byte{},
	}
}

// WithInitCode 设置钱包部署代码。
func (op *UserOperation) WithInitCode(initCode []byte) *UserOperation {
	op.InitCode = initCode
	return op
}

// WithPaymaster 设置 paymasterAndData 字段：paymaster 地址的 20 字节
// 原样拼接 data，中间没有长度前缀。
func (op *UserOperation) WithPaymaster(paymaster common.Address, data []byte) *UserOperation {
	combined := make([]byte, 0, common.AddressLength+len(data))
	combined = append(combined, paymaster.Bytes()...)
	combined = append(combined, data...)
	op.PaymasterAndData = combined
	return op
}

// WithGas 把估算得到的费用与限额写入操作。
func (op *UserOperation) WithGas(params gas.Params) *UserOperation {
	op.CallGasLimit = params.CallGasLimit
	op.VerificationGasLimit = params.VerificationGasLimit
	op.PreVerificationGas = params.PreVerificationGas
	op.MaxFeePerGas = params.MaxFeePerGas
	op.MaxPriorityFeePerGas = params.MaxPriorityFeePerGas
	return op
}

// WithSignature 设置签名字段。
func (op *UserOperation) WithSignature(signature []byte) *UserOperation {
	op.Signature = signature
	return op
}

// userOperationJSON 是对外 JSON 形态，数值与字节字段均按 0x 十六进制编码。
type userOperationJSON struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// MarshalJSON 按 bundler 约定输出十六进制编码的 JSON。
func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(&userOperationJSON{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(op.Nonce),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(op.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(op.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(op.PreVerificationGas),
		MaxFeePerGas:         (*hexutil.Big)(op.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(op.MaxPriorityFeePerGas),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	})
}

// UnmarshalJSON 解析十六进制编码的 JSON 表示。
func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var decoded userOperationJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	op.Sender = decoded.Sender
	op.Nonce = (*big.Int)(decoded.Nonce)
	op.InitCode = decoded.InitCode
	op.CallData = decoded.CallData
	op.CallGasLimit = (*big.Int)(decoded.CallGasLimit)
	op.VerificationGasLimit = (*big.Int)(decoded.VerificationGasLimit)
	op.PreVerificationGas = (*big.Int)(decoded.PreVerificationGas)
	op.MaxFeePerGas = (*big.Int)(decoded.MaxFeePerGas)
	op.MaxPriorityFeePerGas = (*big.Int)(decoded.MaxPriorityFeePerGas)
	op.PaymasterAndData = decoded.PaymasterAndData
	op.Signature = decoded.Signature
	return nil
}
