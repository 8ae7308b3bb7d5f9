package gas

import "math/big"

// Params 是一次 gas 估算的完整输出。费用字段单位为 wei，限额字段为 gas 数量。
type Params struct {
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}
