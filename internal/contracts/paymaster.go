package contracts

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	xerrors "userop-generator/internal/errors"
	"userop-generator/internal/userop"
)

var paymasterABI = `[
	{"inputs":[{"components":` + userOpComponents + `,"internalType":"struct UserOperation","name":"userOp","type":"tuple"},
	           {"internalType":"bytes32","name":"userOpHash","type":"bytes32"},
	           {"internalType":"uint256","name":"maxCost","type":"uint256"}],
	 "name":"validatePaymasterUserOp",
	 "outputs":[{"internalType":"bytes","name":"context","type":"bytes"},
	            {"internalType":"uint256","name":"validationData","type":"uint256"}],
	 "stateMutability":"nonpayable","type":"function"},
	{"inputs":[],
	 "name":"getDeposit","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"}
]`

// Paymaster 是代付合约的调用句柄，验证调用通过 eth_call 模拟执行。
type Paymaster struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewPaymaster 在给定后端上绑定代付合约。
func NewPaymaster(address common.Address, backend bind.ContractBackend) (*Paymaster, error) {
	parsed, err := abi.JSON(strings.NewReader(paymasterABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "解析 Paymaster ABI 失败")
	}
	return &Paymaster{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
	}, nil
}

// Address 返回合约地址。
func (p *Paymaster) Address() common.Address {
	return p.address
}

// ValidatePaymasterUserOp 模拟代付校验，返回上下文与打包的有效期数据。
// 合约限定只能由 EntryPoint 调用，因此 From 伪装成 EntryPoint 地址。
func (p *Paymaster) ValidatePaymasterUserOp(ctx context.Context, entryPoint common.Address,
	op *userop.UserOperation, opHash common.Hash, maxCost *big.Int) ([]byte, *big.Int, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx, From: entryPoint}
	err := p.contract.Call(opts, &out, "validatePaymasterUserOp", *op, [32]byte(opHash), maxCost)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeRPCFailure, err, "validatePaymasterUserOp 调用失败")
	}
	if len(out) != 2 {
		return nil, nil, xerrors.New(xerrors.CodeRPCFailure, "validatePaymasterUserOp 返回值数量异常")
	}
	callContext, ok := out[0].([]byte)
	if !ok {
		return nil, nil, xerrors.New(xerrors.CodeRPCFailure, "validatePaymasterUserOp context 类型异常")
	}
	validationData, ok := out[1].(*big.Int)
	if !ok {
		return nil, nil, xerrors.New(xerrors.CodeRPCFailure, "validatePaymasterUserOp validationData 类型异常")
	}
	return callContext, validationData, nil
}

// Deposit 查询代付合约在 EntryPoint 上的押金余额。
func (p *Paymaster) Deposit(ctx context.Context) (*big.Int, error) {
	var out []any
	err := p.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getDeposit")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCFailure, err, "getDeposit 调用失败")
	}
	deposit, ok := out[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeRPCFailure, "getDeposit 返回类型异常")
	}
	return deposit, nil
}
