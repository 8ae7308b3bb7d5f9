package userop

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"userop-generator/internal/chain"
	xerrors "userop-generator/internal/errors"
	"userop-generator/internal/gas"
	"userop-generator/internal/observability/metrics"
	"userop-generator/pkg/logger"
)

// GasEstimator 提供按链的费用与限额估算。
type GasEstimator interface {
	Estimate(ctx context.Context, chainID uint64, sender common.Address, callData []byte) (gas.Params, error)
}

// NonceSource 提供账户在链上的待处理 nonce。
type NonceSource interface {
	Next(ctx context.Context, chainID uint64, account common.Address) (uint64, error)
}

// Signer 对规范哈希做以太坊个人消息签名。
type Signer interface {
	Sign(ctx context.Context, hash common.Hash) ([]byte, error)
	Address() common.Address
}

// Request 描述一次用户操作生成请求。
type Request struct {
	ChainID       uint64
	Sender        common.Address
	CallData      []byte
	InitCode      []byte
	Paymaster     *common.Address
	PaymasterData []byte
}

// Result 是组装完成的用户操作及其规范哈希。
type Result struct {
	Operation  *UserOperation
	Hash       common.Hash
	EntryPoint common.Address
}

// Generator 把 nonce、gas 估算与字段组装串成一条生成管线。
type Generator struct {
	chains    *chain.Catalog
	estimator GasEstimator
	nonces    NonceSource
}

// NewGenerator 构造生成器。
func NewGenerator(chains *chain.Catalog, estimator GasEstimator, nonces NonceSource) *Generator {
	return &Generator{chains: chains, estimator: estimator, nonces: nonces}
}

// Generate 组装一个未签名的用户操作并计算其规范哈希。
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	result, err := g.generate(ctx, req)
	metrics.RecordGeneration(req.ChainID, err == nil)
	if err != nil {
		logger.Named("userop").Warn("生成用户操作失败",
			"chain_id", req.ChainID, "sender", req.Sender.Hex(), "error", err)
		return nil, err
	}
	logger.Named("userop").Info("生成用户操作",
		"chain_id", req.ChainID, "sender", req.Sender.Hex(), "hash", result.Hash.Hex())
	return result, nil
}

func (g *Generator) generate(ctx context.Context, req Request) (*Result, error) {
	def, ok := g.chains.ByID(req.ChainID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnsupportedChain, fmt.Sprintf("不支持的链: %d", req.ChainID))
	}
	if (req.Sender == common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sender 地址为空")
	}

	nonce, err := g.nonces.Next(ctx, req.ChainID, req.Sender)
	if err != nil {
		return nil, err
	}
	params, err := g.estimator.Estimate(ctx, req.ChainID, req.Sender, req.CallData)
	if err != nil {
		return nil, err
	}

	op := New(req.Sender, nonce, req.CallData).WithGas(params)
	if len(req.InitCode) > 0 {
		op.WithInitCode(req.InitCode)
	}
	if req.Paymaster != nil {
		op.WithPaymaster(*req.Paymaster, req.PaymasterData)
	}

	entryPoint := def.EntryPointAddress()
	hash, err := Hash(op, req.ChainID, entryPoint)
	if err != nil {
		return nil, err
	}
	return &Result{Operation: op, Hash: hash, EntryPoint: entryPoint}, nil
}

// Sign 用给定签名器对规范哈希签名并写入操作的签名字段。
func (g *Generator) Sign(ctx context.Context, result *Result, signer Signer) error {
	signature, err := signer.Sign(ctx, result.Hash)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSignatureFailure, err, "用户操作签名失败")
	}
	result.Operation.WithSignature(signature)
	return nil
}
