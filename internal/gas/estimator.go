// Package gas 按链维度估算 ERC-4337 用户操作的费用与 gas 限额。
//
// 每条链在目录中声明自己的费用模型：eip1559 走费用历史采样，flat 走单一
// gas price，scaled 完全从 derive_from 指定的链推导。费用报价按链缓存
// （写后 12 秒过期、闲置 24 秒过期），call gas 每次请求都实时估算。
package gas

import (
	"context"
	"fmt"
	"math/big"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"userop-generator/internal/cache"
	"userop-generator/internal/chain"
	xerrors "userop-generator/internal/errors"
	"userop-generator/internal/observability/metrics"
	"userop-generator/internal/ratelimit"
	"userop-generator/internal/retry"
)

const (
	feeTTL        = 12 * time.Second
	feeIdle       = 24 * time.Second
	feeSweepEvery = 30 * time.Second

	// 费用缓存的逻辑名称，按费用模型区分以便观测。
	eip1559CacheName = "gas_prices"
	flatCacheName    = "arbitrum_gas_price"

	feeHistoryBlocks = 4
)

// feeHistoryPercentiles 中第二个分位（50）用作 priority fee 的采样来源。
var feeHistoryPercentiles = []float64{10, 50}

// 各费用模型的固定验证开销。
const (
	eip1559VerificationGas    = 100_000
	eip1559PreVerificationGas = 21_000
	scaledVerificationGas     = 200_000
	scaledPreVerificationGas  = 40_000
	flatVerificationGas       = 150_000
	flatPreVerificationGas    = 50_000
)

// scaledCallGasFactor 是 scaled 链在来源链 call gas 之上的放大倍数。
var scaledCallGasFactor = big.NewInt(2)

// quote 是一条链当前的费用报价，缓存的就是它。
type quote struct {
	maxFee      *big.Int
	maxPriority *big.Int
}

// NewLimiters 根据链目录为每条链构建滑动窗口限流器。
// 限流器在估算器与 nonce 管理器之间共享，统一约束对同一条链的 RPC 频率。
func NewLimiters(catalog *chain.Catalog) map[uint64]*ratelimit.Limiter {
	limiters := make(map[uint64]*ratelimit.Limiter)
	for _, chainID := range catalog.ChainIDs() {
		def, _ := catalog.ByID(chainID)
		window := time.Duration(def.RateLimit.WindowSeconds) * time.Second
		limiters[chainID] = ratelimit.New(window, def.RateLimit.MaxRequests)
	}
	return limiters
}

// Estimator 按链目录中声明的费用模型分发估算请求。
type Estimator struct {
	pool     *chain.Pool
	fees     *cache.Cache[uint64, quote]
	limiters map[uint64]*ratelimit.Limiter
}

// NewEstimator 构造估算器。limiters 可以为 nil，此时 RPC 不做限流。
func NewEstimator(pool *chain.Pool, limiters map[uint64]*ratelimit.Limiter) *Estimator {
	return &Estimator{
		pool:     pool,
		fees:     cache.New[uint64, quote](feeTTL, feeIdle, feeSweepEvery),
		limiters: limiters,
	}
}

// Estimate 为 sender 在 chainID 上执行 callData 估算完整的 gas 参数。
// 未配置的链在发起任何远程调用前即返回 UNSUPPORTED_CHAIN。
func (e *Estimator) Estimate(ctx context.Context, chainID uint64, sender common.Address, callData []byte) (Params, error) {
	def, ok := e.pool.Definition(chainID)
	if !ok {
		return Params{}, xerrors.New(xerrors.CodeUnsupportedChain, fmt.Sprintf("不支持的链: %d", chainID))
	}

	start := time.Now()
	params, err := e.estimateFor(ctx, def, sender, callData)
	metrics.ObserveEstimation(chainID, time.Since(start))
	return params, err
}

func (e *Estimator) estimateFor(ctx context.Context, def chain.Definition, sender common.Address, callData []byte) (Params, error) {
	switch def.FeeModel {
	case chain.FeeModelEIP1559:
		return e.estimateEIP1559(ctx, def, sender, callData)
	case chain.FeeModelScaled:
		return e.estimateScaled(ctx, def, sender, callData)
	case chain.FeeModelFlat:
		return e.estimateFlat(ctx, def, sender, callData)
	default:
		return Params{}, xerrors.New(xerrors.CodeUnsupportedChain,
			fmt.Sprintf("链 %d 使用了未知的费用模型 %q", def.ChainID, def.FeeModel))
	}
}

func (e *Estimator) estimateEIP1559(ctx context.Context, def chain.Definition, sender common.Address, callData []byte) (Params, error) {
	q, err := e.quoteFor(ctx, def, eip1559CacheName, "eth_feeHistory", fetchEIP1559Quote)
	if err != nil {
		return Params{}, err
	}
	callGas, err := e.estimateCallGas(ctx, def, sender, callData)
	if err != nil {
		return Params{}, err
	}
	return Params{
		CallGasLimit:         callGas,
		VerificationGasLimit: big.NewInt(eip1559VerificationGas),
		PreVerificationGas:   big.NewInt(eip1559PreVerificationGas),
		MaxFeePerGas:         new(big.Int).Set(q.maxFee),
		MaxPriorityFeePerGas: new(big.Int).Set(q.maxPriority),
	}, nil
}

// estimateScaled 完全从 derive_from 指定的来源链推导：费用照搬来源链报价，
// call gas 在来源链估算值上乘以固定倍数，验证开销使用 scaled 档常量。
func (e *Estimator) estimateScaled(ctx context.Context, def chain.Definition, sender common.Address, callData []byte) (Params, error) {
	source, ok := e.pool.Definition(def.DeriveFrom)
	if !ok {
		return Params{}, xerrors.New(xerrors.CodeUnsupportedChain,
			fmt.Sprintf("链 %d 的费用来源链 %d 未配置", def.ChainID, def.DeriveFrom))
	}
	base, err := e.estimateFor(ctx, source, sender, callData)
	if err != nil {
		return Params{}, err
	}
	return Params{
		CallGasLimit:         new(big.Int).Mul(base.CallGasLimit, scaledCallGasFactor),
		VerificationGasLimit: big.NewInt(scaledVerificationGas),
		PreVerificationGas:   big.NewInt(scaledPreVerificationGas),
		MaxFeePerGas:         base.MaxFeePerGas,
		MaxPriorityFeePerGas: base.MaxPriorityFeePerGas,
	}, nil
}

func (e *Estimator) estimateFlat(ctx context.Context, def chain.Definition, sender common.Address, callData []byte) (Params, error) {
	q, err := e.quoteFor(ctx, def, flatCacheName, "eth_gasPrice", fetchFlatQuote)
	if err != nil {
		return Params{}, err
	}
	callGas, err := e.estimateCallGas(ctx, def, sender, callData)
	if err != nil {
		return Params{}, err
	}
	return Params{
		CallGasLimit:         callGas,
		VerificationGasLimit: big.NewInt(flatVerificationGas),
		PreVerificationGas:   big.NewInt(flatPreVerificationGas),
		MaxFeePerGas:         new(big.Int).Set(q.maxFee),
		MaxPriorityFeePerGas: new(big.Int).Set(q.maxPriority),
	}, nil
}

// quoteFor 返回链上的费用报价，优先走缓存；缓存未命中时经限流重试拉取。
func (e *Estimator) quoteFor(ctx context.Context, def chain.Definition, cacheName, method string,
	fetch func(ctx context.Context, client chain.NodeClient) (quote, error)) (quote, error) {
	if q, ok := e.fees.Get(def.ChainID); ok {
		metrics.RecordCacheHit(cacheName)
		return q, nil
	}
	metrics.RecordCacheMiss(cacheName)

	client, err := e.pool.Client(ctx, def.ChainID)
	if err != nil {
		return quote{}, err
	}
	q, err := retry.Do(ctx, def.ChainID, method, func(ctx context.Context) (quote, error) {
		return fetch(ctx, client)
	}, e.retryConfig(def))
	if err != nil {
		return quote{}, xerrors.Wrap(xerrors.CodeGasEstimation, err,
			fmt.Sprintf("链 %d 获取费用报价失败", def.ChainID))
	}
	e.fees.Set(def.ChainID, q)
	return q, nil
}

func fetchEIP1559Quote(ctx context.Context, client chain.NodeClient) (quote, error) {
	history, err := client.FeeHistory(ctx, feeHistoryBlocks, nil, feeHistoryPercentiles)
	if err != nil {
		return quote{}, err
	}
	if len(history.BaseFee) == 0 || len(history.Reward) == 0 {
		return quote{}, xerrors.New(xerrors.CodeGasEstimation, "fee history 响应不完整")
	}
	latestReward := history.Reward[len(history.Reward)-1]
	if len(latestReward) < len(feeHistoryPercentiles) {
		return quote{}, xerrors.New(xerrors.CodeGasEstimation, "fee history 缺少分位采样")
	}
	baseFee := history.BaseFee[len(history.BaseFee)-1]
	priority := latestReward[1]
	return quote{
		maxFee:      new(big.Int).Add(baseFee, priority),
		maxPriority: new(big.Int).Set(priority),
	}, nil
}

func fetchFlatQuote(ctx context.Context, client chain.NodeClient) (quote, error) {
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return quote{}, err
	}
	return quote{maxFee: gasPrice, maxPriority: big.NewInt(0)}, nil
}

// estimateCallGas 不经缓存，每次请求都向节点实时估算执行用量。
func (e *Estimator) estimateCallGas(ctx context.Context, def chain.Definition, sender common.Address, callData []byte) (*big.Int, error) {
	client, err := e.pool.Client(ctx, def.ChainID)
	if err != nil {
		return nil, err
	}
	msg := gethcore.CallMsg{To: &sender, Data: callData}
	gasUsed, err := retry.Do(ctx, def.ChainID, "eth_estimateGas", func(ctx context.Context) (uint64, error) {
		return client.EstimateGas(ctx, msg)
	}, e.retryConfig(def))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeGasEstimation, err,
			fmt.Sprintf("链 %d 估算 call gas 失败", def.ChainID))
	}
	return new(big.Int).SetUint64(gasUsed), nil
}

func (e *Estimator) retryConfig(def chain.Definition) retry.Config {
	return retry.Config{
		MaxAttempts:     def.Retry.MaxAttempts,
		InitialInterval: time.Duration(def.Retry.InitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(def.Retry.MaxIntervalMS) * time.Millisecond,
		Multiplier:      def.Retry.Multiplier,
		Limiter:         e.limiters[def.ChainID],
	}
}

// Close 停止费用缓存的后台清理。
func (e *Estimator) Close() {
	e.fees.Stop()
}
