package gas

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"userop-generator/internal/cache"
	"userop-generator/internal/chain"
	xerrors "userop-generator/internal/errors"
	"userop-generator/internal/observability/metrics"
	"userop-generator/internal/ratelimit"
	"userop-generator/internal/retry"
)

const (
	nonceTTL        = 5 * time.Second
	nonceIdle       = 10 * time.Second
	nonceSweepEvery = 15 * time.Second

	nonceCacheName = "nonces"
)

type nonceKey struct {
	chainID uint64
	account common.Address
}

// NonceManager 按 (链, 账户) 缓存待处理 nonce，写后 5 秒、闲置 10 秒过期。
// 短 TTL 只为压掉同一账户的突发查询，不承诺跨提交的一致性。
type NonceManager struct {
	pool     *chain.Pool
	nonces   *cache.Cache[nonceKey, uint64]
	limiters map[uint64]*ratelimit.Limiter
}

// NewNonceManager 构造 nonce 管理器，limiters 与估算器共享。
func NewNonceManager(pool *chain.Pool, limiters map[uint64]*ratelimit.Limiter) *NonceManager {
	return &NonceManager{
		pool:     pool,
		nonces:   cache.New[nonceKey, uint64](nonceTTL, nonceIdle, nonceSweepEvery),
		limiters: limiters,
	}
}

// Next 返回 account 在 chainID 上的待处理 nonce。
func (m *NonceManager) Next(ctx context.Context, chainID uint64, account common.Address) (uint64, error) {
	def, ok := m.pool.Definition(chainID)
	if !ok {
		return 0, xerrors.New(xerrors.CodeUnsupportedChain, fmt.Sprintf("不支持的链: %d", chainID))
	}

	key := nonceKey{chainID: chainID, account: account}
	if nonce, ok := m.nonces.Get(key); ok {
		metrics.RecordCacheHit(nonceCacheName)
		return nonce, nil
	}
	metrics.RecordCacheMiss(nonceCacheName)

	client, err := m.pool.Client(ctx, chainID)
	if err != nil {
		return 0, err
	}
	nonce, err := retry.Do(ctx, chainID, "eth_getTransactionCount", func(ctx context.Context) (uint64, error) {
		return client.PendingNonceAt(ctx, account)
	}, retry.Config{
		MaxAttempts:     def.Retry.MaxAttempts,
		InitialInterval: time.Duration(def.Retry.InitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(def.Retry.MaxIntervalMS) * time.Millisecond,
		Multiplier:      def.Retry.Multiplier,
		Limiter:         m.limiters[chainID],
	})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeRPCFailure, err,
			fmt.Sprintf("链 %d 查询账户 nonce 失败", chainID))
	}
	m.nonces.Set(key, nonce)
	return nonce, nil
}

// Invalidate 丢弃缓存的 nonce。提交成功或失败后调用，下一次读取回源。
func (m *NonceManager) Invalidate(chainID uint64, account common.Address) {
	m.nonces.Invalidate(nonceKey{chainID: chainID, account: account})
}

// Close 停止 nonce 缓存的后台清理。
func (m *NonceManager) Close() {
	m.nonces.Stop()
}
