package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"

	"userop-generator/internal/cache"
	xerrors "userop-generator/internal/errors"
	"userop-generator/internal/observability/metrics"
)

const (
	clientTTL        = time.Hour
	clientIdle       = 2 * time.Hour
	clientSweepEvery = 5 * time.Minute

	// clientCacheName is the logical cache name emitted for hit/miss signals.
	clientCacheName = "rpc_clients"
)

// Pool hands out shared node clients keyed by endpoint URL. Handles are
// cached for an hour since dial (two hours idle) and closed on eviction.
type Pool struct {
	catalog *Catalog
	dial    Dialer
	clients *cache.Cache[string, NodeClient]
}

// PoolOption configures optional pool behaviour.
type PoolOption func(*Pool)

// WithDialer overrides how endpoint connections are established.
func WithDialer(dial Dialer) PoolOption {
	return func(p *Pool) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// NewPool builds a pool over the given chain catalog.
func NewPool(catalog *Catalog, opts ...PoolOption) *Pool {
	p := &Pool{catalog: catalog, dial: DialNode}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.clients = cache.New(clientTTL, clientIdle, clientSweepEvery,
		cache.WithEvictFunc(func(_ string, client NodeClient) {
			client.Close()
		}))
	return p
}

// Client returns the shared node client for chainID, dialing on first use.
func (p *Pool) Client(ctx context.Context, chainID uint64) (NodeClient, error) {
	def, ok := p.catalog.ByID(chainID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnsupportedChain, fmt.Sprintf("不支持的链: %d", chainID))
	}

	if client, ok := p.clients.Get(def.RPCURL); ok {
		metrics.RecordCacheHit(clientCacheName)
		return client, nil
	}
	metrics.RecordCacheMiss(clientCacheName)

	client, err := p.dial(ctx, def.RPCURL)
	if err != nil {
		return nil, err
	}
	// A racing dial may have landed first; prefer the cached handle so the
	// eviction hook never closes a client that is still handed out.
	if cached, ok := p.clients.Get(def.RPCURL); ok {
		client.Close()
		return cached, nil
	}
	p.clients.Set(def.RPCURL, client)
	metrics.SetActiveConnections(chainID, 1)
	return client, nil
}

// Backend exposes the chain's client as a contract call backend. Clients
// created by dialers that do not speak the full contract surface (tests,
// mostly) are rejected.
func (p *Pool) Backend(ctx context.Context, chainID uint64) (bind.ContractBackend, error) {
	client, err := p.Client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	backend, ok := client.(bind.ContractBackend)
	if !ok {
		return nil, xerrors.New(xerrors.CodeRPCFailure, fmt.Sprintf("链 %d 的客户端不支持合约调用", chainID))
	}
	return backend, nil
}

// Definition exposes the catalog entry for chainID.
func (p *Pool) Definition(chainID uint64) (Definition, bool) {
	return p.catalog.ByID(chainID)
}

// Close drops all cached handles, closing each connection.
func (p *Pool) Close() {
	p.clients.Stop()
	p.clients.Purge()
	for _, chainID := range p.catalog.ChainIDs() {
		metrics.SetActiveConnections(chainID, 0)
	}
}
