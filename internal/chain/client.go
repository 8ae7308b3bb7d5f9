package chain

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "userop-generator/internal/errors"
)

// NodeClient is the subset of node RPC methods the estimation pipeline
// consumes. *ethclient.Client satisfies it.
type NodeClient interface {
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*gethcore.FeeHistory, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	Close()
}

// Dialer opens a NodeClient for an endpoint URL.
type Dialer func(ctx context.Context, url string) (NodeClient, error)

// DialNode connects to an EVM node over the configured RPC transport.
func DialNode(ctx context.Context, url string) (NodeClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCFailure, err, "连接链节点失败")
	}
	return client, nil
}
