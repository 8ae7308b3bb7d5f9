package submit

import "context"

// ListOptions 过滤提交记录列表。
type ListOptions struct {
	Statuses []Status
	ChainID  uint64
	Limit    int
}

func (o *ListOptions) applyDefaults() {
	if o.Limit <= 0 || o.Limit > 200 {
		o.Limit = 50
	}
}

// Store 持久化提交记录的生命周期。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Claim(ctx context.Context, id string) (*Record, error)
	MarkSubmitted(ctx context.Context, id, txHash string) error
	MarkFailed(ctx context.Context, id string, code string, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Close() error
}
