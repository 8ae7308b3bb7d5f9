package submit

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "userop-generator/internal/errors"
)

// MemoryStore 以内存方式保存提交记录，主要用于测试与单机部署。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}
	if _, ok := m.records[record.ID]; ok {
		return ErrConflict
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.records[record.ID] = cloneRecord(record)
	return nil
}

// Get 返回提交记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(record), nil
}

// Claim 把记录标记为提交中并消耗一次尝试。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch record.Status {
	case StatusSubmitted:
		return cloneRecord(record), ErrSubmitted
	case StatusSubmitting:
		return cloneRecord(record), ErrConflict
	}
	if record.Attempts >= record.MaxRetries {
		return cloneRecord(record), ErrExhausted
	}
	record.Status = StatusSubmitting
	record.Attempts++
	record.LastError = ""
	record.ErrorCode = ""
	record.UpdatedAt = time.Now().Unix()
	return cloneRecord(record), nil
}

// MarkSubmitted 记录提交成功与链上交易哈希。
func (m *MemoryStore) MarkSubmitted(_ context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	record.Status = StatusSubmitted
	record.TxHash = txHash
	record.LastError = ""
	record.ErrorCode = ""
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记提交失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code string, lastError string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	record.Status = StatusFailed
	record.LastError = lastError
	record.ErrorCode = code
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回最近的提交记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		results = append(results, cloneRecord(record))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID > results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(record *Record, opts ListOptions) bool {
	if opts.ChainID != 0 && record.ChainID != opts.ChainID {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if record.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
