package submit

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"userop-generator/internal/gas"
	"userop-generator/internal/userop"
)

func signedResult() *userop.Result {
	op := userop.New(common.HexToAddress("0x1111"), 3, []byte{0xca, 0xfe}).
		WithGas(gas.Params{
			CallGasLimit:         big.NewInt(55_000),
			VerificationGasLimit: big.NewInt(100_000),
			PreVerificationGas:   big.NewInt(21_000),
			MaxFeePerGas:         big.NewInt(110),
			MaxPriorityFeePerGas: big.NewInt(10),
		}).
		WithSignature([]byte{0xab, 0xcd})
	hash, _ := userop.Hash(op, 1, common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"))
	return &userop.Result{
		Operation:  op,
		Hash:       hash,
		EntryPoint: common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
	}
}

func pendingRecord(id string) *Record {
	result := signedResult()
	return &Record{
		ID:         id,
		ChainID:    1,
		Sender:     result.Operation.Sender.Hex(),
		OpHash:     result.Hash.Hex(),
		EntryPoint: result.EntryPoint.Hex(),
		Operation:  result.Operation,
		Status:     StatusPending,
		MaxRetries: 2,
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, pendingRecord("op-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, pendingRecord("op-1")); !stdErrors.Is(err, ErrConflict) {
		t.Fatalf("duplicate create: %v", err)
	}

	claimed, err := store.Claim(ctx, "op-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusSubmitting || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed state: %+v", claimed)
	}

	// 提交中的记录不能再次领取。
	if _, err := store.Claim(ctx, "op-1"); !stdErrors.Is(err, ErrConflict) {
		t.Fatalf("claim while submitting: %v", err)
	}

	if err := store.MarkSubmitted(ctx, "op-1", "0xabc"); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	record, err := store.Get(ctx, "op-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != StatusSubmitted || record.TxHash != "0xabc" {
		t.Fatalf("unexpected submitted state: %+v", record)
	}
	if _, err := store.Claim(ctx, "op-1"); !stdErrors.Is(err, ErrSubmitted) {
		t.Fatalf("claim after submit: %v", err)
	}
}

func TestMemoryStoreExhaustsRetries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, pendingRecord("op-2")); err != nil {
		t.Fatalf("create: %v", err)
	}
	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := store.Claim(ctx, "op-2"); err != nil {
			t.Fatalf("claim %d: %v", attempt, err)
		}
		if err := store.MarkFailed(ctx, "op-2", string(CodeOpSubmission), "节点拒绝", false); err != nil {
			t.Fatalf("mark failed %d: %v", attempt, err)
		}
	}
	if _, err := store.Claim(ctx, "op-2"); !stdErrors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
}

func TestMemoryStoreGetReturnsClone(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, pendingRecord("op-3")); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, _ := store.Get(ctx, "op-3")
	first.Status = StatusFailed
	first.Operation.Signature = nil

	second, _ := store.Get(ctx, "op-3")
	if second.Status != StatusPending || len(second.Operation.Signature) == 0 {
		t.Fatalf("store leaked internal state: %+v", second)
	}
}

func TestMemoryQueueDelivers(t *testing.T) {
	queue := NewMemoryQueue(4)
	defer queue.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]bool)
	done := make(chan struct{})
	go func() {
		_ = queue.Consume(ctx, 2, func(_ context.Context, id string) error {
			mu.Lock()
			seen[id] = true
			if len(seen) == 3 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	for _, id := range []string{"a", "b", "c"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("queue did not deliver all records: %v", seen)
	}
}

func TestServiceEnqueue(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	defer queue.Close()
	service := NewService(store, queue, 3)

	record, err := service.Enqueue(context.Background(), 1, signedResult())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if record.ID == "" || record.Status != StatusPending || record.MaxRetries != 3 {
		t.Fatalf("unexpected record: %+v", record)
	}

	stored, err := service.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.OpHash != record.OpHash {
		t.Fatalf("hash mismatch: %s vs %s", stored.OpHash, record.OpHash)
	}
}

func TestServiceRejectsUnsignedOperation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1), 3)

	result := signedResult()
	result.Operation.Signature = nil
	if _, err := service.Enqueue(context.Background(), 1, result); err == nil {
		t.Fatalf("expected rejection of unsigned operation")
	}
}

func TestServiceListFilters(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	defer queue.Close()
	service := NewService(store, queue, 3)
	ctx := context.Background()

	first, err := service.Enqueue(ctx, 1, signedResult())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := service.Enqueue(ctx, 137, signedResult()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.MarkSubmitted(ctx, first.ID, "0xabc"); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}

	submitted, err := service.List(ctx, ListOptions{Statuses: []Status{StatusSubmitted}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(submitted) != 1 || submitted[0].ID != first.ID {
		t.Fatalf("unexpected submitted list: %+v", submitted)
	}

	polygon, err := service.List(ctx, ListOptions{ChainID: 137})
	if err != nil {
		t.Fatalf("list by chain: %v", err)
	}
	if len(polygon) != 1 || polygon[0].ChainID != 137 {
		t.Fatalf("unexpected chain list: %+v", polygon)
	}
}
