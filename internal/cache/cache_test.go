package cache

import (
	"sync"
	"testing"
	"time"
)

func TestGetReturnsLiveValue(t *testing.T) {
	c := New[string, int](time.Second, time.Second, 0)
	c.Set("a", 42)

	got, ok := c.Get("a")
	if !ok || got != 42 {
		t.Fatalf("expected live value 42, got %d (ok=%v)", got, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestTTLCeilingHoldsDespiteAccess(t *testing.T) {
	c := New[string, int](80*time.Millisecond, 400*time.Millisecond, 0)
	c.Set("a", 1)

	// Touch the entry repeatedly; only the idle clock should refresh.
	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		if _, ok := c.Get("a"); !ok {
			t.Fatalf("entry expired early on read %d", i)
		}
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("entry survived past its TTL ceiling")
	}
}

func TestIdleExpiry(t *testing.T) {
	c := New[string, int](time.Second, 60*time.Millisecond, 0)
	c.Set("a", 1)

	time.Sleep(90 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("entry survived past its idle timeout")
	}
}

func TestSetResetsBothClocks(t *testing.T) {
	c := New[string, int](100*time.Millisecond, time.Second, 0)
	c.Set("a", 1)

	time.Sleep(60 * time.Millisecond)
	c.Set("a", 2)
	time.Sleep(60 * time.Millisecond)

	got, ok := c.Get("a")
	if !ok {
		t.Fatal("rewrite should have reset the TTL clock")
	}
	if got != 2 {
		t.Fatalf("expected overwritten value 2, got %d", got)
	}
}

func TestInvalidateRemovesUnconditionally(t *testing.T) {
	c := New[string, int](time.Second, time.Second, 0)
	c.Set("a", 1)
	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("invalidated entry still present")
	}
}

func TestEvictCallbackOnReplaceAndInvalidate(t *testing.T) {
	var mu sync.Mutex
	evicted := make([]int, 0, 2)
	c := New(time.Second, time.Second, 0, WithEvictFunc(func(_ string, v int) {
		mu.Lock()
		evicted = append(evicted, v)
		mu.Unlock()
	}))

	c.Set("a", 1)
	c.Set("a", 2)
	c.Invalidate("a")

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 2 || evicted[0] != 1 || evicted[1] != 2 {
		t.Fatalf("unexpected evictions: %v", evicted)
	}
}

func TestBackgroundSweepCollectsExpired(t *testing.T) {
	var mu sync.Mutex
	evicted := 0
	c := New(30*time.Millisecond, time.Second, 10*time.Millisecond, WithEvictFunc(func(string, int) {
		mu.Lock()
		evicted++
		mu.Unlock()
	}))
	defer c.Stop()

	c.Set("a", 1)
	c.Set("b", 2)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if evicted != 2 {
		t.Fatalf("sweep evicted %d entries, want 2", evicted)
	}
	if n := c.Len(); n != 0 {
		t.Fatalf("expected empty cache after sweep, got %d entries", n)
	}
}

func TestConcurrentDistinctKeys(t *testing.T) {
	c := New[int, int](time.Second, time.Second, 0)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(key int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(key, j)
				if v, ok := c.Get(key); !ok || v > j {
					t.Errorf("key %d: got %d (ok=%v) after writing %d", key, v, ok, j)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
