package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExactlyNAdmissionsPerWindow(t *testing.T) {
	l := New(100*time.Millisecond, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow(1) {
			t.Fatalf("admission %d unexpectedly denied", i+1)
		}
	}
	if l.Allow(1) {
		t.Fatal("fourth admission within the window should be denied")
	}
}

func TestAdmissionResumesAfterWindow(t *testing.T) {
	l := New(60*time.Millisecond, 2)

	if !l.Allow(1) || !l.Allow(1) {
		t.Fatal("initial admissions denied")
	}
	if l.Allow(1) {
		t.Fatal("limit not enforced")
	}

	time.Sleep(80 * time.Millisecond)
	if !l.Allow(1) {
		t.Fatal("admission should succeed after the window elapses")
	}
}

func TestDeniedCallDoesNotRecord(t *testing.T) {
	base := time.Now()
	now := base
	l := New(time.Second, 1)
	l.now = func() time.Time { return now }

	if !l.Allow(1) {
		t.Fatal("first admission denied")
	}
	// Hammer the limiter with denied calls; none of them may extend the window.
	for i := 0; i < 10; i++ {
		now = now.Add(50 * time.Millisecond)
		if l.Allow(1) {
			t.Fatalf("admission %d should have been denied", i)
		}
	}
	now = base.Add(time.Second + time.Millisecond)
	if !l.Allow(1) {
		t.Fatal("original grant should have aged out")
	}
}

func TestChainsAreIndependent(t *testing.T) {
	l := New(time.Second, 1)

	if !l.Allow(1) {
		t.Fatal("chain 1 denied")
	}
	if !l.Allow(137) {
		t.Fatal("chain 137 should have its own budget")
	}
	if l.Allow(1) || l.Allow(137) {
		t.Fatal("per-chain limits not enforced")
	}
}

func TestConcurrentSameChainNoOverAdmission(t *testing.T) {
	const max = 50
	l := New(time.Second, max)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(42161) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != max {
		t.Fatalf("admitted %d requests concurrently, want exactly %d", got, max)
	}
}
