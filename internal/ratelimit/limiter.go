// Package ratelimit provides per-chain sliding-window admission control for
// outbound RPC traffic. State is process-local; independent instances do not
// share or coordinate their limits.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter admits up to maxGrants requests per chain within a trailing window.
// Buckets for distinct chains are independent and do not contend.
type Limiter struct {
	window    time.Duration
	maxGrants int
	buckets   sync.Map // chainID -> *bucket
	now       func() time.Time
}

type bucket struct {
	mu     sync.Mutex
	grants []time.Time
}

// New builds a limiter granting at most maxGrants admissions per window.
func New(window time.Duration, maxGrants int) *Limiter {
	if window <= 0 {
		window = time.Second
	}
	if maxGrants <= 0 {
		maxGrants = 100
	}
	return &Limiter{window: window, maxGrants: maxGrants, now: time.Now}
}

// MaxGrants reports the per-window admission ceiling.
func (l *Limiter) MaxGrants() int {
	return l.maxGrants
}

// Window reports the sliding window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Allow purges grants older than the window for chainID and, if fewer than
// maxGrants survive, records a new grant and returns true. A denied call
// records nothing.
func (l *Limiter) Allow(chainID uint64) bool {
	b := l.bucket(chainID)
	now := l.now()
	horizon := now.Add(-l.window)

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.grants[:0]
	for _, grant := range b.grants {
		if grant.After(horizon) {
			kept = append(kept, grant)
		}
	}
	b.grants = kept

	if len(b.grants) >= l.maxGrants {
		return false
	}
	b.grants = append(b.grants, now)
	return true
}

func (l *Limiter) bucket(chainID uint64) *bucket {
	if raw, ok := l.buckets.Load(chainID); ok {
		return raw.(*bucket)
	}
	raw, _ := l.buckets.LoadOrStore(chainID, &bucket{})
	return raw.(*bucket)
}
