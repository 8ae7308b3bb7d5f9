// Package retry wraps outbound RPC calls in rate-limited, exponentially
// backed-off attempt loops.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	xerrors "userop-generator/internal/errors"
	"userop-generator/internal/observability/metrics"
	"userop-generator/internal/ratelimit"
)

// admissionWait is how long a caller sleeps after the rate limiter denies an
// attempt. Denied admissions are not counted as attempts.
const admissionWait = 100 * time.Millisecond

// Config bounds a retry loop. A zero value is usable; missing fields fall
// back to 3 attempts, 100ms initial / 10s max backoff, multiplier 2.
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Limiter         *ratelimit.Limiter
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	return c
}

// Do invokes op until it succeeds, cfg.MaxAttempts attempts were made, or the
// total elapsed time exceeds MaxInterval×MaxAttempts. Each attempt first
// passes the per-chain rate limiter; denied admissions wait admissionWait and
// try again without consuming an attempt. Backoff before attempt n+1 is
// min(InitialInterval×Multiplier^(n−1), MaxInterval).
//
// op must be idempotent: it may run several times, so only read-style or
// otherwise repeatable calls belong here. Once the final attempt fails its
// error is returned unchanged; exceeding the elapsed ceiling yields a
// RETRIES_EXHAUSTED error instead.
func Do[T any](ctx context.Context, chainID uint64, method string, op func(context.Context) (T, error), cfg Config) (T, error) {
	var zero T
	cfg = cfg.normalized()

	start := time.Now()
	ceiling := cfg.MaxInterval * time.Duration(cfg.MaxAttempts)
	attempt := 1

	for {
		if cfg.Limiter != nil && !cfg.Limiter.Allow(chainID) {
			if time.Since(start)+admissionWait > ceiling {
				metrics.RecordRPCCall(chainID, method, false, time.Since(start))
				return zero, exhausted(chainID, method, attempt)
			}
			time.Sleep(admissionWait)
			continue
		}

		value, err := op(ctx)
		if err == nil {
			metrics.RecordRPCCall(chainID, method, true, time.Since(start))
			return value, nil
		}

		if attempt >= cfg.MaxAttempts {
			metrics.RecordRPCCall(chainID, method, false, time.Since(start))
			return zero, err
		}

		wait := backoff(cfg, attempt)
		if time.Since(start)+wait > ceiling {
			metrics.RecordRPCCall(chainID, method, false, time.Since(start))
			return zero, exhausted(chainID, method, attempt)
		}
		time.Sleep(wait)
		attempt++
	}
}

func backoff(cfg Config, attempt int) time.Duration {
	scaled := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if scaled >= float64(cfg.MaxInterval) {
		return cfg.MaxInterval
	}
	return time.Duration(scaled)
}

func exhausted(chainID uint64, method string, attempts int) error {
	return xerrors.New(xerrors.CodeRetriesExhausted,
		fmt.Sprintf("%s 在链 %d 上重试超时", method, chainID),
		xerrors.WithMetadata("attempts", fmt.Sprintf("%d", attempts)))
}
