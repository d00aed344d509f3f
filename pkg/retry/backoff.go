// Package retry computes exponential backoff with deterministic jitter and
// runs idempotent operations under it.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultPolicy suits ledger read queries.
var DefaultPolicy = Policy{
	Base:        100 * time.Millisecond,
	Max:         2 * time.Second,
	MaxJitter:   50 * time.Millisecond,
	MaxAttempts: 3,
}

// Key seeds the jitter so two callers retrying the same operation spread out
// while one caller's schedule stays reproducible.
type Key struct {
	Network   string
	Operation string
	Subject   string
}

// Backoff returns the delay before attempt (0-based; attempt 0 has none).
func Backoff(key Key, attempt int, p Policy) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := int64(1) << min(attempt, 30)
	delay := time.Duration(int64(p.Base) * factor)
	if delay > p.Max || delay <= 0 {
		delay = p.Max
	}
	return delay + jitter(key, attempt, p.MaxJitter)
}

func jitter(key Key, attempt int, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%s:%d", key.Network, key.Operation, key.Subject, attempt)
	sum := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(maxJitter)) //nolint:gosec // maxJitter is positive
}

// Permanent marks an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Do runs fn until it succeeds, returns a *Permanent error, the context ends
// or the policy's attempts are exhausted. The last error is returned.
func Do(ctx context.Context, key Key, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	var err error
	for i := 0; i < attempts; i++ {
		if d := Backoff(key, i, p); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Join(err, ctx.Err())
			case <-t.C:
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
	}
	return err
}
