// Package retry wraps operations with bounded exponential backoff and jitter.
// Only errors whose kind is retryable are attempted again; validation and
// state-machine rejections propagate immediately. The policy set is closed:
// callers pick one of the named policies instead of assembling parameters at
// runtime.
package retry

import (
	"context"
	"math/rand"
	"time"

	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
	"github.com/mirkobrombin/go-ward/v1/metrics"
)

// Policy bounds the retry loop.
type Policy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var (
	// Default suits ordinary transitions.
	Default = Policy{Name: "default", MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
	// Aggressive suits cheap, high-contention operations such as counters.
	Aggressive = Policy{Name: "aggressive", MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
	// Conservative suits expensive multi-row transitions.
	Conservative = Policy{Name: "conservative", MaxAttempts: 2, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
)

// Executor retries an operation according to its policy.
type Executor struct {
	policy Policy
}

// New returns an Executor for the given policy.
func New(p Policy) *Executor {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = Default.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return &Executor{policy: p}
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do runs op, retrying on retryable errors until the policy's attempt budget
// is spent. Exhaustion surfaces as a KindUnavailable error wrapping the last
// failure and preserving its correlation id.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.RetryCounter.Inc()
			select {
			case <-time.After(e.delay(attempt - 1)):
			case <-ctx.Done():
				return warderrors.Wrap(warderrors.KindUnavailable, ctx.Err(), "cancelled while retrying").
					WithCorrelation(warderrors.CorrelationOf(last))
			}
		}
		last = op(ctx)
		if last == nil {
			return nil
		}
		if !warderrors.Retryable(last) {
			return last
		}
	}
	return warderrors.Wrap(warderrors.KindUnavailable, last, "retries exhausted").
		WithCorrelation(warderrors.CorrelationOf(last))
}

// DoValue is Do for operations that return a value.
func DoValue[T any](e *Executor, ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// delay computes base*2^attempt plus jitter in [0, base), capped at MaxDelay.
func (e *Executor) delay(attempt int) time.Duration {
	d := e.policy.BaseDelay << uint(attempt)
	if d > e.policy.MaxDelay || d <= 0 {
		d = e.policy.MaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(e.policy.BaseDelay)))
}
