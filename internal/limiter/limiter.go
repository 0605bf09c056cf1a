// Package limiter defines interfaces and implementations for login rate limiting.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/and161185/adminguard/internal/errs"
	"github.com/and161185/adminguard/internal/model"
)

// Defaults for the sliding window.
const (
	DefaultMaxAttempts = 3
	DefaultWindow      = 15 * time.Minute
	DefaultShards      = 64
)

// Limiter tracks failed login attempts per principal inside a sliding window.
type Limiter interface {
	// Allow reports whether a new attempt is currently permitted.
	Allow(ctx context.Context, principal string) (model.Decision, error)
	// Acquire checks admission and, when allowed, records the attempt as a
	// failure in the same critical section. A later Success refunds it; a
	// later Reject with the returned Decision.Token confirms it.
	Acquire(ctx context.Context, principal string) (model.Decision, error)
	// Reject confirms the failure of an attempt admitted by Acquire. If a
	// concurrent Success already removed the provisional entry, the failure
	// is recorded again, so every rejected attempt is counted exactly once.
	Reject(ctx context.Context, principal, token string) (model.Decision, error)
	// Failure records a failed attempt and returns the resulting decision.
	Failure(ctx context.Context, principal string) (model.Decision, error)
	// Success clears the principal's failure history.
	Success(ctx context.Context, principal string) error
}

// Sweeper is implemented by ledgers that can drop expired records in bulk.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Config holds the sliding window parameters.
type Config struct {
	MaxAttempts int
	Window      time.Duration
}

// DefaultConfig returns 3 attempts per 15 minutes.
func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts, Window: DefaultWindow}
}

// Validate rejects non-positive parameters.
func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive, got %d", errs.ErrConfiguration, c.MaxAttempts)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", errs.ErrConfiguration, c.Window)
	}
	return nil
}

// Option customizes a ledger.
type Option func(*options)

type options struct {
	clock  Clock
	shards int
	prefix string
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  SystemClock{},
		shards: DefaultShards,
		prefix: "adminguard",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock injects the time source.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithShards sets the number of lock stripes of the memory ledger (rounded up to a power of two).
func WithShards(n int) Option {
	return func(o *options) { o.shards = n }
}

// WithKeyPrefix sets the key namespace of the Redis ledger.
func WithKeyPrefix(p string) Option {
	return func(o *options) {
		if p != "" {
			o.prefix = p
		}
	}
}
