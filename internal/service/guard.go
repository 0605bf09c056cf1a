// Package service contains the admin authentication guard.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/adminguard/internal/crypto"
	"github.com/and161185/adminguard/internal/errs"
	"github.com/and161185/adminguard/internal/limiter"
	"github.com/and161185/adminguard/internal/metrics"
	"github.com/and161185/adminguard/internal/model"
)

// Verifier checks a secret against a credential reference. *crypto.Verifier implements it.
type Verifier interface {
	Verify(secret string, ref *crypto.Reference) (bool, error)
}

// DefaultMaxPrincipalLen bounds the principals the guard will track, in bytes.
const DefaultMaxPrincipalLen = 256

// AuthGuard authenticates the single configured admin principal with
// rate limiting in front of credential verification.
type AuthGuard struct {
	principal string
	ref       atomic.Pointer[crypto.Reference]
	verifier  Verifier
	lim       limiter.Limiter

	maxPrincipalLen int

	log     *zap.Logger
	metrics *metrics.Guard
	clock   limiter.Clock
}

// Option customizes an AuthGuard.
type Option func(*AuthGuard)

// WithLogger sets the logger. Secrets are never logged.
func WithLogger(l *zap.Logger) Option {
	return func(g *AuthGuard) {
		if l != nil {
			g.log = l
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Guard) Option {
	return func(g *AuthGuard) { g.metrics = m }
}

// WithClock sets the clock used to time verification.
func WithClock(c limiter.Clock) Option {
	return func(g *AuthGuard) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithMaxPrincipalLen bounds the principal length; longer principals are
// rejected without touching the ledger. Non-positive values keep the default.
func WithMaxPrincipalLen(n int) Option {
	return func(g *AuthGuard) {
		if n > 0 {
			g.maxPrincipalLen = n
		}
	}
}

// NewAuthGuard constructs the guard for principal. Every collaborator is required.
func NewAuthGuard(principal string, ref *crypto.Reference, v Verifier, lim limiter.Limiter, opts ...Option) (*AuthGuard, error) {
	switch {
	case principal == "":
		return nil, fmt.Errorf("%w: empty admin principal", errs.ErrConfiguration)
	case ref.IsZero():
		return nil, fmt.Errorf("%w: missing credential reference", errs.ErrConfiguration)
	case v == nil:
		return nil, fmt.Errorf("%w: missing verifier", errs.ErrConfiguration)
	case lim == nil:
		return nil, fmt.Errorf("%w: missing rate limiter", errs.ErrConfiguration)
	}

	g := &AuthGuard{
		principal: principal,
		verifier:  v,
		lim:       lim,
		log:       zap.NewNop(),
		clock:     limiter.SystemClock{},

		maxPrincipalLen: DefaultMaxPrincipalLen,
	}
	g.ref.Store(ref)
	for _, opt := range opts {
		opt(g)
	}
	if len(principal) > g.maxPrincipalLen {
		return nil, fmt.Errorf("%w: admin principal longer than %d bytes", errs.ErrConfiguration, g.maxPrincipalLen)
	}
	return g, nil
}

// Principal returns the configured admin principal.
func (g *AuthGuard) Principal() string { return g.principal }

// Refresh replaces the credential reference. Rate limiter state is kept.
func (g *AuthGuard) Refresh(ref *crypto.Reference) error {
	if ref.IsZero() {
		return fmt.Errorf("%w: missing credential reference", errs.ErrConfiguration)
	}
	g.ref.Store(ref)
	g.log.Info("credential reference replaced", zap.String("algorithm", string(ref.Algorithm())))
	return nil
}

// Authenticate runs one login attempt. A locked principal is refused before
// any hashing; otherwise the secret is verified and the attempt's provisional
// failure is refunded on success or confirmed on rejection. Ledger errors
// fail closed as Rejected.
func (g *AuthGuard) Authenticate(ctx context.Context, principal, secret string) model.Result {
	match := samePrincipal(principal, g.principal)
	log := g.log.With(zap.String("principal", g.loggable(principal, match)), zap.Stringer("attempt", attemptID()))

	if principal == "" || len(principal) > g.maxPrincipalLen {
		log.Info("login rejected: malformed principal", zap.Int("principal_len", len(principal)))
		return g.finish(model.Rejected(fmt.Errorf("%w: %w", errs.ErrInvalidCredential, errs.ErrInvalidInput)))
	}

	d, err := g.lim.Acquire(ctx, principal)
	if err != nil {
		g.metrics.LedgerError()
		log.Error("attempt ledger unavailable", zap.Error(err))
		return g.finish(model.Rejected(errs.ErrInvalidCredential))
	}
	if !d.Allowed {
		log.Warn("login locked", zap.Duration("retry_after", d.RetryAfter))
		return g.finish(model.Locked(errs.ErrLocked, d.RetryAfter))
	}

	start := g.clock.Now()
	ok, err := g.verifier.Verify(secret, g.ref.Load())
	g.metrics.VerifyDuration(g.clock.Now().Sub(start))
	if err != nil {
		log.Error("credential verification failed", zap.Error(err))
		ok = false
	}

	// Unknown principals pay for the same hash and get the same answer.
	if !(ok && match) {
		// A concurrent success may have reset the ledger, provisional entry included.
		if _, err := g.lim.Reject(ctx, principal, d.Token); err != nil {
			g.metrics.LedgerError()
			log.Error("attempt ledger failure not recorded", zap.Error(err))
		}
		log.Info("login rejected")
		return g.finish(model.Rejected(errs.ErrInvalidCredential))
	}

	if err := g.lim.Success(ctx, principal); err != nil {
		g.metrics.LedgerError()
		log.Warn("attempt ledger reset failed", zap.Error(err))
	}
	log.Info("login succeeded")
	return g.finish(model.Success())
}

// loggable returns the admin principal as is and a digest of anything else,
// which may be a mistyped secret.
func (g *AuthGuard) loggable(principal string, match bool) string {
	if match {
		return principal
	}
	sum := sha256.Sum256([]byte(principal))
	return "sha256:" + hex.EncodeToString(sum[:8])
}

func (g *AuthGuard) finish(r model.Result) model.Result {
	g.metrics.Outcome(r.Outcome)
	return r
}

// samePrincipal compares fixed-size digests so neither content nor length leaks through timing.
func samePrincipal(got, want string) bool {
	a := sha256.Sum256([]byte(got))
	b := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func attemptID() fmt.Stringer {
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil
	}
	return id
}
