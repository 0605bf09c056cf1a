package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/and161185/adminguard/internal/errs"
	"github.com/and161185/adminguard/internal/model"
)

// PG is a PostgreSQL-backed ledger with sliding window semantics, shared by
// every process pointing at the same database. Each operation runs in a
// transaction holding a per-principal advisory lock.
type PG struct {
	pool  pgxQuerier
	cfg   Config
	clock Clock
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

var (
	_ Limiter = (*PG)(nil)
	_ Sweeper = (*PG)(nil)
)

const (
	pgLock = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

	// Drops expired failures and everything older than the newest $3.
	pgPrune = `
DELETE FROM auth_failures
WHERE principal = $1
  AND (failed_at <= $2
       OR id NOT IN (SELECT id FROM auth_failures WHERE principal = $1 ORDER BY failed_at DESC LIMIT $3))`

	pgLoad = `
SELECT failed_at FROM auth_failures
WHERE principal = $1
ORDER BY failed_at DESC
LIMIT $2`

	pgInsert = `INSERT INTO auth_failures (id, principal, failed_at) VALUES ($1, $2, $3)`

	// The row survives unless a reset deleted it in the meantime.
	pgReinsert = `INSERT INTO auth_failures (id, principal, failed_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`

	pgReset = `DELETE FROM auth_failures WHERE principal = $1`

	pgSweep = `DELETE FROM auth_failures WHERE failed_at <= $1`
)

// NewPG constructs a PostgreSQL-backed ledger.
func NewPG(pool *pgxpool.Pool, cfg Config, opts ...Option) (*PG, error) {
	return NewPGWithQuerier(pool, cfg, opts...)
}

// NewPGWithQuerier constructs a PostgreSQL-backed ledger over any pool-like querier.
func NewPGWithQuerier(q pgxQuerier, cfg Config, opts ...Option) (*PG, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &PG{pool: q, cfg: cfg, clock: o.clock}, nil
}

// Allow reports whether principal may attempt now.
func (l *PG) Allow(ctx context.Context, principal string) (model.Decision, error) {
	var d model.Decision
	err := l.inTx(ctx, principal, func(tx pgx.Tx, now time.Time) error {
		ts, err := l.prunedLoad(ctx, tx, principal, now)
		if err != nil {
			return err
		}
		d = decide(ts, now, l.cfg)
		return nil
	})
	return d, err
}

// Acquire admits principal and records the attempt as a failure in the same transaction.
func (l *PG) Acquire(ctx context.Context, principal string) (model.Decision, error) {
	var d model.Decision
	err := l.inTx(ctx, principal, func(tx pgx.Tx, now time.Time) error {
		ts, err := l.prunedLoad(ctx, tx, principal, now)
		if err != nil {
			return err
		}
		d = decide(ts, now, l.cfg)
		if !d.Allowed {
			return nil
		}
		id, err := insertFailure(ctx, tx, principal, now)
		if err != nil {
			return err
		}
		d.Token = id.String()
		return nil
	})
	return d, err
}

// Reject confirms the failure Acquire recorded under token, inserting it again
// if a reset removed it. A malformed token is counted as a fresh failure.
func (l *PG) Reject(ctx context.Context, principal, token string) (model.Decision, error) {
	id, err := uuid.FromString(token)
	if err != nil {
		if id, err = uuid.NewV4(); err != nil {
			return model.Decision{}, err
		}
	}

	var d model.Decision
	err = l.inTx(ctx, principal, func(tx pgx.Tx, now time.Time) error {
		if _, err := tx.Exec(ctx, pgReinsert, id, principal, now); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
		}
		ts, err := l.prunedLoad(ctx, tx, principal, now)
		if err != nil {
			return err
		}
		d = decide(ts, now, l.cfg)
		return nil
	})
	return d, err
}

// Failure records a failed attempt and returns the resulting decision.
func (l *PG) Failure(ctx context.Context, principal string) (model.Decision, error) {
	var d model.Decision
	err := l.inTx(ctx, principal, func(tx pgx.Tx, now time.Time) error {
		if _, err := insertFailure(ctx, tx, principal, now); err != nil {
			return err
		}
		ts, err := l.prunedLoad(ctx, tx, principal, now)
		if err != nil {
			return err
		}
		d = decide(ts, now, l.cfg)
		return nil
	})
	return d, err
}

// Success removes every failure of principal.
func (l *PG) Success(ctx context.Context, principal string) error {
	if _, err := l.pool.Exec(ctx, pgReset, principal); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
	}
	return nil
}

// Sweep deletes expired failures of all principals.
func (l *PG) Sweep(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx, pgSweep, l.clock.Now().Add(-l.cfg.Window))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

// inTx runs fn in a transaction serialized on principal.
func (l *PG) inTx(ctx context.Context, principal string, fn func(tx pgx.Tx, now time.Time) error) (err error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, e)
		}
	}()

	if _, err = tx.Exec(ctx, pgLock, principal); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
	}
	// Read the clock after the lock so concurrent holders see ordered timestamps.
	return fn(tx, l.clock.Now())
}

// prunedLoad prunes principal's failures and returns the survivors oldest first.
func (l *PG) prunedLoad(ctx context.Context, tx pgx.Tx, principal string, now time.Time) ([]time.Time, error) {
	if _, err := tx.Exec(ctx, pgPrune, principal, now.Add(-l.cfg.Window), l.cfg.MaxAttempts); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
	}

	rows, err := tx.Query(ctx, pgLoad, principal, l.cfg.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	var desc []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
		}
		desc = append(desc, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
	}

	asc := make([]time.Time, len(desc))
	for i, t := range desc {
		asc[len(desc)-1-i] = t
	}
	// timestamptz keeps microseconds; prune again at full clock precision.
	return prune(asc, now, l.cfg.Window), nil
}

func insertFailure(ctx context.Context, tx pgx.Tx, principal string, now time.Time) (uuid.UUID, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := tx.Exec(ctx, pgInsert, id, principal, now); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
	}
	return id, nil
}
