package limiter

import (
	"context"
	"math/bits"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/and161185/adminguard/internal/model"
)

// Memory is an in-process ledger with a striped lock table: principals hash
// onto shards, each guarded by its own mutex, so unrelated principals do not
// serialize on one global lock.
type Memory struct {
	cfg    Config
	clock  Clock
	shards []shard
	mask   uint64
	epochs atomic.Uint64
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// record is one principal's failures. epoch changes whenever the record is
// dropped and recreated, which is how Reject tells that a Success removed
// its provisional entry.
type record struct {
	failures []time.Time
	epoch    uint64
}

var (
	_ Limiter = (*Memory)(nil)
	_ Sweeper = (*Memory)(nil)
)

// NewMemory constructs an in-memory ledger.
func NewMemory(cfg Config, opts ...Option) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	n := o.shards
	if n < 1 {
		n = 1
	}
	n = 1 << bits.Len(uint(n-1)) // next power of two

	m := &Memory{
		cfg:    cfg,
		clock:  o.clock,
		shards: make([]shard, n),
		mask:   uint64(n - 1),
	}
	for i := range m.shards {
		m.shards[i].records = make(map[string]*record)
	}
	return m, nil
}

func (m *Memory) shardFor(principal string) *shard {
	return &m.shards[xxhash.Sum64String(principal)&m.mask]
}

// live returns the pruned record of principal and drops it when no failures are left.
// The shard lock must be held.
func (s *shard) live(principal string, now time.Time, window time.Duration) *record {
	r, ok := s.records[principal]
	if !ok {
		return nil
	}
	r.failures = prune(r.failures, now, window)
	if len(r.failures) == 0 {
		delete(s.records, principal)
		return nil
	}
	return r
}

// ensure returns the live record of principal, creating an empty one under a new epoch.
// The shard lock must be held.
func (m *Memory) ensure(s *shard, principal string, now time.Time) *record {
	if r := s.live(principal, now, m.cfg.Window); r != nil {
		return r
	}
	r := &record{epoch: m.epochs.Add(1)}
	s.records[principal] = r
	return r
}

func failuresOf(r *record) []time.Time {
	if r == nil {
		return nil
	}
	return r.failures
}

// Allow reports whether principal may attempt now.
func (m *Memory) Allow(_ context.Context, principal string) (model.Decision, error) {
	s := m.shardFor(principal)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.clock.Now()
	return decide(failuresOf(s.live(principal, now, m.cfg.Window)), now, m.cfg), nil
}

// Acquire admits principal and counts the attempt as a failure in one step.
// The token is the record epoch the provisional failure was added to.
func (m *Memory) Acquire(_ context.Context, principal string) (model.Decision, error) {
	s := m.shardFor(principal)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.clock.Now()
	d := decide(failuresOf(s.live(principal, now, m.cfg.Window)), now, m.cfg)
	if !d.Allowed {
		return d, nil
	}
	r := m.ensure(s, principal, now)
	r.failures = append(r.failures, now)
	d.Token = strconv.FormatUint(r.epoch, 10)
	return d, nil
}

// Reject confirms a failure admitted by Acquire, recording it again when the
// record it was added to has been reset since.
func (m *Memory) Reject(_ context.Context, principal, token string) (model.Decision, error) {
	s := m.shardFor(principal)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.clock.Now()
	r := s.live(principal, now, m.cfg.Window)
	if r == nil || strconv.FormatUint(r.epoch, 10) != token {
		r = m.ensure(s, principal, now)
		r.failures = keepNewest(append(r.failures, now), m.cfg.MaxAttempts)
	}
	return decide(r.failures, now, m.cfg), nil
}

// Failure records a failed attempt.
func (m *Memory) Failure(_ context.Context, principal string) (model.Decision, error) {
	s := m.shardFor(principal)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.clock.Now()
	r := m.ensure(s, principal, now)
	r.failures = keepNewest(append(r.failures, now), m.cfg.MaxAttempts)
	return decide(r.failures, now, m.cfg), nil
}

// Success forgets every failure of principal.
func (m *Memory) Success(_ context.Context, principal string) error {
	s := m.shardFor(principal)
	s.mu.Lock()
	delete(s.records, principal)
	s.mu.Unlock()
	return nil
}

// Record returns a snapshot of principal's ledger entry, or false when it has no live failures.
func (m *Memory) Record(principal string) (model.Record, bool) {
	s := m.shardFor(principal)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.clock.Now()
	r := s.live(principal, now, m.cfg.Window)
	if r == nil {
		return model.Record{}, false
	}
	return snapshot(principal, r.failures, now, m.cfg), true
}

// Len returns the number of principals with a stored record.
func (m *Memory) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

// Sweep removes records whose failures have all aged out. It locks one shard at a time.
func (m *Memory) Sweep(_ context.Context) (int64, error) {
	var removed int64
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		now := m.clock.Now()
		for p := range s.records {
			if s.live(p, now, m.cfg.Window) == nil {
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}
