package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"

	"github.com/and161185/adminguard/internal/errs"
	"github.com/and161185/adminguard/internal/model"
)

// Redis is a ledger kept in one sorted set per principal (score: unix millis).
// Every operation is a single Lua script, so it is atomic per key without
// client-side locking. Keys expire one window after the last failure.
type Redis struct {
	rdb    redis.UniversalClient
	cfg    Config
	clock  Clock
	prefix string
}

var _ Limiter = (*Redis)(nil)

// KEYS[1] ledger key
// ARGV: now_ms, window_ms, max, mode (allow|acquire|failure|reject), member
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local mode = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local function decide()
  local n = redis.call('ZCARD', key)
  if n < max then
    return {1, 0}
  end
  local anchor = redis.call('ZRANGE', key, n - max, n - max, 'WITHSCORES')
  return {0, tonumber(anchor[2]) + window - now}
end

local d
if mode == 'failure' then
  redis.call('ZADD', key, now, ARGV[5])
  d = decide()
elseif mode == 'reject' then
  redis.call('ZADD', key, 'NX', now, ARGV[5])
  d = decide()
else
  d = decide()
  if mode == 'acquire' and d[1] == 1 then
    redis.call('ZADD', key, now, ARGV[5])
  end
end

if mode ~= 'allow' then
  redis.call('ZREMRANGEBYRANK', key, 0, -(max + 1))
  redis.call('PEXPIRE', key, window)
end
return d
`)

// NewRedis constructs a Redis-backed ledger. The window must be at least one millisecond.
func NewRedis(rdb redis.UniversalClient, cfg Config, opts ...Option) (*Redis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Window < time.Millisecond {
		return nil, fmt.Errorf("%w: redis ledger window below 1ms", errs.ErrConfiguration)
	}
	o := buildOptions(opts)
	return &Redis{rdb: rdb, cfg: cfg, clock: o.clock, prefix: o.prefix}, nil
}

func (r *Redis) key(principal string) string {
	return r.prefix + ":fail:" + principal
}

// Allow reports whether principal may attempt now.
func (r *Redis) Allow(ctx context.Context, principal string) (model.Decision, error) {
	return r.run(ctx, principal, "allow")
}

// Acquire admits principal and records the attempt as a failure atomically.
func (r *Redis) Acquire(ctx context.Context, principal string) (model.Decision, error) {
	return r.run(ctx, principal, "acquire")
}

// Reject confirms a failure admitted by Acquire; the token is its sorted set
// member, re-added when a Success deleted the key in the meantime.
func (r *Redis) Reject(ctx context.Context, principal, token string) (model.Decision, error) {
	if token == "" {
		return r.run(ctx, principal, "failure")
	}
	return r.exec(ctx, principal, "reject", token)
}

// Failure records a failed attempt.
func (r *Redis) Failure(ctx context.Context, principal string) (model.Decision, error) {
	return r.run(ctx, principal, "failure")
}

// Success deletes the principal's ledger key.
func (r *Redis) Success(ctx context.Context, principal string) error {
	if err := r.rdb.Del(ctx, r.key(principal)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
	}
	return nil
}

func (r *Redis) run(ctx context.Context, principal, mode string) (model.Decision, error) {
	member := ""
	if mode != "allow" {
		id, err := uuid.NewV4()
		if err != nil {
			return model.Decision{}, err
		}
		member = id.String()
	}
	return r.exec(ctx, principal, mode, member)
}

func (r *Redis) exec(ctx context.Context, principal, mode, member string) (model.Decision, error) {
	res, err := slidingWindow.Run(ctx, r.rdb, []string{r.key(principal)},
		r.clock.Now().UnixMilli(),
		r.cfg.Window.Milliseconds(),
		r.cfg.MaxAttempts,
		mode,
		member,
	).Int64Slice()
	if err != nil {
		return model.Decision{}, fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
	}
	if len(res) != 2 {
		return model.Decision{}, fmt.Errorf("%w: unexpected script reply %v", errs.ErrLedgerUnavailable, res)
	}
	if res[0] == 1 {
		d := model.Allow()
		if mode == "acquire" {
			d.Token = member
		}
		return d, nil
	}
	return model.Deny(time.Duration(res[1]) * time.Millisecond), nil
}
