package limiter

import (
	"time"

	"github.com/and161185/adminguard/internal/model"
)

// prune drops failures whose age is at least window. failures is sorted oldest first.
func prune(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(failures) && now.Sub(failures[i]) >= window {
		i++
	}
	return failures[i:]
}

// decide applies the sliding window to pruned failures. The lock is anchored to
// the oldest failure among the newest MaxAttempts, so slots come back one at a time.
func decide(failures []time.Time, now time.Time, cfg Config) model.Decision {
	if len(failures) < cfg.MaxAttempts {
		return model.Allow()
	}
	anchor := failures[len(failures)-cfg.MaxAttempts]
	return model.Deny(anchor.Add(cfg.Window).Sub(now))
}

// keepNewest trims failures to the newest n entries; older ones can no longer affect decide.
func keepNewest(failures []time.Time, n int) []time.Time {
	if len(failures) <= n {
		return failures
	}
	return failures[len(failures)-n:]
}

// snapshot builds the exported record view of pruned failures.
func snapshot(principal string, failures []time.Time, now time.Time, cfg Config) model.Record {
	rec := model.Record{
		Principal: principal,
		Failures:  append([]time.Time(nil), failures...),
	}
	if d := decide(failures, now, cfg); !d.Allowed {
		until := now.Add(d.RetryAfter)
		rec.LockedUntil = &until
	}
	return rec
}
