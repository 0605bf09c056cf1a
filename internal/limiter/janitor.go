package limiter

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunJanitor sweeps s every interval until ctx is done. It bounds ledger memory
// when many distinct principals fail once and never come back.
func RunJanitor(ctx context.Context, s Sweeper, every time.Duration, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				log.Warn("ledger sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("ledger sweep", zap.Int64("removed", n))
			}
		}
	}
}
