package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper physically removes expired records on an interval.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper builds a Sweeper. A non-positive interval disables it.
func NewSweeper(store Store, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Run sweeps until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 || s.store == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one ClearExpired pass across all domains.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	n, err := s.store.ClearExpired(ctx, "")
	if err != nil {
		s.logger.Warn("session sweep failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		s.logger.Info("expired sessions removed", zap.Int64("count", n))
	}
	return n
}
