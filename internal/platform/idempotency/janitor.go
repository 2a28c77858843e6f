package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Janitor purges expired keys on a fixed interval.
type Janitor struct {
	store     Store
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

// NewJanitor builds a janitor; a non-positive interval disables it.
func NewJanitor(store Store, interval time.Duration, batchSize int, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{store: store, interval: interval, batchSize: batchSize, logger: logger, now: time.Now}
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j == nil || j.store == nil || j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) int {
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	removed, err := j.store.Purge(runCtx, j.now().UTC(), j.batchSize)
	if err != nil {
		j.logger.Error("idempotency purge failed", zap.Error(err))
		return 0
	}
	if removed > 0 {
		j.logger.Info("idempotency purge removed keys", zap.Int("count", removed))
	}
	return removed
}
