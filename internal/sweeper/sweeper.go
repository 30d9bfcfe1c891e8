// Package sweeper periodically forces timed-out withdrawal requests
// through the expiry transition, so a user who never returns still gets
// their balance back. It always goes through the state machine entry
// point, never through direct data mutation, and is safe to run on
// several instances at once.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nbvehbq/go-payout-service/internal/clock"
	"github.com/nbvehbq/go-payout-service/internal/logger"
	"github.com/nbvehbq/go-payout-service/internal/metrics"
)

const (
	DefaultInterval = time.Minute
	DefaultBatch    = 100
)

// Expirer is the state-machine entry point the sweeper drives.
type Expirer interface {
	Expire(ctx context.Context, requestID string) error
}

// Storage is the slice of the store the sweeper needs.
type Storage interface {
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error)
	EnqueueReview(ctx context.Context, requestID, reason string) error
}

type Sweeper struct {
	storage  Storage
	service  Expirer
	clock    clock.Clock
	interval time.Duration
	batch    int
}

func NewSweeper(st Storage, svc Expirer, clk clock.Clock, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batch <= 0 {
		batch = DefaultBatch
	}

	return &Sweeper{
		storage:  st,
		service:  svc,
		clock:    clk,
		interval: interval,
		batch:    batch,
	}
}

// Run starts the periodic sweep until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
				if _, err := s.Sweep(ctx); err != nil {
					logger.Log.Error("sweep", zap.Error(err))
				}
			}
		}
	}()
}

// Sweep performs one bounded pass and returns how many requests it
// expired. A request that cannot be expired is parked for manual review
// rather than silently dropped; the periodic re-scan retries it anyway.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	metrics.SweepRuns.Inc()

	ids, err := s.storage.ListExpirable(ctx, s.clock.Now(), s.batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if err := s.service.Expire(ctx, id); err != nil {
			metrics.SweepErrors.Inc()
			logger.Log.Error("expire request",
				zap.String("request_id", id),
				zap.Error(err))

			if qerr := s.storage.EnqueueReview(ctx, id, err.Error()); qerr != nil {
				logger.Log.Error("enqueue review",
					zap.String("request_id", id),
					zap.Error(qerr))
			}
			continue
		}
		expired++
	}

	if expired > 0 {
		logger.Log.Info("sweep done", zap.Int("expired", expired))
	}

	return expired, nil
}
