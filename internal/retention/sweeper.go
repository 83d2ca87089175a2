package retention

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dtonon/volare/internal/config"
	"github.com/dtonon/volare/internal/metrics"
	"github.com/dtonon/volare/internal/ops"
)

// Store deletes root posts beyond the retention threshold
type Store interface {
	SweepRootPosts(ctx context.Context, threshold int, oldestInUse int64, protected []string) (int64, error)
}

// Cache is an id cache invalidated after every sweep
type Cache interface {
	Clear(ctx context.Context) error
}

// Sweeper deletes old root posts and their dependents
type Sweeper struct {
	store   Store
	caches  []Cache
	oldest  *OldestUsed
	runtime *config.Runtime
	logger  *ops.Logger
	now     func() time.Time
	running atomic.Bool
}

// NewSweeper creates a sweeper. caches are cleared after each sweep.
func NewSweeper(store Store, oldest *OldestUsed, rt *config.Runtime, logger *ops.Logger, caches ...Cache) *Sweeper {
	return &Sweeper{
		store:   store,
		caches:  caches,
		oldest:  oldest,
		runtime: rt,
		logger:  logger.WithComponent("sweeper"),
		now:     time.Now,
	}
}

// Sweep runs one sweep. A sweep already in progress makes it a no-op.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SweepRuns.WithLabelValues("skipped").Inc()
		return 0, nil
	}
	defer s.running.Store(false)

	start := time.Now()
	threshold := s.runtime.Get().RootPostThreshold
	oldestInUse := s.oldest.OldestCreatedAt(s.now().Unix())

	deleted, err := s.store.SweepRootPosts(ctx, threshold, oldestInUse, s.oldest.ProtectedIDs())
	if err == nil {
		for _, c := range s.caches {
			if cerr := c.Clear(ctx); cerr != nil {
				err = fmt.Errorf("failed to clear id cache: %w", cerr)
				break
			}
		}
	}

	s.logger.LogSweep(deleted, threshold, time.Since(start), err)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return deleted, err
	}
	metrics.SweepRuns.WithLabelValues("ok").Inc()
	metrics.SweptRows.Add(float64(deleted))
	return deleted, nil
}

// SweepAsync runs Sweep in the background
func (s *Sweeper) SweepAsync(ctx context.Context) {
	ops.Go(s.logger, "sweep", func() {
		// Errors are logged by Sweep and retried on the next trigger
		_, _ = s.Sweep(ctx)
	})
}
