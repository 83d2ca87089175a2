package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dtonon/volare/internal/ops"
)

// DefaultCron sweeps every six hours
const DefaultCron = "0 */6 * * *"

// Scheduler triggers sweeps on a cron expression
type Scheduler struct {
	sweeper *Sweeper
	cron    string
	logger  *ops.Logger
}

// NewScheduler validates expr and creates a scheduler. An empty expr means
// DefaultCron.
func NewScheduler(sweeper *Sweeper, expr string, logger *ops.Logger) (*Scheduler, error) {
	if expr == "" {
		expr = DefaultCron
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", expr)
	}
	return &Scheduler{
		sweeper: sweeper,
		cron:    expr,
		logger:  logger.WithComponent("sweep-scheduler"),
	}, nil
}

// Run blocks until ctx is done, sweeping at every tick of the cron
// expression
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("sweep scheduler started", "cron", s.cron)
	for {
		next, err := gronx.NextTickAfter(s.cron, time.Now(), false)
		if err != nil {
			s.logger.Error("failed to compute next sweep", "cron", s.cron, "error", err)
			next = time.Now().Add(time.Hour)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("sweep scheduler stopped")
			return
		case <-timer.C:
			s.sweeper.SweepAsync(ctx)
		}
	}
}
