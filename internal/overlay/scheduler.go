package overlay

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dtonon/volare/internal/ops"
)

type target struct {
	debounce func(func())
	// held while the target's job runs
	running sync.Mutex
	// bumped by every Schedule, guarded by the map bucket lock
	gen uint64
}

// Scheduler debounces background jobs per target. Repeated schedules within
// the delay collapse into the last one, and jobs of one target never run
// concurrently.
type Scheduler struct {
	delay   time.Duration
	targets *xsync.MapOf[string, *target]
	logger  *ops.Logger
}

// NewScheduler creates a scheduler that runs a job delay after its last
// schedule
func NewScheduler(delay time.Duration, logger *ops.Logger) *Scheduler {
	return &Scheduler{
		delay:   delay,
		targets: xsync.NewMapOf[string, *target](),
		logger:  logger.WithComponent("overlay"),
	}
}

// Schedule replaces the pending job of key with job. The target is
// forgotten once its last scheduled job has run.
func (s *Scheduler) Schedule(key string, job func()) {
	var t *target
	var gen uint64
	s.targets.Compute(key, func(old *target, loaded bool) (*target, bool) {
		if !loaded {
			old = &target{debounce: debounce.New(s.delay)}
		}
		old.gen++
		t, gen = old, old.gen
		return old, false
	})
	t.debounce(func() {
		t.running.Lock()
		defer t.running.Unlock()
		ops.Safely(s.logger, "overlay-job", job)
		s.forget(key, t, gen)
	})
}

// forget drops key unless it was rescheduled or replaced meanwhile
func (s *Scheduler) forget(key string, t *target, gen uint64) {
	s.targets.Compute(key, func(cur *target, loaded bool) (*target, bool) {
		if !loaded {
			return cur, true
		}
		return cur, cur == t && cur.gen == gen
	})
}

// Pending returns the number of targets with a scheduled or running job
func (s *Scheduler) Pending() int {
	return s.targets.Size()
}

// Reset drops all pending jobs. Jobs already running finish.
func (s *Scheduler) Reset() {
	s.targets.Range(func(key string, t *target) bool {
		t.debounce(func() {})
		s.targets.Delete(key)
		return true
	})
}
