package overlay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dtonon/volare/internal/ops"
)

func TestMapOwnerScoped(t *testing.T) {
	m := NewMap[string, int]("alice")

	if !m.Set("alice", "x", 1) {
		t.Fatal("Set() for the owner should succeed")
	}
	if m.Set("bob", "x", 2) {
		t.Error("Set() for another owner should be ignored")
	}
	if got := m.Resolve("x", 0); got != 1 {
		t.Errorf("Resolve() = %d, want 1", got)
	}
	if got := m.Resolve("y", 7); got != 7 {
		t.Errorf("Resolve() should fall back to the durable value, got %d", got)
	}

	m.Reset("bob")
	if _, ok := m.Get("x"); ok {
		t.Error("Reset() should drop all entries")
	}
	if m.Owner() != "bob" {
		t.Errorf("Owner() = %s, want bob", m.Owner())
	}
}

func TestMapClearIfEqual(t *testing.T) {
	m := NewMap[string, bool]("alice")
	m.Set("alice", "x", true)

	if m.ClearIfEqual("alice", "x", false) {
		t.Error("A different intent must not be cleared")
	}
	if !m.ClearIfEqual("alice", "x", true) {
		t.Error("Matching intent should be cleared")
	}
	if len(m.Snapshot()) != 0 {
		t.Error("Expected empty map")
	}
}

func TestMapSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMap[string, int]("alice")
	ch := m.Subscribe(ctx)

	m.Set("alice", "x", 1)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Subscriber was not notified")
	}

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Channel was not closed after cancel")
		}
	}
}

func TestSchedulerCoalesces(t *testing.T) {
	s := NewScheduler(30*time.Millisecond, ops.Nop())
	var runs, last atomic.Int32

	for i := 1; i <= 3; i++ {
		i := int32(i)
		s.Schedule("target", func() {
			runs.Add(1)
			last.Store(i)
		})
	}
	time.Sleep(150 * time.Millisecond)

	if runs.Load() != 1 {
		t.Errorf("Expected one run, got %d", runs.Load())
	}
	if last.Load() != 3 {
		t.Errorf("Expected the last job to run, got %d", last.Load())
	}
}

func TestSchedulerSeparatesTargets(t *testing.T) {
	s := NewScheduler(20*time.Millisecond, ops.Nop())
	var runs atomic.Int32

	s.Schedule("a", func() { runs.Add(1) })
	s.Schedule("b", func() { runs.Add(1) })
	time.Sleep(120 * time.Millisecond)

	if runs.Load() != 2 {
		t.Errorf("Expected a run per target, got %d", runs.Load())
	}
}

func TestSchedulerReset(t *testing.T) {
	s := NewScheduler(30*time.Millisecond, ops.Nop())
	var runs atomic.Int32

	s.Schedule("a", func() { runs.Add(1) })
	s.Reset()
	time.Sleep(100 * time.Millisecond)

	if runs.Load() != 0 {
		t.Errorf("Reset() should drop pending jobs, got %d runs", runs.Load())
	}
}

func TestSchedulerForgetsFinishedTargets(t *testing.T) {
	s := NewScheduler(20*time.Millisecond, ops.Nop())
	release := make(chan struct{})
	var runs atomic.Int32

	s.Schedule("a", func() {
		runs.Add(1)
		<-release
	})
	s.Schedule("b", func() { runs.Add(1) })
	time.Sleep(80 * time.Millisecond)

	// a is still running, b has finished
	if got := s.Pending(); got != 1 {
		t.Errorf("Pending() = %d while one job runs, want 1", got)
	}

	// Rescheduling a running target keeps it until the new job is done
	s.Schedule("a", func() { runs.Add(1) })
	close(release)
	time.Sleep(80 * time.Millisecond)

	if runs.Load() != 3 {
		t.Errorf("Expected 3 runs, got %d", runs.Load())
	}
	if got := s.Pending(); got != 0 {
		t.Errorf("Pending() = %d after all jobs ran, want 0", got)
	}
}
