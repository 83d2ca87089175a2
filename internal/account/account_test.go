package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	nostrclient "github.com/dtonon/volare/internal/nostr"
	"github.com/dtonon/volare/internal/ops"
	"github.com/dtonon/volare/internal/storage"
)

// recorder collects the order in which the switch steps ran
type recorder struct {
	mu    sync.Mutex
	steps []string
	block chan struct{}
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	r.steps = append(r.steps, step)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

func (r *recorder) UnsubAll() { r.add("unsub") }

func (r *recorder) Clear(context.Context) error {
	r.add("clear")
	return nil
}

func (r *recorder) Reset(string) { r.add("reset") }

func (r *recorder) SetAccount(context.Context, string) error {
	r.add("persist")
	return nil
}

func (r *recorder) ReindexMentions(context.Context, string) error {
	r.add("reindex")
	return nil
}

func (r *recorder) LazySubMyAccount(context.Context) error {
	r.add("account")
	if r.block != nil {
		<-r.block
	}
	return nil
}

func (r *recorder) SubFeed(_ context.Context, setting storage.FeedSetting, _ int64, _ int) error {
	if setting.Kind != storage.FeedHome {
		return errors.New("expected home feed")
	}
	r.add("feed")
	return nil
}

func newSwitcher(rec *recorder, manager *Manager) *Switcher {
	return NewSwitcher(manager, Deps{
		Transport: rec,
		Store:     rec,
		Caches:    []Cache{rec},
		Overlays:  []Resetter{rec},
		Account:   rec,
		Feed:      rec,
	}, 5*time.Millisecond, ops.Nop())
}

func TestSwitchRunsStepsInOrder(t *testing.T) {
	rec := &recorder{}
	manager := NewManager(nil)
	s := newSwitcher(rec, manager)
	signer := nostrclient.GenerateKeySigner()

	if err := s.SwitchTo(context.Background(), signer); err != nil {
		t.Fatalf("SwitchTo() error = %v", err)
	}

	want := []string{"unsub", "clear", "reset", "persist", "reindex", "account", "feed"}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("Expected steps %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected steps %v, got %v", want, got)
		}
	}
	if manager.Pubkey() != signer.PublicKey() {
		t.Error("Manager should hold the new account")
	}
	if !manager.CanSign() {
		t.Error("Key account should be able to sign")
	}
	if s.State() != Idle {
		t.Errorf("Expected idle after switch, got %s", s.State())
	}
}

func TestConcurrentSwitchRejected(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	s := newSwitcher(rec, NewManager(nil))
	states := s.Subscribe()

	done := make(chan error, 1)
	go func() {
		done <- s.SwitchTo(context.Background(), nostrclient.GenerateKeySigner())
	}()

	select {
	case st := <-states:
		if st != Switching {
			t.Fatalf("Expected switching, got %s", st)
		}
	case <-time.After(time.Second):
		t.Fatal("Switch did not start")
	}

	err := s.SwitchTo(context.Background(), nostrclient.GenerateKeySigner())
	if !errors.Is(err, ErrSwitchInProgress) {
		t.Errorf("Expected ErrSwitchInProgress, got %v", err)
	}

	close(rec.block)
	if err := <-done; err != nil {
		t.Fatalf("First switch failed: %v", err)
	}
	if got := len(rec.snapshot()); got != 7 {
		t.Errorf("Second switch must not run any step, got %d steps", got)
	}
}

func TestSwitchReadOnly(t *testing.T) {
	rec := &recorder{}
	manager := NewManager(nil)
	s := newSwitcher(rec, manager)
	signer := nostrclient.GenerateKeySigner()

	if err := s.Switch(context.Background(), signer.PublicKey()); err != nil {
		t.Fatalf("Switch() error = %v", err)
	}
	if manager.CanSign() {
		t.Error("Public key account must be read-only")
	}
	if err := s.Switch(context.Background(), "garbage"); err == nil {
		t.Error("Expected invalid key to be rejected")
	}
}
