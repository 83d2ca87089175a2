package interactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dtonon/volare/internal/event"
	"github.com/dtonon/volare/internal/ops"
	"github.com/dtonon/volare/internal/storage"
)

type fakeIdentity string

func (f fakeIdentity) Pubkey() string { return string(f) }

type fakeRelays struct{}

func (fakeRelays) PublishRelays(context.Context) []string { return []string{"wss://w.example"} }
func (fakeRelays) PublishRelaysTo(context.Context, []string) []string {
	return []string{"wss://w.example", "wss://author.example"}
}

type published struct {
	kind     string
	ids      []string
	positive bool
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []published
	err   error
	next  int
}

func (f *fakePublisher) record(p published) (*nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	if f.err != nil {
		return nil, f.err
	}
	f.next++
	return &nostr.Event{ID: fmt.Sprintf("%064x", f.next), PubKey: "me", CreatedAt: nostr.Timestamp(2000 + f.next)}, nil
}

func (f *fakePublisher) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.calls...)
}

func (f *fakePublisher) PublishVote(_ context.Context, eventID, _ string, _ int, positive bool, _ []string) (*nostr.Event, error) {
	return f.record(published{kind: "vote", ids: []string{eventID}, positive: positive})
}

func (f *fakePublisher) PublishDeletion(_ context.Context, ids []string, _ int, _ []string) (*nostr.Event, error) {
	return f.record(published{kind: "deletion", ids: ids})
}

func (f *fakePublisher) PublishTopicList(_ context.Context, topics []string, _ []string) (*nostr.Event, error) {
	return f.record(published{kind: "topics", ids: topics})
}

func (f *fakePublisher) PublishContactList(_ context.Context, pubkeys []string, _ []string) (*nostr.Event, error) {
	return f.record(published{kind: "contacts", ids: pubkeys})
}

func (f *fakePublisher) PublishBookmarkList(_ context.Context, ids []string, _ []string) (*nostr.Event, error) {
	return f.record(published{kind: "bookmarks", ids: ids})
}

type fakeStore struct {
	mu    sync.Mutex
	votes map[string]storage.Vote
	lists map[storage.List][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{votes: map[string]storage.Vote{}, lists: map[storage.List][]string{}}
}

func (s *fakeStore) GetMyVote(_ context.Context, _, eventID string) (*storage.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.votes[eventID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &v, nil
}

func (s *fakeStore) UpsertVote(_ context.Context, v event.Vote) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[v.EventID] = storage.Vote{ID: v.ID, EventID: v.EventID, Pubkey: v.Pubkey, Positive: v.Positive, CreatedAt: v.CreatedAt}
	return true, nil
}

func (s *fakeStore) DeleteVote(_ context.Context, eventID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.votes, eventID)
	return nil
}

func (s *fakeStore) GetList(_ context.Context, list storage.List, _ string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lists[list]...), nil
}

func (s *fakeStore) UpsertList(_ context.Context, list storage.List, _ string, values []string, _ int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[list] = append([]string(nil), values...)
	return true, nil
}

const testDebounce = 30 * time.Millisecond

func settle() {
	time.Sleep(4 * testDebounce)
}

func TestVoterCoalescesToFinalIntent(t *testing.T) {
	store := newFakeStore()
	store.votes["post"] = storage.Vote{ID: "prior", EventID: "post", Pubkey: "me", Positive: true}
	pub := &fakePublisher{}
	voter := NewVoter(context.Background(), store, pub, fakeRelays{}, fakeIdentity("me"), testDebounce, NewNotices(4), ops.Nop())

	voter.Vote("post", "author", 1, Up)
	voter.Vote("post", "author", 1, Down)
	voter.Vote("post", "author", 1, Neutral)

	if got := voter.State("post", &storage.Vote{Positive: true}); got != Neutral {
		t.Errorf("Overlay should show the latest intent, got %s", got)
	}
	settle()

	calls := pub.snapshot()
	if len(calls) != 1 {
		t.Fatalf("Expected exactly one publish, got %d: %+v", len(calls), calls)
	}
	if calls[0].kind != "deletion" || calls[0].ids[0] != "prior" {
		t.Errorf("Expected deletion of the prior vote, got %+v", calls[0])
	}
	if _, err := store.GetMyVote(context.Background(), "me", "post"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("Stored vote should be removed after a neutral vote")
	}
	if _, ok := voter.Overlay().Get("post"); ok {
		t.Error("Confirmed intent should be cleared from the overlay")
	}
}

func TestVoterChangesDirection(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	voter := NewVoter(context.Background(), store, pub, fakeRelays{}, fakeIdentity("me"), testDebounce, NewNotices(4), ops.Nop())

	voter.Vote("post", "author", 1, Up)
	voter.Vote("post", "author", 1, Down)
	settle()

	calls := pub.snapshot()
	if len(calls) != 1 || calls[0].kind != "vote" || calls[0].positive {
		t.Fatalf("Expected a single down vote, got %+v", calls)
	}
	v, err := store.GetMyVote(context.Background(), "me", "post")
	if err != nil || v.Positive {
		t.Errorf("Expected stored down vote, got %+v (%v)", v, err)
	}
}

func TestVoterFailureKeepsIntent(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{err: errors.New("offline")}
	notices := NewNotices(4)
	voter := NewVoter(context.Background(), store, pub, fakeRelays{}, fakeIdentity("me"), testDebounce, notices, ops.Nop())

	voter.Vote("post", "author", 1, Up)
	settle()

	if dir, ok := voter.Overlay().Get("post"); !ok || dir != Up {
		t.Errorf("Failed publish must keep the intent, got %v %v", dir, ok)
	}
	select {
	case n := <-notices.C():
		if n.Action != "vote" || n.Target != "post" {
			t.Errorf("Unexpected notice %+v", n)
		}
	default:
		t.Error("Expected a failure notice")
	}
}

func TestVoterResetIgnoresOldOwner(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	voter := NewVoter(context.Background(), store, pub, fakeRelays{}, fakeIdentity("me"), testDebounce, NewNotices(4), ops.Nop())

	voter.Vote("post", "author", 1, Up)
	voter.Reset("other")
	settle()

	if got := len(pub.snapshot()); got != 0 {
		t.Errorf("No publish expected after reset, got %d", got)
	}
}

func TestTopicFollowerPublishesMergedList(t *testing.T) {
	store := newFakeStore()
	store.lists[storage.ListTopic] = []string{"go", "nostr"}
	pub := &fakePublisher{}
	f := NewTopicFollower(context.Background(), store, pub, fakeRelays{}, fakeIdentity("me"), testDebounce, 10, NewNotices(4), ops.Nop())

	f.Follow("#Rust")
	f.Unfollow("nostr")
	f.Follow("zig")
	if !f.IsFollowed("rust", false) {
		t.Error("Overlay should show the followed topic")
	}
	settle()

	calls := pub.snapshot()
	if len(calls) != 1 {
		t.Fatalf("Expected one list publish, got %d", len(calls))
	}
	got, _ := store.GetList(context.Background(), storage.ListTopic, "me")
	want := map[string]bool{"go": true, "rust": true, "zig": true}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for _, topic := range got {
		if !want[topic] {
			t.Errorf("Unexpected topic %s", topic)
		}
	}
	if len(f.Overlay().Snapshot()) != 0 {
		t.Error("Overlay should be empty after confirmation")
	}
}

func TestListCeilingRevertsAdditions(t *testing.T) {
	store := newFakeStore()
	store.lists[storage.ListBookmark] = []string{"a", "b"}
	pub := &fakePublisher{}
	notices := NewNotices(4)
	b := NewBookmarker(context.Background(), store, pub, fakeRelays{}, fakeIdentity("me"), testDebounce, 3, notices, ops.Nop())

	b.Bookmark("c")
	b.Bookmark("d")
	settle()

	if got := len(pub.snapshot()); got != 0 {
		t.Errorf("Nothing should be published over the ceiling, got %d", got)
	}
	if b.IsBookmarked("c", false) || b.IsBookmarked("d", false) {
		t.Error("Rejected additions should be reverted")
	}
	select {
	case n := <-notices.C():
		if !errors.Is(n.Err, ErrListTooLarge) {
			t.Errorf("Expected ErrListTooLarge, got %v", n.Err)
		}
	default:
		t.Error("Expected a notice")
	}
}

func TestListCeilingKeepsRemovals(t *testing.T) {
	store := newFakeStore()
	store.lists[storage.ListBookmark] = []string{"a", "b", "c"}
	pub := &fakePublisher{}
	b := NewBookmarker(context.Background(), store, pub, fakeRelays{}, fakeIdentity("me"), testDebounce, 3, NewNotices(4), ops.Nop())

	b.Unbookmark("a")
	b.Bookmark("x")
	b.Bookmark("y")
	settle()

	got, _ := store.GetList(context.Background(), storage.ListBookmark, "me")
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("Expected only the removal to be applied, got %v", got)
	}
}

func TestNoticesDropOldest(t *testing.T) {
	n := NewNotices(2)
	n.Send(Notice{Target: "1"})
	n.Send(Notice{Target: "2"})
	n.Send(Notice{Target: "3"})

	first := <-n.C()
	second := <-n.C()
	if first.Target != "2" || second.Target != "3" {
		t.Errorf("Expected the two newest notices, got %s and %s", first.Target, second.Target)
	}
}
