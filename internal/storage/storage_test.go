package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dtonon/volare/internal/config"
	"github.com/dtonon/volare/internal/event"
	nostrclient "github.com/dtonon/volare/internal/nostr"
	"github.com/dtonon/volare/internal/ops"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	cfg := &config.Storage{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	}

	s, err := New(context.Background(), cfg, ops.Nop())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func id(n int) string {
	return fmt.Sprintf("%064x", n)
}

func hdr(n int, pubkey string, createdAt int64) event.Header {
	return event.Header{ID: id(n), Pubkey: pubkey, CreatedAt: createdAt, Relay: "wss://relay.example"}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.Storage
		wantErr bool
	}{
		{
			name: "valid sqlite config",
			cfg: &config.Storage{
				Driver:     "sqlite",
				SQLitePath: filepath.Join(t.TempDir(), "nested", "test.db"),
			},
			wantErr: false,
		},
		{
			name:    "unsupported driver",
			cfg:     &config.Storage{Driver: "postgres"},
			wantErr: true,
		},
		{
			name:    "missing path",
			cfg:     &config.Storage{Driver: "sqlite"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(context.Background(), tt.cfg, ops.Nop())
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if s != nil {
				s.Close()
			}
		})
	}
}

func TestStoreAndQueryEvents(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	ev := &nostr.Event{
		ID:        id(1),
		PubKey:    id(1000),
		CreatedAt: nostr.Now(),
		Kind:      1,
		Tags:      nostr.Tags{},
		Content:   "Hello, Nostr!",
		Sig:       "test-signature",
	}
	if err := s.StoreEvent(ctx, ev); err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}
	if err := s.StoreEvent(ctx, ev); err != nil {
		t.Fatalf("Storing a duplicate should be ignored, got %v", err)
	}

	exists, err := s.EventExists(ctx, ev.ID)
	if err != nil || !exists {
		t.Fatalf("EventExists() = %v, %v", exists, err)
	}

	if err := s.DeleteEvents(ctx, []string{ev.ID, id(99)}); err != nil {
		t.Fatalf("DeleteEvents() error = %v", err)
	}
	exists, _ = s.EventExists(ctx, ev.ID)
	if exists {
		t.Error("Expected event to be deleted")
	}
}

func TestStoreReplaceableKeepsNewest(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	alice := id(1000)
	older := &nostr.Event{ID: id(1), PubKey: alice, CreatedAt: 10, Kind: 3, Tags: nostr.Tags{}, Sig: "sig"}
	newer := &nostr.Event{ID: id(2), PubKey: alice, CreatedAt: 20, Kind: 3, Tags: nostr.Tags{}, Sig: "sig"}

	for _, ev := range []*nostr.Event{newer, older} {
		if err := s.StoreEvent(ctx, ev); err != nil {
			t.Fatalf("StoreEvent() error = %v", err)
		}
	}

	events, err := s.QueryEvents(ctx, nostr.Filter{Authors: []string{alice}, Kinds: []int{3}})
	if err != nil {
		t.Fatalf("QueryEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].ID != newer.ID {
		t.Errorf("Expected only the newer contact list, got %v", events)
	}
}

func TestFeedAndMentions(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	if err := s.SetAccount(ctx, "me"); err != nil {
		t.Fatalf("SetAccount() error = %v", err)
	}
	if _, err := s.UpsertList(ctx, ListFriend, "me", []string{"alice"}, 1); err != nil {
		t.Fatalf("UpsertList() error = %v", err)
	}
	if _, err := s.UpsertList(ctx, ListTopic, "me", []string{"go"}, 1); err != nil {
		t.Fatalf("UpsertList() error = %v", err)
	}

	posts := []event.RootPost{
		{Header: hdr(1, "alice", 100), Subject: "friend post"},
		{Header: hdr(2, "bob", 200), Topics: []string{"go"}},
		{Header: hdr(3, "carol", 300), Mentions: []string{"me"}},
		{Header: hdr(4, "dave", 400), Mentions: []string{"other"}},
	}
	if err := s.InsertRootPosts(ctx, posts); err != nil {
		t.Fatalf("InsertRootPosts() error = %v", err)
	}
	// Re-inserting is ignored
	if err := s.InsertRootPosts(ctx, posts[:1]); err != nil {
		t.Fatalf("InsertRootPosts() error = %v", err)
	}

	home, err := s.GetFeed(ctx, FeedSetting{Kind: FeedHome}, 1000, 10)
	if err != nil {
		t.Fatalf("GetFeed() error = %v", err)
	}
	if len(home) != 2 || home[0].ID != id(2) || home[1].ID != id(1) {
		t.Fatalf("Unexpected home feed %+v", home)
	}
	if len(home[0].Topics) != 1 || home[0].Topics[0] != "go" {
		t.Errorf("Expected topics to be attached, got %v", home[0].Topics)
	}

	page, _ := s.GetFeed(ctx, FeedSetting{Kind: FeedHome}, 200, 10)
	if len(page) != 1 || page[0].ID != id(1) {
		t.Errorf("until must be exclusive, got %+v", page)
	}

	inbox, _ := s.GetFeed(ctx, FeedSetting{Kind: FeedInbox}, 1000, 10)
	if len(inbox) != 1 || inbox[0].ID != id(3) {
		t.Fatalf("Unexpected inbox %+v", inbox)
	}

	// Switching the viewer moves mentions
	if err := s.SetAccount(ctx, "other"); err != nil {
		t.Fatalf("SetAccount() error = %v", err)
	}
	if err := s.ReindexMentions(ctx, "other"); err != nil {
		t.Fatalf("ReindexMentions() error = %v", err)
	}
	inbox, _ = s.GetFeed(ctx, FeedSetting{Kind: FeedInbox}, 1000, 10)
	if len(inbox) != 1 || inbox[0].ID != id(4) {
		t.Errorf("Unexpected inbox after reindex %+v", inbox)
	}

	if _, err := s.UpsertMuteList(ctx, "me", MuteState{Pubkeys: []string{"alice"}}, 1); err != nil {
		t.Fatalf("UpsertMuteList() error = %v", err)
	}
	s.SetAccount(ctx, "me")
	home, _ = s.GetFeed(ctx, FeedSetting{Kind: FeedHome}, 1000, 10)
	if len(home) != 1 || home[0].ID != id(2) {
		t.Errorf("Muted author still in feed: %+v", home)
	}
}

func TestFeedHonoursMutes(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	if err := s.SetAccount(ctx, "me"); err != nil {
		t.Fatalf("SetAccount() error = %v", err)
	}
	if _, err := s.UpsertList(ctx, ListFriend, "me", []string{"alice", "me"}, 1); err != nil {
		t.Fatalf("UpsertList() error = %v", err)
	}
	posts := []event.RootPost{
		{Header: hdr(1, "alice", 100), Content: "plain"},
		{Header: hdr(2, "alice", 200), Content: "about #crypto", Topics: []string{"crypto"}},
		{Header: hdr(3, "alice", 300), Content: "Buy SPAM today"},
		{Header: hdr(4, "alice", 400), Subject: "spam in the subject"},
		{Header: hdr(5, "me", 500), Content: "my own spam", Topics: []string{"crypto"}},
	}
	if err := s.InsertRootPosts(ctx, posts); err != nil {
		t.Fatalf("InsertRootPosts() error = %v", err)
	}
	if _, err := s.UpsertMuteList(ctx, "me", MuteState{Topics: []string{"crypto"}, Words: []string{"spam"}}, 1); err != nil {
		t.Fatalf("UpsertMuteList() error = %v", err)
	}

	feeds := []struct {
		name    string
		setting FeedSetting
		want    []string
	}{
		{"home", FeedSetting{Kind: FeedHome}, []string{id(5), id(1)}},
		{"topic", FeedSetting{Kind: FeedTopic, Topic: "crypto"}, []string{id(5)}},
	}
	for _, tt := range feeds {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.GetFeed(ctx, tt.setting, 1000, 10)
			if err != nil {
				t.Fatalf("GetFeed() error = %v", err)
			}
			ids := make([]string, 0, len(got))
			for _, p := range got {
				ids = append(ids, p.ID)
			}
			if fmt.Sprint(ids) != fmt.Sprint(tt.want) {
				t.Errorf("GetFeed() = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestUpsertListLastWriterWins(t *testing.T) {
	older := []string{"a", "b"}
	newer := []string{"c"}

	for _, order := range []string{"old first", "new first"} {
		t.Run(order, func(t *testing.T) {
			s := setupTestStorage(t)
			ctx := context.Background()

			writes := []struct {
				values    []string
				createdAt int64
			}{{older, 10}, {newer, 20}}
			if order == "new first" {
				writes[0], writes[1] = writes[1], writes[0]
			}
			for _, w := range writes {
				if _, err := s.UpsertList(ctx, ListFriend, "owner", w.values, w.createdAt); err != nil {
					t.Fatalf("UpsertList() error = %v", err)
				}
			}

			got, err := s.GetList(ctx, ListFriend, "owner")
			if err != nil {
				t.Fatalf("GetList() error = %v", err)
			}
			if len(got) != 1 || got[0] != "c" {
				t.Errorf("Expected newest list, got %v", got)
			}
			version, ok, _ := s.GetListVersion(ctx, ListFriend, "owner")
			if !ok || version != 20 {
				t.Errorf("Expected version 20, got %d %v", version, ok)
			}
		})
	}
}

func TestUpsertRelayList(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	first := []nostrclient.RelayEntry{
		{URL: "wss://a.example", Read: true, Write: true},
		{URL: "wss://b.example", Read: true},
	}
	second := []nostrclient.RelayEntry{{URL: "wss://c.example", Write: true}}

	if ok, err := s.UpsertRelayList(ctx, "alice", first, 10); err != nil || !ok {
		t.Fatalf("UpsertRelayList() = %v, %v", ok, err)
	}
	if ok, _ := s.UpsertRelayList(ctx, "alice", second, 10); ok {
		t.Error("Equal created_at must not replace the directory")
	}
	if ok, _ := s.UpsertRelayList(ctx, "alice", second, 11); !ok {
		t.Error("Newer directory must replace the old one")
	}

	entries, err := s.GetNip65(ctx, []string{"alice"}, false, false)
	if err != nil {
		t.Fatalf("GetNip65() error = %v", err)
	}
	if len(entries) != 1 || entries[0].URL != "wss://c.example" {
		t.Fatalf("Expected exactly the newest directory, got %+v", entries)
	}

	reads, _ := s.GetNip65(ctx, []string{"alice"}, true, false)
	if len(reads) != 0 {
		t.Errorf("Expected no read relays, got %+v", reads)
	}

	if ok, _ := s.UpsertRelayList(ctx, "alice", nil, 12); !ok {
		t.Fatal("Empty directory must apply")
	}
	entries, _ = s.GetNip65(ctx, []string{"alice"}, false, false)
	if len(entries) != 0 {
		t.Errorf("Empty update must remove the directory, got %+v", entries)
	}
	if ok, _ := s.UpsertRelayList(ctx, "alice", first, 11); ok {
		t.Error("Older directory must not come back after removal")
	}

	s.UpsertRelayList(ctx, "bob", first, 1)
	popular, err := s.GetPopularRelays(ctx, 10)
	if err != nil {
		t.Fatalf("GetPopularRelays() error = %v", err)
	}
	if len(popular) != 2 || popular[0].Count != 1 {
		t.Errorf("Unexpected popular relays %+v", popular)
	}
}

func TestUpsertVote(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	target := id(1)

	vote := func(n int, pubkey string, positive bool, createdAt int64) event.Vote {
		return event.Vote{Header: hdr(n, pubkey, createdAt), EventID: target, Positive: positive}
	}

	if ok, err := s.UpsertVote(ctx, vote(10, "alice", true, 10)); err != nil || !ok {
		t.Fatalf("UpsertVote() = %v, %v", ok, err)
	}
	if ok, _ := s.UpsertVote(ctx, vote(11, "alice", false, 5)); ok {
		t.Error("Older vote must be ignored")
	}
	if ok, _ := s.UpsertVote(ctx, vote(12, "alice", false, 20)); !ok {
		t.Error("Newer vote must replace")
	}
	s.UpsertVote(ctx, vote(13, "bob", false, 1))
	s.UpsertVote(ctx, vote(14, "carol", true, 1))

	tallies, err := s.GetVoteTallies(ctx, []string{target})
	if err != nil {
		t.Fatalf("GetVoteTallies() error = %v", err)
	}
	if tallies[target] != (Tally{Up: 1, Down: 2}) {
		t.Errorf("Unexpected tally %+v", tallies[target])
	}

	mine, err := s.GetMyVote(ctx, "alice", target)
	if err != nil || mine.Positive || mine.ID != id(12) {
		t.Errorf("GetMyVote() = %+v, %v", mine, err)
	}

	if err := s.ApplyDeletion(ctx, "alice", []string{id(12)}); err != nil {
		t.Fatalf("ApplyDeletion() error = %v", err)
	}
	if _, err := s.GetMyVote(ctx, "alice", target); err != ErrNotFound {
		t.Errorf("Expected vote removed, got %v", err)
	}
	// Not the author
	s.ApplyDeletion(ctx, "mallory", []string{id(13)})
	if _, err := s.GetMyVote(ctx, "bob", target); err != nil {
		t.Errorf("Deletion by another author must be ignored, got %v", err)
	}
}

func TestGetThread(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	kind1 := 1

	s.InsertRootPosts(ctx, []event.RootPost{{Header: hdr(1, "root", 10)}})
	// B arrives before A
	s.InsertLegacyReplies(ctx, []event.LegacyReply{{Header: hdr(3, "b", 30), ParentID: id(2)}})

	thread, err := s.GetThread(ctx, id(1))
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if len(thread) != 0 {
		t.Fatalf("Detached reply must not be part of the thread, got %+v", thread)
	}

	s.InsertLegacyReplies(ctx, []event.LegacyReply{{Header: hdr(2, "a", 20), ParentID: id(1)}})
	s.InsertComments(ctx, []event.Comment{
		{Header: hdr(4, "c", 40), ParentID: id(3), ParentKind: &kind1},
		{Header: hdr(5, "d", 50)},
	})

	thread, _ = s.GetThread(ctx, id(1))
	if len(thread) != 3 {
		t.Fatalf("Expected 3 nodes, got %+v", thread)
	}
	if thread[0].ID != id(2) || thread[1].ID != id(3) || thread[2].ID != id(4) {
		t.Errorf("Unexpected order %v %v %v", thread[0].ID, thread[1].ID, thread[2].ID)
	}
	if !thread[2].IsComment || thread[2].ParentKind == nil || *thread[2].ParentKind != 1 {
		t.Errorf("Expected comment with parent kind, got %+v", thread[2])
	}

	counts, _ := s.GetReplyCounts(ctx, []string{id(1), id(3)})
	if counts[id(1)] != 1 || counts[id(3)] != 1 {
		t.Errorf("Unexpected reply counts %v", counts)
	}

	parent, err := s.GetParentID(ctx, id(4))
	if err != nil || parent != id(3) {
		t.Errorf("GetParentID() = %q, %v", parent, err)
	}
}

func TestSweepRootPosts(t *testing.T) {
	setup := func(t *testing.T) *Storage {
		s := setupTestStorage(t)
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			s.InsertRootPosts(ctx, []event.RootPost{{Header: hdr(i, "alice", int64(i*10))}})
		}
		// Reply tree below the oldest post
		s.InsertLegacyReplies(ctx, []event.LegacyReply{{Header: hdr(100, "bob", 500), ParentID: id(1)}})
		s.InsertComments(ctx, []event.Comment{{Header: hdr(101, "carol", 600), ParentID: id(100)}})
		s.UpsertVote(ctx, event.Vote{Header: hdr(102, "dave", 700), EventID: id(1), Positive: true})
		return s
	}

	tests := []struct {
		name        string
		threshold   int
		oldestInUse int64
		protected   []string
		wantDeleted int64
		wantKept    []int
	}{
		{
			name:        "threshold bounds roots",
			threshold:   2,
			oldestInUse: 1 << 40,
			wantDeleted: 5, // three roots, one reply, one comment
			wantKept:    []int{4, 5},
		},
		{
			name:        "in use timestamp guards newer roots",
			threshold:   1,
			oldestInUse: 30,
			wantDeleted: 4,
			wantKept:    []int{3, 4, 5},
		},
		{
			name:        "protected root survives",
			threshold:   2,
			oldestInUse: 1 << 40,
			protected:   []string{id(1)},
			wantDeleted: 2,
			wantKept:    []int{1, 4, 5},
		},
		{
			name:        "under threshold",
			threshold:   10,
			oldestInUse: 1 << 40,
			wantDeleted: 0,
			wantKept:    []int{1, 2, 3, 4, 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setup(t)
			ctx := context.Background()

			deleted, err := s.SweepRootPosts(ctx, tt.threshold, tt.oldestInUse, tt.protected)
			if err != nil {
				t.Fatalf("SweepRootPosts() error = %v", err)
			}
			if deleted != tt.wantDeleted {
				t.Errorf("deleted = %d, want %d", deleted, tt.wantDeleted)
			}
			for _, n := range tt.wantKept {
				if _, err := s.GetRootPost(ctx, id(n)); err != nil {
					t.Errorf("root %d should be kept: %v", n, err)
				}
			}

			var count int
			s.DB().GetContext(ctx, &count, `SELECT COUNT(*) FROM root_post`)
			if count != len(tt.wantKept) {
				t.Errorf("root posts left = %d, want %d", count, len(tt.wantKept))
			}

			_, replyErr := s.GetMainEvent(ctx, id(101))
			rootKept := false
			for _, n := range tt.wantKept {
				rootKept = rootKept || n == 1
			}
			if rootKept && replyErr != nil {
				t.Errorf("descendant of kept root deleted: %v", replyErr)
			}
			if !rootKept && replyErr != ErrNotFound {
				t.Errorf("descendant of deleted root left behind: %v", replyErr)
			}
		})
	}
}

func TestNotifier(t *testing.T) {
	n := NewNotifier(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	votes := n.Subscribe(ctx, TableVote)
	all := n.Subscribe(ctx)

	for i := 0; i < 10; i++ {
		n.Publish(TableVote)
	}
	n.Publish(TableProfile)

	select {
	case <-votes:
	case <-time.After(time.Second):
		t.Fatal("vote subscriber not signalled")
	}
	select {
	case <-all:
	case <-time.After(time.Second):
		t.Fatal("catch-all subscriber not signalled")
	}

	time.Sleep(30 * time.Millisecond)
	select {
	case <-votes:
		t.Error("burst must collapse into one signal")
	default:
	}
}
