package nostr

import (
	"context"
	"errors"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dtonon/volare/internal/ops"
)

type fakePublisher struct {
	published []*nostr.Event
	relays    [][]string
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, urls []string, event *nostr.Event) (PublishResult, error) {
	if f.err != nil {
		return PublishResult{Failed: map[string]error{urls[0]: f.err}}, f.err
	}
	f.published = append(f.published, event)
	f.relays = append(f.relays, urls)
	return PublishResult{OK: urls, Failed: map[string]error{}}, nil
}

type staticSigner struct{ signer Signer }

func (s staticSigner) Signer() Signer { return s.signer }

func TestServicePublishVote(t *testing.T) {
	pub := &fakePublisher{}
	signer := GenerateKeySigner()
	svc := NewService(pub, staticSigner{signer}, ops.Nop())

	ev, err := svc.PublishVote(context.Background(), "target", "author", KindTextNote, false, []string{"wss://relay.test"})
	if err != nil {
		t.Fatalf("PublishVote() error = %v", err)
	}
	if ev.Kind != KindReaction || ev.Content != "-" {
		t.Errorf("Expected downvote reaction, got kind=%d content=%q", ev.Kind, ev.Content)
	}
	if ev.PubKey != signer.PublicKey() {
		t.Errorf("Expected event to be authored by signer")
	}
	if ok, _ := ev.CheckSignature(); !ok {
		t.Error("Expected published event to be signed")
	}
	if tag := ev.Tags[0]; tag[0] != "e" || tag[1] != "target" {
		t.Errorf("Expected e tag for target, got %v", ev.Tags)
	}
	if len(pub.published) != 1 {
		t.Errorf("Expected 1 publish, got %d", len(pub.published))
	}
}

func TestServicePublishLists(t *testing.T) {
	pub := &fakePublisher{}
	svc := NewService(pub, staticSigner{GenerateKeySigner()}, ops.Nop())
	ctx := context.Background()
	relays := []string{"wss://relay.test"}

	tests := []struct {
		name    string
		publish func() (*nostr.Event, error)
		kind    int
		tag     string
	}{
		{"topics", func() (*nostr.Event, error) { return svc.PublishTopicList(ctx, []string{"go", "nostr"}, relays) }, KindTopicList, "t"},
		{"contacts", func() (*nostr.Event, error) { return svc.PublishContactList(ctx, []string{"pk1", "pk2"}, relays) }, KindContactList, "p"},
		{"bookmarks", func() (*nostr.Event, error) { return svc.PublishBookmarkList(ctx, []string{"id1", "id2"}, relays) }, KindBookmarkList, "e"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := tt.publish()
			if err != nil {
				t.Fatalf("publish error = %v", err)
			}
			if ev.Kind != tt.kind {
				t.Errorf("Expected kind %d, got %d", tt.kind, ev.Kind)
			}
			if len(ev.Tags) != 2 || ev.Tags[0][0] != tt.tag {
				t.Errorf("Expected 2 %q tags, got %v", tt.tag, ev.Tags)
			}
		})
	}
}

func TestServiceReadOnlyAccount(t *testing.T) {
	pub := &fakePublisher{}
	ro, _ := NewReadOnlySigner(GenerateKeySigner().PublicKey())
	svc := NewService(pub, staticSigner{ro}, ops.Nop())

	_, err := svc.PublishTopicList(context.Background(), []string{"go"}, []string{"wss://relay.test"})
	if !errors.Is(err, ErrCannotSign) {
		t.Errorf("Expected ErrCannotSign, got %v", err)
	}
	if len(pub.published) != 0 {
		t.Error("Nothing should be published for a read-only account")
	}
}

func TestServicePublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("relay said no")}
	svc := NewService(pub, staticSigner{GenerateKeySigner()}, ops.Nop())

	if _, err := svc.PublishDeletion(context.Background(), []string{"id"}, KindReaction, []string{"wss://relay.test"}); err == nil {
		t.Error("Expected publish failure to be returned")
	}
}
