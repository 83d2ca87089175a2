package event

import (
	"context"
	"errors"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	nostrclient "github.com/dtonon/volare/internal/nostr"
	"github.com/dtonon/volare/internal/ops"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	cache, err := NewMemoryIDCache(100)
	if err != nil {
		t.Fatalf("NewMemoryIDCache() error = %v", err)
	}
	return NewValidator(cache, ops.Nop())
}

func signed(t *testing.T, signer *nostrclient.KeySigner, kind int, content string, tags nostr.Tags) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		PubKey:    signer.PublicKey(),
		CreatedAt: nostr.Timestamp(1700000000),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := signer.Sign(ev); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return ev
}

func TestValidateClassifies(t *testing.T) {
	signer := nostrclient.GenerateKeySigner()
	parent := hexID("a")
	other := hexID("b")
	kind1 := 1

	tests := []struct {
		name  string
		kind  int
		body  string
		tags  nostr.Tags
		check func(t *testing.T, v Validated)
	}{
		{
			name: "root post",
			kind: nostrclient.KindTextNote,
			body: "hello",
			tags: nostr.Tags{{"subject", " Hi "}, {"t", "#Nostr"}, {"p", other}},
			check: func(t *testing.T, v Validated) {
				p, ok := v.(RootPost)
				if !ok {
					t.Fatalf("got %T, want RootPost", v)
				}
				if p.Subject != "Hi" || len(p.Topics) != 1 || p.Topics[0] != "nostr" {
					t.Errorf("unexpected root post %+v", p)
				}
				if len(p.Mentions) != 1 || p.Mentions[0] != other {
					t.Errorf("mentions = %v", p.Mentions)
				}
			},
		},
		{
			name: "legacy reply",
			kind: nostrclient.KindTextNote,
			tags: nostr.Tags{{"e", parent, "", "root"}},
			check: func(t *testing.T, v Validated) {
				r, ok := v.(LegacyReply)
				if !ok {
					t.Fatalf("got %T, want LegacyReply", v)
				}
				if r.ParentID != parent {
					t.Errorf("parent = %s", r.ParentID)
				}
			},
		},
		{
			name: "comment",
			kind: nostrclient.KindComment,
			tags: nostr.Tags{{"E", parent}, {"e", parent}, {"k", "1"}},
			check: func(t *testing.T, v Validated) {
				c, ok := v.(Comment)
				if !ok {
					t.Fatalf("got %T, want Comment", v)
				}
				if c.ParentID != parent || c.ParentKind == nil || *c.ParentKind != kind1 {
					t.Errorf("unexpected comment %+v", c)
				}
			},
		},
		{
			name: "downvote targets last e tag",
			kind: nostrclient.KindReaction,
			body: "-",
			tags: nostr.Tags{{"e", other}, {"e", parent}, {"p", other}},
			check: func(t *testing.T, v Validated) {
				vote, ok := v.(Vote)
				if !ok {
					t.Fatalf("got %T, want Vote", v)
				}
				if vote.Positive || vote.EventID != parent {
					t.Errorf("unexpected vote %+v", vote)
				}
			},
		},
		{
			name: "empty reaction is an upvote",
			kind: nostrclient.KindReaction,
			tags: nostr.Tags{{"e", parent}},
			check: func(t *testing.T, v Validated) {
				if vote := v.(Vote); !vote.Positive {
					t.Errorf("expected upvote")
				}
			},
		},
		{
			name: "profile prefers display name",
			kind: nostrclient.KindProfile,
			body: `{"name":"alice","display_name":"Alice A."}`,
			check: func(t *testing.T, v Validated) {
				if p := v.(Profile); p.Name != "Alice A." {
					t.Errorf("name = %q", p.Name)
				}
			},
		},
		{
			name: "mute list",
			kind: nostrclient.KindMuteList,
			tags: nostr.Tags{{"p", other}, {"t", "Spam"}, {"word", " GM "}},
			check: func(t *testing.T, v Validated) {
				m := v.(MuteList)
				if len(m.Pubkeys) != 1 || m.Topics[0] != "spam" || m.Words[0] != "gm" {
					t.Errorf("unexpected mute list %+v", m)
				}
			},
		},
		{
			name: "relay list",
			kind: nostrclient.KindRelayList,
			tags: nostr.Tags{{"r", "wss://relay.example/"}, {"r", "wss://read.example", "read"}},
			check: func(t *testing.T, v Validated) {
				r := v.(RelayList)
				if len(r.Relays) != 2 || r.Relays[0].URL != "wss://relay.example" {
					t.Errorf("unexpected relay list %+v", r.Relays)
				}
			},
		},
		{
			name: "empty contact list",
			kind: nostrclient.KindContactList,
			check: func(t *testing.T, v Validated) {
				if c := v.(ContactList); len(c.Pubkeys) != 0 {
					t.Errorf("expected no pubkeys, got %v", c.Pubkeys)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t)
			ev := signed(t, signer, tt.kind, tt.body, tt.tags)

			got, err := v.Validate(context.Background(), "wss://relay.example/", ev)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got.Meta().ID != ev.ID || got.Meta().Relay != "wss://relay.example" {
				t.Errorf("unexpected header %+v", got.Meta())
			}
			tt.check(t, got)
		})
	}
}

func TestValidateRejects(t *testing.T) {
	signer := nostrclient.GenerateKeySigner()
	ctx := context.Background()

	t.Run("duplicate", func(t *testing.T) {
		v := newTestValidator(t)
		ev := signed(t, signer, nostrclient.KindTextNote, "once", nil)
		if _, err := v.Validate(ctx, "", ev); err != nil {
			t.Fatalf("first Validate() error = %v", err)
		}
		if _, err := v.Validate(ctx, "", ev); !errors.Is(err, ErrDuplicate) {
			t.Errorf("second Validate() error = %v, want ErrDuplicate", err)
		}
	})

	t.Run("tampered content", func(t *testing.T) {
		v := newTestValidator(t)
		ev := signed(t, signer, nostrclient.KindTextNote, "original", nil)
		ev.Content = "changed"
		if _, err := v.Validate(ctx, "", ev); !errors.Is(err, ErrInvalid) {
			t.Errorf("Validate() error = %v, want ErrInvalid", err)
		}
	})

	t.Run("unsupported kind", func(t *testing.T) {
		v := newTestValidator(t)
		ev := signed(t, signer, 30023, "article", nil)
		if _, err := v.Validate(ctx, "", ev); !errors.Is(err, ErrUnsupportedKind) {
			t.Errorf("Validate() error = %v, want ErrUnsupportedKind", err)
		}
	})

	t.Run("emoji reaction", func(t *testing.T) {
		v := newTestValidator(t)
		ev := signed(t, signer, nostrclient.KindReaction, "🤙", nostr.Tags{{"e", hexID("a")}})
		if _, err := v.Validate(ctx, "", ev); !errors.Is(err, ErrUnsupportedKind) {
			t.Errorf("Validate() error = %v, want ErrUnsupportedKind", err)
		}
	})

	t.Run("vote without target", func(t *testing.T) {
		v := newTestValidator(t)
		ev := signed(t, signer, nostrclient.KindReaction, "+", nil)
		if _, err := v.Validate(ctx, "", ev); !errors.Is(err, ErrInvalid) {
			t.Errorf("Validate() error = %v, want ErrInvalid", err)
		}
	})

	t.Run("rejected event is not remembered", func(t *testing.T) {
		v := newTestValidator(t)
		ev := signed(t, signer, nostrclient.KindTextNote, "original", nil)
		bad := *ev
		bad.Sig = hexID("0") + hexID("0")
		if _, err := v.Validate(ctx, "", &bad); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Validate() error = %v, want ErrInvalid", err)
		}
		if _, err := v.Validate(ctx, "", ev); err != nil {
			t.Errorf("valid event after forged copy rejected: %v", err)
		}
	})
}
