package interactor

import (
	"context"
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dtonon/volare/internal/event"
	nostrclient "github.com/dtonon/volare/internal/nostr"
	"github.com/dtonon/volare/internal/ops"
	"github.com/dtonon/volare/internal/overlay"
	"github.com/dtonon/volare/internal/storage"
)

// Direction is the tri-state intent of a vote
type Direction int

const (
	Neutral Direction = iota
	Up
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "neutral"
	}
}

// Identity exposes the active account
type Identity interface {
	Pubkey() string
}

// RelayPicker selects where user events are published
type RelayPicker interface {
	PublishRelays(ctx context.Context) []string
	PublishRelaysTo(ctx context.Context, pubkeys []string) []string
}

// VoteStore is the storage used by the Voter
type VoteStore interface {
	GetMyVote(ctx context.Context, pubkey, eventID string) (*storage.Vote, error)
	UpsertVote(ctx context.Context, v event.Vote) (bool, error)
	DeleteVote(ctx context.Context, eventID, pubkey string) error
}

// VotePublisher publishes reactions and their deletion
type VotePublisher interface {
	PublishVote(ctx context.Context, eventID, authorPubkey string, eventKind int, positive bool, relays []string) (*nostr.Event, error)
	PublishDeletion(ctx context.Context, eventIDs []string, kind int, relays []string) (*nostr.Event, error)
}

type voteTarget struct {
	author string
	kind   int
}

// Voter records votes in the overlay and publishes the final direction of
// each post after a debounce
type Voter struct {
	ctx       context.Context
	overlay   *overlay.Map[string, Direction]
	scheduler *overlay.Scheduler
	store     VoteStore
	publisher VotePublisher
	relays    RelayPicker
	identity  Identity
	notices   *Notices
	logger    *ops.Logger
}

// NewVoter creates a Voter whose jobs run with ctx
func NewVoter(ctx context.Context, store VoteStore, publisher VotePublisher, relays RelayPicker, identity Identity, debounce time.Duration, notices *Notices, logger *ops.Logger) *Voter {
	logger = logger.WithComponent("voter")
	return &Voter{
		ctx:       ctx,
		overlay:   overlay.NewMap[string, Direction](identity.Pubkey()),
		scheduler: overlay.NewScheduler(debounce, logger),
		store:     store,
		publisher: publisher,
		relays:    relays,
		identity:  identity,
		notices:   notices,
		logger:    logger,
	}
}

// Overlay returns the pending vote intents
func (v *Voter) Overlay() *overlay.Map[string, Direction] {
	return v.overlay
}

// Vote records dir on eventID. It returns immediately; the publish happens
// in the background.
func (v *Voter) Vote(eventID, authorPubkey string, eventKind int, dir Direction) {
	owner := v.identity.Pubkey()
	if !v.overlay.Set(owner, eventID, dir) {
		return
	}
	target := voteTarget{author: authorPubkey, kind: eventKind}
	v.scheduler.Schedule(eventID, func() {
		v.publish(owner, eventID, target)
	})
}

// State returns the effective direction of eventID given its stored vote
func (v *Voter) State(eventID string, stored *storage.Vote) Direction {
	durable := Neutral
	if stored != nil {
		durable = Down
		if stored.Positive {
			durable = Up
		}
	}
	return v.overlay.Resolve(eventID, durable)
}

// ShiftTally moves one vote of t from durable to effective
func ShiftTally(t storage.Tally, durable, effective Direction) storage.Tally {
	if durable == effective {
		return t
	}
	switch durable {
	case Up:
		t.Up--
	case Down:
		t.Down--
	}
	switch effective {
	case Up:
		t.Up++
	case Down:
		t.Down++
	}
	t.Up = max(t.Up, 0)
	t.Down = max(t.Down, 0)
	return t
}

// Reset drops pending intents and hands the overlay to owner
func (v *Voter) Reset(owner string) {
	v.scheduler.Reset()
	v.overlay.Reset(owner)
}

func (v *Voter) publish(owner, eventID string, target voteTarget) {
	if v.identity.Pubkey() != owner {
		return
	}
	dir, ok := v.overlay.Get(eventID)
	if !ok {
		return
	}

	err := v.apply(owner, eventID, target, dir)
	if err != nil {
		v.logger.Warn("vote failed", "event_id", eventID, "direction", dir.String(), "error", err)
		v.notices.Send(Notice{Action: "vote", Target: eventID, Err: err})
		return
	}
	v.overlay.ClearIfEqual(owner, eventID, dir)
}

func (v *Voter) apply(owner, eventID string, target voteTarget, dir Direction) error {
	ctx := v.ctx
	current, err := v.store.GetMyVote(ctx, owner, eventID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if current != nil {
		if dir != Neutral && current.Positive == (dir == Up) {
			return nil
		}
		// A changed or withdrawn vote deletes the prior reaction first
		relays := v.relays.PublishRelays(ctx)
		if _, err := v.publisher.PublishDeletion(ctx, []string{current.ID}, nostrclient.KindReaction, relays); err != nil {
			return err
		}
		if err := v.store.DeleteVote(ctx, eventID, owner); err != nil {
			return err
		}
	}
	if dir == Neutral {
		return nil
	}

	relays := v.relays.PublishRelaysTo(ctx, []string{target.author})
	ev, err := v.publisher.PublishVote(ctx, eventID, target.author, target.kind, dir == Up, relays)
	if err != nil {
		return err
	}
	_, err = v.store.UpsertVote(ctx, event.Vote{
		Header: event.Header{
			ID:        ev.ID,
			Pubkey:    ev.PubKey,
			CreatedAt: int64(ev.CreatedAt),
		},
		EventID:  eventID,
		Positive: dir == Up,
	})
	return err
}
