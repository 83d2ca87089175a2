package interactor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"

	"github.com/dtonon/volare/internal/event"
	"github.com/dtonon/volare/internal/ops"
	"github.com/dtonon/volare/internal/overlay"
	"github.com/dtonon/volare/internal/storage"
)

// ListStore is the storage used by list interactors
type ListStore interface {
	GetList(ctx context.Context, list storage.List, owner string) ([]string, error)
	UpsertList(ctx context.Context, list storage.List, owner string, values []string, createdAt int64) (bool, error)
}

// ListPublisher publishes the lists list interactors change
type ListPublisher interface {
	PublishTopicList(ctx context.Context, topics []string, relays []string) (*nostr.Event, error)
	PublishContactList(ctx context.Context, pubkeys []string, relays []string) (*nostr.Event, error)
	PublishBookmarkList(ctx context.Context, eventIDs []string, relays []string) (*nostr.Event, error)
}

type publishFunc func(ctx context.Context, values []string, relays []string) (*nostr.Event, error)

// listSyncer keeps membership intents of one list in an overlay and
// publishes the merged list in a single debounced job
type listSyncer struct {
	ctx       context.Context
	name      string
	list      storage.List
	overlay   *overlay.Map[string, bool]
	scheduler *overlay.Scheduler
	store     ListStore
	publish   publishFunc
	relays    RelayPicker
	identity  Identity
	maxKeys   int
	notices   *Notices
	logger    *ops.Logger
}

func newListSyncer(ctx context.Context, name string, list storage.List, store ListStore, publish publishFunc, relays RelayPicker, identity Identity, debounce time.Duration, maxKeys int, notices *Notices, logger *ops.Logger) *listSyncer {
	logger = logger.WithComponent(name)
	return &listSyncer{
		ctx:       ctx,
		name:      name,
		list:      list,
		overlay:   overlay.NewMap[string, bool](identity.Pubkey()),
		scheduler: overlay.NewScheduler(debounce, logger),
		store:     store,
		publish:   publish,
		relays:    relays,
		identity:  identity,
		maxKeys:   maxKeys,
		notices:   notices,
		logger:    logger,
	}
}

func (l *listSyncer) set(value string, member bool) {
	if value == "" {
		return
	}
	owner := l.identity.Pubkey()
	if !l.overlay.Set(owner, value, member) {
		return
	}
	l.scheduler.Schedule(string(l.list), func() {
		l.sync(owner)
	})
}

func (l *listSyncer) state(value string, stored bool) bool {
	return l.overlay.Resolve(value, stored)
}

func (l *listSyncer) reset(owner string) {
	l.scheduler.Reset()
	l.overlay.Reset(owner)
}

// diff splits intents into values to add and to remove from before
func diff(before []string, intents map[string]bool) (toAdd, toRemove []string) {
	current := lo.SliceToMap(before, func(v string) (string, bool) { return v, true })
	for value, member := range intents {
		switch {
		case member && !current[value]:
			toAdd = append(toAdd, value)
		case !member && current[value]:
			toRemove = append(toRemove, value)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)
	return toAdd, toRemove
}

func (l *listSyncer) sync(owner string) {
	if l.identity.Pubkey() != owner {
		return
	}
	ctx := l.ctx

	before, err := l.store.GetList(ctx, l.list, owner)
	if err != nil {
		l.fail(err)
		return
	}
	intents := l.overlay.Snapshot()
	toAdd, toRemove := diff(before, intents)

	after := lo.Without(before, toRemove...)
	if len(after)+len(toAdd) > l.maxKeys {
		// The new entries are dropped as a whole
		l.overlay.Delete(owner, toAdd...)
		l.notices.Send(Notice{
			Action: l.name,
			Err:    fmt.Errorf("%w: %d entries, at most %d", ErrListTooLarge, len(after)+len(toAdd), l.maxKeys),
		})
		for _, v := range toAdd {
			delete(intents, v)
		}
		toAdd = nil
	}

	if len(toAdd) == 0 && len(toRemove) == 0 {
		l.clear(owner, intents)
		return
	}
	after = append(after, toAdd...)

	ev, err := l.publish(ctx, after, l.relays.PublishRelays(ctx))
	if err != nil {
		l.fail(err)
		return
	}
	if _, err := l.store.UpsertList(ctx, l.list, owner, after, int64(ev.CreatedAt)); err != nil {
		l.fail(err)
		return
	}
	l.logger.Info("list published", "list", string(l.list), "added", len(toAdd), "removed", len(toRemove))
	l.clear(owner, intents)
}

func (l *listSyncer) clear(owner string, intents map[string]bool) {
	for value, member := range intents {
		l.overlay.ClearIfEqual(owner, value, member)
	}
}

func (l *listSyncer) fail(err error) {
	l.logger.Warn("list update failed", "list", string(l.list), "error", err)
	l.notices.Send(Notice{Action: l.name, Err: err})
}

// TopicFollower follows and unfollows topics
type TopicFollower struct {
	*listSyncer
}

// NewTopicFollower creates a TopicFollower
func NewTopicFollower(ctx context.Context, store ListStore, publisher ListPublisher, relays RelayPicker, identity Identity, debounce time.Duration, maxKeys int, notices *Notices, logger *ops.Logger) *TopicFollower {
	return &TopicFollower{newListSyncer(ctx, "topic-follower", storage.ListTopic, store,
		publisher.PublishTopicList, relays, identity, debounce, maxKeys, notices, logger)}
}

// Follow follows topic
func (f *TopicFollower) Follow(topic string) { f.set(event.NormalizeTopic(topic), true) }

// Unfollow unfollows topic
func (f *TopicFollower) Unfollow(topic string) { f.set(event.NormalizeTopic(topic), false) }

// IsFollowed returns the effective follow state given the stored one
func (f *TopicFollower) IsFollowed(topic string, stored bool) bool {
	return f.state(event.NormalizeTopic(topic), stored)
}

// Overlay returns the pending follow intents
func (f *TopicFollower) Overlay() *overlay.Map[string, bool] { return f.overlay }

// Reset drops pending intents and hands the overlay to owner
func (f *TopicFollower) Reset(owner string) { f.reset(owner) }

// ProfileFollower follows and unfollows pubkeys
type ProfileFollower struct {
	*listSyncer
}

// NewProfileFollower creates a ProfileFollower
func NewProfileFollower(ctx context.Context, store ListStore, publisher ListPublisher, relays RelayPicker, identity Identity, debounce time.Duration, maxKeys int, notices *Notices, logger *ops.Logger) *ProfileFollower {
	return &ProfileFollower{newListSyncer(ctx, "profile-follower", storage.ListFriend, store,
		publisher.PublishContactList, relays, identity, debounce, maxKeys, notices, logger)}
}

// Follow follows pubkey
func (f *ProfileFollower) Follow(pubkey string) {
	if nostr.IsValid32ByteHex(pubkey) {
		f.set(pubkey, true)
	}
}

// Unfollow unfollows pubkey
func (f *ProfileFollower) Unfollow(pubkey string) { f.set(pubkey, false) }

// IsFollowed returns the effective follow state given the stored one
func (f *ProfileFollower) IsFollowed(pubkey string, stored bool) bool {
	return f.state(pubkey, stored)
}

// Overlay returns the pending follow intents
func (f *ProfileFollower) Overlay() *overlay.Map[string, bool] { return f.overlay }

// Reset drops pending intents and hands the overlay to owner
func (f *ProfileFollower) Reset(owner string) { f.reset(owner) }

// Bookmarker bookmarks and unbookmarks posts
type Bookmarker struct {
	*listSyncer
}

// NewBookmarker creates a Bookmarker
func NewBookmarker(ctx context.Context, store ListStore, publisher ListPublisher, relays RelayPicker, identity Identity, debounce time.Duration, maxKeys int, notices *Notices, logger *ops.Logger) *Bookmarker {
	return &Bookmarker{newListSyncer(ctx, "bookmarker", storage.ListBookmark, store,
		publisher.PublishBookmarkList, relays, identity, debounce, maxKeys, notices, logger)}
}

// Bookmark bookmarks eventID
func (b *Bookmarker) Bookmark(eventID string) { b.set(eventID, true) }

// Unbookmark removes the bookmark of eventID
func (b *Bookmarker) Unbookmark(eventID string) { b.set(eventID, false) }

// IsBookmarked returns the effective bookmark state given the stored one
func (b *Bookmarker) IsBookmarked(eventID string, stored bool) bool {
	return b.state(eventID, stored)
}

// Overlay returns the pending bookmark intents
func (b *Bookmarker) Overlay() *overlay.Map[string, bool] { return b.overlay }

// Reset drops pending intents and hands the overlay to owner
func (b *Bookmarker) Reset(owner string) { b.reset(owner) }
