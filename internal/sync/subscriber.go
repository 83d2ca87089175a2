package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"

	"github.com/dtonon/volare/internal/ops"
	"github.com/dtonon/volare/internal/storage"
)

// RelaySelector chooses the relays subscriptions are sent to
type RelaySelector interface {
	ReadRelays(ctx context.Context) []string
	WriteRelays(ctx context.Context) []string
	ObserveAuthors(ctx context.Context, pubkeys []string) map[string][]string
	ObserveRelaysForNevent(ctx context.Context, nevent string) (string, []string, error)
}

// Identity exposes the active account
type Identity interface {
	Pubkey() string
}

// Subscriber turns client needs into relay subscriptions
type Subscriber struct {
	storage  *storage.Storage
	selector RelaySelector
	identity Identity
	creator  *SubCreator
	batcher  *Batcher
	filters  *FilterBuilder
	logger   *ops.Logger
}

// NewSubscriber creates a subscriber
func NewSubscriber(st *storage.Storage, selector RelaySelector, identity Identity, creator *SubCreator, batcher *Batcher, filters *FilterBuilder, logger *ops.Logger) *Subscriber {
	return &Subscriber{
		storage:  st,
		selector: selector,
		identity: identity,
		creator:  creator,
		batcher:  batcher,
		filters:  filters,
		logger:   logger.WithComponent("subscriber"),
	}
}

// Batcher returns the shared batcher
func (s *Subscriber) Batcher() *Batcher {
	return s.batcher
}

// SubFeed requests one page of a feed ending before until
func (s *Subscriber) SubFeed(ctx context.Context, setting storage.FeedSetting, until int64, limit int) error {
	me := s.identity.Pubkey()

	switch setting.Kind {
	case storage.FeedHome:
		friends, err := s.storage.GetList(ctx, storage.ListFriend, me)
		if err != nil {
			return err
		}
		authors := lo.Uniq(append(friends, me))
		for relay, pubkeys := range s.selector.ObserveAuthors(ctx, authors) {
			s.creator.Subscribe(ctx, relay, nostr.Filters{s.filters.BuildAuthorFeedFilter(pubkeys, until, limit)})
		}

		topics, err := s.storage.GetList(ctx, storage.ListTopic, me)
		if err != nil {
			return err
		}
		if len(topics) > 0 {
			s.creator.SubscribeMany(ctx, s.selector.ReadRelays(ctx),
				nostr.Filters{s.filters.BuildTopicFeedFilter(topics, until, limit)})
		}

	case storage.FeedTopic:
		if setting.Topic == "" {
			return fmt.Errorf("topic feed without topic")
		}
		s.creator.SubscribeMany(ctx, s.selector.ReadRelays(ctx),
			nostr.Filters{s.filters.BuildTopicFeedFilter([]string{setting.Topic}, until, limit)})

	case storage.FeedInbox:
		s.creator.SubscribeMany(ctx, s.selector.ReadRelays(ctx),
			nostr.Filters{s.filters.BuildInboxFilter(me, until, limit)})

	case storage.FeedBookmarks:
		ids, err := s.storage.GetList(ctx, storage.ListBookmark, me)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		s.creator.SubscribeMany(ctx, s.selector.ReadRelays(ctx), nostr.Filters{s.filters.BuildIDsFilter(ids)})

	default:
		return fmt.Errorf("unknown feed kind %d", setting.Kind)
	}
	return nil
}

// SubPost requests one event given as nevent or hex id and returns its id
func (s *Subscriber) SubPost(ctx context.Context, ref string) (string, error) {
	id := ref
	var relays []string
	if strings.HasPrefix(ref, "nevent1") || strings.HasPrefix(ref, "note1") {
		var err error
		id, relays, err = s.selector.ObserveRelaysForNevent(ctx, ref)
		if err != nil {
			return "", err
		}
	} else {
		if !nostr.IsValid32ByteHex(ref) {
			return "", fmt.Errorf("invalid event reference %q", ref)
		}
		relays = s.selector.ReadRelays(ctx)
	}

	s.creator.SubscribeMany(ctx, relays, nostr.Filters{s.filters.BuildIDsFilter([]string{id})})
	return id, nil
}

// SubParent requests the parent of a reply from the relays the reply was
// seen on and the read relays
func (s *Subscriber) SubParent(ctx context.Context, childID, parentID string) error {
	seen, err := s.storage.GetEventRelays(ctx, childID)
	if err != nil {
		return err
	}
	relays := lo.Uniq(append(seen, s.selector.ReadRelays(ctx)...))
	s.creator.SubscribeMany(ctx, relays, nostr.Filters{s.filters.BuildIDsFilter([]string{parentID})})
	return nil
}

// SubVotesAndReplies hands replies and votes of ids to the batcher, once
// per read relay and per relay the event was seen on. Votes are limited to
// the account and its friends.
func (s *Subscriber) SubVotesAndReplies(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	me := s.identity.Pubkey()
	friends, err := s.storage.GetList(ctx, storage.ListFriend, me)
	if err != nil {
		return err
	}
	votePubkeys := lo.Uniq(append(friends, me))

	perRelay := make(map[string][]string)
	for _, relay := range s.selector.ReadRelays(ctx) {
		perRelay[relay] = append(perRelay[relay], ids...)
	}
	for _, id := range ids {
		seen, err := s.storage.GetEventRelays(ctx, id)
		if err != nil {
			return err
		}
		for _, relay := range seen {
			perRelay[relay] = append(perRelay[relay], id)
		}
	}

	for relay, relayIDs := range perRelay {
		s.batcher.SubmitVotesAndReplies(relay, lo.Uniq(relayIDs), votePubkeys)
	}
	return nil
}

// SubProfiles hands profile lookups to the batcher on the authors' relays
func (s *Subscriber) SubProfiles(ctx context.Context, pubkeys []string) {
	if len(pubkeys) == 0 {
		return
	}
	for relay, pks := range s.selector.ObserveAuthors(ctx, lo.Uniq(pubkeys)) {
		s.batcher.SubmitProfiles(relay, pks)
	}
}

// SubMyAccount opens a live subscription for the account's own lists on
// its read and write relays. since holds the newest known version per kind.
func (s *Subscriber) SubMyAccount(ctx context.Context, since map[int]int64) {
	me := s.identity.Pubkey()
	if me == "" {
		return
	}
	relays := lo.Uniq(append(s.selector.WriteRelays(ctx), s.selector.ReadRelays(ctx)...))
	filters := s.filters.BuildAccountFilters(me, since)
	for _, relay := range relays {
		s.creator.SubscribeLive(ctx, relay, filters)
	}
}

// SubLatest requests the newest event of kind by each author on the
// authors' relays
func (s *Subscriber) SubLatest(ctx context.Context, kind int, authors []string) {
	if len(authors) == 0 {
		return
	}
	for relay, pks := range s.selector.ObserveAuthors(ctx, authors) {
		s.creator.Subscribe(ctx, relay, nostr.Filters{s.filters.BuildLatestFilter(kind, pks)})
	}
}

// SubRepliesAndVotesSince requests replies and votes of ids newer than since
// on the read relays without batching
func (s *Subscriber) SubRepliesAndVotesSince(ctx context.Context, ids, votePubkeys []string, since int64) {
	filters := s.filters.BuildVotesAndRepliesFilters(ids, votePubkeys, since)
	s.creator.SubscribeMany(ctx, s.selector.ReadRelays(ctx), filters)
}
