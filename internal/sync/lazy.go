package sync

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	nostrclient "github.com/dtonon/volare/internal/nostr"
	"github.com/dtonon/volare/internal/ops"
	"github.com/dtonon/volare/internal/storage"
)

// accountLists maps the account kinds to the versioned list they fill
var accountLists = map[int]storage.List{
	nostrclient.KindContactList:  storage.ListFriend,
	nostrclient.KindMuteList:     storage.ListMute,
	nostrclient.KindBookmarkList: storage.ListBookmark,
	nostrclient.KindTopicList:    storage.ListTopic,
}

// LazySubscriber only asks relays for what storage does not have yet
type LazySubscriber struct {
	storage    *storage.Storage
	subscriber *Subscriber
	identity   Identity
	logger     *ops.Logger
}

// NewLazySubscriber creates a lazy subscriber on top of subscriber
func NewLazySubscriber(st *storage.Storage, subscriber *Subscriber, identity Identity, logger *ops.Logger) *LazySubscriber {
	return &LazySubscriber{
		storage:    st,
		subscriber: subscriber,
		identity:   identity,
		logger:     logger.WithComponent("lazy-subscriber"),
	}
}

// LazySubMyAccount subscribes the account's lists starting at the newest
// stored version of each
func (l *LazySubscriber) LazySubMyAccount(ctx context.Context) error {
	me := l.identity.Pubkey()
	if me == "" {
		return fmt.Errorf("no active account")
	}

	since := make(map[int]int64, len(accountLists))
	for kind, list := range accountLists {
		version, ok, err := l.storage.GetListVersion(ctx, list, me)
		if err != nil {
			return err
		}
		if ok {
			since[kind] = version
		}
	}
	l.subscriber.SubMyAccount(ctx, since)
	return nil
}

// LazySubFriendsMissing requests contact lists, relay lists and profiles
// of friends that have none stored
func (l *LazySubscriber) LazySubFriendsMissing(ctx context.Context) error {
	me := l.identity.Pubkey()

	contacts, err := l.storage.GetFriendsMissingContactList(ctx, me)
	if err != nil {
		return err
	}
	nip65, err := l.storage.GetFriendsMissingNip65(ctx, me)
	if err != nil {
		return err
	}
	profiles, err := l.storage.GetFriendsMissingProfile(ctx, me)
	if err != nil {
		return err
	}

	l.logger.Debug("friends missing data",
		"contact_lists", len(contacts),
		"relay_lists", len(nip65),
		"profiles", len(profiles))

	l.subscriber.SubLatest(ctx, nostrclient.KindContactList, contacts)
	l.subscriber.SubLatest(ctx, nostrclient.KindRelayList, nip65)
	l.subscriber.SubProfiles(ctx, profiles)
	return nil
}

// LazySubUnknownProfiles requests profiles of pubkeys without a stored name
func (l *LazySubscriber) LazySubUnknownProfiles(ctx context.Context, pubkeys []string) error {
	if len(pubkeys) == 0 {
		return nil
	}
	names, err := l.storage.GetProfileNames(ctx, pubkeys)
	if err != nil {
		return err
	}
	unknown := lo.Filter(lo.Uniq(pubkeys), func(pk string, _ int) bool {
		_, ok := names[pk]
		return !ok
	})
	l.subscriber.SubProfiles(ctx, unknown)
	return nil
}

// LazySubRepliesAndVotes requests replies and votes of parentID newer than
// what is stored
func (l *LazySubscriber) LazySubRepliesAndVotes(ctx context.Context, parentID string) error {
	ids := []string{parentID}
	newestReply, err := l.storage.GetNewestReplyCreatedAt(ctx, ids)
	if err != nil {
		return err
	}
	newestVote, err := l.storage.GetNewestVoteCreatedAt(ctx, ids)
	if err != nil {
		return err
	}

	me := l.identity.Pubkey()
	friends, err := l.storage.GetList(ctx, storage.ListFriend, me)
	if err != nil {
		return err
	}
	since := newestReply
	if newestVote < since {
		since = newestVote
	}
	l.subscriber.SubRepliesAndVotesSince(ctx, ids, lo.Uniq(append(friends, me)), since)
	return nil
}
