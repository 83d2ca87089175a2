package sync

import (
	"sort"

	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"

	"github.com/dtonon/volare/internal/config"
	nostrclient "github.com/dtonon/volare/internal/nostr"
)

// FilterBuilder creates nostr filters for the client's lookups
type FilterBuilder struct {
	config *config.Sync
}

// NewFilterBuilder creates a new filter builder
func NewFilterBuilder(cfg *config.Sync) *FilterBuilder {
	return &FilterBuilder{
		config: cfg,
	}
}

func timestamp(ts int64) *nostr.Timestamp {
	if ts <= 0 {
		return nil
	}
	t := nostr.Timestamp(ts)
	return &t
}

func sorted(values []string) []string {
	out := lo.Uniq(values)
	sort.Strings(out)
	return out
}

var accountKinds = []int{
	nostrclient.KindProfile,
	nostrclient.KindContactList,
	nostrclient.KindMuteList,
	nostrclient.KindRelayList,
	nostrclient.KindBookmarkList,
	nostrclient.KindTopicList,
}

// BuildVotesAndRepliesFilters creates the reply filter for ids and, when
// vote authors are given, the vote filter restricted to them
func (fb *FilterBuilder) BuildVotesAndRepliesFilters(ids, votePubkeys []string, since int64) nostr.Filters {
	if len(ids) == 0 {
		return nil
	}
	ids = sorted(ids)

	filters := nostr.Filters{{
		Kinds: []int{nostrclient.KindTextNote, nostrclient.KindComment},
		Tags:  nostr.TagMap{"e": ids},
		Since: timestamp(since),
	}}
	if len(votePubkeys) > 0 {
		filters = append(filters, nostr.Filter{
			Kinds:   []int{nostrclient.KindReaction},
			Tags:    nostr.TagMap{"e": ids},
			Authors: sorted(votePubkeys),
			Since:   timestamp(since),
		})
	}
	return filters
}

// BuildProfileFilter asks for the newest metadata of pubkeys; the limit
// equals the number of requested authors
func (fb *FilterBuilder) BuildProfileFilter(pubkeys []string, until int64) nostr.Filter {
	pubkeys = sorted(pubkeys)
	return nostr.Filter{
		Kinds:   []int{nostrclient.KindProfile},
		Authors: pubkeys,
		Until:   timestamp(until),
		Limit:   len(pubkeys),
	}
}

// BuildAuthorFeedFilter creates a page of root posts by authors
func (fb *FilterBuilder) BuildAuthorFeedFilter(authors []string, until int64, limit int) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{nostrclient.KindTextNote},
		Authors: sorted(authors),
		Until:   timestamp(until),
		Limit:   fb.limit(limit),
	}
}

// BuildTopicFeedFilter creates a page of root posts tagged with topics
func (fb *FilterBuilder) BuildTopicFeedFilter(topics []string, until int64, limit int) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{nostrclient.KindTextNote},
		Tags:  nostr.TagMap{"t": sorted(topics)},
		Until: timestamp(until),
		Limit: fb.limit(limit),
	}
}

// BuildInboxFilter creates a page of notes, comments and votes that tag
// the owner
func (fb *FilterBuilder) BuildInboxFilter(ownerPubkey string, until int64, limit int) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{nostrclient.KindTextNote, nostrclient.KindComment},
		Tags:  nostr.TagMap{"p": []string{ownerPubkey}},
		Until: timestamp(until),
		Limit: fb.limit(limit),
	}
}

// BuildIDsFilter looks up events by id
func (fb *FilterBuilder) BuildIDsFilter(ids []string) nostr.Filter {
	ids = sorted(ids)
	return nostr.Filter{IDs: ids, Limit: len(ids)}
}

// BuildAccountFilters asks for the replaceable lists of one account. Each
// kind carries its own since so unchanged lists are not sent again.
func (fb *FilterBuilder) BuildAccountFilters(pubkey string, since map[int]int64) nostr.Filters {
	filters := make(nostr.Filters, 0, len(accountKinds))
	for _, kind := range accountKinds {
		filters = append(filters, nostr.Filter{
			Kinds:   []int{kind},
			Authors: []string{pubkey},
			Since:   timestamp(since[kind]),
			Limit:   1,
		})
	}
	return filters
}

// BuildLatestFilter asks for the newest event of kind by each author
func (fb *FilterBuilder) BuildLatestFilter(kind int, authors []string) nostr.Filter {
	authors = sorted(authors)
	return nostr.Filter{
		Kinds:   []int{kind},
		Authors: authors,
		Limit:   len(authors),
	}
}

func (fb *FilterBuilder) limit(limit int) int {
	if limit > 0 {
		return limit
	}
	if fb.config != nil && fb.config.FeedPageSize > 0 {
		return fb.config.FeedPageSize
	}
	return 30
}
