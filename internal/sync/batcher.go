package sync

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dtonon/volare/internal/config"
	"github.com/dtonon/volare/internal/metrics"
	"github.com/dtonon/volare/internal/ops"
)

// Lookup sends one merged set of filters to a relay
type Lookup interface {
	Subscribe(ctx context.Context, relay string, filters nostr.Filters)
}

// keySet holds keys per relay
type keySet map[string]map[string]struct{}

func (s keySet) add(relay string, keys []string) {
	set, ok := s[relay]
	if !ok {
		set = make(map[string]struct{}, len(keys))
	}
	for _, k := range keys {
		if k != "" {
			set[k] = struct{}{}
		}
	}
	if len(set) > 0 {
		s[relay] = set
	}
}

func (s keySet) sorted() map[string][]string {
	out := make(map[string][]string, len(s))
	for relay, set := range s {
		keys := make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out[relay] = keys
	}
	return out
}

func hasKeys(keys []string) bool {
	for _, k := range keys {
		if k != "" {
			return true
		}
	}
	return false
}

// queue is a keySet guarded by its own mutex
type queue struct {
	mu    sync.Mutex
	items keySet
}

func newQueue() *queue {
	return &queue{items: keySet{}}
}

func (q *queue) add(relay string, keys []string) bool {
	if relay == "" || !hasKeys(keys) {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.add(relay, keys)
	return true
}

func (q *queue) drain() map[string][]string {
	q.mu.Lock()
	items := q.items
	q.items = keySet{}
	q.mu.Unlock()
	return items.sorted()
}

func (q *queue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// replyQueue keeps the ids to look up replies for and the pubkeys whose
// votes on them are wanted. Both sets change under one lock so a drain
// never separates votes from their ids.
type replyQueue struct {
	mu    sync.Mutex
	ids   keySet
	votes keySet
}

func newReplyQueue() *replyQueue {
	return &replyQueue{ids: keySet{}, votes: keySet{}}
}

func (q *replyQueue) add(relay string, ids, votePubkeys []string) bool {
	if relay == "" || !hasKeys(ids) {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids.add(relay, ids)
	q.votes.add(relay, votePubkeys)
	return true
}

func (q *replyQueue) drain() (ids, votes map[string][]string) {
	q.mu.Lock()
	idSet, voteSet := q.ids, q.votes
	q.ids, q.votes = keySet{}, keySet{}
	q.mu.Unlock()
	return idSet.sorted(), voteSet.sorted()
}

func (q *replyQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids) == 0 && len(q.votes) == 0
}

// Batcher coalesces individual lookups raised while rendering into one
// merged subscription per relay and window. Its background task runs only
// while there is work and is restarted by the next submission.
type Batcher struct {
	lookup  Lookup
	filters *FilterBuilder
	runtime *config.Runtime
	logger  *ops.Logger
	ctx     context.Context
	now     func() time.Time

	replies  *replyQueue
	profiles *queue

	running atomic.Bool
}

// NewBatcher creates a batcher. The background task stops with ctx.
func NewBatcher(ctx context.Context, lookup Lookup, filters *FilterBuilder, rt *config.Runtime, logger *ops.Logger) *Batcher {
	return &Batcher{
		lookup:   lookup,
		filters:  filters,
		runtime:  rt,
		logger:   logger.WithComponent("batcher"),
		ctx:      ctx,
		now:      time.Now,
		replies:  newReplyQueue(),
		profiles: newQueue(),
	}
}

// SubmitVotesAndReplies requests replies of ids on relay, and the votes on
// them by votePubkeys
func (b *Batcher) SubmitVotesAndReplies(relay string, ids, votePubkeys []string) {
	if !b.replies.add(relay, ids, votePubkeys) {
		return
	}
	b.start()
}

// SubmitProfiles requests the metadata of pubkeys on relay
func (b *Batcher) SubmitProfiles(relay string, pubkeys []string) {
	if !b.profiles.add(relay, pubkeys) {
		return
	}
	b.start()
}

// Running reports whether the background task is active
func (b *Batcher) Running() bool {
	return b.running.Load()
}

func (b *Batcher) start() {
	if b.running.CompareAndSwap(false, true) {
		ops.Go(b.logger, "batcher", b.loop)
	}
}

func (b *Batcher) loop() {
	for {
		timer := time.NewTimer(b.runtime.Get().CoalesceWindow)
		select {
		case <-b.ctx.Done():
			timer.Stop()
			b.running.Store(false)
			return
		case <-timer.C:
		}

		if b.flush() {
			metrics.BatcherWindows.WithLabelValues("flushed").Inc()
			continue
		}
		metrics.BatcherWindows.WithLabelValues("empty").Inc()

		b.running.Store(false)
		// A submission may have raced the store above
		if b.pending() && b.running.CompareAndSwap(false, true) {
			continue
		}
		return
	}
}

func (b *Batcher) pending() bool {
	return !b.replies.empty() || !b.profiles.empty()
}

// flush drains all queues and sends one subscription per relay. It reports
// whether anything was sent.
func (b *Batcher) flush() bool {
	ids, votes := b.replies.drain()
	profiles := b.profiles.drain()

	relays := make(map[string]struct{}, len(ids)+len(profiles))
	for r := range ids {
		relays[r] = struct{}{}
	}
	for r := range profiles {
		relays[r] = struct{}{}
	}
	if len(relays) == 0 {
		return false
	}

	until := b.now().Unix()
	for relay := range relays {
		filters := b.filters.BuildVotesAndRepliesFilters(ids[relay], votes[relay], 0)
		if pks := profiles[relay]; len(pks) > 0 {
			filters = append(filters, b.filters.BuildProfileFilter(pks, until))
		}
		if len(filters) == 0 {
			continue
		}
		metrics.BatcherFilters.Add(float64(len(filters)))
		b.logger.Debug("flushing batch",
			"relay", relay,
			"ids", len(ids[relay]),
			"vote_pubkeys", len(votes[relay]),
			"profiles", len(profiles[relay]))
		b.lookup.Subscribe(b.ctx, relay, filters)
	}
	return true
}
