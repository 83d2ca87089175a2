// Package view holds the state behind feed, profile and relay screens.
package view

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/dtonon/volare/internal/config"
	"github.com/dtonon/volare/internal/interactor"
	"github.com/dtonon/volare/internal/ops"
	"github.com/dtonon/volare/internal/storage"
	nsync "github.com/dtonon/volare/internal/sync"
	"github.com/dtonon/volare/internal/thread"
)

// FeedSubscriber requests feed pages from relays
type FeedSubscriber interface {
	SubFeed(ctx context.Context, setting storage.FeedSetting, until int64, limit int) error
}

// Identity exposes the active account
type Identity interface {
	Pubkey() string
}

// Item is a root post as shown in a feed
type Item struct {
	storage.RootPost
	Vote           interactor.Direction
	Tally          storage.Tally
	ReplyCount     int
	AuthorName     string
	AuthorFollowed bool
	Bookmarked     bool
}

// Paginator pages through one feed, newest first
type Paginator struct {
	storage    *storage.Storage
	subscriber FeedSubscriber
	identity   Identity
	overlays   thread.Overlays
	setting    storage.FeedSetting
	pageSize   int
	wait       time.Duration
	logger     *ops.Logger

	refreshing atomic.Bool
	appending  atomic.Bool
	moreRecent atomic.Bool

	mu          sync.Mutex
	posts       []storage.RootPost
	initialized bool
}

// NewPaginator creates a paginator for setting
func NewPaginator(st *storage.Storage, subscriber FeedSubscriber, identity Identity, overlays thread.Overlays, setting storage.FeedSetting, cfg *config.Sync, logger *ops.Logger) *Paginator {
	pageSize := cfg.FeedPageSize
	if pageSize <= 0 {
		pageSize = 30
	}
	wait := time.Duration(cfg.WaitTimeoutMs) * time.Millisecond
	if wait <= 0 {
		wait = 3 * time.Second
	}
	return &Paginator{
		storage:    st,
		subscriber: subscriber,
		identity:   identity,
		overlays:   overlays,
		setting:    setting,
		pageSize:   pageSize,
		wait:       wait,
		logger:     logger.WithComponent("paginator"),
	}
}

// Setting returns the feed this paginator shows
func (p *Paginator) Setting() storage.FeedSetting {
	return p.setting
}

// IsRefreshing reports whether the first page is being reloaded
func (p *Paginator) IsRefreshing() bool {
	return p.refreshing.Load()
}

// IsAppending reports whether an older page is being loaded
func (p *Paginator) IsAppending() bool {
	return p.appending.Load()
}

// HasMoreRecent reports whether posts newer than the first shown one were
// stored since the last refresh
func (p *Paginator) HasMoreRecent() bool {
	return p.moreRecent.Load()
}

// Init loads the first page once
func (p *Paginator) Init(ctx context.Context) error {
	p.mu.Lock()
	done := p.initialized
	p.mu.Unlock()
	if done {
		return nil
	}
	return p.Refresh(ctx)
}

// Refresh replaces the shown posts with the newest page. A refresh that is
// already running makes this a no-op.
func (p *Paginator) Refresh(ctx context.Context) error {
	if !p.refreshing.CompareAndSwap(false, true) {
		return nil
	}
	defer p.refreshing.Store(false)

	page, err := p.load(ctx, time.Now().Unix()+1)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.posts = page
	p.initialized = true
	p.mu.Unlock()
	p.moreRecent.Store(false)
	return nil
}

// Append loads the page older than the last shown post. It is skipped while
// a refresh or another append runs.
func (p *Paginator) Append(ctx context.Context) error {
	if p.refreshing.Load() || !p.appending.CompareAndSwap(false, true) {
		return nil
	}
	defer p.appending.Store(false)

	p.mu.Lock()
	until := time.Now().Unix() + 1
	if n := len(p.posts); n > 0 {
		// Same-second siblings of the last post are deduplicated below
		until = p.posts[n-1].CreatedAt + 1
	}
	p.mu.Unlock()

	page, err := p.load(ctx, until)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.posts = lo.UniqBy(append(p.posts, page...), func(r storage.RootPost) string { return r.ID })
	p.initialized = true
	p.mu.Unlock()
	return nil
}

func (p *Paginator) load(ctx context.Context, until int64) ([]storage.RootPost, error) {
	if err := p.subscriber.SubFeed(ctx, p.setting, until, p.pageSize); err != nil {
		p.logger.Warn("failed to subscribe feed page", "feed", p.setting.Kind, "error", err)
	}
	nsync.WaitFor(ctx, p.storage.Notifier(), p.wait, func(ctx context.Context) bool {
		posts, err := p.storage.GetFeed(ctx, p.setting, until, p.pageSize)
		return err == nil && len(posts) >= p.pageSize
	}, storage.TableMainEvent)
	return p.storage.GetFeed(ctx, p.setting, until, p.pageSize)
}

// Watch keeps HasMoreRecent current until ctx is done
func (p *Paginator) Watch(ctx context.Context) {
	changes := p.storage.Notifier().Subscribe(ctx, storage.TableMainEvent)
	ops.Go(p.logger, "paginator-watch", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				p.checkMoreRecent(ctx)
			}
		}
	})
}

func (p *Paginator) checkMoreRecent(ctx context.Context) {
	p.mu.Lock()
	var newest storage.RootPost
	if len(p.posts) > 0 {
		newest = p.posts[0]
	}
	p.mu.Unlock()
	if newest.ID == "" {
		return
	}

	latest, err := p.storage.GetFeed(ctx, p.setting, time.Now().Unix()+1, 1)
	if err != nil || len(latest) == 0 {
		return
	}
	if latest[0].ID != newest.ID && latest[0].CreatedAt >= newest.CreatedAt {
		p.moreRecent.Store(true)
	}
}

// Items returns the shown posts with their counters, names and the pending
// intents of the overlays applied
func (p *Paginator) Items(ctx context.Context) ([]Item, error) {
	p.mu.Lock()
	posts := append([]storage.RootPost(nil), p.posts...)
	p.mu.Unlock()
	return decorate(ctx, p.storage, p.identity.Pubkey(), p.overlays, posts)
}

func decorate(ctx context.Context, st *storage.Storage, me string, overlays thread.Overlays, posts []storage.RootPost) ([]Item, error) {
	if len(posts) == 0 {
		return []Item{}, nil
	}
	ids := lo.Map(posts, func(r storage.RootPost, _ int) string { return r.ID })
	pubkeys := lo.Uniq(lo.Map(posts, func(r storage.RootPost, _ int) string { return r.Pubkey }))

	myVotes, err := st.GetMyVotes(ctx, me, ids)
	if err != nil {
		return nil, err
	}
	tallies, err := st.GetVoteTallies(ctx, ids)
	if err != nil {
		return nil, err
	}
	counts, err := st.GetReplyCounts(ctx, ids)
	if err != nil {
		return nil, err
	}
	names, err := st.GetProfileNames(ctx, pubkeys)
	if err != nil {
		return nil, err
	}
	friends, err := st.GetList(ctx, storage.ListFriend, me)
	if err != nil {
		return nil, err
	}
	bookmarks, err := st.GetList(ctx, storage.ListBookmark, me)
	if err != nil {
		return nil, err
	}
	isFriend := lo.SliceToMap(friends, func(pk string) (string, bool) { return pk, true })
	isBookmark := lo.SliceToMap(bookmarks, func(id string) (string, bool) { return id, true })

	items := make([]Item, len(posts))
	for i, post := range posts {
		durable := interactor.Neutral
		if v, ok := myVotes[post.ID]; ok {
			durable = interactor.Down
			if v.Positive {
				durable = interactor.Up
			}
		}
		vote := durable
		if overlays.Votes != nil {
			vote = overlays.Votes.Resolve(post.ID, durable)
		}
		followed := isFriend[post.Pubkey]
		if overlays.Follows != nil {
			followed = overlays.Follows.Resolve(post.Pubkey, followed)
		}
		bookmarked := isBookmark[post.ID]
		if overlays.Bookmarks != nil {
			bookmarked = overlays.Bookmarks.Resolve(post.ID, bookmarked)
		}

		items[i] = Item{
			RootPost:       post,
			Vote:           vote,
			Tally:          interactor.ShiftTally(tallies[post.ID], durable, vote),
			ReplyCount:     counts[post.ID],
			AuthorName:     names[post.Pubkey],
			AuthorFollowed: followed,
			Bookmarked:     bookmarked,
		}
	}
	return items, nil
}
