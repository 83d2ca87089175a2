package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/samber/lo"

	"github.com/dtonon/volare/internal/config"
	"github.com/dtonon/volare/internal/interactor"
	"github.com/dtonon/volare/internal/ops"
	"github.com/dtonon/volare/internal/overlay"
	"github.com/dtonon/volare/internal/retention"
	"github.com/dtonon/volare/internal/storage"
)

// Subscriber requests missing thread data from relays
type Subscriber interface {
	SubPost(ctx context.Context, ref string) (string, error)
	SubParent(ctx context.Context, childID, parentID string) error
	SubVotesAndReplies(ctx context.Context, ids []string) error
	SubProfiles(ctx context.Context, pubkeys []string)
}

// LazySubscriber requests only what storage lacks
type LazySubscriber interface {
	LazySubRepliesAndVotes(ctx context.Context, parentID string) error
	LazySubUnknownProfiles(ctx context.Context, pubkeys []string) error
}

// Identity exposes the active account
type Identity interface {
	Pubkey() string
}

// Overlays are the pending intents applied to every node. Nil maps are
// skipped.
type Overlays struct {
	Votes     *overlay.Map[string, interactor.Direction]
	Follows   *overlay.Map[string, bool]
	Bookmarks *overlay.Map[string, bool]
}

var threadTables = []string{
	storage.TableMainEvent,
	storage.TableVote,
	storage.TableMute,
	storage.TableFriend,
	storage.TableBookmark,
	storage.TableProfile,
}

// Provider serves thread roots and their reply trees
type Provider struct {
	storage    *storage.Storage
	subscriber Subscriber
	lazy       LazySubscriber
	overlays   Overlays
	collapsed  *Collapsed
	oldest     *retention.OldestUsed
	runtime    *config.Runtime
	identity   Identity
	settle     time.Duration
	logger     *ops.Logger
}

// NewProvider creates a thread provider
func NewProvider(st *storage.Storage, subscriber Subscriber, lazy LazySubscriber, overlays Overlays, collapsed *Collapsed, oldest *retention.OldestUsed, rt *config.Runtime, identity Identity, settle time.Duration, logger *ops.Logger) *Provider {
	return &Provider{
		storage:    st,
		subscriber: subscriber,
		lazy:       lazy,
		overlays:   overlays,
		collapsed:  collapsed,
		oldest:     oldest,
		runtime:    rt,
		identity:   identity,
		settle:     settle,
		logger:     logger.WithComponent("thread"),
	}
}

// Collapsed returns the collapse state shared by all threads
func (p *Provider) Collapsed() *Collapsed {
	return p.collapsed
}

func eventID(ref string) (string, error) {
	if strings.HasPrefix(ref, "nevent1") || strings.HasPrefix(ref, "note1") {
		prefix, value, err := nip19.Decode(ref)
		if err != nil {
			return "", fmt.Errorf("invalid event reference: %w", err)
		}
		switch prefix {
		case "nevent":
			return value.(nostr.EventPointer).ID, nil
		case "note":
			return value.(string), nil
		}
	}
	if !nostr.IsValid32ByteHex(ref) {
		return "", fmt.Errorf("invalid event reference %q", ref)
	}
	return ref, nil
}

// Root returns the event ref points at, fetching it first when it is not
// stored. The returned handle keeps the root from being swept and must be
// closed when the view goes away. isInit asks only for replies and votes
// newer than the stored ones.
func (p *Provider) Root(ctx context.Context, ref string, isInit bool) (*storage.MainEvent, *retention.Handle, error) {
	id, err := eventID(ref)
	if err != nil {
		return nil, nil, err
	}

	root, err := p.storage.GetMainEvent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		if _, err := p.subscriber.SubPost(ctx, ref); err != nil {
			return nil, nil, err
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(p.settle):
		}
		root, err = p.storage.GetMainEvent(ctx, id)
	}
	if err != nil {
		return nil, nil, err
	}

	if p.runtime.Get().ShowAuthorNames {
		if err := p.lazy.LazySubUnknownProfiles(ctx, []string{root.Pubkey}); err != nil {
			p.logger.Debug("failed to request root author", "error", err)
		}
	}
	if isInit {
		err = p.lazy.LazySubRepliesAndVotes(ctx, id)
	} else {
		err = p.subscriber.SubVotesAndReplies(ctx, []string{id})
	}
	if err != nil {
		p.logger.Debug("failed to request replies", "root", id, "error", err)
	}

	return root, p.oldest.Open(id, root.CreatedAt), nil
}

// ParentAvailable reports whether the parent of replyID is stored. A missing
// parent is requested from relays.
func (p *Provider) ParentAvailable(ctx context.Context, replyID string) (bool, error) {
	parentID, err := p.storage.GetParentID(ctx, replyID)
	if err != nil {
		return false, err
	}
	if parentID == "" {
		return false, nil
	}
	_, err = p.storage.GetMainEvent(ctx, parentID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	p.logger.Info("parent not available yet, subscribing", "parent", parentID)
	return false, p.subscriber.SubParent(ctx, replyID, parentID)
}

// Snapshot computes the current tree below rootID
func (p *Provider) Snapshot(ctx context.Context, rootID, rootAuthor string) ([]Node, error) {
	all, err := p.storage.GetThread(ctx, rootID)
	if err != nil {
		return nil, err
	}
	me := p.identity.Pubkey()
	in := Input{
		RootID:     rootID,
		RootAuthor: rootAuthor,
		Me:         me,
		Collapsed:  p.collapsed.Snapshot(),
	}
	for _, r := range all {
		if r.IsComment {
			in.Comments = append(in.Comments, r)
		} else {
			in.Replies = append(in.Replies, r)
		}
	}

	ids := lo.Map(all, func(r storage.Reply, _ int) string { return r.ID })
	pubkeys := lo.Uniq(lo.Map(all, func(r storage.Reply, _ int) string { return r.Pubkey }))

	mutes, err := p.storage.GetMuteState(ctx, me)
	if err != nil {
		return nil, err
	}
	in.MutedPubkeys = lo.SliceToMap(mutes.Pubkeys, func(pk string) (string, bool) { return pk, true })
	in.MutedWords = mutes.Words

	if in.MyVotes, err = p.storage.GetMyVotes(ctx, me, ids); err != nil {
		return nil, err
	}
	if in.Tallies, err = p.storage.GetVoteTallies(ctx, ids); err != nil {
		return nil, err
	}
	if in.ReplyCounts, err = p.storage.GetReplyCounts(ctx, ids); err != nil {
		return nil, err
	}
	if in.Names, err = p.storage.GetProfileNames(ctx, pubkeys); err != nil {
		return nil, err
	}
	friends, err := p.storage.GetList(ctx, storage.ListFriend, me)
	if err != nil {
		return nil, err
	}
	in.Friends = lo.SliceToMap(friends, func(pk string) (string, bool) { return pk, true })
	bookmarks, err := p.storage.GetList(ctx, storage.ListBookmark, me)
	if err != nil {
		return nil, err
	}
	in.Bookmarks = lo.SliceToMap(bookmarks, func(id string) (string, bool) { return id, true })

	if p.overlays.Votes != nil {
		in.VoteIntents = p.overlays.Votes.Snapshot()
	}
	if p.overlays.Follows != nil {
		in.FollowIntents = p.overlays.Follows.Snapshot()
	}
	if p.overlays.Bookmarks != nil {
		in.BookmarkIntents = p.overlays.Bookmarks.Snapshot()
	}

	return Assemble(in), nil
}

// Replies streams the tree below rootID. A new snapshot is sent after any
// change of the stored thread, the overlays, the collapse state or the mute
// list; a slow reader only sees the latest one. The channel is closed when
// ctx is done.
func (p *Provider) Replies(ctx context.Context, rootID, rootAuthor string) <-chan []Node {
	out := make(chan []Node, 1)
	changes := p.storage.Notifier().Subscribe(ctx, threadTables...)
	collapsed := p.collapsed.Subscribe(ctx)
	var votes, follows, bookmarks <-chan struct{}
	if p.overlays.Votes != nil {
		votes = p.overlays.Votes.Subscribe(ctx)
	}
	if p.overlays.Follows != nil {
		follows = p.overlays.Follows.Subscribe(ctx)
	}
	if p.overlays.Bookmarks != nil {
		bookmarks = p.overlays.Bookmarks.Subscribe(ctx)
	}

	ops.Go(p.logger, "thread-replies", func() {
		defer close(out)
		requested := make(map[string]bool)

		recompute := func() {
			nodes, err := p.Snapshot(ctx, rootID, rootAuthor)
			if err != nil {
				p.logger.Warn("failed to assemble thread", "root", rootID, "error", err)
				return
			}
			p.requestMissing(ctx, nodes, requested)
			select {
			case <-out:
			default:
			}
			out <- nodes
		}

		recompute()
		for {
			var ok bool
			select {
			case <-ctx.Done():
				return
			case _, ok = <-changes:
			case _, ok = <-collapsed:
			case _, ok = <-votes:
			case _, ok = <-follows:
			case _, ok = <-bookmarks:
			}
			if !ok {
				return
			}
			recompute()
		}
	})
	return out
}

// requestMissing asks for votes and replies of nodes that became visible and
// for profiles of authors without a name, each once per stream
func (p *Provider) requestMissing(ctx context.Context, nodes []Node, requested map[string]bool) {
	var fresh []string
	for _, n := range nodes {
		if !requested[n.ID] {
			requested[n.ID] = true
			fresh = append(fresh, n.ID)
		}
	}
	if len(fresh) > 0 {
		if err := p.subscriber.SubVotesAndReplies(ctx, fresh); err != nil {
			p.logger.Debug("failed to request votes and replies", "error", err)
		}
	}

	if !p.runtime.Get().ShowAuthorNames {
		return
	}
	unnamed := lo.Uniq(lo.FilterMap(nodes, func(n Node, _ int) (string, bool) {
		key := "profile:" + n.Pubkey
		if n.AuthorName != "" || requested[key] {
			return "", false
		}
		requested[key] = true
		return n.Pubkey, true
	}))
	if len(unnamed) > 0 {
		p.subscriber.SubProfiles(ctx, unnamed)
	}
}
