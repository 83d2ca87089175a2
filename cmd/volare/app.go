package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dtonon/volare/internal/account"
	"github.com/dtonon/volare/internal/config"
	"github.com/dtonon/volare/internal/event"
	"github.com/dtonon/volare/internal/interactor"
	"github.com/dtonon/volare/internal/metrics"
	nostrclient "github.com/dtonon/volare/internal/nostr"
	"github.com/dtonon/volare/internal/ops"
	"github.com/dtonon/volare/internal/relays"
	"github.com/dtonon/volare/internal/retention"
	"github.com/dtonon/volare/internal/storage"
	"github.com/dtonon/volare/internal/sync"
	"github.com/dtonon/volare/internal/thread"
	"github.com/dtonon/volare/internal/view"
)

// app holds every component of a running client
type app struct {
	cfg     *config.Config
	logger  *ops.Logger
	runtime *config.Runtime

	storage  *storage.Storage
	client   *nostrclient.Client
	ids      event.IDCache
	engine   *sync.Engine
	manager  *account.Manager
	selector *relays.Selector

	subscriber *sync.Subscriber
	lazy       *sync.LazySubscriber

	notices   *interactor.Notices
	voter     *interactor.Voter
	topics    *interactor.TopicFollower
	profiles  *interactor.ProfileFollower
	bookmarks *interactor.Bookmarker

	oldest    *retention.OldestUsed
	sweeper   *retention.Sweeper
	scheduler *retention.Scheduler

	threads  *thread.Provider
	switcher *account.Switcher

	feed        *view.Paginator
	profileView *view.ProfileView
	relayEditor *view.RelayEditor
	diagnostics *ops.DiagnosticsCollector
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func newApp(ctx context.Context, cfg *config.Config, logger *ops.Logger) (*app, error) {
	st, err := storage.New(ctx, &cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	ids, err := event.NewIDCache(&cfg.Caching)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize id cache: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		runtime: config.NewRuntime(cfg),
		storage: st,
		ids:     ids,
		manager: account.NewManager(nil),
		notices: interactor.NewNotices(32),
		oldest:  retention.NewOldestUsed(),
	}

	a.client = nostrclient.New(ctx, &cfg.Relays, a.runtime, logger)
	a.engine = sync.NewEngine(st, event.NewValidator(ids, logger), a.client.Events(), &cfg.Sync, logger)
	a.selector = relays.New(st, a.client, a.manager, a.runtime, &cfg.Selection, logger)

	filters := sync.NewFilterBuilder(&cfg.Sync)
	creator := sync.NewSubCreator(a.client, logger)
	batcher := sync.NewBatcher(ctx, creator, filters, a.runtime, logger)
	a.subscriber = sync.NewSubscriber(st, a.selector, a.manager, creator, batcher, filters, logger)
	a.lazy = sync.NewLazySubscriber(st, a.subscriber, a.manager, logger)

	service := nostrclient.NewService(a.client, a.manager, logger)
	voteDebounce, listDebounce := ms(cfg.Sync.VoteDebounceMs), ms(cfg.Sync.ListDebounceMs)
	a.voter = interactor.NewVoter(ctx, st, service, a.selector, a.manager, voteDebounce, a.notices, logger)
	a.topics = interactor.NewTopicFollower(ctx, st, service, a.selector, a.manager, listDebounce, cfg.Sync.MaxListKeys, a.notices, logger)
	a.profiles = interactor.NewProfileFollower(ctx, st, service, a.selector, a.manager, listDebounce, cfg.Sync.MaxListKeys, a.notices, logger)
	a.bookmarks = interactor.NewBookmarker(ctx, st, service, a.selector, a.manager, listDebounce, cfg.Sync.MaxListKeys, a.notices, logger)

	a.sweeper = retention.NewSweeper(st, a.oldest, a.runtime, logger, ids)
	if a.scheduler, err = retention.NewScheduler(a.sweeper, cfg.Retention.Cron, logger); err != nil {
		st.Close()
		return nil, err
	}

	overlays := thread.Overlays{
		Votes:     a.voter.Overlay(),
		Follows:   a.profiles.Overlay(),
		Bookmarks: a.bookmarks.Overlay(),
	}
	settle := ms(cfg.Sync.SettleDelayMs)
	a.threads = thread.NewProvider(st, a.subscriber, a.lazy, overlays, thread.NewCollapsed(), a.oldest, a.runtime, a.manager, settle, logger)

	a.switcher = account.NewSwitcher(a.manager, account.Deps{
		Transport: a.client,
		Store:     st,
		Caches:    []account.Cache{ids},
		Overlays:  []account.Resetter{a.voter, a.topics, a.profiles, a.bookmarks},
		Account:   a.lazy,
		Feed:      a.subscriber,
	}, settle, logger)

	a.feed = view.NewPaginator(st, a.subscriber, a.manager, overlays, storage.FeedSetting{Kind: storage.FeedHome}, &cfg.Sync, logger)
	a.profileView = view.NewProfileView(st, a.subscriber, a.selector, a.profiles.Overlay(), a.manager, &cfg.Sync, logger)
	a.relayEditor = view.NewRelayEditor(a.selector, service, st, a.manager, a.client.Statuses(), logger)
	a.diagnostics = ops.NewDiagnosticsCollector(version, commit, st, a.client, a.manager)
	return a, nil
}

// start launches the background tasks and activates the initial account
func (a *app) start(ctx context.Context) error {
	a.engine.Start(ctx)
	ops.Go(a.logger, "transport", func() { a.client.Run(ctx) })
	a.client.AddRelays(a.selector.Bootstrap())

	ops.Go(a.logger, "notices", func() { a.logNotices(ctx) })

	if a.cfg.Retention.SweepOnStart {
		a.sweeper.SweepAsync(ctx)
	}
	ops.Go(a.logger, "sweep-scheduler", func() { a.scheduler.Run(ctx) })

	if addr := a.cfg.Storage.RelayListen; addr != "" {
		ops.Go(a.logger, "local-relay", func() {
			if err := a.storage.ServeLocal(ctx, addr); err != nil {
				a.logger.Error("local relay stopped", "addr", addr, "error", err)
			}
		})
	}
	if addr := a.cfg.Metrics.Listen; addr != "" {
		ops.Go(a.logger, "metrics", func() {
			if err := metrics.Serve(ctx, addr); err != nil {
				a.logger.Error("metrics server stopped", "addr", addr, "error", err)
			}
		})
	}

	signer, err := a.initialSigner(ctx)
	if err != nil {
		return err
	}
	if err := a.switcher.SwitchTo(ctx, signer); err != nil {
		return fmt.Errorf("failed to activate account: %w", err)
	}
	a.feed.Watch(ctx)
	ops.Go(a.logger, "friends", func() { a.syncFriends(ctx) })
	return nil
}

// syncFriends fills gaps in the friends' data whenever the contact list
// changes
func (a *app) syncFriends(ctx context.Context) {
	changes := a.storage.Notifier().Subscribe(ctx, storage.TableFriend)
	for {
		if err := a.lazy.LazySubFriendsMissing(ctx); err != nil {
			a.logger.Warn("failed to request missing friend data", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-changes:
		}
	}
}

// initialSigner picks the account to start with: the configured secret
// key, the configured npub, the stored account, or a fresh key
func (a *app) initialSigner(ctx context.Context) (nostrclient.Signer, error) {
	switch {
	case a.cfg.Identity.Nsec != "":
		return nostrclient.SignerFromKey(a.cfg.Identity.Nsec)
	case a.cfg.Identity.Npub != "":
		return nostrclient.SignerFromKey(a.cfg.Identity.Npub)
	}

	stored, err := a.storage.GetAccount(ctx)
	switch {
	case err == nil && stored != "":
		a.logger.Warn("no key configured, using the stored account read-only", "pubkey", stored)
		return nostrclient.NewReadOnlySigner(stored)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to read stored account: %w", err)
	}

	signer := nostrclient.GenerateKeySigner()
	a.logger.Warn("no account configured, generated a throwaway key; set VOLARE_NSEC to keep an identity",
		"pubkey", signer.PublicKey())
	return signer, nil
}

func (a *app) logNotices(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-a.notices.C():
			a.logger.Warn("action failed", "action", n.Action, "target", n.Target, "error", n.Err)
		}
	}
}

func (a *app) close() {
	a.engine.Stop()
	a.client.Close()
	if err := a.storage.Close(); err != nil {
		a.logger.Error("failed to close storage", "error", err)
	}
}
