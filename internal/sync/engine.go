package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dtonon/volare/internal/config"
	"github.com/dtonon/volare/internal/event"
	"github.com/dtonon/volare/internal/metrics"
	nostrclient "github.com/dtonon/volare/internal/nostr"
	"github.com/dtonon/volare/internal/ops"
	"github.com/dtonon/volare/internal/storage"
)

// Engine drains received events through the validator into storage
type Engine struct {
	storage   *storage.Storage
	validator *event.Validator
	source    <-chan nostrclient.RelayEvent
	workers   int
	logger    *ops.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an ingest engine reading from source
func NewEngine(st *storage.Storage, validator *event.Validator, source <-chan nostrclient.RelayEvent, cfg *config.Sync, logger *ops.Logger) *Engine {
	workers := 4
	if cfg != nil && cfg.Workers > 0 {
		workers = cfg.Workers
	}
	return &Engine{
		storage:   st,
		validator: validator,
		source:    source,
		workers:   workers,
		logger:    logger.WithComponent("ingest"),
	}
}

// Start launches the worker pool
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.logger.Info("starting ingest workers", "workers", e.workers)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i+1)
	}
}

// Stop stops the workers and waits for them to finish
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	processed := 0
	defer func() {
		e.logger.Debug("ingest worker stopped", "worker", id, "processed", processed)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case re, ok := <-e.source:
			if !ok {
				return
			}
			processed++
			if err := e.Process(ctx, re); err != nil {
				e.logger.Warn("failed to process event",
					"worker", id,
					"relay", re.Relay,
					"error", err)
			}
		}
	}
}

// Process validates one received event and writes it to storage
func (e *Engine) Process(ctx context.Context, re nostrclient.RelayEvent) error {
	if re.Event == nil {
		return nil
	}
	kind := fmt.Sprint(re.Event.Kind)

	v, err := e.validator.Validate(ctx, re.Relay, re.Event)
	switch {
	case errors.Is(err, event.ErrDuplicate):
		metrics.EventsIngested.WithLabelValues(kind, "duplicate").Inc()
		// Still record where it was seen
		return e.storage.InsertEventRelays(ctx, re.Relay, []string{re.Event.ID})
	case errors.Is(err, event.ErrUnsupportedKind):
		metrics.EventsIngested.WithLabelValues(kind, "unsupported").Inc()
		return nil
	case err != nil:
		metrics.EventsIngested.WithLabelValues(kind, "invalid").Inc()
		e.logger.Debug("rejected event", "relay", re.Relay, "id", re.Event.ID, "error", err)
		return nil
	}

	if err := e.apply(ctx, v); err != nil {
		e.validator.Forget(context.WithoutCancel(ctx), re.Event.ID)
		metrics.EventsIngested.WithLabelValues(kind, "error").Inc()
		return err
	}
	if err := e.storage.StoreEvent(ctx, re.Event); err != nil {
		e.validator.Forget(context.WithoutCancel(ctx), re.Event.ID)
		metrics.EventsIngested.WithLabelValues(kind, "error").Inc()
		return err
	}
	metrics.EventsIngested.WithLabelValues(kind, "stored").Inc()
	return nil
}

func (e *Engine) apply(ctx context.Context, v event.Validated) error {
	hdr := v.Meta()
	var err error

	switch ev := v.(type) {
	case event.RootPost:
		if err = e.storage.InsertRootPosts(ctx, []event.RootPost{ev}); err == nil {
			err = e.storage.InsertEventRelays(ctx, hdr.Relay, []string{hdr.ID})
		}
	case event.LegacyReply:
		if err = e.storage.InsertLegacyReplies(ctx, []event.LegacyReply{ev}); err == nil {
			err = e.storage.InsertEventRelays(ctx, hdr.Relay, []string{hdr.ID})
		}
	case event.Comment:
		if err = e.storage.InsertComments(ctx, []event.Comment{ev}); err == nil {
			err = e.storage.InsertEventRelays(ctx, hdr.Relay, []string{hdr.ID})
		}
	case event.Vote:
		_, err = e.storage.UpsertVote(ctx, ev)
	case event.ContactList:
		_, err = e.storage.UpsertList(ctx, storage.ListFriend, hdr.Pubkey, ev.Pubkeys, hdr.CreatedAt)
	case event.TopicList:
		_, err = e.storage.UpsertList(ctx, storage.ListTopic, hdr.Pubkey, ev.Topics, hdr.CreatedAt)
	case event.BookmarkList:
		_, err = e.storage.UpsertList(ctx, storage.ListBookmark, hdr.Pubkey, ev.EventIDs, hdr.CreatedAt)
	case event.MuteList:
		_, err = e.storage.UpsertMuteList(ctx, hdr.Pubkey, storage.MuteState{
			Pubkeys: ev.Pubkeys,
			Topics:  ev.Topics,
			Words:   ev.Words,
		}, hdr.CreatedAt)
	case event.RelayList:
		_, err = e.storage.UpsertRelayList(ctx, hdr.Pubkey, ev.Relays, hdr.CreatedAt)
	case event.Profile:
		_, err = e.storage.UpsertProfile(ctx, hdr.Pubkey, ev.Name, hdr.CreatedAt)
	case event.Deletion:
		err = e.storage.ApplyDeletion(ctx, hdr.Pubkey, ev.EventIDs)
	default:
		return fmt.Errorf("unhandled event variant %T", v)
	}

	if err != nil {
		return fmt.Errorf("failed to store %T %s: %w", v, hdr.ID, err)
	}
	return nil
}

// WaitFor blocks until cond reports true, re-checking after each change of
// tables, or until timeout. It reports whether cond was met.
func WaitFor(ctx context.Context, notifier *storage.Notifier, timeout time.Duration, cond func(context.Context) bool, tables ...string) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	changes := notifier.Subscribe(ctx, tables...)
	for {
		if cond(ctx) {
			return true
		}
		select {
		case <-ctx.Done():
			return cond(context.WithoutCancel(ctx))
		case <-changes:
		}
	}
}
