package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/fiatjaf/eventstore"
	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/fiatjaf/khatru"
	"github.com/jmoiron/sqlx"
	"github.com/nbd-wtf/go-nostr"

	"github.com/dtonon/volare/internal/config"
	"github.com/dtonon/volare/internal/ops"
)

// Storage is the single durable writer of record. Raw events live in the
// eventstore backend behind a khatru relay; the relational tables used by
// the views share the same sqlite database.
type Storage struct {
	relay    *khatru.Relay
	backend  *sqlite3.SQLite3Backend
	db       *sqlx.DB
	config   *config.Storage
	notifier *Notifier
	logger   *ops.Logger
}

// New creates a new Storage instance with the given configuration
func New(ctx context.Context, cfg *config.Storage, logger *ops.Logger) (*Storage, error) {
	if logger == nil {
		logger = ops.Default()
	}
	s := &Storage{
		config:   cfg,
		notifier: NewNotifier(0),
		logger:   logger.WithComponent("storage"),
	}

	switch cfg.Driver {
	case "sqlite", "":
		if err := s.initSQLite(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	if err := s.runMigrations(ctx); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Relay returns the underlying khatru relay instance
func (s *Storage) Relay() *khatru.Relay {
	return s.relay
}

// DB returns the database shared by raw and relational tables
func (s *Storage) DB() *sqlx.DB {
	return s.db
}

// Notifier returns the change notifier
func (s *Storage) Notifier() *Notifier {
	return s.notifier
}

// StoreEvent stores a raw event. Replaceable kinds keep only the newest
// version per author.
func (s *Storage) StoreEvent(ctx context.Context, event *nostr.Event) error {
	if s.relay == nil {
		return fmt.Errorf("relay not initialized")
	}

	if nostr.IsReplaceableKind(event.Kind) {
		existing, err := s.QueryEvents(ctx, nostr.Filter{
			Authors: []string{event.PubKey},
			Kinds:   []int{event.Kind},
		})
		if err != nil {
			return err
		}
		for _, old := range existing {
			if old.CreatedAt >= event.CreatedAt {
				return nil
			}
		}
		for _, old := range existing {
			if err := s.deleteRaw(ctx, old); err != nil {
				return err
			}
		}
	}

	for _, handler := range s.relay.StoreEvent {
		if err := handler(ctx, event); err != nil {
			if errors.Is(err, eventstore.ErrDupEvent) {
				return nil
			}
			return fmt.Errorf("failed to store event: %w", err)
		}
	}

	return nil
}

// EventExists checks if a raw event is stored
func (s *Storage) EventExists(ctx context.Context, eventID string) (bool, error) {
	events, err := s.QueryEvents(ctx, nostr.Filter{IDs: []string{eventID}, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

// DeleteEvents removes raw events by id. Missing ids are ignored.
func (s *Storage) DeleteEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, chunk := range chunks(ids, 500) {
		events, err := s.QueryEvents(ctx, nostr.Filter{IDs: chunk})
		if err != nil {
			return fmt.Errorf("failed to query events before delete: %w", err)
		}
		for _, ev := range events {
			if err := s.deleteRaw(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Storage) deleteRaw(ctx context.Context, event *nostr.Event) error {
	for _, handler := range s.relay.DeleteEvent {
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("failed to delete event: %w", err)
		}
	}
	return nil
}

// QueryEvents queries raw events using nostr filters
func (s *Storage) QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if s.relay == nil {
		return nil, fmt.Errorf("relay not initialized")
	}
	if len(s.relay.QueryEvents) == 0 {
		return nil, fmt.Errorf("no query handlers configured")
	}

	ch, err := s.relay.QueryEvents[0](ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	var events []*nostr.Event
	for event := range ch {
		events = append(events, event)
	}
	return events, nil
}

// Close closes the storage connections
func (s *Storage) Close() error {
	s.notifier.Close()
	if s.backend != nil {
		s.backend.Close()
		return nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}

// countedTables are reported by TableCounts
var countedTables = []string{
	"main_event", "root_post", "legacy_reply", "comment", "vote",
	"event_relay", "nip65", "profile", "friend", "mute", "topic", "bookmark",
}

// TableCounts returns the row count of each relational table
func (s *Storage) TableCounts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(countedTables))
	for _, table := range countedTables {
		var n int64
		if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+table); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

func (s *Storage) changed(tables ...string) {
	s.notifier.Publish(tables...)
}

func chunks(values []string, size int) [][]string {
	var out [][]string
	for len(values) > size {
		out = append(out, values[:size])
		values = values[size:]
	}
	if len(values) > 0 {
		out = append(out, values)
	}
	return out
}
