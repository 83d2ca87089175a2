package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/fiatjaf/khatru"
	_ "github.com/mattn/go-sqlite3"
)

func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
}

// initSQLite opens the eventstore backend and registers its handlers on a
// fresh khatru relay. The relational tables reuse the backend's connection.
func (s *Storage) initSQLite(ctx context.Context) error {
	if s.config.SQLitePath == "" {
		return fmt.Errorf("sqlite_path is required")
	}
	if dir := filepath.Dir(s.config.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	backend := &sqlite3.SQLite3Backend{DatabaseURL: sqliteDSN(s.config.SQLitePath)}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	if err := backend.DB.PingContext(ctx); err != nil {
		backend.Close()
		return fmt.Errorf("failed to reach event store: %w", err)
	}

	relay := khatru.NewRelay()
	relay.StoreEvent = append(relay.StoreEvent, backend.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, backend.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, backend.DeleteEvent)
	relay.CountEvents = append(relay.CountEvents, backend.CountEvents)

	s.backend = backend
	s.relay = relay
	s.db = backend.DB
	return nil
}
