package storage

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS account (
		pubkey TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS main_event (
		id TEXT PRIMARY KEY,
		pubkey TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		content TEXT NOT NULL,
		mentions_me INTEGER NOT NULL DEFAULT 0,
		relay_url TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_main_event_created ON main_event(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_main_event_pubkey ON main_event(pubkey)`,
	`CREATE TABLE IF NOT EXISTS root_post (
		id TEXT PRIMARY KEY REFERENCES main_event(id) ON DELETE CASCADE,
		subject TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS hashtag (
		event_id TEXT NOT NULL REFERENCES main_event(id) ON DELETE CASCADE,
		hashtag TEXT NOT NULL,
		PRIMARY KEY (event_id, hashtag)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hashtag ON hashtag(hashtag)`,
	`CREATE TABLE IF NOT EXISTS mention (
		event_id TEXT NOT NULL REFERENCES main_event(id) ON DELETE CASCADE,
		pubkey TEXT NOT NULL,
		PRIMARY KEY (event_id, pubkey)
	)`,
	// parent_id has no foreign key: children may arrive before their parent.
	// The sweep cascades to descendants explicitly.
	`CREATE TABLE IF NOT EXISTS legacy_reply (
		id TEXT PRIMARY KEY REFERENCES main_event(id) ON DELETE CASCADE,
		parent_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_legacy_reply_parent ON legacy_reply(parent_id)`,
	`CREATE TABLE IF NOT EXISTS comment (
		id TEXT PRIMARY KEY REFERENCES main_event(id) ON DELETE CASCADE,
		parent_id TEXT,
		parent_kind INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_comment_parent ON comment(parent_id)`,
	`CREATE TABLE IF NOT EXISTS vote (
		event_id TEXT NOT NULL,
		pubkey TEXT NOT NULL,
		id TEXT NOT NULL,
		is_positive INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (event_id, pubkey)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vote_created ON vote(created_at)`,
	`CREATE TABLE IF NOT EXISTS event_relay (
		event_id TEXT NOT NULL REFERENCES main_event(id) ON DELETE CASCADE,
		relay_url TEXT NOT NULL,
		PRIMARY KEY (event_id, relay_url)
	)`,
	`CREATE TABLE IF NOT EXISTS nip65 (
		pubkey TEXT NOT NULL,
		url TEXT NOT NULL,
		is_read INTEGER NOT NULL,
		is_write INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (pubkey, url)
	)`,
	`CREATE TABLE IF NOT EXISTS profile (
		pubkey TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS list_version (
		owner TEXT NOT NULL,
		list TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (owner, list)
	)`,
}

func init() {
	for _, table := range listTable {
		migrations = append(migrations, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		owner TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (owner, value)
	)`, table))
	}
}

// runMigrations creates the relational tables next to the eventstore schema
func (s *Storage) runMigrations(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
