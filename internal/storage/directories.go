package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	nostrclient "github.com/dtonon/volare/internal/nostr"
)

// UpsertRelayList replaces the directory of pubkey when createdAt is newer
// than the stored one. An empty list removes the directory.
func (s *Storage) UpsertRelayList(ctx context.Context, pubkey string, entries []nostrclient.RelayEntry, createdAt int64) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx *sqlx.Tx, _ string) error {
		newer, err := newerVersion(ctx, tx, pubkey, listNip65, createdAt)
		if err != nil || !newer {
			return err
		}
		applied = true

		if _, err := tx.ExecContext(ctx, `DELETE FROM nip65 WHERE pubkey = ?`, pubkey); err != nil {
			return fmt.Errorf("failed to clear relay list: %w", err)
		}
		for _, e := range entries {
			if e.URL == "" || (!e.Read && !e.Write) {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO nip65 (pubkey, url, is_read, is_write, created_at) VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (pubkey, url) DO UPDATE SET
					is_read = is_read OR excluded.is_read,
					is_write = is_write OR excluded.is_write`,
				pubkey, e.URL, e.Read, e.Write, createdAt); err != nil {
				return fmt.Errorf("failed to insert relay list entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.changed(TableNip65)
	}
	return applied, nil
}

// GetNip65 returns directory entries of pubkeys. With read or write set only
// entries carrying that flag are returned.
func (s *Storage) GetNip65(ctx context.Context, pubkeys []string, read, write bool) ([]Nip65Entry, error) {
	if len(pubkeys) == 0 {
		return nil, nil
	}
	q := `SELECT pubkey, url, is_read, is_write, created_at FROM nip65 WHERE pubkey IN (?)`
	if read {
		q += ` AND is_read = 1`
	}
	if write {
		q += ` AND is_write = 1`
	}
	q += ` ORDER BY pubkey, url`

	query, args, err := sqlx.In(q, pubkeys)
	if err != nil {
		return nil, err
	}
	var entries []Nip65Entry
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get relay lists: %w", err)
	}
	return entries, nil
}

// GetEventRelayAuthorView counts per author and relay how many of the
// author's stored events were observed there
func (s *Storage) GetEventRelayAuthorView(ctx context.Context, authors []string) ([]AuthorRelay, error) {
	if len(authors) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT m.pubkey, er.relay_url, COUNT(*) AS relay_count
		FROM event_relay er JOIN main_event m ON m.id = er.event_id
		WHERE m.pubkey IN (?)
		GROUP BY m.pubkey, er.relay_url
		ORDER BY relay_count DESC, er.relay_url`, authors)
	if err != nil {
		return nil, err
	}
	var rows []AuthorRelay
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get event relay view: %w", err)
	}
	return rows, nil
}

// GetEventRelays returns the relays an event was observed on
func (s *Storage) GetEventRelays(ctx context.Context, eventID string) ([]string, error) {
	urls := []string{}
	if err := s.db.SelectContext(ctx, &urls,
		`SELECT relay_url FROM event_relay WHERE event_id = ? ORDER BY relay_url`, eventID); err != nil {
		return nil, fmt.Errorf("failed to get event relays: %w", err)
	}
	return urls, nil
}

// GetAllEventRelays returns every relay any stored event was observed on
func (s *Storage) GetAllEventRelays(ctx context.Context) ([]string, error) {
	urls := []string{}
	if err := s.db.SelectContext(ctx, &urls,
		`SELECT DISTINCT relay_url FROM event_relay ORDER BY relay_url`); err != nil {
		return nil, fmt.Errorf("failed to get event relays: %w", err)
	}
	return urls, nil
}

// GetPopularRelays returns the relays declared by the most directories
func (s *Storage) GetPopularRelays(ctx context.Context, limit int) ([]RelayUsage, error) {
	var rows []RelayUsage
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT url, COUNT(*) AS cnt FROM nip65 GROUP BY url ORDER BY cnt DESC, url LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("failed to get popular relays: %w", err)
	}
	return rows, nil
}

// UpsertProfile stores the display name of pubkey if createdAt is newer
func (s *Storage) UpsertProfile(ctx context.Context, pubkey, name string, createdAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO profile (pubkey, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (pubkey) DO UPDATE SET name = excluded.name, created_at = excluded.created_at
		 WHERE excluded.created_at > profile.created_at`, pubkey, name, createdAt)
	if err != nil {
		return false, fmt.Errorf("failed to upsert profile: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.changed(TableProfile)
	}
	return n > 0, nil
}

// GetProfileNames returns the known names of pubkeys. Pubkeys without a
// stored profile are absent from the map.
func (s *Storage) GetProfileNames(ctx context.Context, pubkeys []string) (map[string]string, error) {
	names := make(map[string]string, len(pubkeys))
	if len(pubkeys) == 0 {
		return names, nil
	}
	query, args, err := sqlx.In(`SELECT pubkey, name FROM profile WHERE pubkey IN (?)`, pubkeys)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Pubkey string `db:"pubkey"`
		Name   string `db:"name"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get profiles: %w", err)
	}
	for _, r := range rows {
		names[r.Pubkey] = r.Name
	}
	return names, nil
}

// GetAccount returns the active identity or ErrNotFound
func (s *Storage) GetAccount(ctx context.Context) (string, error) {
	var pubkey string
	err := s.db.GetContext(ctx, &pubkey, `SELECT pubkey FROM account LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get account: %w", err)
	}
	return pubkey, nil
}

// SetAccount makes pubkey the single active identity
func (s *Storage) SetAccount(ctx context.Context, pubkey string) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx, _ string) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM account`); err != nil {
			return fmt.Errorf("failed to clear account: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO account (pubkey) VALUES (?)`, pubkey); err != nil {
			return fmt.Errorf("failed to set account: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.changed(TableAccount)
	return nil
}
