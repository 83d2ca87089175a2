package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
)

// newerVersion reports whether createdAt is strictly newer than the stored
// version of list for owner, and records it when it is.
func newerVersion(ctx context.Context, tx *sqlx.Tx, owner string, list List, createdAt int64) (bool, error) {
	var current int64
	err := tx.GetContext(ctx, &current,
		`SELECT created_at FROM list_version WHERE owner = ? AND list = ?`, owner, string(list))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("failed to read list version: %w", err)
	case current >= createdAt:
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO list_version (owner, list, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (owner, list) DO UPDATE SET created_at = excluded.created_at`,
		owner, string(list), createdAt); err != nil {
		return false, fmt.Errorf("failed to write list version: %w", err)
	}
	return true, nil
}

func replaceMembers(ctx context.Context, tx *sqlx.Tx, list List, owner string, values []string, createdAt int64) error {
	table, ok := listTable[list]
	if !ok {
		return fmt.Errorf("unknown list %q", list)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	for _, v := range lo.Uniq(values) {
		if v == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO `+table+` (owner, value, created_at) VALUES (?, ?, ?)`,
			owner, v, createdAt); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}
	return nil
}

// UpsertList replaces the members of one of owner's lists if createdAt is
// newer than the stored version. Older writes are silently dropped.
func (s *Storage) UpsertList(ctx context.Context, list List, owner string, values []string, createdAt int64) (bool, error) {
	if _, ok := listTable[list]; !ok {
		return false, fmt.Errorf("unknown list %q", list)
	}
	applied := false
	err := s.withTx(ctx, func(tx *sqlx.Tx, _ string) error {
		newer, err := newerVersion(ctx, tx, owner, list, createdAt)
		if err != nil || !newer {
			return err
		}
		applied = true
		return replaceMembers(ctx, tx, list, owner, values, createdAt)
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.changed(notifyTable(list))
	}
	return applied, nil
}

// UpsertMuteList replaces the three parts of a mute list under one version
func (s *Storage) UpsertMuteList(ctx context.Context, owner string, state MuteState, createdAt int64) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx *sqlx.Tx, _ string) error {
		newer, err := newerVersion(ctx, tx, owner, ListMute, createdAt)
		if err != nil || !newer {
			return err
		}
		applied = true
		if err := replaceMembers(ctx, tx, ListMute, owner, state.Pubkeys, createdAt); err != nil {
			return err
		}
		if err := replaceMembers(ctx, tx, ListMuteTopic, owner, state.Topics, createdAt); err != nil {
			return err
		}
		return replaceMembers(ctx, tx, ListMuteWord, owner, state.Words, createdAt)
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.changed(TableMute)
	}
	return applied, nil
}

// GetList returns the members of one of owner's lists
func (s *Storage) GetList(ctx context.Context, list List, owner string) ([]string, error) {
	table, ok := listTable[list]
	if !ok {
		return nil, fmt.Errorf("unknown list %q", list)
	}
	values := []string{}
	if err := s.db.SelectContext(ctx, &values,
		`SELECT value FROM `+table+` WHERE owner = ? ORDER BY value`, owner); err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", table, err)
	}
	return values, nil
}

// GetListVersion returns the created_at of the stored list, false if the
// owner never published one
func (s *Storage) GetListVersion(ctx context.Context, list List, owner string) (int64, bool, error) {
	var createdAt int64
	err := s.db.GetContext(ctx, &createdAt,
		`SELECT created_at FROM list_version WHERE owner = ? AND list = ?`, owner, string(list))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get list version: %w", err)
	}
	return createdAt, true, nil
}

// GetMuteState returns everything owner muted
func (s *Storage) GetMuteState(ctx context.Context, owner string) (MuteState, error) {
	var state MuteState
	var err error
	if state.Pubkeys, err = s.GetList(ctx, ListMute, owner); err != nil {
		return state, err
	}
	if state.Topics, err = s.GetList(ctx, ListMuteTopic, owner); err != nil {
		return state, err
	}
	if state.Words, err = s.GetList(ctx, ListMuteWord, owner); err != nil {
		return state, err
	}
	return state, nil
}

// GetFriendsMissingList returns friends of owner for whom no version of
// list is stored
func (s *Storage) GetFriendsMissingList(ctx context.Context, owner string, list List) ([]string, error) {
	pubkeys := []string{}
	if err := s.db.SelectContext(ctx, &pubkeys,
		`SELECT f.value FROM friend f
		 WHERE f.owner = ?
		 AND NOT EXISTS (SELECT 1 FROM list_version v WHERE v.owner = f.value AND v.list = ?)
		 ORDER BY f.value`, owner, string(list)); err != nil {
		return nil, fmt.Errorf("failed to get friends missing %s: %w", list, err)
	}
	return pubkeys, nil
}

// GetFriendsMissingContactList returns friends whose follow list is unknown
func (s *Storage) GetFriendsMissingContactList(ctx context.Context, owner string) ([]string, error) {
	return s.GetFriendsMissingList(ctx, owner, ListFriend)
}

// GetFriendsMissingNip65 returns friends whose relay list is unknown
func (s *Storage) GetFriendsMissingNip65(ctx context.Context, owner string) ([]string, error) {
	return s.GetFriendsMissingList(ctx, owner, listNip65)
}

// GetFriendsMissingProfile returns friends without a stored profile
func (s *Storage) GetFriendsMissingProfile(ctx context.Context, owner string) ([]string, error) {
	pubkeys := []string{}
	if err := s.db.SelectContext(ctx, &pubkeys,
		`SELECT f.value FROM friend f
		 WHERE f.owner = ? AND f.value NOT IN (SELECT pubkey FROM profile)
		 ORDER BY f.value`, owner); err != nil {
		return nil, fmt.Errorf("failed to get friends missing profile: %w", err)
	}
	return pubkeys, nil
}
