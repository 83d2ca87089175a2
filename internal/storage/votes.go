package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/dtonon/volare/internal/event"
)

// UpsertVote stores a vote unless a vote of the same pubkey on the same
// event with an equal or newer created_at is already stored. It reports
// whether the vote was applied.
func (s *Storage) UpsertVote(ctx context.Context, v event.Vote) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO vote (event_id, pubkey, id, is_positive, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (event_id, pubkey) DO UPDATE SET
			id = excluded.id,
			is_positive = excluded.is_positive,
			created_at = excluded.created_at
		 WHERE excluded.created_at > vote.created_at`,
		v.EventID, v.Pubkey, v.ID, v.Positive, v.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to upsert vote: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.changed(TableVote)
	}
	return n > 0, nil
}

// DeleteVote removes the vote of pubkey on eventID
func (s *Storage) DeleteVote(ctx context.Context, eventID, pubkey string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM vote WHERE event_id = ? AND pubkey = ?`, eventID, pubkey); err != nil {
		return fmt.Errorf("failed to delete vote: %w", err)
	}
	s.changed(TableVote)
	return nil
}

// ApplyDeletion honours a deletion request: votes and posts listed in ids
// are removed when they were authored by author.
func (s *Storage) ApplyDeletion(ctx context.Context, author string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx, _ string) error {
		query, args, err := sqlx.In(`DELETE FROM vote WHERE pubkey = ? AND id IN (?)`, author, ids)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to delete votes: %w", err)
		}
		query, args, err = sqlx.In(`DELETE FROM main_event WHERE pubkey = ? AND id IN (?)`, author, ids)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to delete events: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.changed(TableVote, TableMainEvent)
	return nil
}

// GetVoteTallies sums up and down votes per event id
func (s *Storage) GetVoteTallies(ctx context.Context, ids []string) (map[string]Tally, error) {
	tallies := make(map[string]Tally, len(ids))
	if len(ids) == 0 {
		return tallies, nil
	}
	query, args, err := sqlx.In(
		`SELECT event_id,
			SUM(CASE WHEN is_positive = 1 THEN 1 ELSE 0 END) AS up,
			SUM(CASE WHEN is_positive = 0 THEN 1 ELSE 0 END) AS down
		FROM vote WHERE event_id IN (?) GROUP BY event_id`, ids)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		EventID string `db:"event_id"`
		Up      int    `db:"up"`
		Down    int    `db:"down"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get vote tallies: %w", err)
	}
	for _, r := range rows {
		tallies[r.EventID] = Tally{Up: r.Up, Down: r.Down}
	}
	return tallies, nil
}

// GetMyVotes returns the stored votes of pubkey on ids, keyed by event id
func (s *Storage) GetMyVotes(ctx context.Context, pubkey string, ids []string) (map[string]Vote, error) {
	votes := make(map[string]Vote, len(ids))
	if pubkey == "" || len(ids) == 0 {
		return votes, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, event_id, pubkey, is_positive, created_at FROM vote WHERE pubkey = ? AND event_id IN (?)`, pubkey, ids)
	if err != nil {
		return nil, err
	}
	var rows []Vote
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get votes: %w", err)
	}
	for _, v := range rows {
		votes[v.EventID] = v
	}
	return votes, nil
}

// GetMyVote returns the vote of pubkey on eventID or ErrNotFound
func (s *Storage) GetMyVote(ctx context.Context, pubkey, eventID string) (*Vote, error) {
	votes, err := s.GetMyVotes(ctx, pubkey, []string{eventID})
	if err != nil {
		return nil, err
	}
	v, ok := votes[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

// GetNewestVoteCreatedAt returns the newest vote on any of ids, or 0
func (s *Storage) GetNewestVoteCreatedAt(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`SELECT COALESCE(MAX(created_at), 0) FROM vote WHERE event_id IN (?)`, ids)
	if err != nil {
		return 0, err
	}
	var newest int64
	if err := s.db.GetContext(ctx, &newest, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to get newest vote: %w", err)
	}
	return newest, nil
}
