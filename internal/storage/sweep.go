package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
)

// SweepRootPosts keeps the newest threshold root posts and deletes older
// ones together with their reply trees. Root posts created at or after
// oldestInUse and the roots in protected are never deleted. It returns the
// number of deleted posts, replies and comments.
func (s *Storage) SweepRootPosts(ctx context.Context, threshold int, oldestInUse int64, protected []string) (int64, error) {
	if threshold < 1 {
		return 0, fmt.Errorf("threshold must be at least 1")
	}

	var deleted []string
	err := s.withTx(ctx, func(tx *sqlx.Tx, _ string) error {
		q := `SELECT id FROM (
				SELECT r.id, m.created_at FROM root_post r JOIN main_event m ON m.id = r.id
				ORDER BY m.created_at DESC, r.id DESC
				LIMIT -1 OFFSET ?
			) WHERE created_at < ?`
		args := []any{threshold, oldestInUse}
		if len(protected) > 0 {
			q += ` AND id NOT IN (?)`
			args = append(args, protected)
		}
		query, qargs, err := sqlx.In(q, args...)
		if err != nil {
			return err
		}
		var roots []string
		if err := tx.SelectContext(ctx, &roots, tx.Rebind(query), qargs...); err != nil {
			return fmt.Errorf("failed to select sweep candidates: %w", err)
		}

		skip := make(map[string]struct{}, len(protected))
		for _, id := range protected {
			skip[id] = struct{}{}
		}

		// Walk down one level at a time so each parent takes its subtree
		level := roots
		for len(level) > 0 {
			for _, id := range level {
				skip[id] = struct{}{}
			}
			var children []string
			for _, chunk := range chunks(level, 500) {
				query, qargs, err := sqlx.In(
					`WITH `+linkCTE+` SELECT id FROM link WHERE parent_id IN (?)`, chunk)
				if err != nil {
					return err
				}
				var ids []string
				if err := tx.SelectContext(ctx, &ids, tx.Rebind(query), qargs...); err != nil {
					return fmt.Errorf("failed to select descendants: %w", err)
				}
				for _, id := range ids {
					if _, ok := skip[id]; !ok {
						children = append(children, id)
					}
				}

				if err := deleteIn(ctx, tx, `DELETE FROM vote WHERE event_id IN (?)`, chunk); err != nil {
					return err
				}
				if err := deleteIn(ctx, tx, `DELETE FROM main_event WHERE id IN (?)`, chunk); err != nil {
					return err
				}
			}
			deleted = append(deleted, level...)
			level = lo.Uniq(children)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(deleted) == 0 {
		return 0, nil
	}

	s.changed(TableMainEvent, TableVote, TableEventRelay)

	// Raw copies are best effort; the relational rows are what views read
	if err := s.DeleteEvents(ctx, deleted); err != nil {
		s.logger.Warn("failed to delete raw events after sweep", "error", err)
	}
	return int64(len(deleted)), nil
}

func deleteIn(ctx context.Context, tx *sqlx.Tx, stmt string, ids []string) error {
	query, args, err := sqlx.In(stmt, ids)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to sweep: %w", err)
	}
	return nil
}
