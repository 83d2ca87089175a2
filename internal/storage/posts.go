package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"github.com/dtonon/volare/internal/event"
)

type mainRow struct {
	hdr      event.Header
	content  string
	mentions []string
	topics   []string
}

func (s *Storage) insertMain(ctx context.Context, tx *sqlx.Tx, me string, row mainRow) (bool, error) {
	mentionsMe := me != "" && lo.Contains(row.mentions, me)
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO main_event (id, pubkey, created_at, content, mentions_me, relay_url)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.hdr.ID, row.hdr.Pubkey, row.hdr.CreatedAt, row.content, mentionsMe, row.hdr.Relay)
	if err != nil {
		return false, fmt.Errorf("failed to insert main event: %w", err)
	}
	if row.hdr.Relay != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO event_relay (event_id, relay_url) VALUES (?, ?)`,
			row.hdr.ID, row.hdr.Relay); err != nil {
			return false, fmt.Errorf("failed to insert event relay: %w", err)
		}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	for _, p := range lo.Uniq(row.mentions) {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO mention (event_id, pubkey) VALUES (?, ?)`, row.hdr.ID, p); err != nil {
			return false, fmt.Errorf("failed to insert mention: %w", err)
		}
	}
	for _, t := range lo.Uniq(row.topics) {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO hashtag (event_id, hashtag) VALUES (?, ?)`, row.hdr.ID, t); err != nil {
			return false, fmt.Errorf("failed to insert hashtag: %w", err)
		}
	}
	return true, nil
}

func (s *Storage) withTx(ctx context.Context, fn func(tx *sqlx.Tx, me string) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var me string
	if err := tx.GetContext(ctx, &me, `SELECT pubkey FROM account LIMIT 1`); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read account: %w", err)
	}

	if err := fn(tx, me); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// InsertRootPosts stores root posts, ignoring ones already present. The
// relay of each post is recorded even when the post is known.
func (s *Storage) InsertRootPosts(ctx context.Context, posts []event.RootPost) error {
	if len(posts) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx, me string) error {
		for _, p := range posts {
			inserted, err := s.insertMain(ctx, tx, me, mainRow{hdr: p.Header, content: p.Content, mentions: p.Mentions, topics: p.Topics})
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO root_post (id, subject) VALUES (?, ?)`, p.ID, p.Subject); err != nil {
				return fmt.Errorf("failed to insert root post: %w", err)
			}
		}
		return nil
	})
	if err == nil {
		s.changed(TableMainEvent, TableEventRelay)
	}
	return err
}

// InsertLegacyReplies stores kind 1 replies, ignoring ones already present
func (s *Storage) InsertLegacyReplies(ctx context.Context, replies []event.LegacyReply) error {
	if len(replies) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx, me string) error {
		for _, r := range replies {
			inserted, err := s.insertMain(ctx, tx, me, mainRow{hdr: r.Header, content: r.Content, mentions: r.Mentions})
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO legacy_reply (id, parent_id) VALUES (?, ?)`, r.ID, r.ParentID); err != nil {
				return fmt.Errorf("failed to insert legacy reply: %w", err)
			}
		}
		return nil
	})
	if err == nil {
		s.changed(TableMainEvent, TableEventRelay)
	}
	return err
}

// InsertComments stores kind 1111 comments, ignoring ones already present
func (s *Storage) InsertComments(ctx context.Context, comments []event.Comment) error {
	if len(comments) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx, me string) error {
		for _, c := range comments {
			inserted, err := s.insertMain(ctx, tx, me, mainRow{hdr: c.Header, content: c.Content, mentions: c.Mentions})
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}
			var parent any
			if c.ParentID != "" {
				parent = c.ParentID
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO comment (id, parent_id, parent_kind) VALUES (?, ?, ?)`,
				c.ID, parent, c.ParentKind); err != nil {
				return fmt.Errorf("failed to insert comment: %w", err)
			}
		}
		return nil
	})
	if err == nil {
		s.changed(TableMainEvent, TableEventRelay)
	}
	return err
}

// InsertEventRelays records that events were seen on a relay. Observations
// of events that are not stored are dropped.
func (s *Storage) InsertEventRelays(ctx context.Context, relay string, ids []string) error {
	if relay == "" || len(ids) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx, _ string) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO event_relay (event_id, relay_url)
				 SELECT id, ? FROM main_event WHERE id = ?`, relay, id); err != nil {
				return fmt.Errorf("failed to insert event relay: %w", err)
			}
		}
		return nil
	})
	if err == nil {
		s.changed(TableEventRelay)
	}
	return err
}

// ReindexMentions recomputes mentions_me for pubkey as the viewer
func (s *Storage) ReindexMentions(ctx context.Context, pubkey string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE main_event SET mentions_me = EXISTS (
			SELECT 1 FROM mention WHERE mention.event_id = main_event.id AND mention.pubkey = ?
		)`, pubkey); err != nil {
		return fmt.Errorf("failed to reindex mentions: %w", err)
	}
	s.changed(TableMainEvent)
	return nil
}

const rootPostColumns = `m.id, m.pubkey, m.created_at, m.content, m.mentions_me, m.relay_url, r.subject`

// GetRootPost returns one root post or ErrNotFound
func (s *Storage) GetRootPost(ctx context.Context, id string) (*RootPost, error) {
	var post RootPost
	err := s.db.GetContext(ctx, &post,
		`SELECT `+rootPostColumns+` FROM root_post r JOIN main_event m ON m.id = r.id WHERE r.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get root post: %w", err)
	}
	if err := s.attachTopics(ctx, []*RootPost{&post}); err != nil {
		return nil, err
	}
	return &post, nil
}

// GetMainEvent returns any stored post, reply or comment
func (s *Storage) GetMainEvent(ctx context.Context, id string) (*MainEvent, error) {
	var ev MainEvent
	err := s.db.GetContext(ctx, &ev,
		`SELECT id, pubkey, created_at, content, mentions_me, relay_url FROM main_event WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &ev, nil
}

// linkCTE unions reply and comment linkage into one parent relation
const linkCTE = `link(id, parent_id, parent_kind, is_comment) AS (
		SELECT id, parent_id, NULL, 0 FROM legacy_reply
		UNION ALL
		SELECT id, parent_id, parent_kind, 1 FROM comment WHERE parent_id IS NOT NULL
	)`

// GetThread returns every stored reply and comment linked below rootID.
// Replies whose parent chain is not stored yet are not part of the result.
func (s *Storage) GetThread(ctx context.Context, rootID string) ([]Reply, error) {
	var replies []Reply
	err := s.db.SelectContext(ctx, &replies,
		`WITH RECURSIVE `+linkCTE+`,
		tree(id) AS (
			SELECT id FROM link WHERE parent_id = ?
			UNION
			SELECT link.id FROM link JOIN tree ON link.parent_id = tree.id
		)
		SELECT m.id, m.pubkey, m.created_at, m.content, m.mentions_me, m.relay_url,
			l.parent_id, l.parent_kind, l.is_comment
		FROM tree
		JOIN link l ON l.id = tree.id
		JOIN main_event m ON m.id = tree.id
		ORDER BY m.created_at ASC, m.id ASC`, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return replies, nil
}

// GetReplies returns the direct replies and comments of parentIDs
func (s *Storage) GetReplies(ctx context.Context, parentIDs []string) ([]Reply, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`WITH `+linkCTE+`
		SELECT m.id, m.pubkey, m.created_at, m.content, m.mentions_me, m.relay_url,
			l.parent_id, l.parent_kind, l.is_comment
		FROM link l JOIN main_event m ON m.id = l.id
		WHERE l.parent_id IN (?)
		ORDER BY m.created_at ASC`, parentIDs)
	if err != nil {
		return nil, err
	}
	var replies []Reply
	if err := s.db.SelectContext(ctx, &replies, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get replies: %w", err)
	}
	return replies, nil
}

// GetParentID returns the parent of a reply or comment
func (s *Storage) GetParentID(ctx context.Context, id string) (string, error) {
	var parent sql.NullString
	err := s.db.GetContext(ctx, &parent,
		`WITH `+linkCTE+` SELECT parent_id FROM link WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get parent: %w", err)
	}
	return parent.String, nil
}

// GetReplyCounts counts the direct replies and comments of each id
func (s *Storage) GetReplyCounts(ctx context.Context, ids []string) (map[string]int, error) {
	counts := make(map[string]int, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}
	query, args, err := sqlx.In(
		`WITH `+linkCTE+` SELECT parent_id, COUNT(*) AS cnt FROM link WHERE parent_id IN (?) GROUP BY parent_id`, ids)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ParentID string `db:"parent_id"`
		Count    int    `db:"cnt"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to count replies: %w", err)
	}
	for _, r := range rows {
		counts[r.ParentID] = r.Count
	}
	return counts, nil
}

// GetFeed returns root posts of a feed created strictly before until,
// newest first. Muted authors are left out.
func (s *Storage) GetFeed(ctx context.Context, setting FeedSetting, until int64, limit int) ([]RootPost, error) {
	me, err := s.GetAccount(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var where string
	args := []any{}
	switch setting.Kind {
	case FeedHome:
		where = `(m.pubkey IN (SELECT value FROM friend WHERE owner = ?)
			OR m.id IN (SELECT h.event_id FROM hashtag h JOIN topic t ON t.value = h.hashtag WHERE t.owner = ?))`
		args = append(args, me, me)
	case FeedTopic:
		where = `m.id IN (SELECT event_id FROM hashtag WHERE hashtag = ?)`
		args = append(args, setting.Topic)
	case FeedInbox:
		where = `m.mentions_me = 1 AND m.pubkey != ?`
		args = append(args, me)
	case FeedBookmarks:
		where = `m.id IN (SELECT value FROM bookmark WHERE owner = ?)`
		args = append(args, me)
	default:
		return nil, fmt.Errorf("unknown feed kind %d", setting.Kind)
	}
	args = append(args, me, me, me, me, until, limit)

	// Own posts are exempt from topic and word mutes
	var posts []RootPost
	err = s.db.SelectContext(ctx, &posts,
		`SELECT `+rootPostColumns+`
		FROM root_post r JOIN main_event m ON m.id = r.id
		WHERE `+where+`
		AND m.pubkey NOT IN (SELECT value FROM mute WHERE owner = ?)
		AND (m.pubkey = ? OR (
			NOT EXISTS (SELECT 1 FROM hashtag h JOIN mute_topic mt ON mt.value = h.hashtag
				WHERE h.event_id = m.id AND mt.owner = ?)
			AND NOT EXISTS (SELECT 1 FROM mute_word w
				WHERE w.owner = ? AND instr(lower(m.content || ' ' || COALESCE(r.subject, '')), lower(w.value)) > 0)
		))
		AND m.created_at < ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}

	ptrs := make([]*RootPost, len(posts))
	for i := range posts {
		ptrs[i] = &posts[i]
	}
	if err := s.attachTopics(ctx, ptrs); err != nil {
		return nil, err
	}
	return posts, nil
}

// GetNewestCreatedAt returns the newest created_at of a post, reply or
// comment by any of authors, or 0
func (s *Storage) GetNewestCreatedAt(ctx context.Context, authors []string) (int64, error) {
	if len(authors) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`SELECT COALESCE(MAX(created_at), 0) FROM main_event WHERE pubkey IN (?)`, authors)
	if err != nil {
		return 0, err
	}
	var newest int64
	if err := s.db.GetContext(ctx, &newest, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to get newest event: %w", err)
	}
	return newest, nil
}

// GetNewestReplyCreatedAt returns the newest created_at among replies and
// comments below parentIDs, or 0
func (s *Storage) GetNewestReplyCreatedAt(ctx context.Context, parentIDs []string) (int64, error) {
	if len(parentIDs) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		`WITH `+linkCTE+` SELECT COALESCE(MAX(m.created_at), 0)
		FROM link l JOIN main_event m ON m.id = l.id WHERE l.parent_id IN (?)`, parentIDs)
	if err != nil {
		return 0, err
	}
	var newest int64
	if err := s.db.GetContext(ctx, &newest, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to get newest reply: %w", err)
	}
	return newest, nil
}

type hashtagRow struct {
	EventID string `db:"event_id"`
	Hashtag string `db:"hashtag"`
}

func (s *Storage) attachTopics(ctx context.Context, posts []*RootPost) error {
	if len(posts) == 0 {
		return nil
	}
	ids := lo.Map(posts, func(p *RootPost, _ int) string { return p.ID })
	query, args, err := sqlx.In(`SELECT event_id, hashtag FROM hashtag WHERE event_id IN (?) ORDER BY hashtag`, ids)
	if err != nil {
		return err
	}
	var rows []hashtagRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to get hashtags: %w", err)
	}
	byID := lo.GroupBy(rows, func(r hashtagRow) string { return r.EventID })
	for _, p := range posts {
		p.Topics = make([]string, 0, len(byID[p.ID]))
		for _, r := range byID[p.ID] {
			p.Topics = append(p.Topics, r.Hashtag)
		}
	}
	return nil
}
