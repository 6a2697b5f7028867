package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/camsys/gtfs-realtime/internal/model"
)

const statusID = `(SELECT id FROM feed_status_types WHERE name = ?)`

// CreateFeed records one fetched raw snapshot. The instant selects the
// weekly provenance partition; for payloads that failed to decode the
// caller passes the fetch time.
func (s *SQLite) CreateFeed(ctx context.Context, feed *model.Feed, instant int64) error {
	table := tableName(tableFeeds, feed.ConfigurationID, instant)
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (configuration_id, kind, feed_timestamp, feed_status_type_id, feed_file, created_at)
		 VALUES (?, ?, ?, `+statusID+`, ?, ?)`,
		feed.ConfigurationID, feed.Kind, nullI64Ptr(feed.FeedTimestamp), feed.Status, feed.FeedFile, now,
	)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	feed.ID = id
	feed.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// ClaimFeed attempts the queued -> running transition. The claim is a
// single conditional update: it succeeds only if the row is still
// queued and no other row of the same (configuration, kind) is running,
// giving single-flight processing per configuration and kind.
func (s *SQLite) ClaimFeed(ctx context.Context, feed *model.Feed, instant int64) (bool, error) {
	table := tableName(tableFeeds, feed.ConfigurationID, instant)
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+`
		 SET feed_status_type_id = `+statusID+`
		 WHERE id = ? AND feed_status_type_id = `+statusID+`
		   AND NOT EXISTS (
		     SELECT 1 FROM `+table+` other
		     WHERE other.configuration_id = ? AND other.kind = ? AND other.id != ?
		       AND other.feed_status_type_id = `+statusID+`
		   )`,
		model.StatusRunning, feed.ID, model.StatusQueued,
		feed.ConfigurationID, feed.Kind, feed.ID, model.StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("claim feed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	feed.Status = model.StatusRunning
	return true, nil
}

// ResolveFeed moves a feed to a terminal status. Terminal rows are
// never reopened; resolving one is an error.
func (s *SQLite) ResolveFeed(ctx context.Context, feed *model.Feed, instant int64, status model.FeedStatus) error {
	table := tableName(tableFeeds, feed.ConfigurationID, instant)
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+`
		 SET feed_status_type_id = `+statusID+`
		 WHERE id = ? AND feed_status_type_id IN (`+statusID+`, `+statusID+`)`,
		status, feed.ID, model.StatusQueued, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("resolve feed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("resolve feed %d: row missing or already terminal", feed.ID)
	}
	feed.Status = status
	return nil
}

// ListFeeds returns provenance rows in the weekly partition containing
// instant, newest first, optionally filtered by status.
func (s *SQLite) ListFeeds(ctx context.Context, configurationID int64, instant int64, status model.FeedStatus) ([]model.Feed, error) {
	table := tableName(tableFeeds, configurationID, instant)
	ok, err := s.partitions.exists(ctx, table)
	if err != nil || !ok {
		return nil, err
	}

	query := `SELECT f.id, f.configuration_id, f.kind, f.feed_timestamp, t.name, f.feed_file, f.created_at
	          FROM ` + table + ` f JOIN feed_status_types t ON t.id = f.feed_status_type_id
	          WHERE f.configuration_id = ?`
	args := []any{configurationID}
	if status != "" {
		query += ` AND t.name = ?`
		args = append(args, status)
	}
	query += ` ORDER BY f.id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var feeds []model.Feed
	for rows.Next() {
		var f model.Feed
		var ts sql.NullInt64
		var statusName, created string
		if err := rows.Scan(&f.ID, &f.ConfigurationID, &f.Kind, &ts, &statusName, &f.FeedFile, &created); err != nil {
			return nil, fmt.Errorf("scan feed: %w", err)
		}
		if ts.Valid {
			v := ts.Int64
			f.FeedTimestamp = &v
		}
		f.Status = model.FeedStatus(statusName)
		f.CreatedAt, _ = time.Parse(timeLayout, created)
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// LatestFeedTimestamp returns the newest feed timestamp among
// provenance rows of the given kind and status, across all partitions
// of the configuration.
func (s *SQLite) LatestFeedTimestamp(ctx context.Context, configurationID int64, kind model.FeedKind, status model.FeedStatus) (int64, bool, error) {
	tables, err := s.partitions.listPartitions(ctx, tableFeeds, configurationID)
	if err != nil {
		return 0, false, err
	}
	for _, table := range tables {
		var maxTS sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			`SELECT MAX(feed_timestamp) FROM `+table+`
			 WHERE configuration_id = ? AND kind = ? AND feed_status_type_id = `+statusID,
			configurationID, kind, status,
		).Scan(&maxTS)
		if err != nil {
			return 0, false, fmt.Errorf("max provenance timestamp: %w", err)
		}
		if maxTS.Valid {
			return maxTS.Int64, true, nil
		}
	}
	return 0, false, nil
}

func nullI64Ptr(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
