// Package activity provides a SQLite-backed activity log. It is an
// observability sink only: sessions, caches, and rate-limit state stay in
// process memory and are never written here.
package activity

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"issuebridge/pkg/events"
	"issuebridge/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS activities (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	type        TEXT NOT NULL,
	action      TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	user_name   TEXT NOT NULL DEFAULT '',
	issue_id    TEXT NOT NULL DEFAULT '',
	issue_title TEXT NOT NULL DEFAULT '',
	project_id  TEXT NOT NULL DEFAULT '',
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(type);
CREATE INDEX IF NOT EXISTS idx_activities_issue ON activities(issue_id);
`

// Store writes activity records to SQLite and reads them back for the status
// endpoint. Construct one at startup and pass it down; it subscribes to the
// activity bus as an events.Observer.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// NewStore opens (and creates if needed) the activity database at path.
// Use ":memory:" for an ephemeral store.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open activity database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping activity database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize activity schema: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{
		db:     db,
		logger: logx.NewLogger("activity"),
	}, nil
}

// OnActivity persists one record. Satisfies events.Observer; write failures
// are logged, never surfaced, so a broken disk cannot stall event processing.
func (s *Store) OnActivity(activity events.Activity) {
	metadata := "{}"
	if len(activity.Metadata) > 0 {
		if data, err := json.Marshal(activity.Metadata); err == nil {
			metadata = string(data)
		}
	}

	ts := activity.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO activities (type, action, user_id, user_name, issue_id, issue_title, project_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, activity.Type, activity.Action, activity.UserID, activity.UserName,
		activity.IssueID, activity.IssueTitle, activity.ProjectID, metadata, ts.UTC())
	if err != nil {
		s.logger.Error("failed to record %s activity: %v", activity.Type, err)
	}
}

// Recent returns the newest records, most recent first.
func (s *Store) Recent(limit int) ([]events.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT type, action, user_id, user_name, issue_id, issue_title, project_id, metadata, created_at
		FROM activities
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []events.Activity
	for rows.Next() {
		var a events.Activity
		var metadata string
		if err := rows.Scan(&a.Type, &a.Action, &a.UserID, &a.UserName,
			&a.IssueID, &a.IssueTitle, &a.ProjectID, &metadata, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		if metadata != "" && metadata != "{}" {
			_ = json.Unmarshal([]byte(metadata), &a.Metadata)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read activities: %w", err)
	}
	return out, nil
}

// CountByType returns how many records exist per event type.
func (s *Store) CountByType() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT type, COUNT(*) FROM activities GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count activities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[typ] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read counts: %w", err)
	}
	return counts, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close activity database: %w", err)
	}
	return nil
}
