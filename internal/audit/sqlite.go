package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"postflow/internal/storage"
)

func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS activities (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  message TEXT NOT NULL,
  details TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activities_owner ON activities(owner_id, created_at);`)
	return err
}

// ActivityLog keeps events in the activities table.
type ActivityLog struct {
	db  *sql.DB
	now func() time.Time
}

func NewActivityLog(db *sql.DB) *ActivityLog {
	return &ActivityLog{db: db, now: time.Now}
}

func (l *ActivityLog) Record(ctx context.Context, e Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `INSERT INTO activities (id,owner_id,kind,message,details,created_at) VALUES (?,?,?,?,?,?)`,
		"act_"+uuid.NewString(), e.OwnerID, string(e.Kind), e.Message, string(raw), storage.FormatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// Recent returns the owner's latest events, newest first.
func (l *ActivityLog) Recent(ctx context.Context, ownerID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id,owner_id,kind,message,details,created_at FROM activities
WHERE owner_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                  Event
			kind, raw, created string
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &kind, &e.Message, &raw, &created); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		if err := json.Unmarshal([]byte(raw), &e.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
		if e.CreatedAt, err = storage.ParseTime(created); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByKind counts the owner's events recorded since the given time.
func (l *ActivityLog) CountByKind(ctx context.Context, ownerID string, since time.Time) (map[Kind]int, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT kind, COUNT(*) FROM activities WHERE owner_id=? AND created_at >= ? GROUP BY kind`,
		ownerID, storage.FormatTime(since))
	if err != nil {
		return nil, fmt.Errorf("count activities: %w", err)
	}
	defer rows.Close()
	counts := map[Kind]int{}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[Kind(kind)] = n
	}
	return counts, rows.Err()
}
