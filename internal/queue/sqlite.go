package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"postflow/internal/domain"
	"postflow/internal/storage"
)

// DefaultBatchSize caps how many due tasks one poll cycle may take.
const DefaultBatchSize = 100

// StaleReason is recorded on tasks reconciled out of processing.
const StaleReason = "interrupted: processing did not complete"

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  content_ref TEXT NOT NULL,
  platform TEXT NOT NULL,
  account_ref TEXT,
  scheduled_for TEXT NOT NULL,
  publish_at TEXT,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','posted','failed','skipped','scheduled_remote')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  remote_post_ref TEXT,
  remote_scheduled_for TEXT,
  posted_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, scheduled_for);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, scheduled_for);
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  started_at TEXT NOT NULL,
  finished_at TEXT,
  outcome TEXT,
  error TEXT,
  FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON task_attempts(task_id, attempt);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  account_ref TEXT,
  weekdays TEXT NOT NULL,
  times_of_day TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_key ON schedules(owner_id, platform, COALESCE(account_ref, ''));
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the queue store. All task mutation goes through Enqueue,
// Transition, Requeue and Remove so the pending->processing gate has a
// single enforcement point.
type Repository interface {
	Enqueue(ctx context.Context, t NewTask) (domain.QueueTask, error)
	Get(ctx context.Context, id string) (domain.QueueTask, error)
	Remove(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string, f ListFilter) ([]domain.QueueTask, error)
	DueTasks(ctx context.Context, now time.Time, limit int) ([]domain.QueueTask, error)
	Transition(ctx context.Context, id string, to domain.Status, opts TransitionOptions) (domain.QueueTask, error)
	Requeue(ctx context.Context, id string, at *time.Time) (domain.QueueTask, error)
	Stats(ctx context.Context, ownerID string) (map[domain.Status]int, error)
	StatusCounts(ctx context.Context) (map[domain.Status]int, error)
	ListAttempts(ctx context.Context, taskID string) ([]domain.TaskAttempt, error)
	LatestScheduled(ctx context.Context, ownerID string, platform domain.Platform, accountRef *string) (*time.Time, error)
	RecoverStale(ctx context.Context, now time.Time, staleAfter time.Duration) ([]domain.QueueTask, error)

	// Schedule operations
	UpsertSchedule(ctx context.Context, s domain.RecurringSchedule) (domain.RecurringSchedule, bool, error)
	GetSchedule(ctx context.Context, id string) (domain.RecurringSchedule, error)
	FindSchedule(ctx context.Context, ownerID string, platform domain.Platform, accountRef *string) (domain.RecurringSchedule, error)
	ListSchedules(ctx context.Context, ownerID string, platform *domain.Platform) ([]domain.RecurringSchedule, error)
	EnabledSchedules(ctx context.Context, ownerID string, platform *domain.Platform) ([]domain.RecurringSchedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

type NewTask struct {
	OwnerID      string
	ContentRef   string
	Platform     domain.Platform
	AccountRef   *string
	ScheduledFor time.Time
	PublishAt    *time.Time
}

func (t NewTask) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.OwnerID, validation.Required),
		validation.Field(&t.ContentRef, validation.Required),
		validation.Field(&t.Platform, validation.Required),
		validation.Field(&t.ScheduledFor, validation.Required),
	)
}

type ListFilter struct {
	Platform *domain.Platform
	Status   *domain.Status
	Limit    int
}

// TransitionOptions carries the optional fields a transition may record.
type TransitionOptions struct {
	Error              *string
	RemotePostRef      *string
	RemoteScheduledFor *time.Time
	ScheduledFor       *time.Time // only honoured when re-entering pending
}

type SQLiteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo {
	return &SQLiteRepo{db: db, now: time.Now}
}

// WithClock replaces the repository's time source.
func (r *SQLiteRepo) WithClock(now func() time.Time) *SQLiteRepo {
	r.now = now
	return r
}

const taskColumns = `id,owner_id,content_ref,platform,account_ref,scheduled_for,publish_at,status,attempts,last_error,remote_post_ref,remote_scheduled_for,posted_at,created_at,updated_at`

func (r *SQLiteRepo) Enqueue(ctx context.Context, t NewTask) (domain.QueueTask, error) {
	if err := t.Validate(); err != nil {
		return domain.QueueTask{}, fmt.Errorf("enqueue: %w", err)
	}
	id := "tsk_" + uuid.NewString()
	now := storage.FormatTime(r.now())
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,owner_id,content_ref,platform,account_ref,scheduled_for,publish_at,status,attempts,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,'pending',0,?,?)
`, id, t.OwnerID, t.ContentRef, string(t.Platform), storage.NullableString(t.AccountRef),
		storage.FormatTime(t.ScheduledFor), storage.NullableTime(t.PublishAt), now, now)
	if err != nil {
		return domain.QueueTask{}, fmt.Errorf("insert task: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *SQLiteRepo) Get(ctx context.Context, id string) (domain.QueueTask, error) {
	return getTask(ctx, r.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTask(ctx context.Context, q queryRower, id string) (domain.QueueTask, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueTask{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return t, err
}

// Remove deletes a task regardless of its status.
func (r *SQLiteRepo) Remove(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepo) ListByOwner(ctx context.Context, ownerID string, f ListFilter) ([]domain.QueueTask, error) {
	where := []string{"owner_id=?"}
	args := []any{ownerID}
	if f.Platform != nil {
		where = append(where, "platform=?")
		args = append(args, string(*f.Platform))
	}
	if f.Status != nil {
		where = append(where, "status=?")
		args = append(args, string(*f.Status))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") + ` ORDER BY scheduled_for ASC, created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, query, args...)
}

// DueTasks returns pending tasks scheduled at or before now, oldest first.
func (r *SQLiteRepo) DueTasks(ctx context.Context, now time.Time, limit int) ([]domain.QueueTask, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	return r.queryTasks(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE status='pending' AND scheduled_for <= ?
ORDER BY scheduled_for ASC, created_at ASC
LIMIT ?`, storage.FormatTime(now), limit)
}

func (r *SQLiteRepo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.QueueTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.QueueTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Transition moves a task to status to. The update is conditional on the
// status read inside the same transaction, so of two concurrent callers
// moving a pending task to processing exactly one succeeds; the other gets
// ErrTransitionConflict.
func (r *SQLiteRepo) Transition(ctx context.Context, id string, to domain.Status, opts TransitionOptions) (t domain.QueueTask, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueTask{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cur, err := getTask(ctx, tx, id)
	if err != nil {
		return domain.QueueTask{}, err
	}
	if !domain.CanTransition(cur.Status, to) {
		if cur.Status == to || (to == domain.StatusProcessing && cur.Status != domain.StatusPending) {
			err = fmt.Errorf("task %s is %s: %w", id, cur.Status, domain.ErrTransitionConflict)
		} else {
			err = fmt.Errorf("task %s %s -> %s: %w", id, cur.Status, to, domain.ErrInvalidTransition)
		}
		return domain.QueueTask{}, err
	}

	now := storage.FormatTime(r.now())
	sets := []string{"status=?", "updated_at=?"}
	args := []any{string(to), now}
	switch to {
	case domain.StatusProcessing:
		sets = append(sets, "attempts=attempts+1", "last_error=NULL")
	case domain.StatusPosted:
		sets = append(sets, "posted_at=?")
		args = append(args, now)
	case domain.StatusScheduledRemote:
		if opts.RemoteScheduledFor != nil {
			sets = append(sets, "remote_scheduled_for=?")
			args = append(args, storage.FormatTime(*opts.RemoteScheduledFor))
		}
	case domain.StatusPending:
		if opts.ScheduledFor != nil {
			sets = append(sets, "scheduled_for=?")
			args = append(args, storage.FormatTime(*opts.ScheduledFor))
		}
	}
	if opts.Error != nil {
		sets = append(sets, "last_error=?")
		args = append(args, *opts.Error)
	}
	if opts.RemotePostRef != nil {
		sets = append(sets, "remote_post_ref=?")
		args = append(args, *opts.RemotePostRef)
	}
	args = append(args, id, string(cur.Status))

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id=? AND status=?`, args...)
	if err != nil {
		return domain.QueueTask{}, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = fmt.Errorf("task %s: %w", id, domain.ErrTransitionConflict)
		return domain.QueueTask{}, err
	}

	switch {
	case to == domain.StatusProcessing:
		_, err = tx.ExecContext(ctx, `INSERT INTO task_attempts(task_id, attempt, started_at) VALUES (?,?,?)`,
			id, cur.Attempts+1, now)
	case cur.Status == domain.StatusProcessing:
		_, err = tx.ExecContext(ctx, `
UPDATE task_attempts SET finished_at=?, outcome=?, error=?
WHERE task_id=? AND attempt=? AND finished_at IS NULL`,
			now, string(to), storage.NullableString(opts.Error), id, cur.Attempts)
	}
	if err != nil {
		return domain.QueueTask{}, fmt.Errorf("record attempt: %w", err)
	}

	if t, err = getTask(ctx, tx, id); err != nil {
		return domain.QueueTask{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.QueueTask{}, err
	}
	return t, nil
}

// Requeue puts a failed task back to pending, optionally at a new time.
func (r *SQLiteRepo) Requeue(ctx context.Context, id string, at *time.Time) (domain.QueueTask, error) {
	return r.Transition(ctx, id, domain.StatusPending, TransitionOptions{ScheduledFor: at})
}

func (r *SQLiteRepo) Stats(ctx context.Context, ownerID string) (map[domain.Status]int, error) {
	return r.countByStatus(ctx, `SELECT status, COUNT(*) FROM tasks WHERE owner_id=? GROUP BY status`, ownerID)
}

// StatusCounts is Stats across every owner.
func (r *SQLiteRepo) StatusCounts(ctx context.Context) (map[domain.Status]int, error) {
	return r.countByStatus(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
}

func (r *SQLiteRepo) countByStatus(ctx context.Context, query string, args ...any) (map[domain.Status]int, error) {
	counts := make(map[domain.Status]int, len(domain.AllStatuses))
	for _, s := range domain.AllStatuses {
		counts[s] = 0
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

func (r *SQLiteRepo) ListAttempts(ctx context.Context, taskID string) ([]domain.TaskAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,attempt,started_at,finished_at,outcome,error
FROM task_attempts WHERE task_id=? ORDER BY attempt ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.TaskAttempt
	for rows.Next() {
		var (
			a        domain.TaskAttempt
			started  string
			finished sql.NullString
			outcome  sql.NullString
			errMsg   sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Attempt, &started, &finished, &outcome, &errMsg); err != nil {
			return nil, err
		}
		if a.StartedAt, err = storage.ParseTime(started); err != nil {
			return nil, err
		}
		if a.FinishedAt, err = storage.TimePtr(finished); err != nil {
			return nil, err
		}
		if outcome.Valid {
			st := domain.Status(outcome.String)
			a.Outcome = &st
		}
		a.Error = storage.StringPtr(errMsg)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// LatestScheduled returns the latest scheduled_for among open tasks for the
// destination, or nil when there are none.
func (r *SQLiteRepo) LatestScheduled(ctx context.Context, ownerID string, platform domain.Platform, accountRef *string) (*time.Time, error) {
	var latest sql.NullString
	err := r.db.QueryRowContext(ctx, `
SELECT MAX(scheduled_for) FROM tasks
WHERE owner_id=? AND platform=? AND account_ref IS ? AND status IN ('pending','processing')`,
		ownerID, string(platform), storage.NullableString(accountRef)).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("latest scheduled: %w", err)
	}
	return storage.TimePtr(latest)
}

// RecoverStale fails tasks left in processing for longer than staleAfter,
// typically by a process that died mid-dispatch.
func (r *SQLiteRepo) RecoverStale(ctx context.Context, now time.Time, staleAfter time.Duration) ([]domain.QueueTask, error) {
	stale, err := r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status='processing' AND updated_at < ?
ORDER BY updated_at ASC`, storage.FormatTime(now.Add(-staleAfter)))
	if err != nil {
		return nil, err
	}

	var recovered []domain.QueueTask
	for _, t := range stale {
		updated, err := r.Transition(ctx, t.ID, domain.StatusFailed, TransitionOptions{Error: domain.Ptr(StaleReason)})
		if errors.Is(err, domain.ErrTransitionConflict) {
			continue // finished in the meantime
		}
		if err != nil {
			return recovered, err
		}
		recovered = append(recovered, updated)
	}
	return recovered, nil
}

func scanTask(s storage.Scanner) (domain.QueueTask, error) {
	var (
		t                                    domain.QueueTask
		platform, status                     string
		accountRef, lastError, remotePostRef sql.NullString
		publishAt, remoteScheduled, postedAt sql.NullString
		scheduledFor, createdAt, updatedAt   string
	)
	if err := s.Scan(&t.ID, &t.OwnerID, &t.ContentRef, &platform, &accountRef, &scheduledFor, &publishAt,
		&status, &t.Attempts, &lastError, &remotePostRef, &remoteScheduled, &postedAt, &createdAt, &updatedAt); err != nil {
		return domain.QueueTask{}, err
	}
	t.Platform = domain.Platform(platform)
	t.Status = domain.Status(status)
	t.AccountRef = storage.StringPtr(accountRef)
	t.LastError = storage.StringPtr(lastError)
	t.RemotePostRef = storage.StringPtr(remotePostRef)

	var err error
	if t.ScheduledFor, err = storage.ParseTime(scheduledFor); err != nil {
		return domain.QueueTask{}, err
	}
	if t.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return domain.QueueTask{}, err
	}
	if t.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return domain.QueueTask{}, err
	}
	if t.PublishAt, err = storage.TimePtr(publishAt); err != nil {
		return domain.QueueTask{}, err
	}
	if t.RemoteScheduledFor, err = storage.TimePtr(remoteScheduled); err != nil {
		return domain.QueueTask{}, err
	}
	if t.PostedAt, err = storage.TimePtr(postedAt); err != nil {
		return domain.QueueTask{}, err
	}
	return t, nil
}
