package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"postflow/internal/domain"
	"postflow/internal/schedule"
	"postflow/internal/storage"
)

const scheduleColumns = `id,owner_id,platform,account_ref,weekdays,times_of_day,enabled,created_at,updated_at`

// UpsertSchedule stores s keyed by (owner, platform, accountRef), replacing
// the weekdays, times and enabled flag of an existing row. The boolean
// reports whether a new row was created.
func (r *SQLiteRepo) UpsertSchedule(ctx context.Context, s domain.RecurringSchedule) (out domain.RecurringSchedule, created bool, err error) {
	if err := schedule.Validate(s); err != nil {
		return domain.RecurringSchedule{}, false, err
	}
	s = schedule.Normalize(s)
	days, _ := json.Marshal(s.Weekdays)
	times, _ := json.Marshal(s.TimesOfDay)
	now := storage.FormatTime(r.now())

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.RecurringSchedule{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM schedules WHERE owner_id=? AND platform=? AND account_ref IS ?`,
		s.OwnerID, string(s.Platform), storage.NullableString(s.AccountRef)).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = "sch_" + uuid.NewString()
		created = true
		_, err = tx.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?)`, id, s.OwnerID, string(s.Platform), storage.NullableString(s.AccountRef),
			string(days), string(times), s.Enabled, now, now)
	case err == nil:
		_, err = tx.ExecContext(ctx, `
UPDATE schedules SET weekdays=?, times_of_day=?, enabled=?, updated_at=? WHERE id=?`,
			string(days), string(times), s.Enabled, now, id)
	}
	if err != nil {
		return domain.RecurringSchedule{}, false, fmt.Errorf("upsert schedule: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	if out, err = scanSchedule(row); err != nil {
		return domain.RecurringSchedule{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return domain.RecurringSchedule{}, false, err
	}
	return out, created, nil
}

func (r *SQLiteRepo) GetSchedule(ctx context.Context, id string) (domain.RecurringSchedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RecurringSchedule{}, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return s, err
}

func (r *SQLiteRepo) FindSchedule(ctx context.Context, ownerID string, platform domain.Platform, accountRef *string) (domain.RecurringSchedule, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+scheduleColumns+` FROM schedules WHERE owner_id=? AND platform=? AND account_ref IS ?`,
		ownerID, string(platform), storage.NullableString(accountRef))
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RecurringSchedule{}, fmt.Errorf("schedule for %s/%s: %w", ownerID, platform, domain.ErrNotFound)
	}
	return s, err
}

func (r *SQLiteRepo) ListSchedules(ctx context.Context, ownerID string, platform *domain.Platform) ([]domain.RecurringSchedule, error) {
	return r.querySchedules(ctx, ownerID, platform, false)
}

func (r *SQLiteRepo) EnabledSchedules(ctx context.Context, ownerID string, platform *domain.Platform) ([]domain.RecurringSchedule, error) {
	return r.querySchedules(ctx, ownerID, platform, true)
}

func (r *SQLiteRepo) querySchedules(ctx context.Context, ownerID string, platform *domain.Platform, enabledOnly bool) ([]domain.RecurringSchedule, error) {
	where := []string{"owner_id=?"}
	args := []any{ownerID}
	if platform != nil {
		where = append(where, "platform=?")
		args = append(args, string(*platform))
	}
	if enabledOnly {
		where = append(where, "enabled=1")
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE `+
		strings.Join(where, " AND ")+` ORDER BY platform, COALESCE(account_ref, '')`, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []domain.RecurringSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *SQLiteRepo) DeleteSchedule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanSchedule(sc storage.Scanner) (domain.RecurringSchedule, error) {
	var (
		s                    domain.RecurringSchedule
		platform             string
		accountRef           sql.NullString
		days, times          string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&s.ID, &s.OwnerID, &platform, &accountRef, &days, &times, &s.Enabled, &createdAt, &updatedAt); err != nil {
		return domain.RecurringSchedule{}, err
	}
	s.Platform = domain.Platform(platform)
	s.AccountRef = storage.StringPtr(accountRef)
	if err := json.Unmarshal([]byte(days), &s.Weekdays); err != nil {
		return domain.RecurringSchedule{}, fmt.Errorf("decode weekdays: %w", err)
	}
	if err := json.Unmarshal([]byte(times), &s.TimesOfDay); err != nil {
		return domain.RecurringSchedule{}, fmt.Errorf("decode times: %w", err)
	}
	var err error
	if s.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return domain.RecurringSchedule{}, err
	}
	if s.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return domain.RecurringSchedule{}, err
	}
	return s, nil
}
