package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/postpilot/postpilot/internal/domain"
)

const scheduleColumns = `id, owner_id, template_id, name, kind, run_time,
	daily_post_count, post_interval_minutes, user_enabled, admin_status, admin_reason,
	suspended_at, today_posted_count, last_run_date, next_post_at, consecutive_failures,
	created_at, updated_at`

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var sc domain.Schedule
	err := row.Scan(&sc.ID, &sc.OwnerID, &sc.TemplateID, &sc.Name, &sc.Kind, &sc.RunTime,
		&sc.DailyPostCount, &sc.PostIntervalMinutes, &sc.UserEnabled, &sc.AdminStatus, &sc.AdminReason,
		&sc.SuspendedAt, &sc.TodayPostedCount, &sc.LastRunDate, &sc.NextPostAt, &sc.ConsecutiveFailures,
		&sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func scanSchedules(rows pgx.Rows) ([]domain.Schedule, error) {
	defer rows.Close()
	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *Store) InsertSchedule(ctx context.Context, sc *domain.Schedule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (id, owner_id, template_id, name, kind, run_time,
			daily_post_count, post_interval_minutes, user_enabled, admin_status, admin_reason,
			suspended_at, today_posted_count, last_run_date, next_post_at, consecutive_failures,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		sc.ID, sc.OwnerID, sc.TemplateID, sc.Name, sc.Kind, sc.RunTime,
		sc.DailyPostCount, sc.PostIntervalMinutes, sc.UserEnabled, sc.AdminStatus, sc.AdminReason,
		sc.SuspendedAt, sc.TodayPostedCount, sc.LastRunDate, sc.NextPostAt, sc.ConsecutiveFailures,
		sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sc, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sc *domain.Schedule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET name = $2, run_time = $3, daily_post_count = $4,
			post_interval_minutes = $5, updated_at = $6
		WHERE id = $1`,
		sc.ID, sc.Name, sc.RunTime, sc.DailyPostCount, sc.PostIntervalMinutes, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", sc.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, ownerID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ListSchedules(ctx context.Context, ownerID uuid.UUID) ([]domain.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE owner_id = $1 ORDER BY created_at DESC`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return scanSchedules(rows)
}

func (s *Store) SchedulesNeedingReset(ctx context.Context, todayStart time.Time) ([]domain.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE user_enabled AND admin_status = 'APPROVED'
		  AND ((today_posted_count > 0 AND last_run_date < $1) OR next_post_at IS NULL)`,
		todayStart)
	if err != nil {
		return nil, fmt.Errorf("schedules needing reset: %w", err)
	}
	return scanSchedules(rows)
}

func (s *Store) ApplyDailyReset(ctx context.Context, id uuid.UUID, todayStart, nextPostAt time.Time, resetCount bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET
			today_posted_count = CASE WHEN $4 THEN 0 ELSE today_posted_count END,
			last_run_date = $2, next_post_at = $3, updated_at = now()
		WHERE id = $1`,
		id, todayStart, nextPostAt, resetCount)
	if err != nil {
		return fmt.Errorf("apply daily reset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE next_post_at IS NOT NULL AND next_post_at <= $1`,
		now)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	return scanSchedules(rows)
}

// ReserveSlot is the emission compare-and-swap: the row must still be due
// and still hold the count the tick observed. Zero rows affected means a
// concurrent scheduler won the slot.
func (s *Store) ReserveSlot(ctx context.Context, id uuid.UUID, now time.Time, observedCount int, tentativeNext, todayStart time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET
			today_posted_count = today_posted_count + 1,
			next_post_at = $4, last_run_date = $5, updated_at = now()
		WHERE id = $1 AND next_post_at IS NOT NULL AND next_post_at <= $2 AND today_posted_count = $3`,
		id, now, observedCount, tentativeNext, todayStart)
	if err != nil {
		return false, fmt.Errorf("reserve slot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetNextPostAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET next_post_at = $2, updated_at = now() WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("set next post time: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) RecordScheduleBlock(ctx context.Context, id uuid.UUID, nextPostAt time.Time, bumpFailures bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET
			next_post_at = $2,
			consecutive_failures = consecutive_failures + CASE WHEN $3 THEN 1 ELSE 0 END,
			updated_at = now()
		WHERE id = $1`,
		id, nextPostAt, bumpFailures)
	if err != nil {
		return fmt.Errorf("record schedule block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SuspendSchedule(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET admin_status = 'SUSPENDED', admin_reason = $2, suspended_at = $3,
			updated_at = now()
		WHERE id = $1`,
		id, reason, at)
	if err != nil {
		return fmt.Errorf("suspend schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ResetConsecutiveFailures(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE schedules SET consecutive_failures = 0, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("reset consecutive failures: %w", err)
	}
	return nil
}

func (s *Store) SetUserEnabled(ctx context.Context, ownerID, id uuid.UUID, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET user_enabled = $3, updated_at = now()
		WHERE id = $1 AND owner_id = $2`,
		id, ownerID, enabled)
	if err != nil {
		return fmt.Errorf("set user enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SetAdminStatus(ctx context.Context, id uuid.UUID, status domain.AdminStatus, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET admin_status = $2, admin_reason = $3, updated_at = now()
		WHERE id = $1`,
		id, status, reason)
	if err != nil {
		return fmt.Errorf("set admin status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
