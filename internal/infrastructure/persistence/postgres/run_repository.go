package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/postpilot/postpilot/internal/application/runs"
	"github.com/postpilot/postpilot/internal/domain"
)

const runColumns = `id, schedule_id, owner_id, run_date, status, total_jobs,
	completed_jobs, failed_jobs, skipped_jobs, block_code, block_reason,
	triggered_at, started_at, finished_at`

func scanRun(row pgx.Row) (*domain.Run, error) {
	var r domain.Run
	err := row.Scan(&r.ID, &r.ScheduleID, &r.OwnerID, &r.RunDate, &r.Status, &r.TotalJobs,
		&r.CompletedJobs, &r.FailedJobs, &r.SkippedJobs, &r.BlockCode, &r.BlockReason,
		&r.TriggeredAt, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRuns(rows pgx.Rows) ([]domain.Run, error) {
	defer rows.Close()
	var out []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) InsertRun(ctx context.Context, r *domain.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, schedule_id, owner_id, run_date, status, total_jobs,
			completed_jobs, failed_jobs, skipped_jobs, block_code, block_reason,
			triggered_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.ScheduleID, r.OwnerID, r.RunDate, r.Status, r.TotalJobs,
		r.CompletedJobs, r.FailedJobs, r.SkippedJobs, r.BlockCode, r.BlockReason,
		r.TriggeredAt, r.StartedAt, r.FinishedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run for schedule %s on %s: %w",
				r.ScheduleID, r.RunDate.Format("2006-01-02"), domain.ErrDuplicate)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *Store) FindRunByDate(ctx context.Context, scheduleID uuid.UUID, runDate time.Time) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs WHERE schedule_id = $1 AND run_date = $2`,
		scheduleID, runDate)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run for schedule %s on %s: %w",
				scheduleID, runDate.Format("2006-01-02"), domain.ErrNotFound)
		}
		return nil, fmt.Errorf("find run by date: %w", err)
	}
	return r, nil
}

func (s *Store) PromoteRun(ctx context.Context, id uuid.UUID, totalJobs int, startedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = 'RUNNING', total_jobs = $2, block_code = '', block_reason = '',
			started_at = COALESCE(started_at, $3)
		WHERE id = $1 AND status IN ('BLOCKED', 'SKIPPED')`,
		id, totalJobs, startedAt)
	if err != nil {
		return false, fmt.Errorf("promote run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DowngradeRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, code domain.BlockCode, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, block_code = $3, block_reason = $4
		WHERE id = $1 AND status IN ('PENDING', 'QUEUED', 'RUNNING')`,
		id, status, code, reason)
	if err != nil {
		return false, fmt.Errorf("downgrade run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RunJobCounts aggregates the authoritative job rows; cancelled jobs count
// as skips.
func (s *Store) RunJobCounts(ctx context.Context, runID uuid.UUID) (completed, failed, skipped int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE status = 'CANCELLED')
		FROM jobs WHERE run_id = $1`,
		runID).Scan(&completed, &failed, &skipped)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("run job counts: %w", err)
	}
	return completed, failed, skipped, nil
}

func (s *Store) SetRunTotals(ctx context.Context, runID uuid.UUID, completed, failed, skipped int, status domain.RunStatus, finishedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET completed_jobs = $2, failed_jobs = $3, skipped_jobs = $4, status = $5,
			finished_at = COALESCE($6, finished_at)
		WHERE id = $1`,
		runID, completed, failed, skipped, status, finishedAt)
	if err != nil {
		return fmt.Errorf("set run totals: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ClampRunTotals(ctx context.Context, scheduleID uuid.UUID, runDate time.Time, newTotal int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET total_jobs = GREATEST($3, completed_jobs + failed_jobs + skipped_jobs)
		WHERE schedule_id = $1 AND run_date = $2 AND status IN ('PENDING', 'QUEUED', 'RUNNING')`,
		scheduleID, runDate, newTotal)
	if err != nil {
		return false, fmt.Errorf("clamp run totals: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// StuckRuns finds RUNNING runs whose job rows have all terminated. The
// stored counters are not trusted here; they are exactly what a crashed
// worker failed to write.
func (s *Store) StuckRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs r
		WHERE r.status = 'RUNNING' AND r.total_jobs > 0
		  AND (SELECT COUNT(*) FROM jobs j
		       WHERE j.run_id = r.id AND j.status IN ('COMPLETED', 'FAILED', 'CANCELLED')
		      ) >= r.total_jobs`)
	if err != nil {
		return nil, fmt.Errorf("stuck runs: %w", err)
	}
	return scanRuns(rows)
}

func (s *Store) ActiveRuns(ctx context.Context, finishedAfter time.Time) ([]domain.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status IN ('RUNNING', 'QUEUED')
		   OR (finished_at IS NOT NULL AND finished_at > $1)
		ORDER BY triggered_at DESC`,
		finishedAfter)
	if err != nil {
		return nil, fmt.Errorf("active runs: %w", err)
	}
	return scanRuns(rows)
}

func (s *Store) LastTerminalJobs(ctx context.Context, runID uuid.UUID, limit int) ([]domain.RunJobSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(sequence_number, 0), status, error_code, finished_at
		FROM jobs
		WHERE run_id = $1 AND status IN ('COMPLETED', 'FAILED', 'CANCELLED') AND finished_at IS NOT NULL
		ORDER BY finished_at DESC
		LIMIT $2`,
		runID, limit)
	if err != nil {
		return nil, fmt.Errorf("last terminal jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.RunJobSummary
	for rows.Next() {
		var j domain.RunJobSummary
		if err := rows.Scan(&j.SequenceNumber, &j.Outcome, &j.ErrorCode, &j.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan job summary: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) RunsForSchedule(ctx context.Context, scheduleID uuid.UUID, p runs.Page) ([]domain.Run, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs WHERE schedule_id = $1`, scheduleID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs WHERE schedule_id = $1
		ORDER BY run_date DESC LIMIT $2 OFFSET $3`,
		scheduleID, p.Limit, p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("runs for schedule: %w", err)
	}
	out, err := scanRuns(rows)
	return out, total, err
}

func (s *Store) RunsForOwner(ctx context.Context, ownerID uuid.UUID, p runs.Page) ([]domain.Run, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs WHERE owner_id = $1
		ORDER BY run_date DESC LIMIT $2 OFFSET $3`,
		ownerID, p.Limit, p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("runs for owner: %w", err)
	}
	out, err := scanRuns(rows)
	return out, total, err
}
