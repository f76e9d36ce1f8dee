package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/postpilot/postpilot/internal/application/jobs"
	"github.com/postpilot/postpilot/internal/domain"
)

const jobColumns = `id, type, owner_id, run_id, sequence_number, payload, status,
	attempts, max_attempts, run_mode, error_code, error_message,
	schedule_id, schedule_name, created_at, started_at, finished_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Type, &j.OwnerID, &j.RunID, &j.SequenceNumber, &j.Payload, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.RunMode, &j.ErrorCode, &j.ErrorMessage,
		&j.ScheduleID, &j.ScheduleName, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) InsertJob(ctx context.Context, j *domain.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, owner_id, run_id, sequence_number, queue_key, payload, status,
			attempts, max_attempts, run_mode, error_code, error_message,
			schedule_id, schedule_name, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		j.ID, j.Type, j.OwnerID, j.RunID, j.SequenceNumber, j.QueueKey(), j.Payload, j.Status,
		j.Attempts, j.MaxAttempts, j.RunMode, j.ErrorCode, j.ErrorMessage,
		j.ScheduleID, j.ScheduleName, j.CreatedAt, j.StartedAt, j.FinishedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s: %w", j.QueueKey(), domain.ErrDuplicate)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Store) GetJobByQueueKey(ctx context.Context, key string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE queue_key = $1`, key)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get job by queue key: %w", err)
	}
	return j, nil
}

// UpdateJobStatus increments attempts in the same statement, only on the
// edge into PROCESSING, so a crashed delivery still counts.
func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus, u jobs.StatusUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = $2,
			attempts = attempts + CASE WHEN $2 = 'PROCESSING' THEN 1 ELSE 0 END,
			error_code = $3, error_message = $4,
			started_at = COALESCE($5, started_at),
			finished_at = COALESCE($6, finished_at)
		WHERE id = $1`,
		id, status, u.ErrorCode, u.ErrorMessage, u.StartedAt, u.FinishedAt)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateJobPayload(ctx context.Context, id uuid.UUID, payload []byte) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET payload = $2 WHERE id = $1`, id, payload)
	if err != nil {
		return fmt.Errorf("update job payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) AppendJobLog(ctx context.Context, l *domain.JobLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (id, job_id, level, message, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.JobID, l.Level, l.Message, l.Meta, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

func (s *Store) QueryJobs(ctx context.Context, ownerID uuid.UUID, f jobs.Filter, p jobs.Page) ([]domain.Job, int, error) {
	where := []string{"owner_id = $1"}
	args := []any{ownerID}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Type != nil {
		where = append(where, "type = "+arg(*f.Type))
	}
	if f.Status != nil {
		where = append(where, "status = "+arg(*f.Status))
	}
	if f.DateFrom != nil {
		where = append(where, "created_at >= "+arg(*f.DateFrom))
	}
	if f.DateTo != nil {
		where = append(where, "created_at < "+arg(*f.DateTo))
	}
	if f.ScheduleID != nil {
		where = append(where, "schedule_id = "+arg(*f.ScheduleID))
	}
	if f.ScheduleName != "" {
		where = append(where, "schedule_name ILIKE "+arg("%"+f.ScheduleName+"%"))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := arg(p.Limit), arg(p.Offset)
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE `+cond+`
		ORDER BY created_at DESC, id DESC LIMIT `+limit+` OFFSET `+offset,
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query jobs: %w", err)
	}
	out, err := scanJobs(rows)
	return out, total, err
}

func (s *Store) JobLogs(ctx context.Context, jobID uuid.UUID) ([]domain.JobLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, level, message, meta, created_at
		FROM job_logs WHERE job_id = $1 ORDER BY created_at`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("job logs: %w", err)
	}
	defer rows.Close()

	var out []domain.JobLog
	for rows.Next() {
		var l domain.JobLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.Level, &l.Message, &l.Meta, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) DeleteJobsByIDs(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE owner_id = $1 AND id = ANY($2)
		  AND status IN ('COMPLETED', 'FAILED', 'CANCELLED')`,
		ownerID, ids)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteTerminalJobs(ctx context.Context, ownerID uuid.UUID, statuses []domain.JobStatus, olderThan *time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE owner_id = $1 AND status = ANY($2)
		  AND ($3::timestamptz IS NULL OR finished_at < $3)`,
		ownerID, statuses, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) StalePendingJobs(ctx context.Context, createdBefore time.Time) ([]domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at`,
		createdBefore)
	if err != nil {
		return nil, fmt.Errorf("stale pending jobs: %w", err)
	}
	return scanJobs(rows)
}
