// Package jobs owns the job table and its append-only logs: creation plus
// enqueue, the single status-transition authority, the query surface, bulk
// deletion, and the startup reconciliation against the broker.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postpilot/postpilot/internal/domain"
	"github.com/postpilot/postpilot/internal/queue"
)

// StatusUpdate carries the optional fields of a status transition.
type StatusUpdate struct {
	ErrorCode    domain.ErrorCode
	ErrorMessage string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Filter narrows the job query surface. Schedule filters hit the
// denormalised columns, not the JSON payload.
type Filter struct {
	Type         *domain.JobType
	Status       *domain.JobStatus
	DateFrom     *time.Time
	DateTo       *time.Time
	ScheduleID   *uuid.UUID
	ScheduleName string
}

// Page is offset pagination with a stable created_at DESC, id DESC order.
type Page struct {
	Limit  int
	Offset int
}

// Repository is the persistence the job store needs.
type Repository interface {
	InsertJob(ctx context.Context, j *domain.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	GetJobByQueueKey(ctx context.Context, key string) (*domain.Job, error)
	// UpdateJobStatus applies the transition; attempts increment happens in
	// the same statement, only on the edge into PROCESSING.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus, u StatusUpdate) error
	UpdateJobPayload(ctx context.Context, id uuid.UUID, payload []byte) error
	AppendJobLog(ctx context.Context, l *domain.JobLog) error
	QueryJobs(ctx context.Context, ownerID uuid.UUID, f Filter, p Page) ([]domain.Job, int, error)
	JobLogs(ctx context.Context, jobID uuid.UUID) ([]domain.JobLog, error)
	// DeleteJobsByIDs deletes terminal jobs among ids, cascading logs, and
	// returns the number removed. Pending and processing rows survive.
	DeleteJobsByIDs(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) (int, error)
	// DeleteTerminalJobs deletes jobs in the given terminal statuses, older
	// than olderThan when set.
	DeleteTerminalJobs(ctx context.Context, ownerID uuid.UUID, statuses []domain.JobStatus, olderThan *time.Time) (int, error)
	StalePendingJobs(ctx context.Context, createdBefore time.Time) ([]domain.Job, error)
}

// Broker is the slice of the queue broker the job store uses.
type Broker interface {
	Enqueue(ctx context.Context, typ domain.JobType, payload []byte, opts queue.Options) error
	Exists(ctx context.Context, jobKey string) (bool, error)
}

// Service is the job store.
type Service struct {
	repo   Repository
	broker Broker
	log    *slog.Logger
	now    func() time.Time
}

func NewService(repo Repository, broker Broker, log *slog.Logger) *Service {
	return &Service{repo: repo, broker: broker, log: log, now: time.Now}
}

// Create writes the PENDING row then enqueues it. The write and the enqueue
// are not atomic: the deterministic queue key makes the enqueue idempotent,
// and Reconcile re-enqueues stale rows after a broker outage. An enqueue
// failure flips the row to FAILED and surfaces.
func (s *Service) Create(ctx context.Context, in domain.NewJob) (*domain.Job, error) {
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = in.Type.DefaultMaxAttempts()
	}
	runMode := in.RunMode
	if runMode == "" {
		runMode = domain.RunModeHeadless
	}

	job := &domain.Job{
		ID:             uuid.Must(uuid.NewV7()),
		Type:           in.Type,
		OwnerID:        in.OwnerID,
		RunID:          in.RunID,
		SequenceNumber: in.SequenceNumber,
		Payload:        in.Payload,
		Status:         domain.JobPending,
		MaxAttempts:    maxAttempts,
		RunMode:        runMode,
		ScheduleID:     in.ScheduleID,
		ScheduleName:   in.ScheduleName,
		CreatedAt:      s.now(),
	}
	if err := s.repo.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.enqueue(ctx, job); err != nil {
		flip := s.repo.UpdateJobStatus(ctx, job.ID, domain.JobFailed, StatusUpdate{
			ErrorCode:    domain.ErrCodeEnqueueFailed,
			ErrorMessage: "enqueue failed: " + err.Error(),
		})
		if flip != nil {
			s.log.ErrorContext(ctx, "flip job after enqueue failure failed",
				"jobID", job.ID, "error", flip)
		}
		return nil, fmt.Errorf("create job: enqueue: %w", err)
	}
	return job, nil
}

func (s *Service) enqueue(ctx context.Context, job *domain.Job) error {
	return s.broker.Enqueue(ctx, job.Type, job.Payload, queue.Options{
		JobKey:   job.QueueKey(),
		Attempts: job.MaxAttempts,
	})
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.repo.GetJob(ctx, id)
}

// GetByQueueKey resolves a broker delivery back to its row.
func (s *Service) GetByQueueKey(ctx context.Context, key string) (*domain.Job, error) {
	return s.repo.GetJobByQueueKey(ctx, key)
}

// UpdateStatus is the single authority for job status transitions.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus, u StatusUpdate) error {
	if err := s.repo.UpdateJobStatus(ctx, id, status, u); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// UpdatePayload persists a payload rewritten by the worker (results,
// error category) without losing unknown fields.
func (s *Service) UpdatePayload(ctx context.Context, id uuid.UUID, payload []byte) error {
	if err := s.repo.UpdateJobPayload(ctx, id, payload); err != nil {
		return fmt.Errorf("update job payload: %w", err)
	}
	return nil
}

// AppendLog adds one log line to a job.
func (s *Service) AppendLog(ctx context.Context, jobID uuid.UUID, level domain.LogLevel, message string, meta map[string]any) error {
	l := &domain.JobLog{
		ID:        uuid.Must(uuid.NewV7()),
		JobID:     jobID,
		Level:     level,
		Message:   message,
		Meta:      meta,
		CreatedAt: s.now(),
	}
	if err := s.repo.AppendJobLog(ctx, l); err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

// Query lists a tenant's jobs with filters and stable pagination.
func (s *Service) Query(ctx context.Context, ownerID uuid.UUID, f Filter, p Page) ([]domain.Job, int, error) {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	return s.repo.QueryJobs(ctx, ownerID, f, p)
}

// Logs returns a job's log entries, oldest first.
func (s *Service) Logs(ctx context.Context, jobID uuid.UUID) ([]domain.JobLog, error) {
	return s.repo.JobLogs(ctx, jobID)
}

// DeleteScope selects the bulk-delete target set.
type DeleteScope string

const (
	DeleteByIDs       DeleteScope = "BY_IDS"
	DeleteCompleted   DeleteScope = "COMPLETED"
	DeleteFailed      DeleteScope = "FAILED"
	DeleteAllTerminal DeleteScope = "ALL_TERMINAL"
	DeleteOlderThan   DeleteScope = "OLDER_THAN"
)

// DeleteSelector names what to delete. Pending and processing jobs are
// never touched by any scope.
type DeleteSelector struct {
	Scope     DeleteScope
	IDs       []uuid.UUID
	OlderThan time.Time
}

// Delete removes jobs per selector, cascading their logs, and returns the
// number removed.
func (s *Service) Delete(ctx context.Context, ownerID uuid.UUID, sel DeleteSelector) (int, error) {
	terminal := []domain.JobStatus{domain.JobCompleted, domain.JobFailed, domain.JobCancelled}
	var (
		n   int
		err error
	)
	switch sel.Scope {
	case DeleteByIDs:
		n, err = s.repo.DeleteJobsByIDs(ctx, ownerID, sel.IDs)
	case DeleteCompleted:
		n, err = s.repo.DeleteTerminalJobs(ctx, ownerID, []domain.JobStatus{domain.JobCompleted}, nil)
	case DeleteFailed:
		n, err = s.repo.DeleteTerminalJobs(ctx, ownerID, []domain.JobStatus{domain.JobFailed}, nil)
	case DeleteAllTerminal:
		n, err = s.repo.DeleteTerminalJobs(ctx, ownerID, terminal, nil)
	case DeleteOlderThan:
		cutoff := sel.OlderThan
		n, err = s.repo.DeleteTerminalJobs(ctx, ownerID, terminal, &cutoff)
	default:
		return 0, fmt.Errorf("delete jobs: unknown scope %q", sel.Scope)
	}
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	s.log.InfoContext(ctx, "jobs deleted", "ownerID", ownerID, "scope", sel.Scope, "count", n)
	return n, nil
}

// Reconcile re-enqueues PENDING jobs older than minAge whose key the broker
// no longer holds. Run on scheduler startup to recover from enqueue-side
// crashes and broker outages.
func (s *Service) Reconcile(ctx context.Context, minAge time.Duration) (int, error) {
	stale, err := s.repo.StalePendingJobs(ctx, s.now().Add(-minAge))
	if err != nil {
		return 0, fmt.Errorf("reconcile jobs: %w", err)
	}

	requeued := 0
	for i := range stale {
		job := &stale[i]
		live, err := s.broker.Exists(ctx, job.QueueKey())
		if err != nil {
			return requeued, fmt.Errorf("reconcile jobs: %w", err)
		}
		if live {
			continue
		}
		if err := s.enqueue(ctx, job); err != nil {
			s.log.ErrorContext(ctx, "reconcile re-enqueue failed",
				"jobID", job.ID, "jobKey", job.QueueKey(), "error", err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		s.log.InfoContext(ctx, "stale pending jobs re-enqueued", "count", requeued)
	}
	return requeued, nil
}
