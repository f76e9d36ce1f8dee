// Package worker is the job runtime: it consumes every queue type, drives
// the browser-automation driver under a per-profile lock and rate limit,
// and reports each job's outcome back to the job store, the run aggregator
// and the schedule failure policy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/postpilot/postpilot/internal/application/jobs"
	"github.com/postpilot/postpilot/internal/application/registry"
	"github.com/postpilot/postpilot/internal/automation"
	"github.com/postpilot/postpilot/internal/config"
	"github.com/postpilot/postpilot/internal/domain"
	"github.com/postpilot/postpilot/internal/infrastructure/observability"
	"github.com/postpilot/postpilot/internal/queue"
)

// JobStore is the slice of the job store the runtime uses.
type JobStore interface {
	GetByQueueKey(ctx context.Context, key string) (*domain.Job, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus, u jobs.StatusUpdate) error
	UpdatePayload(ctx context.Context, id uuid.UUID, payload []byte) error
	AppendLog(ctx context.Context, jobID uuid.UUID, level domain.LogLevel, message string, meta map[string]any) error
}

// SessionRegistry is the slice of the credential registry the runtime uses.
type SessionRegistry interface {
	GetSession(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error)
	LiveSession(ctx context.Context, credentialID uuid.UUID) (*domain.Session, error)
	CredentialForLogin(ctx context.Context, credentialID uuid.UUID) (registry.LoginSecret, error)
	MarkSessionOutcome(ctx context.Context, sessionID uuid.UUID, out registry.SessionOutcome) error
	RecordLoginOutcome(ctx context.Context, credentialID uuid.UUID, outcome string) error
	DispatchUsableSession(ctx context.Context, ownerID uuid.UUID) (*domain.Session, error)
	RecoverableSession(ctx context.Context, ownerID uuid.UUID) (*domain.Session, error)
}

// RunAggregator settles run totals after a posting job terminates.
type RunAggregator interface {
	UpdateTotals(ctx context.Context, runID uuid.UUID) (*domain.Run, error)
}

// SchedulePolicy is the scheduler-side failure policy the worker feeds.
type SchedulePolicy interface {
	RecordSessionFailure(ctx context.Context, scheduleID uuid.UUID, code domain.BlockCode, reason string) error
	RecordPostSuccess(ctx context.Context, scheduleID uuid.UUID) error
}

// Runtime consumes jobs and executes them against the automation driver.
type Runtime struct {
	cfg      config.WorkerConfig
	workerID string
	broker   queue.Broker
	locks    queue.Locker
	driver   automation.Driver
	jobs     JobStore
	registry SessionRegistry
	runs     RunAggregator
	policy   SchedulePolicy
	log      *slog.Logger
	now      func() time.Time

	// probeDelay is how long to wait before re-probing an ambiguous submit.
	probeDelay time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRuntime(cfg config.WorkerConfig, workerID string, broker queue.Broker, locks queue.Locker, driver automation.Driver, jobStore JobStore, reg SessionRegistry, runs RunAggregator, policy SchedulePolicy, log *slog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg,
		workerID:   workerID,
		broker:     broker,
		locks:      locks,
		driver:     driver,
		jobs:       jobStore,
		registry:   reg,
		runs:       runs,
		policy:     policy,
		log:        log,
		now:        time.Now,
		probeDelay: ambiguousProbeDelay,
		limiters:   map[string]*rate.Limiter{},
	}
}

// Start consumes every job type until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	r.log.InfoContext(ctx, "worker runtime started", "workerID", r.workerID)
	var wg sync.WaitGroup
	for _, typ := range domain.JobTypes {
		wg.Add(1)
		go func(typ domain.JobType) {
			defer wg.Done()
			if err := r.broker.Consume(ctx, typ, r.handle); err != nil && !errors.Is(err, context.Canceled) {
				r.log.ErrorContext(ctx, "consumer stopped", "type", typ, "error", err)
			}
		}(typ)
	}
	wg.Wait()
	r.log.InfoContext(ctx, "worker runtime stopped", "workerID", r.workerID)
	return ctx.Err()
}

// handle processes one delivery end to end. Status writes use the consumer
// context, not the job context, so a timed-out job still gets its terminal
// row written.
func (r *Runtime) handle(ctx context.Context, msg *queue.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.ErrorContext(ctx, "job handler panicked", "jobKey", msg.JobKey, "panic", rec)
			err = fmt.Errorf("job handler panicked: %v", rec)
		}
	}()

	job, err := r.jobs.GetByQueueKey(ctx, msg.JobKey)
	if errors.Is(err, domain.ErrNotFound) {
		// The row was deleted after enqueue; nothing to run or retry.
		return queue.Permanent(fmt.Errorf("no job row for key %s", msg.JobKey))
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", msg.JobKey, err)
	}
	if job.Status.Terminal() {
		r.log.InfoContext(ctx, "duplicate delivery for settled job", "jobID", job.ID, "status", job.Status)
		return nil
	}

	start := r.now()
	if err := r.jobs.UpdateStatus(ctx, job.ID, domain.JobProcessing, jobs.StatusUpdate{StartedAt: &start}); err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	runErr := r.dispatch(jobCtx, job)
	cancel()
	observability.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())

	if runErr == nil {
		return r.finishSuccess(ctx, job)
	}
	return r.finishFailure(ctx, job, msg, runErr)
}

func (r *Runtime) dispatch(ctx context.Context, job *domain.Job) error {
	switch job.Type {
	case domain.JobInitSession:
		return r.runInitSession(ctx, job)
	case domain.JobVerifySession:
		return r.runVerifySession(ctx, job)
	case domain.JobCreatePost:
		return r.runCreatePost(ctx, job)
	case domain.JobSyncPosts:
		return r.runSyncPosts(ctx, job)
	case domain.JobDeletePost:
		return r.runDeletePost(ctx, job)
	default:
		return queue.Permanent(fmt.Errorf("unknown job type %q", job.Type))
	}
}

func (r *Runtime) finishSuccess(ctx context.Context, job *domain.Job) error {
	finished := r.now()
	if err := r.jobs.UpdateStatus(ctx, job.ID, domain.JobCompleted, jobs.StatusUpdate{FinishedAt: &finished}); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	observability.JobOutcomes.WithLabelValues(string(job.Type), "completed", "").Inc()
	r.logJob(ctx, job, domain.LogInfo, "job completed", nil)

	if job.Type == domain.JobCreatePost {
		r.settlePostJob(ctx, job, true, "", "")
	}
	return nil
}

func (r *Runtime) finishFailure(ctx context.Context, job *domain.Job, msg *queue.Message, runErr error) error {
	code := classify(runErr)
	final := queue.IsPermanent(runErr) || !code.Retryable() || msg.FinalAttempt()

	r.logJob(ctx, job, domain.LogError, runErr.Error(), map[string]any{
		"errorCode": string(code),
		"attempt":   msg.Attempt,
		"final":     final,
	})

	if !final {
		// Back to PENDING so the redelivery's PROCESSING edge counts the
		// next attempt.
		if err := r.jobs.UpdateStatus(ctx, job.ID, domain.JobPending, jobs.StatusUpdate{
			ErrorCode:    code,
			ErrorMessage: runErr.Error(),
		}); err != nil {
			r.log.ErrorContext(ctx, "requeue status write failed", "jobID", job.ID, "error", err)
		}
		return runErr
	}

	finished := r.now()
	if err := r.jobs.UpdateStatus(ctx, job.ID, domain.JobFailed, jobs.StatusUpdate{
		ErrorCode:    code,
		ErrorMessage: code.Summary() + ": " + runErr.Error(),
		FinishedAt:   &finished,
	}); err != nil {
		r.log.ErrorContext(ctx, "mark job failed failed", "jobID", job.ID, "error", err)
	}
	observability.JobOutcomes.WithLabelValues(string(job.Type), "failed", string(code)).Inc()

	if job.Type == domain.JobCreatePost {
		if merged, err := domain.MergePayload(job.Payload, map[string]any{"errorCategory": code}); err == nil {
			if err := r.jobs.UpdatePayload(ctx, job.ID, merged); err != nil {
				r.log.ErrorContext(ctx, "error category write-back failed", "jobID", job.ID, "error", err)
			}
		}
		r.settlePostJob(ctx, job, false, code.BlockCode(), code.Summary())
	}

	if !code.Retryable() && !queue.IsPermanent(runErr) {
		return queue.Permanent(runErr)
	}
	return runErr
}

// settlePostJob feeds the run aggregator and the schedule failure policy
// after a posting job reaches a terminal status.
func (r *Runtime) settlePostJob(ctx context.Context, job *domain.Job, success bool, block domain.BlockCode, reason string) {
	if job.RunID != nil {
		if _, err := r.runs.UpdateTotals(ctx, *job.RunID); err != nil {
			r.log.ErrorContext(ctx, "run totals update failed", "runID", *job.RunID, "error", err)
		}
	}
	if job.ScheduleID == nil {
		return
	}
	switch {
	case success:
		if err := r.policy.RecordPostSuccess(ctx, *job.ScheduleID); err != nil {
			r.log.ErrorContext(ctx, "record post success failed", "scheduleID", *job.ScheduleID, "error", err)
		}
	case block != "":
		if err := r.policy.RecordSessionFailure(ctx, *job.ScheduleID, block, reason); err != nil {
			r.log.ErrorContext(ctx, "record session failure failed", "scheduleID", *job.ScheduleID, "error", err)
		}
	}
}

func (r *Runtime) logJob(ctx context.Context, job *domain.Job, level domain.LogLevel, message string, meta map[string]any) {
	if err := r.jobs.AppendLog(ctx, job.ID, level, message, meta); err != nil {
		r.log.ErrorContext(ctx, "append job log failed", "jobID", job.ID, "error", err)
	}
}

// limiter returns the per-profile action limiter. One browser profile maps
// to one platform login, so the limit throttles per account.
func (r *Runtime) limiter(handle string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[handle]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.cfg.ActionsPerSecond), 1)
		r.limiters[handle] = l
	}
	return l
}

// withProfile runs fn holding the profile lock with an open browser profile.
// The lock spans the whole profile lifetime; profiles are single-user.
func (r *Runtime) withProfile(ctx context.Context, handle string, mode domain.RunMode, fn func(ps automation.ProfileSession) error) error {
	lockName := "profile:" + handle
	ok, err := r.locks.AcquireLock(ctx, lockName, r.workerID, r.cfg.ProfileLockTTL)
	if err != nil {
		return fmt.Errorf("acquire profile lock: %w", err)
	}
	if !ok {
		return failf(domain.ErrCodeRateLimited, "profile %s is held by another worker", handle)
	}
	defer func() {
		if err := r.locks.ReleaseLock(context.WithoutCancel(ctx), lockName, r.workerID); err != nil {
			r.log.ErrorContext(ctx, "release profile lock failed", "profile", handle, "error", err)
		}
	}()

	ps, err := r.driver.OpenProfile(ctx, handle, mode)
	if err != nil {
		return failf(domain.ErrCodeNetworkError, "open profile %s: %v", handle, err)
	}
	defer func() {
		if err := ps.Close(context.WithoutCancel(ctx)); err != nil {
			r.log.ErrorContext(ctx, "close profile failed", "profile", handle, "error", err)
		}
	}()

	return fn(ps)
}

// codedError carries the failure category through the handler return path.
type codedError struct {
	code domain.ErrorCode
	msg  string
}

func (e *codedError) Error() string { return e.msg }

func failf(code domain.ErrorCode, format string, args ...any) error {
	return &codedError{code: code, msg: fmt.Sprintf(format, args...)}
}

// classify maps a handler error to its failure category.
func classify(err error) domain.ErrorCode {
	var ce *codedError
	switch {
	case errors.As(err, &ce):
		return ce.code
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrCodeTimeout
	case errors.Is(err, domain.ErrCredentialCorrupt):
		return domain.ErrCodeCredentialCorrupt
	case errors.Is(err, domain.ErrNoUsableSession):
		return domain.ErrCodeLoginRequired
	default:
		return domain.ErrCodeUnknown
	}
}
