// Package scheduler is the JIT control loop: every tick it resets schedules
// into the new day, gates candidates, reserves exactly one slot per due
// schedule through a row-level compare-and-swap, and emits the rendered
// posting job. It also exposes the schedule operations the HTTP collaborator
// calls.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	runsvc "github.com/postpilot/postpilot/internal/application/runs"
	"github.com/postpilot/postpilot/internal/cadence"
	"github.com/postpilot/postpilot/internal/config"
	"github.com/postpilot/postpilot/internal/domain"
	"github.com/postpilot/postpilot/internal/infrastructure/observability"
	"github.com/postpilot/postpilot/internal/render"
)

// ScheduleRepository is the persistence the loop and the service share.
type ScheduleRepository interface {
	InsertSchedule(ctx context.Context, s *domain.Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s *domain.Schedule) error
	DeleteSchedule(ctx context.Context, ownerID, id uuid.UUID) error
	ListSchedules(ctx context.Context, ownerID uuid.UUID) ([]domain.Schedule, error)

	// SchedulesNeedingReset returns enabled, approved schedules whose
	// pacing fields are stale: counted posts from a previous day, or a
	// null nextPostAt.
	SchedulesNeedingReset(ctx context.Context, todayStart time.Time) ([]domain.Schedule, error)
	ApplyDailyReset(ctx context.Context, id uuid.UUID, todayStart, nextPostAt time.Time, resetCount bool) error
	// DueSchedules returns every schedule with nextPostAt <= now,
	// regardless of control state; the gate runs in memory.
	DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	// ReserveSlot is the emission compare-and-swap: it bumps
	// todayPostedCount and stamps a tentative nextPostAt only when the row
	// still matches the observed count and is still due. False means
	// another replica won.
	ReserveSlot(ctx context.Context, id uuid.UUID, now time.Time, observedCount int, tentativeNext, todayStart time.Time) (bool, error)
	SetNextPostAt(ctx context.Context, id uuid.UUID, at time.Time) error
	// RecordScheduleBlock spaces out a blocked schedule and optionally
	// bumps its consecutive-failure counter.
	RecordScheduleBlock(ctx context.Context, id uuid.UUID, nextPostAt time.Time, bumpFailures bool) error
	SuspendSchedule(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	ResetConsecutiveFailures(ctx context.Context, id uuid.UUID) error
	SetUserEnabled(ctx context.Context, ownerID, id uuid.UUID, enabled bool) error
	SetAdminStatus(ctx context.Context, id uuid.UUID, status domain.AdminStatus, reason string) error
}

// TemplateRepository resolves the content source at emission time.
type TemplateRepository interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (*domain.Template, error)
}

// RunCoordinator is the slice of the run aggregator the scheduler uses.
type RunCoordinator interface {
	FindOrCreate(ctx context.Context, scheduleID, ownerID uuid.UUID, runDate time.Time, initialStatus domain.RunStatus, totalJobs int) (*domain.Run, runsvc.Outcome, error)
	RecordBlock(ctx context.Context, scheduleID, ownerID uuid.UUID, runDate time.Time, code domain.BlockCode, reason string) error
	ClampTotals(ctx context.Context, scheduleID uuid.UUID, runDate time.Time, newTotal int) error
	SweepStuck(ctx context.Context) (int, error)
}

// JobCreator is the slice of the job store the scheduler uses.
type JobCreator interface {
	Create(ctx context.Context, in domain.NewJob) (*domain.Job, error)
}

// AuditRecorder persists operator-visible policy events.
type AuditRecorder interface {
	RecordAuditEvent(ctx context.Context, e *domain.AuditEvent) error
}

// Loop is the periodic tick runner.
type Loop struct {
	cfg       config.SchedulerConfig
	schedules ScheduleRepository
	templates TemplateRepository
	runs      RunCoordinator
	jobs      JobCreator
	loc       *time.Location
	log       *slog.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

func NewLoop(cfg config.SchedulerConfig, schedules ScheduleRepository, templates TemplateRepository, runs RunCoordinator, jobs JobCreator, loc *time.Location, log *slog.Logger) *Loop {
	return &Loop{
		cfg:       cfg,
		schedules: schedules,
		templates: templates,
		runs:      runs,
		jobs:      jobs,
		loc:       loc,
		log:       log,
		now:       time.Now,
	}
}

// Run ticks until ctx is cancelled. Tick errors are logged and swallowed;
// the next tick starts from fresh state.
func (l *Loop) Run(ctx context.Context) error {
	l.log.InfoContext(ctx, "scheduler loop started", "interval", l.cfg.TickInterval)
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			l.log.InfoContext(ctx, "scheduler loop stopped")
			return ctx.Err()
		case <-ticker.C:
			l.wg.Add(1)
			func() {
				defer l.wg.Done()
				tickCtx, cancel := context.WithTimeout(ctx, l.cfg.TickTimeout)
				defer cancel()
				l.safeTick(tickCtx)
			}()
		}
	}
}

func (l *Loop) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.ErrorContext(ctx, "scheduler tick panicked", "panic", r)
		}
	}()

	start := time.Now()
	l.RunTickOnce(ctx, l.now())
	observability.TickDuration.Observe(time.Since(start).Seconds())
}

// RunTickOnce executes one full tick at the given instant: sweep stuck
// runs, daily reset, then candidate gating and emission.
func (l *Loop) RunTickOnce(ctx context.Context, now time.Time) {
	if _, err := l.runs.SweepStuck(ctx); err != nil {
		l.log.ErrorContext(ctx, "stuck-run sweep failed", "error", err)
	}

	todayStart := cadence.StartOfDay(now, l.loc)
	l.dailyReset(ctx, now, todayStart)
	l.emitDue(ctx, now, todayStart)
}

// scheduleRunAt resolves today's anchor instant. IMMEDIATE schedules anchor
// on midnight, which keeps them permanently in catch-up mode: they emit as
// soon as they are due and pace by interval alone.
func (l *Loop) scheduleRunAt(s *domain.Schedule, now time.Time) (time.Time, error) {
	if s.Kind == domain.ScheduleImmediate {
		return cadence.StartOfDay(now, l.loc), nil
	}
	return cadence.AtRunTime(now, s.RunTime, l.loc)
}

func (l *Loop) dailyReset(ctx context.Context, now, todayStart time.Time) {
	stale, err := l.schedules.SchedulesNeedingReset(ctx, todayStart)
	if err != nil {
		l.log.ErrorContext(ctx, "load schedules needing reset failed", "error", err)
		return
	}

	for i := range stale {
		s := &stale[i]
		runAt, err := l.scheduleRunAt(s, now)
		if err != nil {
			l.log.ErrorContext(ctx, "bad run time", "scheduleID", s.ID, "runTime", s.RunTime, "error", err)
			continue
		}

		resetCount := s.TodayPostedCount > 0 && s.LastRunDate.Before(todayStart)
		countAfter := s.TodayPostedCount
		if resetCount {
			countAfter = 0
		}
		fresh := cadence.FreshNextPostAt(now, runAt, countAfter >= s.DailyPostCount)

		if err := l.schedules.ApplyDailyReset(ctx, s.ID, todayStart, fresh, resetCount); err != nil {
			l.log.ErrorContext(ctx, "daily reset failed", "scheduleID", s.ID, "error", err)
			continue
		}
		l.log.InfoContext(ctx, "schedule reset for new day",
			"scheduleID", s.ID, "nextPostAt", fresh, "countReset", resetCount)
	}
}

func (l *Loop) emitDue(ctx context.Context, now, todayStart time.Time) {
	due, err := l.schedules.DueSchedules(ctx, now)
	if err != nil {
		l.log.ErrorContext(ctx, "load due schedules failed", "error", err)
		return
	}

	for i := range due {
		s := &due[i]
		// Quota filter stays in memory; the SQL side filters on the
		// indexed nextPostAt only.
		if s.TodayPostedCount >= s.DailyPostCount {
			continue
		}
		if code := s.GateBlockCode(); code != "" {
			l.handleBlocked(ctx, s, code, now, todayStart)
			continue
		}
		l.emitOne(ctx, s, now, todayStart)
	}
}

func (l *Loop) handleBlocked(ctx context.Context, s *domain.Schedule, code domain.BlockCode, now, todayStart time.Time) {
	reason := blockReason(s, code)
	if err := l.runs.RecordBlock(ctx, s.ID, s.OwnerID, todayStart, code, reason); err != nil {
		l.log.ErrorContext(ctx, "record block failed", "scheduleID", s.ID, "error", err)
	}

	// Space the schedule out so the block is revisited once per interval,
	// not once per tick. Gate blocks never feed the failure counter; only
	// session-class worker failures do.
	next := now.Add(time.Duration(s.PostIntervalMinutes) * time.Minute)
	if err := l.schedules.RecordScheduleBlock(ctx, s.ID, next, code.SessionRelated()); err != nil {
		l.log.ErrorContext(ctx, "space blocked schedule failed", "scheduleID", s.ID, "error", err)
	}
}

func blockReason(s *domain.Schedule, code domain.BlockCode) string {
	switch code {
	case domain.BlockUserDisabled:
		return "schedule disabled by tenant"
	case domain.BlockAdminNotApproved:
		return "schedule awaiting review"
	case domain.BlockAdminSuspended:
		if s.AdminReason != "" {
			return "schedule suspended: " + s.AdminReason
		}
		return "schedule suspended"
	case domain.BlockAdminBanned:
		return "schedule banned"
	default:
		return string(code)
	}
}

// emitOne reserves a slot and emits exactly one job. The conditional update
// on (nextPostAt, todayPostedCount) is what keeps concurrent replicas from
// double-emitting: the loser of the race affects zero rows and walks away.
func (l *Loop) emitOne(ctx context.Context, s *domain.Schedule, now, todayStart time.Time) {
	interval := time.Duration(s.PostIntervalMinutes) * time.Minute
	reserved, err := l.schedules.ReserveSlot(ctx, s.ID, now, s.TodayPostedCount, now.Add(interval), todayStart)
	if err != nil {
		observability.Emissions.WithLabelValues("error").Inc()
		l.log.ErrorContext(ctx, "reserve slot failed", "scheduleID", s.ID, "error", err)
		return
	}
	if !reserved {
		observability.Emissions.WithLabelValues("slot_lost").Inc()
		l.log.InfoContext(ctx, "slot lost to concurrent scheduler", "scheduleID", s.ID)
		return
	}

	// Re-read: the post-CAS count is this job's sequence number.
	fresh, err := l.schedules.GetSchedule(ctx, s.ID)
	if err != nil {
		observability.Emissions.WithLabelValues("error").Inc()
		l.log.ErrorContext(ctx, "re-read schedule failed", "scheduleID", s.ID, "error", err)
		return
	}
	seq := fresh.TodayPostedCount

	runAt, err := l.scheduleRunAt(fresh, now)
	if err != nil {
		observability.Emissions.WithLabelValues("error").Inc()
		l.log.ErrorContext(ctx, "bad run time", "scheduleID", s.ID, "error", err)
		return
	}
	next := cadence.NextAfterEmission(now, runAt, seq, fresh.DailyPostCount, fresh.PostIntervalMinutes)
	if err := l.schedules.SetNextPostAt(ctx, s.ID, next); err != nil {
		l.log.ErrorContext(ctx, "write next post time failed", "scheduleID", s.ID, "error", err)
	}

	run, _, err := l.runs.FindOrCreate(ctx, s.ID, s.OwnerID, todayStart, domain.RunRunning, fresh.DailyPostCount)
	if err != nil {
		observability.Emissions.WithLabelValues("error").Inc()
		l.log.ErrorContext(ctx, "find or create run failed", "scheduleID", s.ID, "error", err)
		return
	}

	if err := l.createPostJob(ctx, fresh, run, seq, now); err != nil {
		observability.Emissions.WithLabelValues("error").Inc()
		l.log.ErrorContext(ctx, "emit job failed", "scheduleID", s.ID, "seq", seq, "error", err)
		return
	}

	observability.Emissions.WithLabelValues("emitted").Inc()
	l.log.InfoContext(ctx, "job emitted",
		"scheduleID", s.ID, "runID", run.ID, "seq", seq, "nextPostAt", next)
}

func (l *Loop) createPostJob(ctx context.Context, s *domain.Schedule, run *domain.Run, seq int, now time.Time) error {
	tmpl, err := l.templates.GetTemplate(ctx, s.TemplateID)
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}
	subject, body, images := render.Post(tmpl, now)

	mode := domain.RunModeHeadless
	if s.ConsecutiveFailures >= l.cfg.DebugModeThreshold {
		mode = domain.RunModeDebug
	}

	payload := domain.CreatePostPayload{
		ScheduleID:     s.ID,
		ScheduleName:   s.Name,
		RunID:          run.ID,
		SequenceNumber: seq,
		TargetBoardKey: tmpl.TargetBoardKey,
		Subject:        subject,
		Body:           body,
		Images:         images,
		FixedFields:    tmpl.FixedFields,
		RunMode:        mode,
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	scheduleID := s.ID
	_, err = l.jobs.Create(ctx, domain.NewJob{
		Type:           domain.JobCreatePost,
		OwnerID:        s.OwnerID,
		RunID:          &run.ID,
		SequenceNumber: &seq,
		Payload:        raw,
		RunMode:        mode,
		ScheduleID:     &scheduleID,
		ScheduleName:   s.Name,
	})
	if err != nil {
		return fmt.Errorf("create post job: %w", err)
	}
	return nil
}
