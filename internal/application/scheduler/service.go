package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postpilot/postpilot/internal/cadence"
	"github.com/postpilot/postpilot/internal/config"
	"github.com/postpilot/postpilot/internal/domain"
	"github.com/postpilot/postpilot/internal/infrastructure/observability"
)

func marshalPayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// Service is the schedule surface the HTTP collaborator and the worker call:
// CRUD, run-now, enable toggles, admin status, and the failure policy.
type Service struct {
	cfg       config.SchedulerConfig
	schedules ScheduleRepository
	runs      RunCoordinator
	audits    AuditRecorder
	loc       *time.Location
	log       *slog.Logger
	now       func() time.Time
}

func NewService(cfg config.SchedulerConfig, schedules ScheduleRepository, runs RunCoordinator, audits AuditRecorder, loc *time.Location, log *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		schedules: schedules,
		runs:      runs,
		audits:    audits,
		loc:       loc,
		log:       log,
		now:       time.Now,
	}
}

// CreateScheduleInput is the tenant-facing creation payload.
type CreateScheduleInput struct {
	OwnerID             uuid.UUID
	TemplateID          uuid.UUID
	Name                string
	Kind                domain.ScheduleKind
	RunTime             string
	DailyPostCount      int
	PostIntervalMinutes int
	UserEnabled         bool
}

func (in *CreateScheduleInput) validate() error {
	if in.Name == "" {
		return fmt.Errorf("schedule name must not be empty")
	}
	if in.DailyPostCount < 1 || in.DailyPostCount > 100 {
		return fmt.Errorf("daily post count must be in 1..100, got %d", in.DailyPostCount)
	}
	if in.PostIntervalMinutes < 1 || in.PostIntervalMinutes > 60 {
		return fmt.Errorf("post interval must be in 1..60 minutes, got %d", in.PostIntervalMinutes)
	}
	switch in.Kind {
	case domain.ScheduleTimed:
		if _, _, err := cadence.ParseRunTime(in.RunTime); err != nil {
			return err
		}
	case domain.ScheduleImmediate:
	default:
		return fmt.Errorf("unknown schedule kind %q", in.Kind)
	}
	return nil
}

// CreateSchedule stores a new schedule. New schedules await review.
// IMMEDIATE schedules become due at once; TIMED ones get their nextPostAt
// from the loop's reset step on the next tick.
func (s *Service) CreateSchedule(ctx context.Context, in CreateScheduleInput) (*domain.Schedule, error) {
	if err := in.validate(); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}

	now := s.now()
	sched := &domain.Schedule{
		ID:                  uuid.Must(uuid.NewV7()),
		OwnerID:             in.OwnerID,
		TemplateID:          in.TemplateID,
		Name:                in.Name,
		Kind:                in.Kind,
		RunTime:             in.RunTime,
		DailyPostCount:      in.DailyPostCount,
		PostIntervalMinutes: in.PostIntervalMinutes,
		UserEnabled:         in.UserEnabled,
		AdminStatus:         domain.AdminNeedsReview,
		LastRunDate:         cadence.StartOfDay(now, s.loc),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if in.Kind == domain.ScheduleImmediate {
		sched.NextPostAt = &now
	}

	if err := s.schedules.InsertSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	s.log.InfoContext(ctx, "schedule created", "scheduleID", sched.ID, "ownerID", in.OwnerID)
	return sched, nil
}

// UpdateScheduleInput carries the editable fields. Nil means unchanged.
type UpdateScheduleInput struct {
	Name                *string
	RunTime             *string
	DailyPostCount      *int
	PostIntervalMinutes *int
}

// UpdateSchedule edits cadence fields. Lowering dailyPostCount below the
// day's already-posted count clamps today's run rather than cancelling it:
// the run keeps what it processed and settles on the next totals update.
func (s *Service) UpdateSchedule(ctx context.Context, ownerID, id uuid.UUID, in UpdateScheduleInput) (*domain.Schedule, error) {
	sched, err := s.schedules.GetSchedule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	if sched.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}

	if in.Name != nil {
		sched.Name = *in.Name
	}
	if in.RunTime != nil {
		if _, _, err := cadence.ParseRunTime(*in.RunTime); err != nil {
			return nil, fmt.Errorf("update schedule: %w", err)
		}
		sched.RunTime = *in.RunTime
	}
	if in.PostIntervalMinutes != nil {
		if *in.PostIntervalMinutes < 1 || *in.PostIntervalMinutes > 60 {
			return nil, fmt.Errorf("update schedule: post interval must be in 1..60 minutes")
		}
		sched.PostIntervalMinutes = *in.PostIntervalMinutes
	}

	var clampTo int
	if in.DailyPostCount != nil {
		if *in.DailyPostCount < 1 || *in.DailyPostCount > 100 {
			return nil, fmt.Errorf("update schedule: daily post count must be in 1..100")
		}
		if *in.DailyPostCount < sched.TodayPostedCount {
			clampTo = sched.TodayPostedCount
		} else if *in.DailyPostCount < sched.DailyPostCount {
			clampTo = *in.DailyPostCount
		}
		sched.DailyPostCount = *in.DailyPostCount
	}

	sched.UpdatedAt = s.now()
	if err := s.schedules.UpdateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}

	if clampTo > 0 {
		today := cadence.StartOfDay(s.now(), s.loc)
		if err := s.runs.ClampTotals(ctx, sched.ID, today, clampTo); err != nil {
			s.log.ErrorContext(ctx, "clamp run after quota edit failed", "scheduleID", sched.ID, "error", err)
		}
	}
	return sched, nil
}

// DeleteSchedule removes a schedule; its runs and jobs stay for history.
func (s *Service) DeleteSchedule(ctx context.Context, ownerID, id uuid.UUID) error {
	if err := s.schedules.DeleteSchedule(ctx, ownerID, id); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	s.log.InfoContext(ctx, "schedule deleted", "scheduleID", id, "ownerID", ownerID)
	return nil
}

// GetSchedule returns one schedule scoped to its owner.
func (s *Service) GetSchedule(ctx context.Context, ownerID, id uuid.UUID) (*domain.Schedule, error) {
	sched, err := s.schedules.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return sched, nil
}

// ListSchedules returns a tenant's schedules.
func (s *Service) ListSchedules(ctx context.Context, ownerID uuid.UUID) ([]domain.Schedule, error) {
	return s.schedules.ListSchedules(ctx, ownerID)
}

// ToggleEnabled flips the tenant-side gate. Takes effect on the next tick.
func (s *Service) ToggleEnabled(ctx context.Context, ownerID, id uuid.UUID, enabled bool) error {
	if err := s.schedules.SetUserEnabled(ctx, ownerID, id, enabled); err != nil {
		return fmt.Errorf("toggle schedule: %w", err)
	}
	s.log.InfoContext(ctx, "schedule toggled", "scheduleID", id, "enabled", enabled)
	return nil
}

// RunNow makes the schedule due immediately; the next tick emits.
func (s *Service) RunNow(ctx context.Context, ownerID, id uuid.UUID) error {
	sched, err := s.GetSchedule(ctx, ownerID, id)
	if err != nil {
		return fmt.Errorf("run now: %w", err)
	}
	if err := s.schedules.SetNextPostAt(ctx, sched.ID, s.now()); err != nil {
		return fmt.Errorf("run now: %w", err)
	}
	s.log.InfoContext(ctx, "schedule triggered manually", "scheduleID", id)
	return nil
}

// SetAdminStatus applies an operator decision and records the audit trail.
func (s *Service) SetAdminStatus(ctx context.Context, id uuid.UUID, status domain.AdminStatus, reason, actor string) error {
	if err := s.schedules.SetAdminStatus(ctx, id, status, reason); err != nil {
		return fmt.Errorf("set admin status: %w", err)
	}

	sched, err := s.schedules.GetSchedule(ctx, id)
	if err != nil {
		return fmt.Errorf("set admin status: %w", err)
	}
	event := &domain.AuditEvent{
		ID:         uuid.Must(uuid.NewV7()),
		OwnerID:    sched.OwnerID,
		ScheduleID: &sched.ID,
		Action:     domain.AuditActionAdminStatusChange,
		Reason:     fmt.Sprintf("%s: %s", status, reason),
		Actor:      actor,
		CreatedAt:  s.now(),
	}
	if err := s.audits.RecordAuditEvent(ctx, event); err != nil {
		s.log.ErrorContext(ctx, "record audit event failed", "scheduleID", id, "error", err)
	}
	s.log.InfoContext(ctx, "admin status changed", "scheduleID", id, "status", status, "actor", actor)
	return nil
}

// RecordSessionFailure is called by the worker when a job died on session
// health. It blocks today's run, spaces the schedule out one interval, bumps
// the consecutive-failure counter, and auto-suspends the schedule once the
// counter reaches the threshold.
func (s *Service) RecordSessionFailure(ctx context.Context, scheduleID uuid.UUID, code domain.BlockCode, reason string) error {
	sched, err := s.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("record session failure: %w", err)
	}

	now := s.now()
	today := cadence.StartOfDay(now, s.loc)
	if err := s.runs.RecordBlock(ctx, scheduleID, sched.OwnerID, today, code, reason); err != nil {
		s.log.ErrorContext(ctx, "record session block failed", "scheduleID", scheduleID, "error", err)
	}

	next := now.Add(time.Duration(sched.PostIntervalMinutes) * time.Minute)
	if err := s.schedules.RecordScheduleBlock(ctx, scheduleID, next, true); err != nil {
		return fmt.Errorf("record session failure: %w", err)
	}

	sched, err = s.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("record session failure: %w", err)
	}
	if sched.ConsecutiveFailures >= s.cfg.AutoSuspendThreshold && sched.AdminStatus == domain.AdminApproved {
		return s.autoSuspend(ctx, sched)
	}
	return nil
}

func (s *Service) autoSuspend(ctx context.Context, sched *domain.Schedule) error {
	reason := fmt.Sprintf("auto-suspended after %d consecutive failures", s.cfg.AutoSuspendThreshold)
	if err := s.schedules.SuspendSchedule(ctx, sched.ID, reason, s.now()); err != nil {
		return fmt.Errorf("auto-suspend: %w", err)
	}
	observability.AutoSuspends.Inc()

	event := &domain.AuditEvent{
		ID:         uuid.Must(uuid.NewV7()),
		OwnerID:    sched.OwnerID,
		ScheduleID: &sched.ID,
		Action:     domain.AuditActionAutoSuspend,
		Reason:     reason,
		Actor:      "system",
		CreatedAt:  s.now(),
	}
	if err := s.audits.RecordAuditEvent(ctx, event); err != nil {
		s.log.ErrorContext(ctx, "record audit event failed", "scheduleID", sched.ID, "error", err)
	}
	s.log.WarnContext(ctx, "schedule auto-suspended",
		"scheduleID", sched.ID, "failures", sched.ConsecutiveFailures)
	return nil
}

// RecordPostSuccess resets the consecutive-failure counter after a post
// lands.
func (s *Service) RecordPostSuccess(ctx context.Context, scheduleID uuid.UUID) error {
	if err := s.schedules.ResetConsecutiveFailures(ctx, scheduleID); err != nil {
		return fmt.Errorf("record post success: %w", err)
	}
	return nil
}
