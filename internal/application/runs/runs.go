// Package runs aggregates the jobs of one schedule-day into a Run: upsert
// with same-day promotion, totals recomputed from the authoritative job
// rows, block recording, and the stuck-state recovery sweep.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postpilot/postpilot/internal/domain"
	"github.com/postpilot/postpilot/internal/infrastructure/observability"
)

// flashWindow keeps just-finished runs in the active snapshot briefly so
// dashboards do not flicker.
const flashWindow = 30 * time.Second

// lastJobsLimit is how many terminal jobs each snapshot entry carries.
const lastJobsLimit = 5

// Page is offset pagination, newest runs first.
type Page struct {
	Limit  int
	Offset int
}

// Repository is the persistence the aggregator needs.
type Repository interface {
	InsertRun(ctx context.Context, r *domain.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	FindRunByDate(ctx context.Context, scheduleID uuid.UUID, runDate time.Time) (*domain.Run, error)
	// PromoteRun moves a BLOCKED/SKIPPED run back to RUNNING for a same-day
	// retry. Returns false when the run was not promotable.
	PromoteRun(ctx context.Context, id uuid.UUID, totalJobs int, startedAt time.Time) (bool, error)
	// DowngradeRun blocks a live (PENDING/QUEUED/RUNNING) run. Returns
	// false when the run was already terminal.
	DowngradeRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, code domain.BlockCode, reason string) (bool, error)
	// RunJobCounts aggregates terminal job rows for the run.
	RunJobCounts(ctx context.Context, runID uuid.UUID) (completed, failed, skipped int, err error)
	SetRunTotals(ctx context.Context, runID uuid.UUID, completed, failed, skipped int, status domain.RunStatus, finishedAt *time.Time) error
	// ClampRunTotals lowers a live run's totalJobs to newTotal, never below
	// the already-processed count. Returns false when the run is terminal
	// or absent.
	ClampRunTotals(ctx context.Context, scheduleID uuid.UUID, runDate time.Time, newTotal int) (bool, error)
	// StuckRuns returns RUNNING runs with processed >= totalJobs > 0.
	StuckRuns(ctx context.Context) ([]domain.Run, error)
	// ActiveRuns returns RUNNING/QUEUED runs plus terminal runs finished
	// after the cutoff.
	ActiveRuns(ctx context.Context, finishedAfter time.Time) ([]domain.Run, error)
	LastTerminalJobs(ctx context.Context, runID uuid.UUID, limit int) ([]domain.RunJobSummary, error)
	RunsForSchedule(ctx context.Context, scheduleID uuid.UUID, p Page) ([]domain.Run, int, error)
	RunsForOwner(ctx context.Context, ownerID uuid.UUID, p Page) ([]domain.Run, int, error)
}

// Outcome tells the caller what FindOrCreate did.
type Outcome string

const (
	Created  Outcome = "CREATED"
	Promoted Outcome = "PROMOTED"
	Existing Outcome = "EXISTING"
)

// Service is the run aggregator.
type Service struct {
	repo Repository
	log  *slog.Logger
	now  func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{repo: repo, log: log, now: time.Now}
}

// FindOrCreate upserts the run keyed by (scheduleID, runDate). An existing
// BLOCKED or SKIPPED row is promoted back to RUNNING: the morning's block
// and the afternoon's retry share one row. RUNNING, COMPLETED and FAILED
// rows are preserved; the caller gets the Existing outcome as a no-op
// signal.
func (s *Service) FindOrCreate(ctx context.Context, scheduleID, ownerID uuid.UUID, runDate time.Time, initialStatus domain.RunStatus, totalJobs int) (*domain.Run, Outcome, error) {
	run, err := s.repo.FindRunByDate(ctx, scheduleID, runDate)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		now := s.now()
		run = &domain.Run{
			ID:          uuid.Must(uuid.NewV7()),
			ScheduleID:  scheduleID,
			OwnerID:     ownerID,
			RunDate:     runDate,
			Status:      initialStatus,
			TotalJobs:   totalJobs,
			TriggeredAt: now,
		}
		if initialStatus == domain.RunRunning {
			run.StartedAt = &now
		}
		if insertErr := s.repo.InsertRun(ctx, run); insertErr != nil {
			if errors.Is(insertErr, domain.ErrDuplicate) {
				// Lost the insert race; the winner's row is authoritative.
				run, err = s.repo.FindRunByDate(ctx, scheduleID, runDate)
				if err != nil {
					return nil, "", fmt.Errorf("find or create run: %w", err)
				}
				return run, Existing, nil
			}
			return nil, "", fmt.Errorf("find or create run: %w", insertErr)
		}
		return run, Created, nil

	case err != nil:
		return nil, "", fmt.Errorf("find or create run: %w", err)
	}

	if run.Status.Promotable() && initialStatus == domain.RunRunning {
		promoted, err := s.repo.PromoteRun(ctx, run.ID, totalJobs, s.now())
		if err != nil {
			return nil, "", fmt.Errorf("find or create run: promote: %w", err)
		}
		if promoted {
			run, err = s.repo.GetRun(ctx, run.ID)
			if err != nil {
				return nil, "", fmt.Errorf("find or create run: %w", err)
			}
			s.log.InfoContext(ctx, "run promoted", "runID", run.ID, "scheduleID", scheduleID)
			return run, Promoted, nil
		}
	}
	return run, Existing, nil
}

// UpdateTotals recomputes the run's counters from its job rows and settles
// the run when every job is accounted for. Terminal runs are left alone.
func (s *Service) UpdateTotals(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("update run totals: %w", err)
	}
	if run.Status.Terminal() {
		return run, nil
	}

	completed, failed, skipped, err := s.repo.RunJobCounts(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("update run totals: %w", err)
	}

	status := run.Status
	var finishedAt *time.Time
	processed := completed + failed + skipped
	if run.TotalJobs > 0 && processed >= run.TotalJobs {
		if failed == 0 && skipped == 0 {
			status = domain.RunCompleted
		} else {
			status = domain.RunFailed
		}
		now := s.now()
		finishedAt = &now
	}

	if err := s.repo.SetRunTotals(ctx, runID, completed, failed, skipped, status, finishedAt); err != nil {
		return nil, fmt.Errorf("update run totals: %w", err)
	}

	run.CompletedJobs = completed
	run.FailedJobs = failed
	run.SkippedJobs = skipped
	run.Status = status
	run.FinishedAt = finishedAt
	if finishedAt != nil {
		s.log.InfoContext(ctx, "run settled",
			"runID", runID, "status", status, "completed", completed, "failed", failed, "skipped", skipped)
	}
	return run, nil
}

// RecordBlock downgrades the day's live run, or creates it blocked when the
// gate refused before any job was emitted. Never forks a second row for the
// same day, and never rewrites a terminal run.
func (s *Service) RecordBlock(ctx context.Context, scheduleID, ownerID uuid.UUID, runDate time.Time, code domain.BlockCode, reason string) error {
	status := code.RunStatus()

	run, err := s.repo.FindRunByDate(ctx, scheduleID, runDate)
	if errors.Is(err, domain.ErrNotFound) {
		run = &domain.Run{
			ID:          uuid.Must(uuid.NewV7()),
			ScheduleID:  scheduleID,
			OwnerID:     ownerID,
			RunDate:     runDate,
			Status:      status,
			BlockCode:   code,
			BlockReason: reason,
			TriggeredAt: s.now(),
		}
		if insertErr := s.repo.InsertRun(ctx, run); insertErr != nil && !errors.Is(insertErr, domain.ErrDuplicate) {
			return fmt.Errorf("record block: %w", insertErr)
		}
		observability.Blocks.WithLabelValues(string(code)).Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("record block: %w", err)
	}

	downgraded, err := s.repo.DowngradeRun(ctx, run.ID, status, code, reason)
	if err != nil {
		return fmt.Errorf("record block: %w", err)
	}
	if downgraded {
		observability.Blocks.WithLabelValues(string(code)).Inc()
		s.log.WarnContext(ctx, "run blocked",
			"runID", run.ID, "scheduleID", scheduleID, "code", code, "reason", reason)
	}
	return nil
}

// ClampTotals lowers the day's quota on a live run after a schedule edit
// reduced dailyPostCount mid-day. The run keeps at least its processed
// count so totals stay consistent; the next UpdateTotals settles it.
func (s *Service) ClampTotals(ctx context.Context, scheduleID uuid.UUID, runDate time.Time, newTotal int) error {
	clamped, err := s.repo.ClampRunTotals(ctx, scheduleID, runDate, newTotal)
	if err != nil {
		return fmt.Errorf("clamp run totals: %w", err)
	}
	if clamped {
		s.log.InfoContext(ctx, "run totals clamped",
			"scheduleID", scheduleID, "runDate", runDate.Format("2006-01-02"), "totalJobs", newTotal)
	}
	return nil
}

// SweepStuck heals RUNNING runs whose jobs have all terminated but whose
// settle call was lost (worker crash between the job write and
// UpdateTotals). Called from every scheduler tick and from the snapshot
// read path; converges within one tick of the last job terminating.
func (s *Service) SweepStuck(ctx context.Context) (int, error) {
	stuck, err := s.repo.StuckRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep stuck runs: %w", err)
	}

	healed := 0
	for _, run := range stuck {
		if _, err := s.UpdateTotals(ctx, run.ID); err != nil {
			s.log.ErrorContext(ctx, "heal stuck run failed", "runID", run.ID, "error", err)
			continue
		}
		healed++
		observability.StuckRunHeals.Inc()
	}
	if healed > 0 {
		s.log.InfoContext(ctx, "stuck runs healed", "count", healed)
	}
	return healed, nil
}

// ActiveSnapshot returns the dashboard view: every RUNNING/QUEUED run plus
// terminal runs finished within the flash window, each with its last
// terminal jobs.
func (s *Service) ActiveSnapshot(ctx context.Context) ([]domain.ActiveRun, error) {
	// Heal before reading so a crashed worker cannot pin a run on the
	// dashboard forever.
	if _, err := s.SweepStuck(ctx); err != nil {
		s.log.ErrorContext(ctx, "snapshot sweep failed", "error", err)
	}

	active, err := s.repo.ActiveRuns(ctx, s.now().Add(-flashWindow))
	if err != nil {
		return nil, fmt.Errorf("active snapshot: %w", err)
	}

	out := make([]domain.ActiveRun, 0, len(active))
	for _, run := range active {
		jobs, err := s.repo.LastTerminalJobs(ctx, run.ID, lastJobsLimit)
		if err != nil {
			return nil, fmt.Errorf("active snapshot: %w", err)
		}
		out = append(out, domain.ActiveRun{Run: run, LastJobs: jobs})
	}
	return out, nil
}

// HistoryForSchedule lists a schedule's runs, newest first.
func (s *Service) HistoryForSchedule(ctx context.Context, scheduleID uuid.UUID, p Page) ([]domain.Run, int, error) {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	return s.repo.RunsForSchedule(ctx, scheduleID, p)
}

// HistoryForOwner lists a tenant's runs, newest first.
func (s *Service) HistoryForOwner(ctx context.Context, ownerID uuid.UUID, p Page) ([]domain.Run, int, error) {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	return s.repo.RunsForOwner(ctx, ownerID, p)
}
