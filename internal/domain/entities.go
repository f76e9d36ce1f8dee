package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Credential holds a tenant's encrypted login secret for the target site.
type Credential struct {
	ID               uuid.UUID
	OwnerID          uuid.UUID
	LoginName        string
	SecretCipher     []byte
	DisplayName      string
	Corrupt          bool
	LastLoginAt      *time.Time
	LastLoginOutcome string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Session is one browser-profile login lifecycle for a credential.
// ProfileHandle is stable for the session's lifetime; the automation driver
// uses it to reopen the same browser profile.
type Session struct {
	ID             uuid.UUID
	CredentialID   uuid.UUID
	OwnerID        uuid.UUID
	ProfileHandle  string
	Status         SessionStatus
	Nickname       string
	ErrorCode      ErrorCode
	ErrorMessage   string
	LastVerifiedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TemplateImage is one attachment of a template, posted in Order ascending.
type TemplateImage struct {
	URL   string
	Order int
}

// Template is the content source a schedule posts from. The core treats it
// as immutable; editing happens in the collaborator CRUD surface.
type Template struct {
	ID             uuid.UUID
	OwnerID        uuid.UUID
	TargetBoardKey string
	SubjectPattern string
	BodyPattern    string
	Images         []TemplateImage
	FixedFields    map[string]string
}

// Schedule is the central scheduling entity. The pacing fields
// (TodayPostedCount, LastRunDate, NextPostAt, ConsecutiveFailures) are
// written only by the scheduler loop; workers read them.
type Schedule struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	TemplateID uuid.UUID
	Name       string

	Kind                ScheduleKind
	RunTime             string // wall-clock HH:MM in the configured timezone
	DailyPostCount      int
	PostIntervalMinutes int

	UserEnabled bool
	AdminStatus AdminStatus
	AdminReason string
	SuspendedAt *time.Time

	TodayPostedCount    int
	LastRunDate         time.Time // date only, midnight in the configured timezone
	NextPostAt          *time.Time
	ConsecutiveFailures int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Executable reports whether the scheduler gate passes for this schedule.
// Session usability is deliberately not part of the gate; the worker
// re-attempts login per job.
func (s *Schedule) Executable() bool {
	return s.UserEnabled && s.AdminStatus == AdminApproved
}

// GateBlockCode returns the block code for a schedule that failed the gate,
// or "" when the gate passes.
func (s *Schedule) GateBlockCode() BlockCode {
	if !s.UserEnabled {
		return BlockUserDisabled
	}
	switch s.AdminStatus {
	case AdminApproved:
		return ""
	case AdminSuspended:
		return BlockAdminSuspended
	case AdminBanned:
		return BlockAdminBanned
	default:
		return BlockAdminNotApproved
	}
}

// Run aggregates every job one schedule produced on one calendar day.
type Run struct {
	ID            uuid.UUID
	ScheduleID    uuid.UUID
	OwnerID       uuid.UUID
	RunDate       time.Time // date only
	Status        RunStatus
	TotalJobs     int
	CompletedJobs int
	FailedJobs    int
	SkippedJobs   int
	BlockCode     BlockCode
	BlockReason   string
	TriggeredAt   time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// Processed returns the number of terminal jobs accounted for on this run.
func (r *Run) Processed() int {
	return r.CompletedJobs + r.FailedJobs + r.SkippedJobs
}

// Job is one unit of work. RunID is set for schedule-produced jobs and nil
// for standalone ones (session init/verify, maintenance).
type Job struct {
	ID             uuid.UUID
	Type           JobType
	OwnerID        uuid.UUID
	RunID          *uuid.UUID
	SequenceNumber *int
	Payload        []byte // JSON; see payload.go
	Status         JobStatus
	Attempts       int
	MaxAttempts    int
	RunMode        RunMode
	ErrorCode      ErrorCode
	ErrorMessage   string

	// Denormalised from the payload so the query path can filter and
	// paginate without scanning JSON.
	ScheduleID   *uuid.UUID
	ScheduleName string

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// QueueKey returns the deterministic broker key for a schedule-produced job,
// "<runID>_seq<N>". Standalone jobs key on their own ID.
func (j *Job) QueueKey() string {
	if j.RunID != nil && j.SequenceNumber != nil {
		return RunJobKey(*j.RunID, *j.SequenceNumber)
	}
	return j.ID.String()
}

// ErrorSummary returns the human-readable failure text for a failed job,
// or "" when the job did not fail.
func (j *Job) ErrorSummary() string {
	if j.Status != JobFailed {
		return ""
	}
	if j.ErrorCode == "" {
		return ErrCodeUnknown.Summary()
	}
	return j.ErrorCode.Summary()
}

// RunJobKey builds the deterministic queue key for run-sequenced jobs.
// Re-enqueuing the same key is a no-op at the broker, which is the sole
// dedup mechanism across scheduler restarts.
func RunJobKey(runID uuid.UUID, seq int) string {
	return fmt.Sprintf("%s_seq%d", runID, seq)
}

// NewJob is the input for creating a job. RunID, SequenceNumber and the
// schedule columns are set only for schedule-produced jobs. MaxAttempts of
// zero means the type default.
type NewJob struct {
	Type           JobType
	OwnerID        uuid.UUID
	RunID          *uuid.UUID
	SequenceNumber *int
	Payload        []byte
	MaxAttempts    int
	RunMode        RunMode
	ScheduleID     *uuid.UUID
	ScheduleName   string
}

// JobLog is one append-only log entry attached to a job.
type JobLog struct {
	ID        uuid.UUID
	JobID     uuid.UUID
	Level     LogLevel
	Message   string
	Meta      map[string]any
	CreatedAt time.Time
}

// AuditEvent records operator-visible policy actions (auto-suspends, admin
// status changes).
type AuditEvent struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	ScheduleID *uuid.UUID
	Action     string
	Reason     string
	Actor      string
	CreatedAt  time.Time
}

const (
	AuditActionAutoSuspend       = "schedule.auto_suspend"
	AuditActionAdminStatusChange = "schedule.admin_status_change"
)

// RunJobSummary is a compact view of one terminal job inside an active-runs
// snapshot entry.
type RunJobSummary struct {
	SequenceNumber int
	Outcome        JobStatus
	ErrorCode      ErrorCode
	FinishedAt     time.Time
}

// ActiveRun is one entry of the dashboard snapshot: a live run plus its most
// recent terminal jobs.
type ActiveRun struct {
	Run      Run
	LastJobs []RunJobSummary
}
