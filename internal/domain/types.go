package domain

// SessionStatus is the state of a platform login session.
type SessionStatus string

const (
	SessionPending           SessionStatus = "PENDING"
	SessionHealthy           SessionStatus = "HEALTHY"
	SessionExpiring          SessionStatus = "EXPIRING"
	SessionExpired           SessionStatus = "EXPIRED"
	SessionChallengeRequired SessionStatus = "CHALLENGE_REQUIRED"
	SessionError             SessionStatus = "ERROR"
)

// DispatchUsable reports whether a session in this state can back a posting job.
func (s SessionStatus) DispatchUsable() bool {
	return s == SessionHealthy || s == SessionExpiring
}

// Live reports whether the session still occupies the credential's single
// live-session slot. EXPIRED, CHALLENGE_REQUIRED and ERROR sessions can only
// come back through a reconnect, which resets them to PENDING.
func (s SessionStatus) Live() bool {
	return s == SessionPending || s == SessionHealthy || s == SessionExpiring
}

// ScheduleKind selects between immediate and wall-clock-anchored schedules.
type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "IMMEDIATE"
	ScheduleTimed     ScheduleKind = "TIMED"
)

// AdminStatus is the operator-side gate on a schedule.
type AdminStatus string

const (
	AdminApproved    AdminStatus = "APPROVED"
	AdminNeedsReview AdminStatus = "NEEDS_REVIEW"
	AdminSuspended   AdminStatus = "SUSPENDED"
	AdminBanned      AdminStatus = "BANNED"
)

// RunStatus is the aggregate state of one schedule-day.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunBlocked   RunStatus = "BLOCKED"
	RunSkipped   RunStatus = "SKIPPED"
)

// Terminal reports whether the run can no longer change state
// (blocked and skipped runs may still be promoted back to RUNNING).
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunBlocked || s == RunSkipped
}

// Promotable reports whether a same-day retry may take the run back to RUNNING.
func (s RunStatus) Promotable() bool {
	return s == RunBlocked || s == RunSkipped
}

// JobType tags the unit of work a job carries.
type JobType string

const (
	JobInitSession   JobType = "INIT_SESSION"
	JobVerifySession JobType = "VERIFY_SESSION"
	JobCreatePost    JobType = "CREATE_POST"
	JobSyncPosts     JobType = "SYNC_POSTS"
	JobDeletePost    JobType = "DELETE_POST"
)

// JobTypes lists every job type a worker consumes.
var JobTypes = []JobType{JobInitSession, JobVerifySession, JobCreatePost, JobSyncPosts, JobDeletePost}

// DefaultMaxAttempts returns the retry budget for a job type.
// Session-init retries with the same credential while the platform demands a
// challenge only dig the hole deeper, so they get a single attempt.
func (t JobType) DefaultMaxAttempts() int {
	if t == JobInitSession {
		return 1
	}
	return 3
}

// JobStatus is the lifecycle state of a job row.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// RunMode selects how the automation driver opens the browser profile.
type RunMode string

const (
	RunModeHeadless RunMode = "HEADLESS"
	RunModeDebug    RunMode = "DEBUG"
)

// LogLevel is the severity of a job log entry.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// BlockCode is the machine-readable reason a scheduler tick refused to emit.
type BlockCode string

const (
	BlockUserDisabled     BlockCode = "USER_DISABLED"
	BlockAdminNotApproved BlockCode = "ADMIN_NOT_APPROVED"
	BlockAdminSuspended   BlockCode = "ADMIN_SUSPENDED"
	BlockAdminBanned      BlockCode = "ADMIN_BANNED"
	BlockSessionExpired   BlockCode = "SESSION_EXPIRED"
	BlockSessionChallenge BlockCode = "SESSION_CHALLENGE"
	BlockSessionError     BlockCode = "SESSION_ERROR"
	BlockDailyLimit       BlockCode = "DAILY_LIMIT"
	BlockDuplicate        BlockCode = "DUPLICATE"
)

// RunStatus maps a block code to the run status it downgrades to.
// Only a tenant disabling their own schedule counts as a skip; everything
// else is a block.
func (c BlockCode) RunStatus() RunStatus {
	if c == BlockUserDisabled {
		return RunSkipped
	}
	return RunBlocked
}

// SessionRelated reports whether the block was caused by session health.
// Only these blocks feed the consecutive-failure counter.
func (c BlockCode) SessionRelated() bool {
	switch c {
	case BlockSessionExpired, BlockSessionChallenge, BlockSessionError:
		return true
	}
	return false
}

// ErrorCode categorises a job failure for retry policy and dashboards.
type ErrorCode string

const (
	ErrCodeLoginRequired     ErrorCode = "LOGIN_REQUIRED"
	ErrCodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrCodeEditorLoadFail    ErrorCode = "EDITOR_LOAD_FAIL"
	ErrCodeImageUploadFail   ErrorCode = "IMAGE_UPLOAD_FAIL"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeCafeNotFound      ErrorCode = "CAFE_NOT_FOUND"
	ErrCodeRateLimited       ErrorCode = "RATE_LIMITED"
	ErrCodeUnknown           ErrorCode = "UNKNOWN"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeSessionExpired    ErrorCode = "SESSION_EXPIRED"
	ErrCodeSessionChallenge  ErrorCode = "SESSION_CHALLENGE"
	ErrCodeSessionError      ErrorCode = "SESSION_ERROR"
	ErrCodeCredentialCorrupt ErrorCode = "CREDENTIAL_CORRUPT"
	ErrCodeEnqueueFailed     ErrorCode = "ENQUEUE_FAILED"
)

// Retryable reports whether the broker should redeliver a job that failed
// with this code. Platform-side 403/404 answers and challenge states do not
// change on retry.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodePermissionDenied, ErrCodeCafeNotFound, ErrCodeSessionChallenge,
		ErrCodeCredentialCorrupt, ErrCodeSessionExpired, ErrCodeSessionError,
		ErrCodeLoginRequired:
		return false
	}
	return true
}

// Summary returns the human-readable failure text surfaced to the dashboard.
func (c ErrorCode) Summary() string {
	switch c {
	case ErrCodeLoginRequired:
		return "login required before posting"
	case ErrCodePermissionDenied:
		return "the target board rejected the post (no permission)"
	case ErrCodeEditorLoadFail:
		return "the post editor failed to load"
	case ErrCodeImageUploadFail:
		return "image upload failed"
	case ErrCodeNetworkError:
		return "network error while talking to the target site"
	case ErrCodeCafeNotFound:
		return "the target board no longer exists"
	case ErrCodeRateLimited:
		return "the target site rate-limited this account"
	case ErrCodeTimeout:
		return "the job exceeded its time limit"
	case ErrCodeSessionExpired:
		return "the login session expired"
	case ErrCodeSessionChallenge:
		return "the platform requires additional verification"
	case ErrCodeSessionError:
		return "the login session is in an error state"
	case ErrCodeCredentialCorrupt:
		return "stored credentials could not be decrypted"
	case ErrCodeEnqueueFailed:
		return "the job could not be handed to the queue"
	default:
		return "the job failed for an unknown reason"
	}
}

// BlockCode maps session-class error codes to their scheduler block code.
// Returns "" for codes that do not block a run.
func (c ErrorCode) BlockCode() BlockCode {
	switch c {
	case ErrCodeSessionExpired, ErrCodeLoginRequired:
		return BlockSessionExpired
	case ErrCodeSessionChallenge:
		return BlockSessionChallenge
	case ErrCodeSessionError, ErrCodeCredentialCorrupt:
		return BlockSessionError
	}
	return ""
}
