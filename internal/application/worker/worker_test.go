package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/postpilot/postpilot/internal/application/jobs"
	"github.com/postpilot/postpilot/internal/application/registry"
	"github.com/postpilot/postpilot/internal/automation"
	"github.com/postpilot/postpilot/internal/config"
	"github.com/postpilot/postpilot/internal/domain"
	"github.com/postpilot/postpilot/internal/queue"
)

type statusWrite struct {
	id     uuid.UUID
	status domain.JobStatus
	update jobs.StatusUpdate
}

type fakeJobStore struct {
	mu       sync.Mutex
	rows     map[string]*domain.Job
	statuses []statusWrite
	payloads map[uuid.UUID][]byte
	logs     []string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{rows: map[string]*domain.Job{}, payloads: map[uuid.UUID][]byte{}}
}

func (f *fakeJobStore) GetByQueueKey(_ context.Context, key string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeJobStore) UpdateStatus(_ context.Context, id uuid.UUID, status domain.JobStatus, u jobs.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusWrite{id: id, status: status, update: u})
	for _, row := range f.rows {
		if row.ID == id {
			row.Status = status
		}
	}
	return nil
}

func (f *fakeJobStore) UpdatePayload(_ context.Context, id uuid.UUID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[id] = payload
	return nil
}

func (f *fakeJobStore) AppendLog(_ context.Context, _ uuid.UUID, _ domain.LogLevel, message string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, message)
	return nil
}

func (f *fakeJobStore) lastStatus(t *testing.T) statusWrite {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.statuses)
	return f.statuses[len(f.statuses)-1]
}

type sessionMark struct {
	sessionID uuid.UUID
	out       registry.SessionOutcome
}

type fakeRegistry struct {
	mu             sync.Mutex
	sessions       map[uuid.UUID]*domain.Session
	byCred         map[uuid.UUID]*domain.Session
	secret         registry.LoginSecret
	secretErr      error
	dispatch       *domain.Session
	dispatchErr    error
	recoverable    *domain.Session
	recoverableErr error
	marks          []sessionMark
	logins         []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		sessions: map[uuid.UUID]*domain.Session{},
		byCred:   map[uuid.UUID]*domain.Session{},
		secret:   registry.LoginSecret{LoginName: "poster01", Plain: "hunter2"},
	}
}

func (f *fakeRegistry) add(sess *domain.Session) {
	f.sessions[sess.ID] = sess
	f.byCred[sess.CredentialID] = sess
}

func (f *fakeRegistry) GetSession(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeRegistry) LiveSession(_ context.Context, credentialID uuid.UUID) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.byCred[credentialID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeRegistry) CredentialForLogin(_ context.Context, _ uuid.UUID) (registry.LoginSecret, error) {
	if f.secretErr != nil {
		return registry.LoginSecret{}, f.secretErr
	}
	return f.secret, nil
}

func (f *fakeRegistry) MarkSessionOutcome(_ context.Context, sessionID uuid.UUID, out registry.SessionOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, sessionMark{sessionID: sessionID, out: out})
	if sess, ok := f.sessions[sessionID]; ok {
		sess.Status = out.Status
	}
	return nil
}

func (f *fakeRegistry) RecordLoginOutcome(_ context.Context, _ uuid.UUID, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, outcome)
	return nil
}

func (f *fakeRegistry) DispatchUsableSession(_ context.Context, _ uuid.UUID) (*domain.Session, error) {
	if f.dispatchErr != nil {
		return nil, f.dispatchErr
	}
	cp := *f.dispatch
	return &cp, nil
}

func (f *fakeRegistry) RecoverableSession(_ context.Context, _ uuid.UUID) (*domain.Session, error) {
	if f.recoverableErr != nil {
		return nil, f.recoverableErr
	}
	if f.recoverable == nil {
		return nil, domain.ErrNoUsableSession
	}
	cp := *f.recoverable
	return &cp, nil
}

func (f *fakeRegistry) lastMark(t *testing.T) sessionMark {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.marks)
	return f.marks[len(f.marks)-1]
}

type fakeRuns struct {
	mu      sync.Mutex
	updated []uuid.UUID
}

func (f *fakeRuns) UpdateTotals(_ context.Context, runID uuid.UUID) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, runID)
	return &domain.Run{ID: runID}, nil
}

type policyFailure struct {
	scheduleID uuid.UUID
	code       domain.BlockCode
}

type fakePolicy struct {
	mu        sync.Mutex
	successes []uuid.UUID
	failures  []policyFailure
}

func (f *fakePolicy) RecordSessionFailure(_ context.Context, scheduleID uuid.UUID, code domain.BlockCode, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, policyFailure{scheduleID: scheduleID, code: code})
	return nil
}

func (f *fakePolicy) RecordPostSuccess(_ context.Context, scheduleID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, scheduleID)
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]string{}} }

func (f *fakeLocker) AcquireLock(_ context.Context, name, owner string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if current, ok := f.held[name]; ok && current != owner {
		return false, nil
	}
	f.held[name] = owner
	return true, nil
}

func (f *fakeLocker) ReleaseLock(_ context.Context, name, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[name] == owner {
		delete(f.held, name)
	}
	return nil
}

type fakeProfile struct {
	loginFn  func(ctx context.Context, loginName, secret string) (automation.LoginResult, error)
	verifyFn func(ctx context.Context) (automation.VerifyResult, error)
	createFn func(ctx context.Context, req automation.PostRequest) (automation.PostResult, error)
	syncFn   func(ctx context.Context) ([]automation.SyncedPost, error)
	deleteFn func(ctx context.Context, articleID string) error
	closed   bool
}

func (p *fakeProfile) Login(ctx context.Context, loginName, secret string) (automation.LoginResult, error) {
	if p.loginFn == nil {
		return automation.LoginResult{OK: true}, nil
	}
	return p.loginFn(ctx, loginName, secret)
}

func (p *fakeProfile) VerifyLogin(ctx context.Context) (automation.VerifyResult, error) {
	if p.verifyFn == nil {
		return automation.VerifyResult{OK: true}, nil
	}
	return p.verifyFn(ctx)
}

func (p *fakeProfile) CreatePost(ctx context.Context, req automation.PostRequest) (automation.PostResult, error) {
	if p.createFn == nil {
		return automation.PostResult{OK: true}, nil
	}
	return p.createFn(ctx, req)
}

func (p *fakeProfile) SyncMyPosts(ctx context.Context) ([]automation.SyncedPost, error) {
	if p.syncFn == nil {
		return nil, nil
	}
	return p.syncFn(ctx)
}

func (p *fakeProfile) DeletePost(ctx context.Context, articleID string) error {
	if p.deleteFn == nil {
		return nil
	}
	return p.deleteFn(ctx, articleID)
}

func (p *fakeProfile) Close(context.Context) error {
	p.closed = true
	return nil
}

type openedProfile struct {
	handle string
	mode   domain.RunMode
}

type fakeDriver struct {
	profile *fakeProfile
	openErr error
	opened  []openedProfile
}

func (d *fakeDriver) OpenProfile(_ context.Context, handle string, mode domain.RunMode) (automation.ProfileSession, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opened = append(d.opened, openedProfile{handle: handle, mode: mode})
	return d.profile, nil
}

type wfix struct {
	store    *fakeJobStore
	registry *fakeRegistry
	runs     *fakeRuns
	policy   *fakePolicy
	locks    *fakeLocker
	driver   *fakeDriver
	rt       *Runtime
	owner    uuid.UUID
}

func newWorkerFixture(t *testing.T) *wfix {
	t.Helper()
	f := &wfix{
		store:    newFakeJobStore(),
		registry: newFakeRegistry(),
		runs:     &fakeRuns{},
		policy:   &fakePolicy{},
		locks:    newFakeLocker(),
		driver:   &fakeDriver{profile: &fakeProfile{}},
		owner:    uuid.Must(uuid.NewV7()),
	}
	cfg := config.WorkerConfig{
		JobTimeout:       time.Minute,
		ActionTimeout:    5 * time.Second,
		ProfileLockTTL:   time.Minute,
		ActionsPerSecond: 1000,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.rt = NewRuntime(cfg, "worker-1", nil, f.locks, f.driver, f.store, f.registry, f.runs, f.policy, log)
	f.rt.probeDelay = time.Millisecond
	return f
}

func (f *wfix) addJob(t *testing.T, typ domain.JobType, payload any, mutate ...func(*domain.Job)) (*domain.Job, *queue.Message) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	job := &domain.Job{
		ID:          uuid.Must(uuid.NewV7()),
		Type:        typ,
		OwnerID:     f.owner,
		Payload:     raw,
		Status:      domain.JobPending,
		MaxAttempts: typ.DefaultMaxAttempts(),
		RunMode:     domain.RunModeHeadless,
		CreatedAt:   time.Now(),
	}
	for _, m := range mutate {
		m(job)
	}
	f.store.rows[job.QueueKey()] = job
	return job, &queue.Message{
		JobKey:      job.QueueKey(),
		Type:        typ,
		Payload:     raw,
		Attempt:     1,
		MaxAttempts: job.MaxAttempts,
	}
}

func (f *wfix) addSession(status domain.SessionStatus) *domain.Session {
	sess := &domain.Session{
		ID:            uuid.Must(uuid.NewV7()),
		CredentialID:  uuid.Must(uuid.NewV7()),
		OwnerID:       f.owner,
		ProfileHandle: "profile-" + uuid.Must(uuid.NewV7()).String(),
		Status:        status,
	}
	f.registry.add(sess)
	return sess
}

func TestHandle_InitSessionSuccess(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionPending)
	f.driver.profile.loginFn = func(context.Context, string, string) (automation.LoginResult, error) {
		return automation.LoginResult{OK: true, Nickname: "poster"}, nil
	}

	_, msg := f.addJob(t, domain.JobInitSession, domain.InitSessionPayload{
		SessionID:    sess.ID,
		CredentialID: sess.CredentialID,
	})
	require.NoError(t, f.rt.handle(context.Background(), msg))

	require.Equal(t, domain.JobCompleted, f.store.lastStatus(t).status)
	mark := f.registry.lastMark(t)
	require.Equal(t, domain.SessionHealthy, mark.out.Status)
	require.Equal(t, "poster", mark.out.Nickname)
	require.NotNil(t, mark.out.VerifiedAt)
	require.Equal(t, []string{"success"}, f.registry.logins)
	require.Empty(t, f.locks.held)
	require.True(t, f.driver.profile.closed)
}

func TestHandle_InitSessionChallengeIsPermanent(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionPending)
	f.driver.profile.loginFn = func(context.Context, string, string) (automation.LoginResult, error) {
		return automation.LoginResult{Challenge: true}, nil
	}

	_, msg := f.addJob(t, domain.JobInitSession, domain.InitSessionPayload{
		SessionID:    sess.ID,
		CredentialID: sess.CredentialID,
	})
	err := f.rt.handle(context.Background(), msg)
	require.Error(t, err)
	require.True(t, queue.IsPermanent(err))

	last := f.store.lastStatus(t)
	require.Equal(t, domain.JobFailed, last.status)
	require.Equal(t, domain.ErrCodeSessionChallenge, last.update.ErrorCode)
	require.Equal(t, domain.SessionChallengeRequired, f.registry.lastMark(t).out.Status)
	require.Equal(t, []string{"challenge"}, f.registry.logins)
}

func TestHandle_CreatePostSuccess(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionHealthy)
	f.registry.dispatch = sess
	f.driver.profile.createFn = func(_ context.Context, req automation.PostRequest) (automation.PostResult, error) {
		require.Equal(t, "board-7", req.BoardKey)
		require.Equal(t, []string{"https://img/1.png"}, req.ImageURLs)
		return automation.PostResult{OK: true, ArticleID: "4242", ArticleURL: "https://site/articles/4242"}, nil
	}

	runID := uuid.Must(uuid.NewV7())
	scheduleID := uuid.Must(uuid.NewV7())
	seq := 1
	job, msg := f.addJob(t, domain.JobCreatePost, domain.CreatePostPayload{
		ScheduleID:     scheduleID,
		RunID:          runID,
		SequenceNumber: seq,
		TargetBoardKey: "board-7",
		Subject:        "hello",
		Body:           "world",
		Images:         []domain.PostImage{{URL: "https://img/1.png", Order: 1}},
		RunMode:        domain.RunModeHeadless,
	}, func(j *domain.Job) {
		j.RunID = &runID
		j.ScheduleID = &scheduleID
		j.SequenceNumber = &seq
	})
	require.NoError(t, f.rt.handle(context.Background(), msg))

	require.Equal(t, domain.JobCompleted, f.store.lastStatus(t).status)
	require.Contains(t, string(f.store.payloads[job.ID]), "https://site/articles/4242")
	require.Equal(t, []uuid.UUID{runID}, f.runs.updated)
	require.Equal(t, []uuid.UUID{scheduleID}, f.policy.successes)
	require.Empty(t, f.policy.failures)
}

func TestHandle_CreatePostNoSessionAtAll(t *testing.T) {
	f := newWorkerFixture(t)
	f.registry.dispatchErr = domain.ErrNoUsableSession

	runID := uuid.Must(uuid.NewV7())
	scheduleID := uuid.Must(uuid.NewV7())
	job, msg := f.addJob(t, domain.JobCreatePost, domain.CreatePostPayload{
		ScheduleID: scheduleID,
		RunID:      runID,
	}, func(j *domain.Job) {
		j.RunID = &runID
		j.ScheduleID = &scheduleID
	})

	err := f.rt.handle(context.Background(), msg)
	require.Error(t, err)
	require.True(t, queue.IsPermanent(err))

	last := f.store.lastStatus(t)
	require.Equal(t, domain.JobFailed, last.status)
	require.Equal(t, domain.ErrCodeLoginRequired, last.update.ErrorCode)
	require.Contains(t, string(f.store.payloads[job.ID]), string(domain.ErrCodeLoginRequired))
	require.Equal(t, []uuid.UUID{runID}, f.runs.updated)
	require.Equal(t, []policyFailure{{scheduleID: scheduleID, code: domain.BlockSessionExpired}}, f.policy.failures)
	require.Empty(t, f.driver.opened)
}

func TestHandle_CreatePostRevivesExpiredSession(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionExpired)
	f.registry.dispatchErr = domain.ErrNoUsableSession
	f.registry.recoverable = sess
	f.driver.profile.verifyFn = func(context.Context) (automation.VerifyResult, error) {
		return automation.VerifyResult{OK: false}, nil
	}
	f.driver.profile.loginFn = func(context.Context, string, string) (automation.LoginResult, error) {
		return automation.LoginResult{OK: true, Nickname: "poster"}, nil
	}

	_, msg := f.addJob(t, domain.JobCreatePost, domain.CreatePostPayload{Subject: "hello"})
	require.NoError(t, f.rt.handle(context.Background(), msg))

	require.Equal(t, domain.JobCompleted, f.store.lastStatus(t).status)
	require.Equal(t, []openedProfile{{handle: sess.ProfileHandle, mode: domain.RunModeHeadless}}, f.driver.opened)
	mark := f.registry.lastMark(t)
	require.Equal(t, sess.ID, mark.sessionID)
	require.Equal(t, domain.SessionHealthy, mark.out.Status)
	require.Equal(t, []string{"success"}, f.registry.logins)
}

func TestHandle_CreatePostExpiredSessionStillDeadFails(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionExpired)
	f.registry.dispatchErr = domain.ErrNoUsableSession
	f.registry.recoverable = sess
	f.driver.profile.verifyFn = func(context.Context) (automation.VerifyResult, error) {
		return automation.VerifyResult{OK: false}, nil
	}
	f.driver.profile.loginFn = func(context.Context, string, string) (automation.LoginResult, error) {
		return automation.LoginResult{OK: false}, nil
	}

	runID := uuid.Must(uuid.NewV7())
	scheduleID := uuid.Must(uuid.NewV7())
	_, msg := f.addJob(t, domain.JobCreatePost, domain.CreatePostPayload{
		ScheduleID: scheduleID,
		RunID:      runID,
	}, func(j *domain.Job) {
		j.RunID = &runID
		j.ScheduleID = &scheduleID
	})
	err := f.rt.handle(context.Background(), msg)
	require.Error(t, err)
	require.True(t, queue.IsPermanent(err))

	last := f.store.lastStatus(t)
	require.Equal(t, domain.JobFailed, last.status)
	require.Equal(t, domain.ErrCodeSessionExpired, last.update.ErrorCode)
	require.Equal(t, domain.SessionExpired, f.registry.lastMark(t).out.Status)
	require.Equal(t, []policyFailure{{scheduleID: scheduleID, code: domain.BlockSessionExpired}}, f.policy.failures)
}

func TestHandle_CreatePostRecoveredProfileStillLoggedIn(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionExpired)
	f.registry.dispatchErr = domain.ErrNoUsableSession
	f.registry.recoverable = sess
	f.driver.profile.verifyFn = func(context.Context) (automation.VerifyResult, error) {
		return automation.VerifyResult{OK: true, Nickname: "poster"}, nil
	}

	_, msg := f.addJob(t, domain.JobCreatePost, domain.CreatePostPayload{Subject: "hello"})
	require.NoError(t, f.rt.handle(context.Background(), msg))

	require.Equal(t, domain.JobCompleted, f.store.lastStatus(t).status)
	mark := f.registry.lastMark(t)
	require.Equal(t, domain.SessionHealthy, mark.out.Status)
	require.NotNil(t, mark.out.VerifiedAt)
	// No fresh login was needed.
	require.Empty(t, f.registry.logins)
}

func TestHandle_CreatePostAmbiguousResolvedBySync(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionHealthy)
	f.registry.dispatch = sess
	f.driver.profile.createFn = func(context.Context, automation.PostRequest) (automation.PostResult, error) {
		return automation.PostResult{Ambiguous: true}, nil
	}
	f.driver.profile.syncFn = func(context.Context) ([]automation.SyncedPost, error) {
		return []automation.SyncedPost{
			{ArticleID: "9", ArticleURL: "https://site/articles/9", Subject: "hello"},
		}, nil
	}

	job, msg := f.addJob(t, domain.JobCreatePost, domain.CreatePostPayload{
		Subject: "hello",
		Body:    "world",
	})
	require.NoError(t, f.rt.handle(context.Background(), msg))

	require.Equal(t, domain.JobCompleted, f.store.lastStatus(t).status)
	require.Contains(t, string(f.store.payloads[job.ID]), `"resultArticleId":"9"`)
}

func TestHandle_CreatePostRetryableFailureReturnsToPending(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionHealthy)
	f.registry.dispatch = sess
	f.driver.profile.createFn = func(context.Context, automation.PostRequest) (automation.PostResult, error) {
		return automation.PostResult{}, errors.New("editor iframe vanished")
	}

	_, msg := f.addJob(t, domain.JobCreatePost, domain.CreatePostPayload{Subject: "hello"})
	err := f.rt.handle(context.Background(), msg)
	require.Error(t, err)
	require.False(t, queue.IsPermanent(err))

	last := f.store.lastStatus(t)
	require.Equal(t, domain.JobPending, last.status)
	require.Equal(t, domain.ErrCodeUnknown, last.update.ErrorCode)
	require.Empty(t, f.policy.failures)
}

func TestHandle_JobTimeoutCapsCreatePost(t *testing.T) {
	f := newWorkerFixture(t)
	f.rt.cfg.JobTimeout = 20 * time.Millisecond
	sess := f.addSession(domain.SessionHealthy)
	f.registry.dispatch = sess
	f.driver.profile.createFn = func(ctx context.Context, _ automation.PostRequest) (automation.PostResult, error) {
		// A hung browser never answers; only the job deadline frees us.
		<-ctx.Done()
		return automation.PostResult{}, ctx.Err()
	}

	job, msg := f.addJob(t, domain.JobCreatePost, domain.CreatePostPayload{Subject: "hello"})

	// Short of the attempt budget the failure is retryable.
	err := f.rt.handle(context.Background(), msg)
	require.Error(t, err)
	require.False(t, queue.IsPermanent(err))
	last := f.store.lastStatus(t)
	require.Equal(t, domain.JobPending, last.status)
	require.Equal(t, domain.ErrCodeTimeout, last.update.ErrorCode)

	// The final attempt settles the job as FAILED with the timeout code.
	msg.Attempt = msg.MaxAttempts
	err = f.rt.handle(context.Background(), msg)
	require.Error(t, err)
	require.False(t, queue.IsPermanent(err))
	last = f.store.lastStatus(t)
	require.Equal(t, domain.JobFailed, last.status)
	require.Equal(t, domain.ErrCodeTimeout, last.update.ErrorCode)
	require.Contains(t, string(f.store.payloads[job.ID]), string(domain.ErrCodeTimeout))
	require.True(t, f.driver.profile.closed)
}

func TestHandle_CreatePostReloginWhenProbeFails(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionExpiring)
	f.registry.dispatch = sess
	f.driver.profile.verifyFn = func(context.Context) (automation.VerifyResult, error) {
		return automation.VerifyResult{OK: false}, nil
	}
	f.driver.profile.loginFn = func(context.Context, string, string) (automation.LoginResult, error) {
		return automation.LoginResult{OK: true, Nickname: "poster"}, nil
	}

	_, msg := f.addJob(t, domain.JobCreatePost, domain.CreatePostPayload{Subject: "hello"})
	require.NoError(t, f.rt.handle(context.Background(), msg))

	require.Equal(t, domain.JobCompleted, f.store.lastStatus(t).status)
	require.Equal(t, domain.SessionHealthy, f.registry.lastMark(t).out.Status)
	require.Equal(t, []string{"success"}, f.registry.logins)
}

func TestHandle_VerifySessionExpires(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionExpiring)
	f.driver.profile.verifyFn = func(context.Context) (automation.VerifyResult, error) {
		return automation.VerifyResult{OK: false}, nil
	}

	_, msg := f.addJob(t, domain.JobVerifySession, domain.VerifySessionPayload{SessionID: sess.ID})
	require.NoError(t, f.rt.handle(context.Background(), msg))

	require.Equal(t, domain.JobCompleted, f.store.lastStatus(t).status)
	mark := f.registry.lastMark(t)
	require.Equal(t, domain.SessionExpired, mark.out.Status)
	require.Equal(t, domain.ErrCodeSessionExpired, mark.out.ErrorCode)
}

func TestHandle_VerifySessionRefreshesExpiring(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionExpiring)

	_, msg := f.addJob(t, domain.JobVerifySession, domain.VerifySessionPayload{SessionID: sess.ID})
	require.NoError(t, f.rt.handle(context.Background(), msg))

	mark := f.registry.lastMark(t)
	require.Equal(t, domain.SessionHealthy, mark.out.Status)
	require.NotNil(t, mark.out.VerifiedAt)
}

func TestHandle_BusyProfileRetries(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionHealthy)
	f.registry.dispatch = sess
	f.locks.held["profile:"+sess.ProfileHandle] = "worker-2"

	_, msg := f.addJob(t, domain.JobCreatePost, domain.CreatePostPayload{Subject: "hello"})
	err := f.rt.handle(context.Background(), msg)
	require.Error(t, err)
	require.False(t, queue.IsPermanent(err))

	last := f.store.lastStatus(t)
	require.Equal(t, domain.JobPending, last.status)
	require.Equal(t, domain.ErrCodeRateLimited, last.update.ErrorCode)
	require.Empty(t, f.driver.opened)
}

func TestHandle_SettledJobRedelivery(t *testing.T) {
	f := newWorkerFixture(t)
	_, msg := f.addJob(t, domain.JobCreatePost, domain.CreatePostPayload{}, func(j *domain.Job) {
		j.Status = domain.JobCompleted
	})

	require.NoError(t, f.rt.handle(context.Background(), msg))
	require.Empty(t, f.store.statuses)
	require.Empty(t, f.driver.opened)
}

func TestHandle_MissingRowIsPermanent(t *testing.T) {
	f := newWorkerFixture(t)
	msg := &queue.Message{JobKey: "ghost", Type: domain.JobCreatePost, Attempt: 1, MaxAttempts: 3}

	err := f.rt.handle(context.Background(), msg)
	require.Error(t, err)
	require.True(t, queue.IsPermanent(err))
}

func TestHandle_SyncPostsWritesPayload(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionHealthy)
	f.driver.profile.syncFn = func(context.Context) ([]automation.SyncedPost, error) {
		return []automation.SyncedPost{
			{ArticleID: "1", Subject: "first"},
			{ArticleID: "2", Subject: "second"},
		}, nil
	}

	job, msg := f.addJob(t, domain.JobSyncPosts, domain.SyncPostsPayload{CredentialID: sess.CredentialID})
	require.NoError(t, f.rt.handle(context.Background(), msg))

	require.Equal(t, domain.JobCompleted, f.store.lastStatus(t).status)
	var out struct {
		Posts []syncedPostView `json:"posts"`
	}
	require.NoError(t, json.Unmarshal(f.store.payloads[job.ID], &out))
	require.Len(t, out.Posts, 2)
	require.Equal(t, "first", out.Posts[0].Subject)
}

func TestHandle_SyncPostsWithoutLiveSessionFails(t *testing.T) {
	f := newWorkerFixture(t)

	_, msg := f.addJob(t, domain.JobSyncPosts, domain.SyncPostsPayload{CredentialID: uuid.Must(uuid.NewV7())})
	err := f.rt.handle(context.Background(), msg)
	require.Error(t, err)
	require.True(t, queue.IsPermanent(err))
	require.Equal(t, domain.ErrCodeLoginRequired, f.store.lastStatus(t).update.ErrorCode)
}

func TestHandle_DeletePost(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionHealthy)
	var deleted string
	f.driver.profile.deleteFn = func(_ context.Context, articleID string) error {
		deleted = articleID
		return nil
	}

	_, msg := f.addJob(t, domain.JobDeletePost, domain.DeletePostPayload{
		CredentialID: sess.CredentialID,
		ArticleID:    "4242",
	})
	require.NoError(t, f.rt.handle(context.Background(), msg))

	require.Equal(t, "4242", deleted)
	require.Equal(t, domain.JobCompleted, f.store.lastStatus(t).status)
}

func TestHandle_PanicBecomesError(t *testing.T) {
	f := newWorkerFixture(t)
	sess := f.addSession(domain.SessionHealthy)
	f.registry.dispatch = sess
	f.driver.profile.createFn = func(context.Context, automation.PostRequest) (automation.PostResult, error) {
		panic("selector table corrupted")
	}

	_, msg := f.addJob(t, domain.JobCreatePost, domain.CreatePostPayload{Subject: "hello"})
	err := f.rt.handle(context.Background(), msg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "selector table corrupted")
}
