// Package registry owns credentials and the session state machine that
// gates dispatch on live platform logins.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postpilot/postpilot/internal/domain"
)

func marshalPayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// healthyMaxAge is how long a HEALTHY session is trusted without a fresh
// verification before it is demoted to EXPIRING on the read path.
const healthyMaxAge = 24 * time.Hour

// CredentialRepository is the persistence the registry needs for credentials.
type CredentialRepository interface {
	InsertCredential(ctx context.Context, c *domain.Credential) error
	GetCredential(ctx context.Context, id uuid.UUID) (*domain.Credential, error)
	// DeleteCredential removes the credential and cascades its sessions.
	DeleteCredential(ctx context.Context, ownerID, id uuid.UUID) error
	MarkCredentialCorrupt(ctx context.Context, id uuid.UUID) error
	RecordCredentialLogin(ctx context.Context, id uuid.UUID, at time.Time, outcome string) error
}

// SessionRepository is the persistence the registry needs for sessions.
type SessionRepository interface {
	InsertSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	// LiveSessionForCredential returns the single PENDING/HEALTHY/EXPIRING
	// session of a credential, or ErrNotFound.
	LiveSessionForCredential(ctx context.Context, credentialID uuid.UUID) (*domain.Session, error)
	UpdateSession(ctx context.Context, s *domain.Session) error
	// DispatchUsableSessionForOwner returns any HEALTHY/EXPIRING session
	// owned by the tenant, preferring the most recently verified.
	DispatchUsableSessionForOwner(ctx context.Context, ownerID uuid.UUID) (*domain.Session, error)
	// LatestSessionForOwner returns the tenant's most recently touched
	// session regardless of status, or ErrNotFound.
	LatestSessionForOwner(ctx context.Context, ownerID uuid.UUID) (*domain.Session, error)
}

// JobCreator is the slice of the job store the registry uses to spawn
// session work.
type JobCreator interface {
	Create(ctx context.Context, in domain.NewJob) (*domain.Job, error)
}

// Cipher seals and opens credential secrets. Provided by secretbox.
type Cipher interface {
	Encrypt(plain string) ([]byte, error)
	Decrypt(sealed []byte) (string, error)
}

// legalTransitions is the session state machine. Same-state writes are
// always allowed so refreshing verifications stay idempotent. EXPIRED and
// ERROR can go straight back to HEALTHY: the worker's in-line re-login
// revives a dead session without a PENDING round trip. CHALLENGE_REQUIRED
// cannot; only a manual reconnect clears a challenge.
var legalTransitions = map[domain.SessionStatus][]domain.SessionStatus{
	domain.SessionPending:           {domain.SessionHealthy, domain.SessionChallengeRequired, domain.SessionError},
	domain.SessionHealthy:           {domain.SessionExpiring, domain.SessionExpired, domain.SessionChallengeRequired, domain.SessionError},
	domain.SessionExpiring:          {domain.SessionHealthy, domain.SessionExpired, domain.SessionChallengeRequired, domain.SessionError},
	domain.SessionExpired:           {domain.SessionPending, domain.SessionHealthy},
	domain.SessionChallengeRequired: {domain.SessionPending},
	domain.SessionError:             {domain.SessionPending, domain.SessionHealthy},
}

func transitionAllowed(from, to domain.SessionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Service is the credential & session registry.
type Service struct {
	credentials CredentialRepository
	sessions    SessionRepository
	jobs        JobCreator
	cipher      Cipher
	log         *slog.Logger
	now         func() time.Time
}

func NewService(credentials CredentialRepository, sessions SessionRepository, jobs JobCreator, cipher Cipher, log *slog.Logger) *Service {
	return &Service{
		credentials: credentials,
		sessions:    sessions,
		jobs:        jobs,
		cipher:      cipher,
		log:         log,
		now:         time.Now,
	}
}

// CreateCredential stores a new login secret for a tenant.
func (s *Service) CreateCredential(ctx context.Context, ownerID uuid.UUID, loginName, secret, displayName string) (*domain.Credential, error) {
	sealed, err := s.cipher.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}
	now := s.now()
	cred := &domain.Credential{
		ID:           uuid.Must(uuid.NewV7()),
		OwnerID:      ownerID,
		LoginName:    loginName,
		SecretCipher: sealed,
		DisplayName:  displayName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.credentials.InsertCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}
	s.log.InfoContext(ctx, "credential created", "credentialID", cred.ID, "ownerID", ownerID)
	return cred, nil
}

// DeleteCredential removes a credential and every session it spawned.
func (s *Service) DeleteCredential(ctx context.Context, ownerID, id uuid.UUID) error {
	if err := s.credentials.DeleteCredential(ctx, ownerID, id); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	s.log.InfoContext(ctx, "credential deleted", "credentialID", id, "ownerID", ownerID)
	return nil
}

// BeginSessionInit spawns a PENDING session for the credential and enqueues
// the login job. Fails when the credential already has a live session.
func (s *Service) BeginSessionInit(ctx context.Context, credentialID uuid.UUID) (uuid.UUID, error) {
	cred, err := s.credentials.GetCredential(ctx, credentialID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin session init: %w", err)
	}

	if _, err := s.sessions.LiveSessionForCredential(ctx, credentialID); err == nil {
		return uuid.Nil, domain.ErrLiveSessionExists
	} else if !errors.Is(err, domain.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("begin session init: %w", err)
	}

	now := s.now()
	sess := &domain.Session{
		ID:            uuid.Must(uuid.NewV7()),
		CredentialID:  credentialID,
		OwnerID:       cred.OwnerID,
		ProfileHandle: "profile-" + uuid.Must(uuid.NewV7()).String(),
		Status:        domain.SessionPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.sessions.InsertSession(ctx, sess); err != nil {
		return uuid.Nil, fmt.Errorf("begin session init: %w", err)
	}

	if err := s.enqueueInit(ctx, sess, cred, false); err != nil {
		return uuid.Nil, err
	}
	s.log.InfoContext(ctx, "session init started", "sessionID", sess.ID, "credentialID", credentialID)
	return sess.ID, nil
}

// ReconnectSession resets a dead session to PENDING, keeping its profile
// handle, and enqueues a fresh login.
func (s *Service) ReconnectSession(ctx context.Context, sessionID uuid.UUID) error {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reconnect session: %w", err)
	}
	if !transitionAllowed(sess.Status, domain.SessionPending) {
		return fmt.Errorf("reconnect session from %s: %w", sess.Status, domain.ErrInvalidTransition)
	}
	cred, err := s.credentials.GetCredential(ctx, sess.CredentialID)
	if err != nil {
		return fmt.Errorf("reconnect session: %w", err)
	}

	sess.Status = domain.SessionPending
	sess.ErrorCode = ""
	sess.ErrorMessage = ""
	sess.UpdatedAt = s.now()
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("reconnect session: %w", err)
	}

	if err := s.enqueueInit(ctx, sess, cred, true); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "session reconnect started", "sessionID", sessionID)
	return nil
}

func (s *Service) enqueueInit(ctx context.Context, sess *domain.Session, cred *domain.Credential, reconnect bool) error {
	payload, err := marshalPayload(domain.InitSessionPayload{
		SessionID:    sess.ID,
		CredentialID: cred.ID,
		IsReconnect:  reconnect,
	})
	if err != nil {
		return err
	}
	_, err = s.jobs.Create(ctx, domain.NewJob{
		Type:    domain.JobInitSession,
		OwnerID: cred.OwnerID,
		Payload: payload,
		RunMode: domain.RunModeHeadless,
	})
	if err != nil {
		return fmt.Errorf("enqueue session init: %w", err)
	}
	return nil
}

// VerifySession enqueues a lightweight probe of an existing session.
func (s *Service) VerifySession(ctx context.Context, sessionID uuid.UUID) error {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("verify session: %w", err)
	}
	payload, err := marshalPayload(domain.VerifySessionPayload{SessionID: sess.ID})
	if err != nil {
		return err
	}
	if _, err := s.jobs.Create(ctx, domain.NewJob{
		Type:    domain.JobVerifySession,
		OwnerID: sess.OwnerID,
		Payload: payload,
		RunMode: domain.RunModeHeadless,
	}); err != nil {
		return fmt.Errorf("verify session: %w", err)
	}
	return nil
}

// SessionOutcome is one observed result of a login or probe.
type SessionOutcome struct {
	Status       domain.SessionStatus
	Nickname     string
	ErrorCode    domain.ErrorCode
	ErrorMessage string
	VerifiedAt   *time.Time
}

// MarkSessionOutcome applies a state-machine transition. Illegal transitions
// are rejected; concurrent writers resolve later-writer-wins, so the caller
// re-reads before acting on the result.
func (s *Service) MarkSessionOutcome(ctx context.Context, sessionID uuid.UUID, out SessionOutcome) error {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("mark session outcome: %w", err)
	}
	if !transitionAllowed(sess.Status, out.Status) {
		return fmt.Errorf("session %s: %s -> %s: %w", sessionID, sess.Status, out.Status, domain.ErrInvalidTransition)
	}

	sess.Status = out.Status
	sess.ErrorCode = out.ErrorCode
	sess.ErrorMessage = out.ErrorMessage
	if out.Nickname != "" {
		sess.Nickname = out.Nickname
	}
	if out.VerifiedAt != nil {
		sess.LastVerifiedAt = out.VerifiedAt
	}
	sess.UpdatedAt = s.now()
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("mark session outcome: %w", err)
	}
	s.log.InfoContext(ctx, "session transitioned",
		"sessionID", sessionID, "status", out.Status, "errorCode", out.ErrorCode)
	return nil
}

// LoginSecret is the decrypted login material handed to a worker.
type LoginSecret struct {
	LoginName string
	Plain     string
}

// CredentialForLogin decrypts the stored secret. Decrypt failure is fatal
// for the credential: it is flagged corrupt, its live session goes to
// ERROR, and the caller must not retry.
func (s *Service) CredentialForLogin(ctx context.Context, credentialID uuid.UUID) (LoginSecret, error) {
	cred, err := s.credentials.GetCredential(ctx, credentialID)
	if err != nil {
		return LoginSecret{}, fmt.Errorf("credential for login: %w", err)
	}
	if cred.Corrupt {
		return LoginSecret{}, domain.ErrCredentialCorrupt
	}

	plain, err := s.cipher.Decrypt(cred.SecretCipher)
	if err != nil {
		s.failCorrupt(ctx, cred)
		return LoginSecret{}, fmt.Errorf("credential for login: %w", err)
	}
	return LoginSecret{LoginName: cred.LoginName, Plain: plain}, nil
}

func (s *Service) failCorrupt(ctx context.Context, cred *domain.Credential) {
	if err := s.credentials.MarkCredentialCorrupt(ctx, cred.ID); err != nil {
		s.log.ErrorContext(ctx, "flag corrupt credential failed", "credentialID", cred.ID, "error", err)
	}
	sess, err := s.sessions.LiveSessionForCredential(ctx, cred.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.log.ErrorContext(ctx, "load live session failed", "credentialID", cred.ID, "error", err)
		}
		return
	}
	sess.Status = domain.SessionError
	sess.ErrorCode = domain.ErrCodeCredentialCorrupt
	sess.ErrorMessage = "stored secret failed to decrypt"
	sess.UpdatedAt = s.now()
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		s.log.ErrorContext(ctx, "mark session corrupt failed", "sessionID", sess.ID, "error", err)
	}
	s.log.WarnContext(ctx, "credential marked corrupt", "credentialID", cred.ID)
}

// RecordLoginOutcome stamps the credential's last login attempt.
func (s *Service) RecordLoginOutcome(ctx context.Context, credentialID uuid.UUID, outcome string) error {
	if err := s.credentials.RecordCredentialLogin(ctx, credentialID, s.now(), outcome); err != nil {
		return fmt.Errorf("record login outcome: %w", err)
	}
	return nil
}

// DispatchUsableSession returns a session the worker can post with. A
// HEALTHY session whose last verification is older than 24h is demoted to
// EXPIRING on the way out; it stays usable until a probe settles it.
func (s *Service) DispatchUsableSession(ctx context.Context, ownerID uuid.UUID) (*domain.Session, error) {
	sess, err := s.sessions.DispatchUsableSessionForOwner(ctx, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNoUsableSession
		}
		return nil, fmt.Errorf("dispatch usable session: %w", err)
	}

	if sess.Status == domain.SessionHealthy && sess.LastVerifiedAt != nil &&
		s.now().Sub(*sess.LastVerifiedAt) > healthyMaxAge {
		sess.Status = domain.SessionExpiring
		sess.UpdatedAt = s.now()
		if err := s.sessions.UpdateSession(ctx, sess); err != nil {
			s.log.WarnContext(ctx, "demote stale session failed", "sessionID", sess.ID, "error", err)
		}
	}
	return sess, nil
}

// RecoverableSession returns the owner's latest dead session for an in-line
// re-login when nothing is dispatch-usable. A session stuck behind a
// challenge is not recoverable without manual intervention, and a corrupt
// credential cannot log in at all.
func (s *Service) RecoverableSession(ctx context.Context, ownerID uuid.UUID) (*domain.Session, error) {
	sess, err := s.sessions.LatestSessionForOwner(ctx, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNoUsableSession
		}
		return nil, fmt.Errorf("recoverable session: %w", err)
	}
	if sess.Status == domain.SessionChallengeRequired {
		return nil, domain.ErrNoUsableSession
	}

	cred, err := s.credentials.GetCredential(ctx, sess.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("recoverable session: %w", err)
	}
	if cred.Corrupt {
		return nil, domain.ErrCredentialCorrupt
	}
	return sess, nil
}

// GetSession returns one session by ID.
func (s *Service) GetSession(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	return s.sessions.GetSession(ctx, sessionID)
}

// LiveSession returns the credential's single live session, or ErrNotFound.
func (s *Service) LiveSession(ctx context.Context, credentialID uuid.UUID) (*domain.Session, error) {
	return s.sessions.LiveSessionForCredential(ctx, credentialID)
}
