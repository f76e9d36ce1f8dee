package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/postpilot/postpilot/internal/application/registry"
	"github.com/postpilot/postpilot/internal/automation"
	"github.com/postpilot/postpilot/internal/domain"
	"github.com/postpilot/postpilot/internal/queue"
)

// ambiguousProbeDelay is how long to wait before re-probing a submit whose
// success signals never appeared.
const ambiguousProbeDelay = 2 * time.Second

func (r *Runtime) runInitSession(ctx context.Context, job *domain.Job) error {
	p, err := domain.DecodePayload[domain.InitSessionPayload](job.Payload)
	if err != nil {
		return queue.Permanent(err)
	}

	sess, err := r.registry.GetSession(ctx, p.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	secret, err := r.registry.CredentialForLogin(ctx, p.CredentialID)
	if err != nil {
		// Corrupt credentials were already flagged by the registry.
		return err
	}

	return r.withProfile(ctx, sess.ProfileHandle, job.RunMode, func(ps automation.ProfileSession) error {
		if err := r.limiter(sess.ProfileHandle).Wait(ctx); err != nil {
			return err
		}
		loginCtx, cancel := context.WithTimeout(ctx, r.cfg.ActionTimeout)
		res, err := ps.Login(loginCtx, secret.LoginName, secret.Plain)
		cancel()
		if err != nil {
			r.markSession(ctx, p.SessionID, domain.SessionError, domain.ErrCodeSessionError, err.Error())
			r.recordLogin(ctx, p.CredentialID, "failure")
			return failf(domain.ErrCodeSessionError, "login %s: %v", secret.LoginName, err)
		}

		switch {
		case res.Challenge:
			r.markSession(ctx, p.SessionID, domain.SessionChallengeRequired,
				domain.ErrCodeSessionChallenge, "the platform requires additional verification")
			r.recordLogin(ctx, p.CredentialID, "challenge")
			return failf(domain.ErrCodeSessionChallenge, "login challenged for %s", secret.LoginName)
		case !res.OK:
			r.markSession(ctx, p.SessionID, domain.SessionError, domain.ErrCodeSessionError, "login rejected")
			r.recordLogin(ctx, p.CredentialID, "failure")
			return failf(domain.ErrCodeSessionError, "login rejected for %s", secret.LoginName)
		}

		now := r.now()
		if err := r.registry.MarkSessionOutcome(ctx, p.SessionID, registry.SessionOutcome{
			Status:     domain.SessionHealthy,
			Nickname:   res.Nickname,
			VerifiedAt: &now,
		}); err != nil {
			return fmt.Errorf("mark session healthy: %w", err)
		}
		r.recordLogin(ctx, p.CredentialID, "success")
		r.logJob(ctx, job, domain.LogInfo, "session established", map[string]any{"nickname": res.Nickname})
		return nil
	})
}

func (r *Runtime) runVerifySession(ctx context.Context, job *domain.Job) error {
	p, err := domain.DecodePayload[domain.VerifySessionPayload](job.Payload)
	if err != nil {
		return queue.Permanent(err)
	}

	sess, err := r.registry.GetSession(ctx, p.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !sess.Status.Live() {
		r.logJob(ctx, job, domain.LogInfo, "session not live, probe skipped", map[string]any{"status": string(sess.Status)})
		return nil
	}

	return r.withProfile(ctx, sess.ProfileHandle, domain.RunModeHeadless, func(ps automation.ProfileSession) error {
		if err := r.limiter(sess.ProfileHandle).Wait(ctx); err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ActionTimeout)
		res, err := ps.VerifyLogin(probeCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("probe session: %w", err)
		}

		if res.OK {
			now := r.now()
			if err := r.registry.MarkSessionOutcome(ctx, p.SessionID, registry.SessionOutcome{
				Status:     domain.SessionHealthy,
				Nickname:   res.Nickname,
				VerifiedAt: &now,
			}); err != nil {
				return fmt.Errorf("mark session healthy: %w", err)
			}
			return nil
		}

		// The probe itself worked; the login is just gone. That is a job
		// success with a dead session as its finding.
		status := domain.SessionExpired
		if sess.Status == domain.SessionPending {
			status = domain.SessionError
		}
		r.markSession(ctx, p.SessionID, status, domain.ErrCodeSessionExpired, "probe found no live login")
		r.logJob(ctx, job, domain.LogWarn, "session is no longer logged in", map[string]any{"sessionID": sess.ID.String()})
		return nil
	})
}

func (r *Runtime) runCreatePost(ctx context.Context, job *domain.Job) error {
	p, err := domain.DecodePayload[domain.CreatePostPayload](job.Payload)
	if err != nil {
		return queue.Permanent(err)
	}

	sess, err := r.registry.DispatchUsableSession(ctx, job.OwnerID)
	recovering := false
	if errors.Is(err, domain.ErrNoUsableSession) {
		// Nothing is dispatch-usable, but the owner may still have a dead
		// session whose credential can log back in. Try that before the
		// job settles as LOGIN_REQUIRED.
		sess, err = r.registry.RecoverableSession(ctx, job.OwnerID)
		recovering = true
	}
	if err != nil {
		return err
	}

	mode := p.RunMode
	if mode == "" {
		mode = job.RunMode
	}

	return r.withProfile(ctx, sess.ProfileHandle, mode, func(ps automation.ProfileSession) error {
		lim := r.limiter(sess.ProfileHandle)
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ActionTimeout)
		probe, err := ps.VerifyLogin(probeCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("probe before post: %w", err)
		}
		if !probe.OK {
			if err := r.relogin(ctx, ps, sess); err != nil {
				return err
			}
		} else if recovering {
			// The row said dead but the profile still holds the login;
			// refresh the record instead of logging in again.
			now := r.now()
			if err := r.registry.MarkSessionOutcome(ctx, sess.ID, registry.SessionOutcome{
				Status:     domain.SessionHealthy,
				Nickname:   probe.Nickname,
				VerifiedAt: &now,
			}); err != nil {
				return fmt.Errorf("mark session healthy: %w", err)
			}
		}

		req := automation.PostRequest{
			BoardKey:    p.TargetBoardKey,
			Subject:     p.Subject,
			Body:        p.Body,
			ImageURLs:   imageURLs(p.Images),
			FixedFields: p.FixedFields,
		}
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		res, err := ps.CreatePost(ctx, req)
		if err != nil {
			return fmt.Errorf("submit post: %w", err)
		}
		if res.Ambiguous {
			res = r.reprobeAmbiguous(ctx, ps, p.Subject, res)
		}
		if !res.OK {
			code := res.ErrorCategory
			if code == "" {
				code = domain.ErrCodeUnknown
			}
			return failf(code, "post rejected: %s", code.Summary())
		}

		p.ResultURL = res.ArticleURL
		p.ResultArticleID = res.ArticleID
		if merged, err := domain.MergePayload(job.Payload, p); err == nil {
			if err := r.jobs.UpdatePayload(ctx, job.ID, merged); err != nil {
				r.log.ErrorContext(ctx, "post result write-back failed", "jobID", job.ID, "error", err)
			}
		}
		r.logJob(ctx, job, domain.LogInfo, "post published", map[string]any{
			"articleId":  res.ArticleID,
			"articleUrl": res.ArticleURL,
		})
		return nil
	})
}

// relogin re-establishes a login in-line when the pre-post probe finds the
// profile logged out. Runs inside the caller's profile lock.
func (r *Runtime) relogin(ctx context.Context, ps automation.ProfileSession, sess *domain.Session) error {
	secret, err := r.registry.CredentialForLogin(ctx, sess.CredentialID)
	if err != nil {
		return err
	}

	loginCtx, cancel := context.WithTimeout(ctx, r.cfg.ActionTimeout)
	res, err := ps.Login(loginCtx, secret.LoginName, secret.Plain)
	cancel()
	if err != nil {
		return failf(domain.ErrCodeSessionError, "re-login %s: %v", secret.LoginName, err)
	}
	switch {
	case res.Challenge:
		r.markSession(ctx, sess.ID, domain.SessionChallengeRequired,
			domain.ErrCodeSessionChallenge, "the platform requires additional verification")
		return failf(domain.ErrCodeSessionChallenge, "re-login challenged for %s", secret.LoginName)
	case !res.OK:
		r.markSession(ctx, sess.ID, domain.SessionExpired, domain.ErrCodeSessionExpired, "re-login rejected")
		return failf(domain.ErrCodeSessionExpired, "re-login rejected for %s", secret.LoginName)
	}

	now := r.now()
	if err := r.registry.MarkSessionOutcome(ctx, sess.ID, registry.SessionOutcome{
		Status:     domain.SessionHealthy,
		Nickname:   res.Nickname,
		VerifiedAt: &now,
	}); err != nil {
		return fmt.Errorf("mark session healthy: %w", err)
	}
	r.recordLogin(ctx, sess.CredentialID, "success")
	return nil
}

// reprobeAmbiguous resolves a submit with no success signal by scanning the
// account's own post list for the article.
func (r *Runtime) reprobeAmbiguous(ctx context.Context, ps automation.ProfileSession, subject string, res automation.PostResult) automation.PostResult {
	select {
	case <-ctx.Done():
		return res
	case <-time.After(r.probeDelay):
	}

	posts, err := ps.SyncMyPosts(ctx)
	if err != nil {
		r.log.WarnContext(ctx, "ambiguous submit re-probe failed", "error", err)
		return res
	}
	for _, post := range posts {
		if post.Subject == subject {
			return automation.PostResult{OK: true, ArticleID: post.ArticleID, ArticleURL: post.ArticleURL}
		}
	}
	res.Ambiguous = false
	return res
}

// syncedPostView is the payload shape of one discovered article.
type syncedPostView struct {
	ArticleID  string `json:"articleId"`
	ArticleURL string `json:"articleUrl"`
	Subject    string `json:"subject"`
}

func (r *Runtime) runSyncPosts(ctx context.Context, job *domain.Job) error {
	p, err := domain.DecodePayload[domain.SyncPostsPayload](job.Payload)
	if err != nil {
		return queue.Permanent(err)
	}

	sess, err := r.usableSessionForCredential(ctx, p.CredentialID)
	if err != nil {
		return err
	}

	return r.withProfile(ctx, sess.ProfileHandle, domain.RunModeHeadless, func(ps automation.ProfileSession) error {
		if err := r.limiter(sess.ProfileHandle).Wait(ctx); err != nil {
			return err
		}
		posts, err := ps.SyncMyPosts(ctx)
		if err != nil {
			return fmt.Errorf("sync posts: %w", err)
		}

		views := make([]syncedPostView, 0, len(posts))
		for _, post := range posts {
			views = append(views, syncedPostView{
				ArticleID:  post.ArticleID,
				ArticleURL: post.ArticleURL,
				Subject:    post.Subject,
			})
		}
		merged, err := domain.MergePayload(job.Payload, map[string]any{
			"posts":    views,
			"syncedAt": r.now().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		if err := r.jobs.UpdatePayload(ctx, job.ID, merged); err != nil {
			return fmt.Errorf("sync result write-back: %w", err)
		}
		r.logJob(ctx, job, domain.LogInfo, "posts synced", map[string]any{"count": len(posts)})
		return nil
	})
}

func (r *Runtime) runDeletePost(ctx context.Context, job *domain.Job) error {
	p, err := domain.DecodePayload[domain.DeletePostPayload](job.Payload)
	if err != nil {
		return queue.Permanent(err)
	}

	sess, err := r.usableSessionForCredential(ctx, p.CredentialID)
	if err != nil {
		return err
	}

	return r.withProfile(ctx, sess.ProfileHandle, domain.RunModeHeadless, func(ps automation.ProfileSession) error {
		if err := r.limiter(sess.ProfileHandle).Wait(ctx); err != nil {
			return err
		}
		delCtx, cancel := context.WithTimeout(ctx, r.cfg.ActionTimeout)
		err := ps.DeletePost(delCtx, p.ArticleID)
		cancel()
		if err != nil {
			return fmt.Errorf("delete article %s: %w", p.ArticleID, err)
		}
		r.logJob(ctx, job, domain.LogInfo, "article deleted", map[string]any{"articleId": p.ArticleID})
		return nil
	})
}

// usableSessionForCredential resolves the credential's live session and
// requires it to be dispatch-usable.
func (r *Runtime) usableSessionForCredential(ctx context.Context, credentialID uuid.UUID) (*domain.Session, error) {
	sess, err := r.registry.LiveSession(ctx, credentialID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, failf(domain.ErrCodeLoginRequired, "credential %s has no live session", credentialID)
		}
		return nil, fmt.Errorf("load session for credential: %w", err)
	}
	if !sess.Status.DispatchUsable() {
		return nil, failf(domain.ErrCodeLoginRequired, "session %s is %s", sess.ID, sess.Status)
	}
	return sess, nil
}

// markSession applies a failure transition, logging instead of failing when
// a concurrent writer got there first.
func (r *Runtime) markSession(ctx context.Context, sessionID uuid.UUID, status domain.SessionStatus, code domain.ErrorCode, message string) {
	err := r.registry.MarkSessionOutcome(ctx, sessionID, registry.SessionOutcome{
		Status:       status,
		ErrorCode:    code,
		ErrorMessage: message,
	})
	if err != nil {
		r.log.WarnContext(ctx, "session transition rejected",
			"sessionID", sessionID, "status", status, "error", err)
	}
}

func (r *Runtime) recordLogin(ctx context.Context, credentialID uuid.UUID, outcome string) {
	if err := r.registry.RecordLoginOutcome(ctx, credentialID, outcome); err != nil {
		r.log.ErrorContext(ctx, "record login outcome failed", "credentialID", credentialID, "error", err)
	}
}

func imageURLs(images []domain.PostImage) []string {
	urls := make([]string, 0, len(images))
	for _, img := range images {
		urls = append(urls, img.URL)
	}
	return urls
}
