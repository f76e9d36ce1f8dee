// Package automation declares the contract of the browser-automation driver
// that physically logs in and posts on the target site. The driver itself is
// an external collaborator; the worker runtime only depends on these
// interfaces and is tested against fakes.
package automation

import (
	"context"

	"github.com/postpilot/postpilot/internal/domain"
)

// Driver opens browser profiles. One profile maps to one target-site login;
// the handle is stable for a session's lifetime so cookies survive restarts.
type Driver interface {
	// OpenProfile opens (or reuses) the browser profile for handle.
	// Implementations must honour ctx deadlines per UI action.
	OpenProfile(ctx context.Context, handle string, mode domain.RunMode) (ProfileSession, error)
}

// ProfileSession is an open browser profile. Not safe for concurrent use;
// callers hold the profile lock for its whole lifetime.
type ProfileSession interface {
	Login(ctx context.Context, loginName, secret string) (LoginResult, error)
	VerifyLogin(ctx context.Context) (VerifyResult, error)
	CreatePost(ctx context.Context, req PostRequest) (PostResult, error)
	SyncMyPosts(ctx context.Context) ([]SyncedPost, error)
	DeletePost(ctx context.Context, articleID string) error
	Close(ctx context.Context) error
}

// LoginResult reports a login attempt. Challenge means the platform demands
// additional verification the automation cannot complete.
type LoginResult struct {
	OK        bool
	Nickname  string
	Challenge bool
}

// VerifyResult reports a lightweight logged-in probe.
type VerifyResult struct {
	OK       bool
	Nickname string
}

// PostRequest is one fully rendered posting attempt.
type PostRequest struct {
	BoardKey    string
	Subject     string
	Body        string
	ImageURLs   []string
	FixedFields map[string]string
}

// PostResult reports a submit. Ambiguous means the submit button was clicked
// but none of the success signals (article URL, success banner, article-id
// parse) appeared yet; callers re-probe before declaring failure.
type PostResult struct {
	OK            bool
	Ambiguous     bool
	ArticleID     string
	ArticleURL    string
	ErrorCategory domain.ErrorCode
}

// SyncedPost is one article discovered on the target site.
type SyncedPost struct {
	ArticleID  string
	ArticleURL string
	Subject    string
}
