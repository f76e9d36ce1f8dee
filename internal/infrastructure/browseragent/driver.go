// Package browseragent is the HTTP client for the browser-agent sidecar,
// the process that actually drives a headful browser against the target
// site. It implements the automation driver contract; one agent serves many
// profiles, and the worker keeps at most one open per profile lock.
package browseragent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/postpilot/postpilot/internal/automation"
	"github.com/postpilot/postpilot/internal/domain"
)

// Driver talks to one browser-agent instance.
type Driver struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

var _ automation.Driver = (*Driver)(nil)

func New(baseURL string, log *slog.Logger) *Driver {
	return &Driver{
		baseURL: baseURL,
		// Per-request deadlines come from the caller's ctx; the client
		// timeout is only a backstop against a wedged agent.
		client: &http.Client{Timeout: 15 * time.Minute},
		log:    log,
	}
}

func (d *Driver) OpenProfile(ctx context.Context, handle string, mode domain.RunMode) (automation.ProfileSession, error) {
	var resp struct {
		AgentSessionID string `json:"agentSessionId"`
	}
	err := d.post(ctx, "/v1/profiles/"+url.PathEscape(handle)+"/open",
		map[string]any{"mode": mode}, &resp)
	if err != nil {
		return nil, fmt.Errorf("open profile %s: %w", handle, err)
	}
	return &profileSession{d: d, handle: handle, agentID: resp.AgentSessionID}, nil
}

func (d *Driver) post(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("agent returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// profileSession proxies one open profile. The agent pins browser state to
// the agent session id, so every call carries it.
type profileSession struct {
	d       *Driver
	handle  string
	agentID string
}

var _ automation.ProfileSession = (*profileSession)(nil)

func (p *profileSession) path(op string) string {
	return "/v1/profiles/" + url.PathEscape(p.handle) + "/" + op
}

func (p *profileSession) post(ctx context.Context, op string, body map[string]any, out any) error {
	if body == nil {
		body = map[string]any{}
	}
	body["agentSessionId"] = p.agentID
	return p.d.post(ctx, p.path(op), body, out)
}

func (p *profileSession) Login(ctx context.Context, loginName, secret string) (automation.LoginResult, error) {
	var res automation.LoginResult
	err := p.post(ctx, "login", map[string]any{"loginName": loginName, "secret": secret}, &res)
	if err != nil {
		return automation.LoginResult{}, fmt.Errorf("login on %s: %w", p.handle, err)
	}
	return res, nil
}

func (p *profileSession) VerifyLogin(ctx context.Context) (automation.VerifyResult, error) {
	var res automation.VerifyResult
	if err := p.post(ctx, "verify", nil, &res); err != nil {
		return automation.VerifyResult{}, fmt.Errorf("verify on %s: %w", p.handle, err)
	}
	return res, nil
}

func (p *profileSession) CreatePost(ctx context.Context, req automation.PostRequest) (automation.PostResult, error) {
	var res automation.PostResult
	body := map[string]any{
		"boardKey":    req.BoardKey,
		"subject":     req.Subject,
		"body":        req.Body,
		"imageUrls":   req.ImageURLs,
		"fixedFields": req.FixedFields,
	}
	if err := p.post(ctx, "posts", body, &res); err != nil {
		return automation.PostResult{}, fmt.Errorf("create post on %s: %w", p.handle, err)
	}
	return res, nil
}

func (p *profileSession) SyncMyPosts(ctx context.Context) ([]automation.SyncedPost, error) {
	var res struct {
		Posts []automation.SyncedPost `json:"posts"`
	}
	if err := p.post(ctx, "posts/sync", nil, &res); err != nil {
		return nil, fmt.Errorf("sync posts on %s: %w", p.handle, err)
	}
	return res.Posts, nil
}

func (p *profileSession) DeletePost(ctx context.Context, articleID string) error {
	err := p.post(ctx, "posts/delete", map[string]any{"articleId": articleID}, nil)
	if err != nil {
		return fmt.Errorf("delete post %s on %s: %w", articleID, p.handle, err)
	}
	return nil
}

func (p *profileSession) Close(ctx context.Context) error {
	if err := p.post(ctx, "close", nil, nil); err != nil {
		return fmt.Errorf("close profile %s: %w", p.handle, err)
	}
	return nil
}
