package browseragent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/postpilot/postpilot/internal/automation"
	"github.com/postpilot/postpilot/internal/domain"
)

func newTestDriver(t *testing.T, handler http.HandlerFunc) *Driver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLoginRoundTrip(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		switch gotPath {
		case "/v1/profiles/prof-1/open":
			json.NewEncoder(w).Encode(map[string]any{"agentSessionId": "as-7"})
		case "/v1/profiles/prof-1/login":
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "nickname": "poster"})
		default:
			t.Fatalf("unexpected path %s", gotPath)
		}
	})

	ps, err := d.OpenProfile(context.Background(), "prof-1", domain.RunModeHeadless)
	require.NoError(t, err)

	res, err := ps.Login(context.Background(), "poster01", "hunter2")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "poster", res.Nickname)

	require.Equal(t, "/v1/profiles/prof-1/login", gotPath)
	require.Equal(t, "as-7", gotBody["agentSessionId"])
	require.Equal(t, "poster01", gotBody["loginName"])
}

func automationPostReq() automation.PostRequest {
	return automation.PostRequest{
		BoardKey: "board-7",
		Subject:  "hello",
		Body:     "world",
	}
}

func TestCreatePostDecodesResult(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/profiles/p/open" {
			json.NewEncoder(w).Encode(map[string]any{"agentSessionId": "a"})
			return
		}
		require.Equal(t, "/v1/profiles/p/posts", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "articleId": "123", "articleUrl": "https://cafe.example/123",
		})
	})

	ps, err := d.OpenProfile(context.Background(), "p", domain.RunModeHeadless)
	require.NoError(t, err)

	res, err := ps.CreatePost(context.Background(), automationPostReq())
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "123", res.ArticleID)
	require.Equal(t, "https://cafe.example/123", res.ArticleURL)
}

func TestAgentErrorSurfacesBody(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/profiles/p/open" {
			json.NewEncoder(w).Encode(map[string]any{"agentSessionId": "a"})
			return
		}
		http.Error(w, "profile wedged", http.StatusInternalServerError)
	})

	ps, err := d.OpenProfile(context.Background(), "p", domain.RunModeHeadless)
	require.NoError(t, err)

	_, err = ps.VerifyLogin(context.Background())
	require.ErrorContains(t, err, "500")
	require.ErrorContains(t, err, "profile wedged")
}
