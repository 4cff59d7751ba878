package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmobile/percy-cake-sub001/internal/config"
	"github.com/tmobile/percy-cake-sub001/internal/engine"
	"github.com/tmobile/percy-cake-sub001/internal/git"
	"github.com/tmobile/percy-cake-sub001/internal/gitrepo"
)

type testEnv struct {
	ts      *httptest.Server
	remote  *gitrepo.MemoryRemote
	reg     *prometheus.Registry
	metrics *httpMetrics
	sm      *SessionManager
	fs      billy.Filesystem
	cfg     *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	remote, err := gitrepo.NewMemoryRemote()
	require.NoError(t, err)
	tip, err := remote.Commit("master", map[string]*string{
		"apps/app1/a.yaml": git.Ptr("a: 1\n"),
		"apps/app1/b.yaml": git.Ptr("b: 1\n"),
	}, "init")
	require.NoError(t, err)
	require.NoError(t, remote.Repository().Storer.SetReference(
		plumbing.NewHashReference(plumbing.NewBranchReferenceName("dev"), tip)))

	cfg := config.Default()
	fs := memfs.New()
	reg := prometheus.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engineMetrics := engine.NewMetrics(reg)
	sm := NewSessionManager(func(ctx context.Context, p engine.Principal) (*engine.Engine, error) {
		return engine.Open(ctx, engine.Options{
			Config:  cfg,
			FS:      fs,
			Remote:  remote,
			Logger:  logger,
			Metrics: engineMetrics,
		}, p)
	})
	srv := NewServer(sm, Options{Logger: logger, Registerer: reg, Gatherer: reg})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, remote: remote, reg: reg, metrics: srv.metrics, sm: sm, fs: fs, cfg: cfg}
}

func (env *testEnv) do(t *testing.T, method, path, session string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, env.ts.URL+path, rd)
	require.NoError(t, err)
	if session != "" {
		req.Header.Set(sessionHeader, session)
	}
	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (env *testEnv) login(t *testing.T, branch string) string {
	t.Helper()
	resp, data := env.do(t, http.MethodPost, "/api/session", "", loginRequest{
		Username: "alice",
		Password: "secret",
		RepoURL:  "https://git.example.com/org/cfg.git",
		Branch:   branch,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var s sessionResponse
	require.NoError(t, json.Unmarshal(data, &s))
	require.NotEmpty(t, s.SessionID)
	assert.Equal(t, "alice!cfg", s.RepoFolder)
	assert.Equal(t, branch, s.Branch)
	return s.SessionID
}

func TestPing(t *testing.T) {
	env := newTestEnv(t)
	resp, data := env.do(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "pong")
}

func TestSessionRequired(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/api/files", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/files", "nope", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateSessionValidation(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/api/session", "", loginRequest{Username: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data := env.do(t, http.MethodPost, "/api/session", "", loginRequest{
		Username: "alice",
		RepoURL:  "https://git.example.com/org/cfg.git",
		Branch:   "missing",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var e errorResponse
	require.NoError(t, json.Unmarshal(data, &e))
	assert.True(t, e.BranchDeleted)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/api/commit", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestEditAndCommitFlow(t *testing.T) {
	env := newTestEnv(t)
	sid := env.login(t, "dev")

	resp, data := env.do(t, http.MethodGet, "/api/file?app=app1&name=a.yaml", sid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var file git.ConfigFile
	require.NoError(t, json.Unmarshal(data, &file))
	assert.Equal(t, "a: 1\n", *file.OriginalContent)

	file.DraftContent = git.Ptr("a: [broken\n")
	resp, _ = env.do(t, http.MethodPut, "/api/draft", sid, file)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	file.DraftContent = git.Ptr("a: 2\n")
	resp, data = env.do(t, http.MethodPut, "/api/draft", sid, file)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &file))
	assert.True(t, file.Modified)

	resp, data = env.do(t, http.MethodGet, "/api/files", sid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing engine.Listing
	require.NoError(t, json.Unmarshal(data, &listing))
	assert.Equal(t, []string{"app1"}, listing.Applications)
	assert.Len(t, listing.Files, 2)

	resp, _ = env.do(t, http.MethodPost, "/api/commit", sid, commitRequest{Files: []git.ConfigFile{file}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "message is required")

	resp, data = env.do(t, http.MethodPost, "/api/commit", sid, commitRequest{Files: []git.ConfigFile{file}, Message: "bump a"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	resp, data = env.do(t, http.MethodGet, "/api/repo-changed", sid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"changed":false}`, string(data))
}

func TestCommitConflictResponse(t *testing.T) {
	env := newTestEnv(t)
	sid := env.login(t, "dev")

	file := git.ConfigFile{ApplicationName: "app1", FileName: "a.yaml", DraftContent: git.Ptr("a: mine\n")}
	resp, data := env.do(t, http.MethodPut, "/api/draft", sid, file)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &file))

	_, err := env.remote.Commit("dev", map[string]*string{"apps/app1/a.yaml": git.Ptr("a: theirs\n")}, "other user")
	require.NoError(t, err)

	resp, data = env.do(t, http.MethodPost, "/api/commit", sid, commitRequest{Files: []git.ConfigFile{file}, Message: "edit"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var e errorResponse
	require.NoError(t, json.Unmarshal(data, &e))
	require.Len(t, e.ConflictFiles, 1)
	assert.Equal(t, "a: theirs\n", *e.ConflictFiles[0].Upstream.OriginalContent)

	resolved := e.ConflictFiles[0].Upstream
	resolved.DraftContent = git.Ptr("a: merged\n")
	resp, data = env.do(t, http.MethodPost, "/api/resolve", sid, commitRequest{Files: []git.ConfigFile{resolved}, Message: "resolve"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
}

func TestLockedBranchIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	sid := env.login(t, "master")
	file := git.ConfigFile{ApplicationName: "app1", FileName: "a.yaml", DraftContent: git.Ptr("a: 2\n")}
	resp, _ := env.do(t, http.MethodPost, "/api/commit", sid, commitRequest{Files: []git.ConfigFile{file}, Message: "edit"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, data := env.do(t, http.MethodGet, "/api/branches", sid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var b branchesResponse
	require.NoError(t, json.Unmarshal(data, &b))
	assert.Equal(t, []string{"dev", "master"}, b.Branches)
	assert.Equal(t, "master", b.Current)
	assert.Equal(t, []string{"master"}, b.Locked)
}

func TestBranchEndpoints(t *testing.T) {
	env := newTestEnv(t)
	sid := env.login(t, "dev")

	resp, data := env.do(t, http.MethodPost, "/api/checkout", sid, engine.CheckoutRequest{Type: engine.CheckoutCreate, Branch: "feature"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.JSONEq(t, `{"branchName":"feature"}`, string(data))

	resp, _ = env.do(t, http.MethodPost, "/api/checkout", sid, engine.CheckoutRequest{Type: engine.CheckoutCreate, Branch: "dev"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	file := git.ConfigFile{ApplicationName: "app2", FileName: "c.yaml", DraftContent: git.Ptr("c: 1\n")}
	resp, data = env.do(t, http.MethodPost, "/api/commit", sid, commitRequest{Files: []git.ConfigFile{file}, Message: "add c"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	q := url.Values{"source": {"feature"}, "target": {"dev"}}
	resp, data = env.do(t, http.MethodGet, "/api/branch-diff?"+q.Encode(), sid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var diff engine.BranchDiff
	require.NoError(t, json.Unmarshal(data, &diff))
	require.Len(t, diff.ToSave, 1)
	assert.Equal(t, "app2/c.yaml", diff.ToSave[0].Key())

	resp, data = env.do(t, http.MethodPost, "/api/merge", sid, mergeRequest{Source: "feature", Target: "dev", Diff: diff.DiffResult})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Contains(t, string(data), `"commit"`)

	resp, _ = env.do(t, http.MethodDelete, "/api/branch?name=feature", sid, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "current branch")

	resp, _ = env.do(t, http.MethodPost, "/api/checkout", sid, engine.CheckoutRequest{Type: engine.CheckoutSwitch, Branch: "dev"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/api/branch?name=feature", sid, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t)
	sid := env.login(t, "dev")
	resp, _ := env.do(t, http.MethodDelete, "/api/session", sid, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/files", sid, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "dev")

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.requestTotal.WithLabelValues(http.MethodPost, "/api/session", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.sessions))

	resp, data := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := string(data)
	assert.True(t, strings.Contains(body, "percy_http_requests_total"))
	assert.True(t, strings.Contains(body, "percy_engine_operations_total"))
}

func TestRequestMetricsMiddlewareSkipsMetricsEndpoint(t *testing.T) {
	metrics := newHTTPMetrics(prometheus.NewRegistry(), nil)
	handler := requestMetricsMiddleware(metrics, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, 0, testutil.CollectAndCount(metrics.requestTotal))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requestTotal.WithLabelValues(http.MethodGet, "/api/*", "2xx")))
}

func TestBodyLimit(t *testing.T) {
	handler := requestBodyLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/commit", bytes.NewReader(make([]byte, 10)))
	req.ContentLength = maxAPIBodyBytes + 1
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
