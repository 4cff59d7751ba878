// Package server exposes the sync engine to the editor UI over JSON/HTTP.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tmobile/percy-cake-sub001/internal/engine"
	"github.com/tmobile/percy-cake-sub001/internal/git"
)

const sessionHeader = "X-Session-Id"

type Server struct {
	SessionManager *SessionManager
	Mux            *http.ServeMux

	logger   *slog.Logger
	metrics  *httpMetrics
	gatherer prometheus.Gatherer
	handler  http.Handler
}

// Options tune a Server. Zero values fall back to slog.Default and the
// default prometheus registry.
type Options struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

func NewServer(sm *SessionManager, opts Options) *Server {
	s := &Server{
		SessionManager: sm,
		Mux:            http.NewServeMux(),
		logger:         opts.Logger,
		gatherer:       opts.Gatherer,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if opts.Registerer != nil {
		s.metrics = newHTTPMetrics(opts.Registerer, sm.Len)
	} else {
		s.metrics = getDefaultHTTPMetrics()
	}
	s.routes()
	s.handler = requestLoggingMiddleware(s.logger,
		requestTracingMiddleware(
			requestMetricsMiddleware(s.metrics,
				requestBodyLimitMiddleware(s.Mux))))
	return s
}

func (s *Server) routes() {
	s.Mux.HandleFunc("GET /ping", s.handlePing)
	s.Mux.Handle("GET /metrics", metricsHandler(s.gatherer))

	s.Mux.HandleFunc("POST /api/session", s.handleCreateSession)
	s.Mux.HandleFunc("DELETE /api/session", s.withSession(s.handleDeleteSession))

	s.Mux.HandleFunc("GET /api/files", s.withSession(s.handleListFiles))
	s.Mux.HandleFunc("GET /api/file", s.withSession(s.handleGetFile))
	s.Mux.HandleFunc("PUT /api/draft", s.withSession(s.handleSaveDraft))
	s.Mux.HandleFunc("DELETE /api/file", s.withSession(s.handleDeleteFile))
	s.Mux.HandleFunc("GET /api/repo-changed", s.withSession(s.handleRepoChanged))

	s.Mux.HandleFunc("POST /api/commit", s.withSession(s.handleCommit))
	s.Mux.HandleFunc("POST /api/resolve", s.withSession(s.handleResolve))

	s.Mux.HandleFunc("GET /api/branches", s.withSession(s.handleListBranches))
	s.Mux.HandleFunc("POST /api/checkout", s.withSession(s.handleCheckout))
	s.Mux.HandleFunc("DELETE /api/branch", s.withSession(s.handleDeleteBranch))
	s.Mux.HandleFunc("GET /api/branch-diff", s.withSession(s.handleBranchDiff))
	s.Mux.HandleFunc("POST /api/merge", s.withSession(s.handleMerge))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *Session)

// withSession resolves the session from the X-Session-Id header or the
// sessionId query parameter.
func (s *Server) withSession(fn sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(sessionHeader))
		if id == "" {
			id = r.URL.Query().Get("sessionId")
		}
		sess, ok := s.SessionManager.GetSession(id)
		if !ok {
			jsonError(w, "session required", http.StatusUnauthorized)
			return
		}
		fn(w, r, sess)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"message": "pong"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	RepoURL  string `json:"repositoryUrl"`
	Branch   string `json:"branchName"`
}

type sessionResponse struct {
	SessionID  string `json:"sessionId"`
	RepoFolder string `json:"repoFolder"`
	Branch     string `json:"branchName"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.RepoURL == "" {
		jsonError(w, "username and repositoryUrl are required", http.StatusBadRequest)
		return
	}
	sess, err := s.SessionManager.CreateSession(r.Context(), engine.Principal{
		Username: req.Username,
		Password: req.Password,
		RepoURL:  req.RepoURL,
		Branch:   req.Branch,
	})
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	var resp sessionResponse
	sess.Do(func(e *engine.Engine) error {
		resp = sessionResponse{SessionID: sess.ID, RepoFolder: e.Folder(), Branch: e.Branch()}
		return nil
	})
	s.logger.InfoContext(r.Context(), "session created", "repo", resp.RepoFolder, "branch", resp.Branch)
	jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, sess *Session) {
	s.SessionManager.RemoveSession(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request, sess *Session) {
	var listing engine.Listing
	err := sess.Do(func(e *engine.Engine) (err error) {
		listing, err = e.Files(r.Context())
		return err
	})
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, listing)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request, sess *Session) {
	app, name := r.URL.Query().Get("app"), r.URL.Query().Get("name")
	if app == "" || name == "" {
		jsonError(w, "app and name are required", http.StatusBadRequest)
		return
	}
	var file git.ConfigFile
	err := sess.Do(func(e *engine.Engine) (err error) {
		file, err = e.File(r.Context(), app, name)
		return err
	})
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, file)
}

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request, sess *Session) {
	var file git.ConfigFile
	if !decodeJSON(w, r, &file) {
		return
	}
	err := sess.Do(func(e *engine.Engine) (err error) {
		file, err = e.SaveDraft(r.Context(), file)
		return err
	})
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, file)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request, sess *Session) {
	var file git.ConfigFile
	if !decodeJSON(w, r, &file) {
		return
	}
	err := sess.Do(func(e *engine.Engine) error {
		return e.DeleteFile(r.Context(), file)
	})
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRepoChanged(w http.ResponseWriter, r *http.Request, sess *Session) {
	var changed bool
	err := sess.Do(func(e *engine.Engine) (err error) {
		changed, err = e.IsRepoChanged(r.Context())
		return err
	})
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"changed": changed})
}

type commitRequest struct {
	Files   []git.ConfigFile `json:"files"`
	Message string           `json:"message"`
	Force   bool             `json:"force"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req commitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		jsonError(w, "message is required", http.StatusBadRequest)
		return
	}
	var files []git.ConfigFile
	err := sess.Do(func(e *engine.Engine) (err error) {
		files, err = e.CommitFiles(r.Context(), req.Files, req.Message, req.Force)
		return err
	})
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string][]git.ConfigFile{"files": files})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req commitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var files []git.ConfigFile
	err := sess.Do(func(e *engine.Engine) (err error) {
		files, err = e.ResolveConflicts(r.Context(), req.Files, req.Message)
		return err
	})
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string][]git.ConfigFile{"files": files})
}

type branchesResponse struct {
	Branches []string `json:"branches"`
	Current  string   `json:"current"`
	Locked   []string `json:"locked"`
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request, sess *Session) {
	var resp branchesResponse
	err := sess.Do(func(e *engine.Engine) error {
		branches, err := e.Branches(r.Context())
		if err != nil {
			return err
		}
		resp = branchesResponse{Branches: branches, Current: e.Branch(), Locked: []string{}}
		for _, b := range branches {
			if e.IsBranchLocked(b) {
				resp.Locked = append(resp.Locked, b)
			}
		}
		return nil
	})
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req engine.CheckoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var branch string
	err := sess.Do(func(e *engine.Engine) error {
		if err := e.Checkout(r.Context(), req); err != nil {
			return err
		}
		branch = e.Branch()
		return nil
	})
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"branchName": branch})
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request, sess *Session) {
	name := r.URL.Query().Get("name")
	if name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	err := sess.Do(func(e *engine.Engine) error {
		return e.DeleteBranch(r.Context(), name)
	})
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBranchDiff(w http.ResponseWriter, r *http.Request, sess *Session) {
	src, target := r.URL.Query().Get("source"), r.URL.Query().Get("target")
	if src == "" || target == "" {
		jsonError(w, "source and target are required", http.StatusBadRequest)
		return
	}
	var diff engine.BranchDiff
	err := sess.Do(func(e *engine.Engine) (err error) {
		diff, err = e.BranchDiff(r.Context(), src, target)
		return err
	})
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, diff)
}

type mergeRequest struct {
	Source  string         `json:"source"`
	Target  string         `json:"target"`
	Diff    git.DiffResult `json:"diff"`
	Message string         `json:"message"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req mergeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Source == "" || req.Target == "" {
		jsonError(w, "source and target are required", http.StatusBadRequest)
		return
	}
	var commit string
	err := sess.Do(func(e *engine.Engine) error {
		h, err := e.MergeBranch(r.Context(), req.Source, req.Target, req.Diff, req.Message)
		commit = h.String()
		return err
	})
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"commit": commit})
}
