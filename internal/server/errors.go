package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tmobile/percy-cake-sub001/internal/engine"
	"github.com/tmobile/percy-cake-sub001/internal/git"
	"github.com/tmobile/percy-cake-sub001/internal/gitrepo"
)

type errorResponse struct {
	Error         string             `json:"error"`
	BranchDeleted bool               `json:"branchDeleted,omitempty"`
	ConflictFiles []git.ConflictFile `json:"conflictFiles,omitempty"`
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	jsonResponse(w, status, errorResponse{Error: message})
}

// engineError writes err with the status the UI expects for it. A conflict
// carries the conflicting files; a deleted branch is flagged so the UI can
// force a switch.
func (s *Server) engineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		conflict *engine.ConflictError
		refErr   *gitrepo.RefResolutionError
	)
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &conflict):
		status = http.StatusConflict
		resp.ConflictFiles = conflict.Files
	case errors.As(err, &refErr):
		status = http.StatusNotFound
		resp.BranchDeleted = refErr.BranchDeleted
	case gitrepo.IsAuthError(err):
		status = http.StatusUnauthorized
	case gitrepo.IsNetworkError(err):
		status = http.StatusBadGateway
	case errors.Is(err, engine.ErrBranchLocked):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrFileNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrBranchExists), errors.Is(err, engine.ErrCurrentBranch):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidYAML), errors.Is(err, engine.ErrInvalidName), errors.Is(err, engine.ErrNoContent):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	jsonResponse(w, status, resp)
}
