package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tmobile/percy-cake-sub001/internal/git"
	"github.com/tmobile/percy-cake-sub001/internal/gitrepo"
)

var (
	ErrBranchLocked  = errors.New("branch is locked")
	ErrCurrentBranch = errors.New("cannot delete the current branch")
	ErrBranchExists  = errors.New("branch already exists")
	ErrFileNotFound  = errors.New("file not found")
	ErrInvalidYAML   = errors.New("invalid yaml")
	ErrNoContent     = errors.New("file has no content to commit")
	ErrInvalidName   = errors.New("invalid name")
)

// ConflictError is the expected outcome of a commit whose files changed
// upstream since their drafts were forked. It is recovered by resolving the
// listed files and committing again.
type ConflictError struct {
	Files []git.ConflictFile
}

func (e *ConflictError) Error() string {
	keys := make([]string, 0, len(e.Files))
	for _, f := range e.Files {
		keys = append(keys, f.Draft.Key())
	}
	return fmt.Sprintf("conflicting upstream changes in %s", strings.Join(keys, ", "))
}

// IsConflict reports whether err carries a *ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// resultLabel buckets err for metrics.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsConflict(err):
		return "conflict"
	case gitrepo.IsAuthError(err):
		return "auth"
	case gitrepo.IsBranchDeleted(err):
		return "branch_deleted"
	case gitrepo.IsNetworkError(err):
		return "network"
	case errors.Is(err, ErrBranchLocked):
		return "locked"
	default:
		return "error"
	}
}
