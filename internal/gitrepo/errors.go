package gitrepo

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// NetworkError reports a transport failure during clone, fetch or push.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError reports that the remote rejected the supplied credentials.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RefResolutionError reports a ref that does not exist. BranchDeleted is set
// when the missing ref is a remote branch, so callers can force a switch.
type RefResolutionError struct {
	Ref           string
	BranchDeleted bool
	Err           error
}

func (e *RefResolutionError) Error() string {
	if e.BranchDeleted {
		return fmt.Sprintf("branch %s no longer exists on origin", e.Ref)
	}
	return fmt.Sprintf("cannot resolve ref %s", e.Ref)
}

func (e *RefResolutionError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or anything it wraps) is an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsNetworkError reports whether err (or anything it wraps) is a *NetworkError.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsBranchDeleted reports whether err says that a remote branch disappeared.
func IsBranchDeleted(err error) bool {
	var refErr *RefResolutionError
	return errors.As(err, &refErr) && refErr.BranchDeleted
}

var credentialsInURL = regexp.MustCompile(`(https?://)[^/@\s]+@`)

// classify maps go-git transport errors onto the gateway taxonomy.
func classify(op, branch string, err error) error {
	if err == nil {
		return nil
	}
	var (
		authErr *AuthError
		netErr  *NetworkError
		refErr  *RefResolutionError
		specErr gogit.NoMatchingRefSpecError
	)
	switch {
	case errors.As(err, &authErr), errors.As(err, &netErr), errors.As(err, &refErr):
		return err
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod):
		return &AuthError{Op: op, Err: sanitize(err)}
	case errors.As(err, &specErr),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return &RefResolutionError{Ref: branch, BranchDeleted: branch != "", Err: err}
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
		return &RefResolutionError{Ref: branch, Err: err}
	case errors.Is(err, gogit.ErrNonFastForwardUpdate):
		return fmt.Errorf("%s: %w", op, err)
	}
	if strings.Contains(err.Error(), "couldn't find remote ref") {
		return &RefResolutionError{Ref: branch, BranchDeleted: branch != "", Err: err}
	}
	return &NetworkError{Op: op, Err: sanitize(err)}
}

// failedBranch names the branch a fetch of branches failed on. go-git quotes
// the missing source ref in its error; when no branch can be picked out the
// requested names are joined.
func failedBranch(err error, branches []string) string {
	switch len(branches) {
	case 0:
		return ""
	case 1:
		return branches[0]
	}
	if err != nil {
		msg := err.Error()
		for _, b := range branches {
			if strings.Contains(msg, `"refs/heads/`+b+`"`) {
				return b
			}
		}
	}
	return strings.Join(branches, ",")
}

// sanitize strips user:password@ from URLs echoed back in transport errors.
func sanitize(err error) error {
	msg := err.Error()
	clean := credentialsInURL.ReplaceAllString(msg, "$1")
	if clean == msg {
		return err
	}
	return errors.New(clean)
}
