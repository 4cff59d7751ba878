package state

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/tmobile/percy-cake-sub001/internal/gitrepo"
)

// Refs reads and writes the branch ref set: refs/heads/<b>,
// refs/remotes/origin/<b> and the symbolic HEAD.
type Refs struct {
	st storer.ReferenceStorer
}

func NewRefs(st storer.ReferenceStorer) *Refs {
	return &Refs{st: st}
}

// HeadCommit returns the local commit of branch.
func (r *Refs) HeadCommit(branch string) (plumbing.Hash, error) {
	return r.read(plumbing.NewBranchReferenceName(branch), branch, false)
}

// RemoteCommit returns the remote-tracking commit of branch. A missing ref
// means the branch is gone from origin.
func (r *Refs) RemoteCommit(branch string) (plumbing.Hash, error) {
	return r.read(gitrepo.RemoteRefName(branch), branch, true)
}

func (r *Refs) read(name plumbing.ReferenceName, branch string, remote bool) (plumbing.Hash, error) {
	ref, err := r.st.Reference(name)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, &gitrepo.RefResolutionError{Ref: branch, BranchDeleted: remote, Err: err}
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("read %s: %w", name, err)
	}
	if ref.Type() != plumbing.HashReference {
		return plumbing.ZeroHash, fmt.Errorf("read %s: not a commit reference", name)
	}
	return ref.Hash(), nil
}

func (r *Refs) WriteHeadCommit(branch string, oid plumbing.Hash) error {
	return r.st.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), oid))
}

func (r *Refs) WriteRemoteCommit(branch string, oid plumbing.Hash) error {
	return r.st.SetReference(plumbing.NewHashReference(gitrepo.RemoteRefName(branch), oid))
}

// WriteHeadRef points HEAD at branch.
func (r *Refs) WriteHeadRef(branch string) error {
	return r.st.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch)))
}

// CurrentBranch returns the branch HEAD points at.
func (r *Refs) CurrentBranch() (string, error) {
	ref, err := r.st.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if ref.Type() != plumbing.SymbolicReference || !ref.Target().IsBranch() {
		return "", errors.New("HEAD is detached")
	}
	return ref.Target().Short(), nil
}

// DeleteBranch drops the local and remote-tracking refs of branch.
func (r *Refs) DeleteBranch(branch string) error {
	for _, name := range []plumbing.ReferenceName{plumbing.NewBranchReferenceName(branch), gitrepo.RemoteRefName(branch)} {
		if err := r.st.RemoveReference(name); err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	return nil
}
