package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"github.com/tmobile/percy-cake-sub001/internal/git"
)

// Repo is a local mirror without a worktree. The billy filesystem it is
// opened on holds the git directory itself.
type Repo struct {
	fs     billy.Filesystem
	st     storage.Storer
	repo   *gogit.Repository
	remote Remote
	depth  int
}

// Exists reports whether fs already holds a repository.
func Exists(fs billy.Filesystem) bool {
	_, err := fs.Stat("HEAD")
	return err == nil
}

// Open opens the mirror stored in fs.
func Open(fs billy.Filesystem, remote Remote, depth int) (*Repo, error) {
	st := filesystem.NewStorage(fs, cache.NewObjectLRUDefault())
	repo, err := gogit.Open(st, nil)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return newRepo(fs, st, repo, remote, depth), nil
}

// Clone creates a shallow, checkout-free mirror of branch in fs.
func Clone(ctx context.Context, fs billy.Filesystem, remote Remote, branch string, depth int) (*Repo, error) {
	if depth <= 0 {
		depth = DefaultDepth
	}
	st := filesystem.NewStorage(fs, cache.NewObjectLRUDefault())
	if err := remote.Clone(ctx, st, branch, depth); err != nil {
		return nil, err
	}
	repo, err := gogit.Open(st, nil)
	if err != nil {
		return nil, fmt.Errorf("open cloned repository: %w", err)
	}
	if err := ensureOrigin(repo, remote); err != nil {
		return nil, err
	}
	return newRepo(fs, st, repo, remote, depth), nil
}

func newRepo(fs billy.Filesystem, st storage.Storer, repo *gogit.Repository, remote Remote, depth int) *Repo {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Repo{fs: fs, st: st, repo: repo, remote: remote, depth: depth}
}

// ensureOrigin records origin in the repository config when the transport
// did not do so itself.
func ensureOrigin(repo *gogit.Repository, remote Remote) error {
	if _, err := repo.Remote(RemoteName); err == nil {
		return nil
	}
	url := "memory://" + RemoteName
	if u, ok := remote.(interface{ URL() string }); ok {
		url = u.URL()
	}
	_, err := repo.CreateRemote(&config.RemoteConfig{Name: RemoteName, URLs: []string{url}})
	if err != nil && !errors.Is(err, gogit.ErrRemoteExists) {
		return fmt.Errorf("configure %s: %w", RemoteName, err)
	}
	return nil
}

// Storer exposes the object, ref, index and shallow storage.
func (r *Repo) Storer() storage.Storer { return r.st }

// Repository exposes the underlying go-git repository.
func (r *Repo) Repository() *gogit.Repository { return r.repo }

// Filesystem returns the filesystem the git directory lives on.
func (r *Repo) Filesystem() billy.Filesystem { return r.fs }

// ReadObject loads any object by id.
func (r *Repo) ReadObject(oid plumbing.Hash) (plumbing.EncodedObject, error) {
	obj, err := r.st.EncodedObject(plumbing.AnyObject, oid)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", oid, err)
	}
	return obj, nil
}

// ReadFile returns the blob id and content of path in commit's tree.
// found is false when the path does not exist there.
func (r *Repo) ReadFile(commit plumbing.Hash, path string) (oid plumbing.Hash, content string, found bool, err error) {
	oid, found, err = git.FileAt(r.st, commit, path)
	if err != nil || !found {
		return plumbing.ZeroHash, "", false, err
	}
	content, err = git.ReadBlob(r.st, oid)
	if err != nil {
		return plumbing.ZeroHash, "", false, err
	}
	return oid, content, true, nil
}

// ListFiles lists blob ids below dir in commit, keyed relative to dir.
func (r *Repo) ListFiles(commit plumbing.Hash, dir string) (git.FileSet, error) {
	return git.ListFiles(r.st, commit, dir)
}

// WriteBlob stores content and returns its blob id.
func (r *Repo) WriteBlob(content []byte) (plumbing.Hash, error) {
	return git.WriteBlob(r.st, content)
}

// WriteObject stores an already encoded object.
func (r *Repo) WriteObject(obj plumbing.EncodedObject) (plumbing.Hash, error) {
	return r.st.SetEncodedObject(obj)
}

// ResolveRef follows name to a commit id. A missing remote-tracking ref is
// reported as a deleted branch.
func (r *Repo) ResolveRef(name plumbing.ReferenceName) (plumbing.Hash, error) {
	ref, err := r.repo.Reference(name, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, &RefResolutionError{Ref: name.Short(), BranchDeleted: name.IsRemote(), Err: err}
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", name, err)
	}
	return ref.Hash(), nil
}

// ListBranches lists local branches, or remote-tracking branches of origin
// when remote is set.
func (r *Repo) ListBranches(remote bool) ([]string, error) {
	iter, err := r.repo.References()
	if err != nil {
		return nil, err
	}
	prefix := "refs/remotes/" + RemoteName + "/"
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name()
		if !remote {
			if name.IsBranch() {
				names = append(names, name.Short())
			}
			return nil
		}
		if short, ok := strings.CutPrefix(name.String(), prefix); ok && short != "HEAD" {
			names = append(names, short)
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

// Fetch updates remote-tracking refs for branches, or all branches.
func (r *Repo) Fetch(ctx context.Context, branches ...string) error {
	return r.remote.Fetch(ctx, r.repo, branches, r.depth)
}

// Push sends the local branch to origin.
func (r *Repo) Push(ctx context.Context, branch string, force bool) error {
	return r.remote.Push(ctx, r.repo, branch, force)
}

// DeleteRemoteBranch removes branch from origin.
func (r *Repo) DeleteRemoteBranch(ctx context.Context, branch string) error {
	return r.remote.DeleteBranch(ctx, r.repo, branch)
}

// RemoteBranches asks origin for its branch names.
func (r *Repo) RemoteBranches(ctx context.Context) ([]string, error) {
	return r.remote.Branches(ctx)
}
