package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/tmobile/percy-cake-sub001/internal/git"
)

// MemoryRemote is an in-process origin backed by a bare go-git repository.
// Clone and fetch copy objects into the local store, truncating history at the
// requested depth; push copies objects back and refuses non-fast-forward
// updates unless forced.
type MemoryRemote struct {
	repo *gogit.Repository

	// BeforePush, when set, runs before every push; a non-nil return aborts it.
	BeforePush func(branch string) error

	mu    sync.Mutex
	calls int
}

// NewMemoryRemote creates an empty bare remote.
func NewMemoryRemote() (*MemoryRemote, error) {
	repo, err := gogit.Init(memory.NewStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("init memory remote: %w", err)
	}
	return &MemoryRemote{repo: repo}, nil
}

// Repository exposes the backing repository.
func (m *MemoryRemote) Repository() *gogit.Repository { return m.repo }

// Calls returns how many transport operations have been served.
func (m *MemoryRemote) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MemoryRemote) begin() {
	m.mu.Lock()
	m.calls++
}

func (m *MemoryRemote) Clone(ctx context.Context, st storage.Storer, branch string, depth int) error {
	m.begin()
	defer m.mu.Unlock()

	ref, err := m.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return classify("clone", branch, err)
	}
	if err := copyHistory(m.repo.Storer, st, ref.Hash(), depth); err != nil {
		return fmt.Errorf("clone: copy objects: %w", err)
	}
	refs := []*plumbing.Reference{
		plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), ref.Hash()),
		plumbing.NewHashReference(RemoteRefName(branch), ref.Hash()),
		plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch)),
	}
	for _, r := range refs {
		if err := st.SetReference(r); err != nil {
			return fmt.Errorf("clone: set %s: %w", r.Name(), err)
		}
	}
	return nil
}

func (m *MemoryRemote) Fetch(ctx context.Context, repo *gogit.Repository, branches []string, depth int) error {
	m.begin()
	defer m.mu.Unlock()

	if len(branches) == 0 {
		all, err := m.branchNames()
		if err != nil {
			return err
		}
		branches = all
	}
	for _, b := range branches {
		ref, err := m.repo.Reference(plumbing.NewBranchReferenceName(b), true)
		if err != nil {
			return classify("fetch", b, err)
		}
		if err := copyHistory(m.repo.Storer, repo.Storer, ref.Hash(), depth); err != nil {
			return fmt.Errorf("fetch %s: copy objects: %w", b, err)
		}
		if err := repo.Storer.SetReference(plumbing.NewHashReference(RemoteRefName(b), ref.Hash())); err != nil {
			return fmt.Errorf("fetch %s: %w", b, err)
		}
	}
	return nil
}

func (m *MemoryRemote) Push(ctx context.Context, repo *gogit.Repository, branch string, force bool) error {
	m.begin()
	defer m.mu.Unlock()

	if m.BeforePush != nil {
		if err := m.BeforePush(branch); err != nil {
			return &NetworkError{Op: "push", Err: err}
		}
	}
	local, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if err := copyHistory(repo.Storer, m.repo.Storer, local.Hash(), 0); err != nil {
		return fmt.Errorf("push: copy objects: %w", err)
	}

	name := plumbing.NewBranchReferenceName(branch)
	if current, err := m.repo.Reference(name, true); err == nil && !force {
		ff, err := isFastForward(m.repo, current.Hash(), local.Hash())
		if err != nil {
			return fmt.Errorf("push: %w", err)
		}
		if !ff {
			return fmt.Errorf("push %s: %w", branch, gogit.ErrNonFastForwardUpdate)
		}
	}
	return m.repo.Storer.SetReference(plumbing.NewHashReference(name, local.Hash()))
}

func (m *MemoryRemote) DeleteBranch(ctx context.Context, repo *gogit.Repository, branch string) error {
	m.begin()
	defer m.mu.Unlock()

	name := plumbing.NewBranchReferenceName(branch)
	if _, err := m.repo.Reference(name, false); err != nil {
		return classify("delete branch", branch, err)
	}
	return m.repo.Storer.RemoveReference(name)
}

func (m *MemoryRemote) Branches(ctx context.Context) ([]string, error) {
	m.begin()
	defer m.mu.Unlock()
	return m.branchNames()
}

func (m *MemoryRemote) branchNames() ([]string, error) {
	iter, err := m.repo.Branches()
	if err != nil {
		return nil, err
	}
	var names []string
	err = iter.ForEach(func(r *plumbing.Reference) error {
		names = append(names, r.Name().Short())
		return nil
	})
	sort.Strings(names)
	return names, err
}

// Commit writes files directly on a remote branch, the way another user's
// push would. A nil content deletes the path. The branch is created when it
// does not exist yet.
func (m *MemoryRemote) Commit(branch string, files map[string]*string, message string) (plumbing.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.repo.Storer
	name := plumbing.NewBranchReferenceName(branch)
	var parents []plumbing.Hash
	if ref, err := m.repo.Reference(name, true); err == nil {
		parents = append(parents, ref.Hash())
	}
	base := plumbing.ZeroHash
	if len(parents) > 0 {
		base = parents[0]
	}
	idx, err := git.NewIndex(st, base)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	for path, content := range files {
		if content == nil {
			idx.Unstage(path)
			continue
		}
		oid, err := git.WriteBlob(st, []byte(*content))
		if err != nil {
			return plumbing.ZeroHash, err
		}
		idx.Stage(path, oid, filemode.Regular)
	}
	tree, err := idx.WriteTree(st)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	commit, err := git.WriteCommit(st, git.NewCommit(tree, message, remoteSig(), parents...))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := st.SetReference(plumbing.NewHashReference(name, commit)); err != nil {
		return plumbing.ZeroHash, err
	}
	return commit, nil
}

func remoteSig() object.Signature {
	return object.Signature{Name: "origin", Email: "origin@localhost", When: time.Now()}
}

// URL identifies the in-process remote in the local repository config.
func (m *MemoryRemote) URL() string { return "memory://" + RemoteName }

// copyHistory copies tip and its history from src to dst. depth > 0 limits
// the number of commits followed from tip; commits at the boundary whose
// parents did not make it across are recorded as shallow in dst.
func copyHistory(src, dst storage.Storer, tip plumbing.Hash, depth int) error {
	type item struct {
		hash  plumbing.Hash
		level int
	}
	var boundary []plumbing.Hash
	queue := []item{{tip, 1}}
	seen := map[plumbing.Hash]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur.hash] {
			continue
		}
		seen[cur.hash] = true
		if dst.HasEncodedObject(cur.hash) == nil {
			continue
		}

		obj, err := src.EncodedObject(plumbing.CommitObject, cur.hash)
		if errors.Is(err, plumbing.ErrObjectNotFound) && cur.level > 1 {
			// src is shallow itself; nothing more to send.
			continue
		}
		if err != nil {
			return err
		}
		commit, err := object.DecodeCommit(src, obj)
		if err != nil {
			return err
		}
		if err := copyTree(src, dst, commit.TreeHash); err != nil {
			return err
		}
		if _, err := dst.SetEncodedObject(obj); err != nil {
			return err
		}

		if depth > 0 && cur.level >= depth {
			for _, p := range commit.ParentHashes {
				if dst.HasEncodedObject(p) != nil {
					boundary = append(boundary, cur.hash)
					break
				}
			}
			continue
		}
		for _, p := range commit.ParentHashes {
			queue = append(queue, item{p, cur.level + 1})
		}
	}
	return updateShallow(dst, boundary)
}

func copyTree(src, dst storage.Storer, hash plumbing.Hash) error {
	if dst.HasEncodedObject(hash) == nil {
		return nil
	}
	obj, err := src.EncodedObject(plumbing.TreeObject, hash)
	if err != nil {
		return err
	}
	tree, err := object.DecodeTree(src, obj)
	if err != nil {
		return err
	}
	for _, entry := range tree.Entries {
		switch {
		case entry.Mode == filemode.Submodule:
			continue
		case entry.Mode == filemode.Dir:
			if err := copyTree(src, dst, entry.Hash); err != nil {
				return err
			}
		default:
			if err := copyBlob(src, dst, entry.Hash); err != nil {
				return err
			}
		}
	}
	_, err = dst.SetEncodedObject(obj)
	return err
}

func copyBlob(src, dst storage.Storer, hash plumbing.Hash) error {
	if dst.HasEncodedObject(hash) == nil {
		return nil
	}
	obj, err := src.EncodedObject(plumbing.BlobObject, hash)
	if err != nil {
		return err
	}
	_, err = dst.SetEncodedObject(obj)
	return err
}

// updateShallow merges boundary into dst's shallow list and drops entries
// whose parents are now all present.
func updateShallow(dst storage.Storer, boundary []plumbing.Hash) error {
	current, err := dst.Shallow()
	if err != nil {
		return err
	}
	merged := make([]plumbing.Hash, 0, len(current)+len(boundary))
	seen := map[plumbing.Hash]bool{}
	for _, h := range append(current, boundary...) {
		if seen[h] {
			continue
		}
		seen[h] = true
		if complete, err := parentsPresent(dst, h); err == nil && complete {
			continue
		}
		merged = append(merged, h)
	}
	if len(merged) == 0 && len(current) == 0 {
		return nil
	}
	return dst.SetShallow(merged)
}

func parentsPresent(st storage.Storer, h plumbing.Hash) (bool, error) {
	c, err := object.GetCommit(st, h)
	if err != nil {
		return false, err
	}
	for _, p := range c.ParentHashes {
		if st.HasEncodedObject(p) != nil {
			return false, nil
		}
	}
	return true, nil
}

// isFastForward reports whether newHash descends from oldHash.
func isFastForward(repo *gogit.Repository, oldHash, newHash plumbing.Hash) (bool, error) {
	if oldHash == newHash {
		return true, nil
	}
	cNew, err := repo.CommitObject(newHash)
	if err != nil {
		return false, err
	}
	cOld, err := repo.CommitObject(oldHash)
	if err != nil {
		return false, err
	}

	bases, err := cNew.MergeBase(cOld)
	if err != nil {
		return false, err
	}
	for _, b := range bases {
		if b.Hash == oldHash {
			return true, nil
		}
	}
	return false, nil
}
