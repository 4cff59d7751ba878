package git

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Storer is the part of a go-git storage the engine needs for objects and
// the staging index.
type Storer interface {
	storer.EncodedObjectStorer
	storer.IndexStorer
}

// Index is a staging area decoupled from any worktree: entries point at blob
// ids already present in the object store.
type Index struct {
	idx *index.Index
}

// NewIndex builds an index mirroring commit's tree. ZeroHash yields an empty
// index.
func NewIndex(st storer.EncodedObjectStorer, commit plumbing.Hash) (*Index, error) {
	i := &Index{idx: &index.Index{Version: 2}}
	if commit.IsZero() {
		return i, nil
	}
	c, err := object.GetCommit(st, commit)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", commit, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree of %s: %w", commit, err)
	}
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if entry.Mode == filemode.Dir || entry.Mode == filemode.Submodule {
			continue
		}
		i.Stage(name, entry.Hash, entry.Mode)
	}
	return i, nil
}

// ResetIndex replaces the stored index with one matching commit exactly.
func ResetIndex(st Storer, commit plumbing.Hash) (*Index, error) {
	i, err := NewIndex(st, commit)
	if err != nil {
		return nil, err
	}
	if err := st.SetIndex(i.idx); err != nil {
		return nil, fmt.Errorf("reset index: %w", err)
	}
	return i, nil
}

// Stage records oid at path, replacing any previous entry.
func (i *Index) Stage(p string, oid plumbing.Hash, mode filemode.FileMode) {
	p = strings.TrimPrefix(path.Clean(p), "/")
	e, err := i.idx.Entry(p)
	if err != nil {
		e = i.idx.Add(p)
	}
	e.Hash = oid
	e.Mode = mode
	e.ModifiedAt = time.Time{}
	sort.Slice(i.idx.Entries, func(a, b int) bool {
		return i.idx.Entries[a].Name < i.idx.Entries[b].Name
	})
}

// Unstage removes path. Removing an absent path is a no-op.
func (i *Index) Unstage(p string) {
	p = strings.TrimPrefix(path.Clean(p), "/")
	_, _ = i.idx.Remove(p)
}

// Lookup returns the blob id staged at path.
func (i *Index) Lookup(p string) (plumbing.Hash, bool) {
	e, err := i.idx.Entry(strings.TrimPrefix(path.Clean(p), "/"))
	if err != nil {
		return plumbing.ZeroHash, false
	}
	return e.Hash, true
}

// Len returns the number of staged paths.
func (i *Index) Len() int { return len(i.idx.Entries) }

type treeNode struct {
	files map[string]*index.Entry
	dirs  map[string]*treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{files: map[string]*index.Entry{}, dirs: map[string]*treeNode{}}
}

// WriteTree writes the nested tree objects for the index and returns the
// root tree id.
func (i *Index) WriteTree(st storer.EncodedObjectStorer) (plumbing.Hash, error) {
	root := newTreeNode()
	for _, e := range i.idx.Entries {
		parts := strings.Split(e.Name, "/")
		n := root
		for _, dir := range parts[:len(parts)-1] {
			child, ok := n.dirs[dir]
			if !ok {
				child = newTreeNode()
				n.dirs[dir] = child
			}
			n = child
		}
		n.files[parts[len(parts)-1]] = e
	}
	return writeTreeNode(st, root)
}

func writeTreeNode(st storer.EncodedObjectStorer, n *treeNode) (plumbing.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(n.files)+len(n.dirs))
	for name, e := range n.files {
		entries = append(entries, object.TreeEntry{Name: name, Mode: e.Mode, Hash: e.Hash})
	}
	for name, child := range n.dirs {
		h, err := writeTreeNode(st, child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h})
	}
	// git orders directories as if their name ended in "/".
	sort.Slice(entries, func(a, b int) bool {
		return treeSortName(entries[a]) < treeSortName(entries[b])
	})

	tree := &object.Tree{Entries: entries}
	obj := st.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode tree: %w", err)
	}
	return st.SetEncodedObject(obj)
}

func treeSortName(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

// WriteBlob stores content as a blob and returns its id.
func WriteBlob(st storer.EncodedObjectStorer, content []byte) (plumbing.Hash, error) {
	obj := st.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return st.SetEncodedObject(obj)
}

// BlobID computes the id content would have as a blob without storing it.
func BlobID(content []byte) plumbing.Hash {
	return plumbing.ComputeHash(plumbing.BlobObject, content)
}

// NewCommit prepares a commit object; the caller may still adjust parents
// before writing it.
func NewCommit(tree plumbing.Hash, message string, sig object.Signature, parents ...plumbing.Hash) *object.Commit {
	return &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: append([]plumbing.Hash(nil), parents...),
	}
}

// WriteCommit encodes and stores c.
func WriteCommit(st storer.EncodedObjectStorer, c *object.Commit) (plumbing.Hash, error) {
	obj := st.NewEncodedObject()
	if err := c.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode commit: %w", err)
	}
	return st.SetEncodedObject(obj)
}

// ReadBlob returns the content of blob oid.
func ReadBlob(st storer.EncodedObjectStorer, oid plumbing.Hash) (string, error) {
	blob, err := object.GetBlob(st, oid)
	if err != nil {
		return "", fmt.Errorf("read blob %s: %w", oid, err)
	}
	r, err := blob.Reader()
	if err != nil {
		return "", err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return "", err
	}
	return buf.String(), nil
}
