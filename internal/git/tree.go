package git

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// FileSet maps "application/file" keys to blob ids.
type FileSet map[string]plumbing.Hash

// Snapshot is the file set of one commit.
type Snapshot struct {
	Commit plumbing.Hash
	Files  FileSet
}

// ListFiles returns every file below dir in commit's tree, keyed by the path
// relative to dir. A missing dir yields an empty set.
func ListFiles(st storer.EncodedObjectStorer, commit plumbing.Hash, dir string) (FileSet, error) {
	files := FileSet{}
	if commit.IsZero() {
		return files, nil
	}
	c, err := object.GetCommit(st, commit)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", commit, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree of %s: %w", commit, err)
	}
	if dir = strings.Trim(dir, "/"); dir != "" {
		tree, err = tree.Tree(dir)
		if errors.Is(err, object.ErrDirectoryNotFound) {
			return files, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s in %s: %w", dir, commit, err)
		}
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
		files[name] = entry.Hash
	}
	return files, nil
}

// SnapshotOf lists the files of commit below dir.
func SnapshotOf(st storer.EncodedObjectStorer, commit plumbing.Hash, dir string) (Snapshot, error) {
	files, err := ListFiles(st, commit, dir)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Commit: commit, Files: files}, nil
}

// FileAt returns the blob id stored at p in commit, or found=false.
func FileAt(st storer.EncodedObjectStorer, commit plumbing.Hash, p string) (plumbing.Hash, bool, error) {
	if commit.IsZero() {
		return plumbing.ZeroHash, false, nil
	}
	c, err := object.GetCommit(st, commit)
	if err != nil {
		return plumbing.ZeroHash, false, fmt.Errorf("read commit %s: %w", commit, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return plumbing.ZeroHash, false, fmt.Errorf("read tree of %s: %w", commit, err)
	}
	entry, err := tree.FindEntry(path.Clean(p))
	if errors.Is(err, object.ErrEntryNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
		return plumbing.ZeroHash, false, nil
	}
	if err != nil {
		return plumbing.ZeroHash, false, err
	}
	if entry.Mode == filemode.Dir {
		return plumbing.ZeroHash, false, nil
	}
	return entry.Hash, true, nil
}
