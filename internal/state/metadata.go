// Package state persists what the engine knows between calls: per-repository
// metadata, the branch ref set and the user's drafts.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// Metadata is the per repository+user record.
type Metadata struct {
	Username   string `json:"username"`
	RepoURL    string `json:"repoUrl"`
	RepoName   string `json:"repoName"`
	BranchName string `json:"branchName"`
	// CommitBaseSHA[branch][repoRelativePath] is the upstream blob id a draft
	// was forked from.
	CommitBaseSHA map[string]map[string]string `json:"commitBaseSHA"`
	Version       string                       `json:"version"`
}

// RepoFolder names the per-user directory of a repository.
func RepoFolder(username, repoName string) string {
	return username + "!" + repoName
}

// Folder returns RepoFolder for m.
func (m Metadata) Folder() string {
	return RepoFolder(m.Username, m.RepoName)
}

// BaseSHA returns the tracked commit-base SHA of p on branch.
func (m Metadata) BaseSHA(branch, p string) (string, bool) {
	oid, ok := m.CommitBaseSHA[branch][p]
	return oid, ok
}

// BranchBaseSHAs returns a copy of the tracked SHAs of branch.
func (m Metadata) BranchBaseSHAs(branch string) map[string]string {
	out := make(map[string]string, len(m.CommitBaseSHA[branch]))
	for p, oid := range m.CommitBaseSHA[branch] {
		out[p] = oid
	}
	return out
}

// MetadataCorruptionError reports a metadata file that cannot be trusted.
// The engine recovers by deleting it and cloning again.
type MetadataCorruptionError struct {
	Folder string
	Reason string
	Err    error
}

func (e *MetadataCorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("metadata of %s is corrupt: %s: %v", e.Folder, e.Reason, e.Err)
	}
	return fmt.Sprintf("metadata of %s is corrupt: %s", e.Folder, e.Reason)
}

func (e *MetadataCorruptionError) Unwrap() error { return e.Err }

// MetadataStore keeps one JSON file per repository folder.
type MetadataStore struct {
	fs      billy.Filesystem
	version string
}

// NewMetadataStore stores metadata files on fs. Files written with another
// version are treated as corrupt.
func NewMetadataStore(fs billy.Filesystem, version string) *MetadataStore {
	return &MetadataStore{fs: fs, version: version}
}

func (s *MetadataStore) file(folder string) string {
	return path.Join("metadata", folder+".json")
}

// Load reads the metadata of folder. A missing file yields an error matching
// os.ErrNotExist.
func (s *MetadataStore) Load(folder string) (*Metadata, error) {
	data, err := util.ReadFile(s.fs, s.file(folder))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load metadata of %s: %w", folder, os.ErrNotExist)
		}
		return nil, fmt.Errorf("load metadata of %s: %w", folder, err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &MetadataCorruptionError{Folder: folder, Reason: "unparsable", Err: err}
	}
	if m.Version != s.version {
		return nil, &MetadataCorruptionError{Folder: folder, Reason: fmt.Sprintf("version %q, want %q", m.Version, s.version)}
	}
	if m.CommitBaseSHA == nil {
		m.CommitBaseSHA = map[string]map[string]string{}
	}
	return &m, nil
}

// Save writes m, stamping the store's version.
func (s *MetadataStore) Save(m *Metadata) error {
	m.Version = s.version
	if m.CommitBaseSHA == nil {
		m.CommitBaseSHA = map[string]map[string]string{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := writeFileAtomic(s.fs, s.file(m.Folder()), data); err != nil {
		return fmt.Errorf("save metadata of %s: %w", m.Folder(), err)
	}
	return nil
}

// Delete removes the metadata of folder. A missing file is not an error.
func (s *MetadataStore) Delete(folder string) error {
	err := s.fs.Remove(s.file(folder))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete metadata of %s: %w", folder, err)
	}
	return nil
}

// SaveCommitBaseSHA applies shas to branch: a non-empty oid upserts the path,
// an empty oid removes it. m is written only when something changed.
func (s *MetadataStore) SaveCommitBaseSHA(m *Metadata, shas map[string]string, branch string) (bool, error) {
	if m.CommitBaseSHA == nil {
		m.CommitBaseSHA = map[string]map[string]string{}
	}
	entries := m.CommitBaseSHA[branch]
	changed := false
	for p, oid := range shas {
		current, ok := entries[p]
		switch {
		case oid == "" && ok:
			delete(entries, p)
			changed = true
		case oid != "" && (!ok || current != oid):
			if entries == nil {
				entries = map[string]string{}
				m.CommitBaseSHA[branch] = entries
			}
			entries[p] = oid
			changed = true
		}
	}
	if entries != nil && len(entries) == 0 {
		delete(m.CommitBaseSHA, branch)
	}
	if !changed {
		return false, nil
	}
	return true, s.Save(m)
}

// DropBranch forgets every SHA tracked for branch.
func (s *MetadataStore) DropBranch(m *Metadata, branch string) error {
	if _, ok := m.CommitBaseSHA[branch]; !ok {
		return nil
	}
	delete(m.CommitBaseSHA, branch)
	return s.Save(m)
}

// writeFileAtomic replaces name with data through a temporary file and a
// rename, so readers see either the old or the new content.
func writeFileAtomic(fs billy.Filesystem, name string, data []byte) error {
	dir := path.Dir(name)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := util.TempFile(fs, dir, ".tmp-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmp.Name())
		return err
	}
	return fs.Rename(tmp.Name(), name)
}
