// Package git holds the object-level algorithms of the sync engine: staging
// into an index without a worktree, writing trees and commits, walking shallow
// history for merge bases, and classifying files in a three-way diff.
package git

import (
	"path"
	"strings"
)

// ConfigFile is one configuration file of an application, as seen by the UI.
type ConfigFile struct {
	ApplicationName string  `json:"applicationName"`
	FileName        string  `json:"fileName"`
	ObjectID        string  `json:"oid,omitempty"`             // blob id of the last-synced upstream version
	DraftContent    *string `json:"draftContent,omitempty"`    // nil when there is no draft
	OriginalContent *string `json:"originalContent,omitempty"` // nil for a file that is new upstream-wise
	Modified        bool    `json:"modified"`
	Size            int64   `json:"size,omitempty"`
}

// Key returns "application/file", the key used by file sets and diffs.
func (f ConfigFile) Key() string {
	return FileKey(f.ApplicationName, f.FileName)
}

// RepoPath returns the repository-relative path under appsFolder.
func (f ConfigFile) RepoPath(appsFolder string) string {
	return path.Join(appsFolder, f.ApplicationName, f.FileName)
}

// Content returns the draft when present, the original otherwise.
func (f ConfigFile) Content() (string, bool) {
	if f.DraftContent != nil {
		return *f.DraftContent, true
	}
	if f.OriginalContent != nil {
		return *f.OriginalContent, true
	}
	return "", false
}

// ConflictFile pairs a draft (or source branch) file with the upstream file
// it collides with.
type ConflictFile struct {
	Draft    ConfigFile `json:"draftFile"`
	Upstream ConfigFile `json:"originalFile"`
}

// DiffResult is the outcome of a three-way diff.
type DiffResult struct {
	ToSave   []ConfigFile   `json:"toSave"`
	ToDelete []ConfigFile   `json:"toDelete"`
	Conflict []ConflictFile `json:"conflictFiles"`
}

// Empty reports whether the diff has nothing to apply.
func (d DiffResult) Empty() bool {
	return len(d.ToSave) == 0 && len(d.ToDelete) == 0 && len(d.Conflict) == 0
}

// FileKey joins an application and a file name.
func FileKey(app, file string) string {
	return app + "/" + file
}

// SplitKey is the inverse of FileKey. Nested file names keep their slashes.
func SplitKey(key string) (app, file string) {
	app, file, _ = strings.Cut(key, "/")
	return app, file
}

// Ptr returns a pointer to s; handy for optional contents.
func Ptr(s string) *string { return &s }
