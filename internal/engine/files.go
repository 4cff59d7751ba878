package engine

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/tmobile/percy-cake-sub001/internal/git"
)

// Listing is every file of the current branch plus the application names.
type Listing struct {
	Files        []git.ConfigFile `json:"files"`
	Applications []string         `json:"applications"`
}

// Files fetches the current branch and lists upstream files merged with the
// user's drafts. Contents are not loaded.
func (e *Engine) Files(ctx context.Context) (l Listing, err error) {
	branch := e.meta.BranchName
	ctx, done := e.track(ctx, "files")
	defer func() { done(err) }()

	remote, err := e.remoteHead(ctx, branch)
	if err != nil {
		return Listing{}, err
	}
	if err := e.refs.WriteHeadCommit(branch, remote); err != nil {
		return Listing{}, err
	}
	upstream, err := e.repo.ListFiles(remote, e.cfg.AppsFolder)
	if err != nil {
		return Listing{}, err
	}
	drafts, err := e.drafts.List(e.meta.Folder(), branch)
	if err != nil {
		return Listing{}, err
	}

	byKey := make(map[string]git.ConfigFile, len(upstream)+len(drafts))
	apps := map[string]bool{}
	for key, oid := range upstream {
		app, name := git.SplitKey(key)
		if name == "" {
			continue
		}
		apps[app] = true
		byKey[key] = git.ConfigFile{ApplicationName: app, FileName: name, ObjectID: oid.String()}
	}
	for _, d := range drafts {
		apps[d.ApplicationName] = true
		f, ok := byKey[d.Key()]
		if !ok {
			byKey[d.Key()] = d
			continue
		}
		f.DraftContent = d.DraftContent
		f.Size = d.Size
		f.Modified = true
		byKey[d.Key()] = f
	}

	for _, f := range byKey {
		l.Files = append(l.Files, f)
	}
	sort.Slice(l.Files, func(i, j int) bool { return l.Files[i].Key() < l.Files[j].Key() })
	for app := range apps {
		l.Applications = append(l.Applications, app)
	}
	sort.Strings(l.Applications)
	return l, nil
}

// File loads one file from the local branch head and its draft. No network.
func (e *Engine) File(ctx context.Context, app, name string) (f git.ConfigFile, err error) {
	branch := e.meta.BranchName
	_, done := e.track(ctx, "file", attribute.String("percy.file", git.FileKey(app, name)))
	defer func() { done(err) }()

	f = git.ConfigFile{ApplicationName: app, FileName: name}
	head, err := e.refs.HeadCommit(branch)
	if err != nil {
		return f, err
	}
	oid, content, found, err := e.repo.ReadFile(head, e.repoPath(f))
	if err != nil {
		return f, err
	}
	if found {
		f.ObjectID = oid.String()
		f.OriginalContent = git.Ptr(content)
		f.Size = int64(len(content))
	}

	draft, hasDraft, err := e.drafts.Read(e.meta.Folder(), branch, app, name)
	if err != nil {
		return f, err
	}
	if hasDraft {
		f.DraftContent = git.Ptr(draft)
		f.Modified = true
		f.Size = int64(len(draft))
	}
	if !found && !hasDraft {
		return f, fmt.Errorf("%s: %w", f.Key(), ErrFileNotFound)
	}
	return f, nil
}

// SaveDraft stores f.DraftContent as the user's draft. The upstream blob the
// draft forks from is recorded the first time. A draft equal to upstream is
// dropped instead, together with its commit-base SHA.
func (e *Engine) SaveDraft(ctx context.Context, f git.ConfigFile) (out git.ConfigFile, err error) {
	branch := e.meta.BranchName
	_, done := e.track(ctx, "save_draft", attribute.String("percy.file", f.Key()))
	defer func() { done(err) }()

	if f.ApplicationName == "" || f.FileName == "" || strings.Contains(f.Key(), "..") {
		return f, fmt.Errorf("file %q: %w", f.Key(), ErrInvalidName)
	}
	if f.DraftContent == nil {
		return f, fmt.Errorf("save draft %s: %w", f.Key(), ErrNoContent)
	}
	if err := validateYAML(f.FileName, *f.DraftContent); err != nil {
		return f, err
	}

	head, err := e.refs.HeadCommit(branch)
	if err != nil {
		return f, err
	}
	p := e.repoPath(f)
	oid, upstream, found, err := e.repo.ReadFile(head, p)
	if err != nil {
		return f, err
	}

	if found && upstream == *f.DraftContent {
		if err := e.drafts.Remove(e.meta.Folder(), branch, f.ApplicationName, f.FileName); err != nil {
			return f, err
		}
		if _, err := e.store.SaveCommitBaseSHA(e.meta, map[string]string{p: ""}, branch); err != nil {
			return f, err
		}
		f.ObjectID = oid.String()
		f.OriginalContent = git.Ptr(upstream)
		f.DraftContent = nil
		f.Modified = false
		return f, nil
	}

	if err := e.drafts.Write(e.meta.Folder(), branch, f.ApplicationName, f.FileName, *f.DraftContent); err != nil {
		return f, err
	}
	if _, tracked := e.meta.BaseSHA(branch, p); !tracked {
		base := f.ObjectID
		if base == "" && found {
			base = oid.String()
		}
		if base != "" {
			if _, err := e.store.SaveCommitBaseSHA(e.meta, map[string]string{p: base}, branch); err != nil {
				return f, err
			}
		}
	}
	if found {
		f.OriginalContent = git.Ptr(upstream)
		if f.ObjectID == "" {
			f.ObjectID = oid.String()
		}
	}
	f.Modified = true
	f.Size = int64(len(*f.DraftContent))
	return f, nil
}

// DeleteFile removes a file. A draft-only file just loses its draft; a
// committed file is removed in a commit of its own.
func (e *Engine) DeleteFile(ctx context.Context, f git.ConfigFile) (err error) {
	branch := e.meta.BranchName
	ctx, done := e.track(ctx, "delete_file", attribute.String("percy.file", f.Key()))
	defer func() { done(err) }()

	p := e.repoPath(f)
	head, err := e.refs.HeadCommit(branch)
	if err != nil {
		return err
	}
	_, inHead, err := git.FileAt(e.repo.Storer(), head, p)
	if err != nil {
		return err
	}

	if inHead {
		if e.cfg.IsLocked(branch) {
			return fmt.Errorf("delete from %s: %w", branch, ErrBranchLocked)
		}
		remote, err := e.remoteHead(ctx, branch)
		if err != nil {
			return err
		}
		_, inRemote, err := git.FileAt(e.repo.Storer(), remote, p)
		if err != nil {
			return err
		}
		if inRemote {
			message := fmt.Sprintf("Delete file %s", path.Join(f.ApplicationName, f.FileName))
			_, err = e.doPush(ctx, branch, remote, func(idx *git.Index) (plumbing.Hash, error) {
				idx.Unstage(p)
				return e.writeCommit(idx, message, remote)
			}, false)
			if err != nil {
				return err
			}
		}
	}

	if err := e.drafts.Remove(e.meta.Folder(), branch, f.ApplicationName, f.FileName); err != nil {
		return err
	}
	_, err = e.store.SaveCommitBaseSHA(e.meta, map[string]string{p: ""}, branch)
	return err
}

// IsRepoChanged reports whether origin moved past the last synced commit of
// the current branch. Local refs other than remote-tracking ones are left
// alone.
func (e *Engine) IsRepoChanged(ctx context.Context) (changed bool, err error) {
	branch := e.meta.BranchName
	ctx, done := e.track(ctx, "is_repo_changed")
	defer func() { done(err) }()

	head, err := e.refs.HeadCommit(branch)
	if err != nil {
		return false, err
	}
	remote, err := e.remoteHead(ctx, branch)
	if err != nil {
		return false, err
	}
	return head != remote, nil
}

func validateYAML(name, content string) error {
	ext := strings.ToLower(path.Ext(name))
	if ext != ".yaml" && ext != ".yml" {
		return nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidYAML, name, err)
	}
	return nil
}
