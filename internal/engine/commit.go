package engine

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tmobile/percy-cake-sub001/internal/git"
)

// CommitFiles commits files on the current branch.
//
// Unless force is set, every file is checked against the freshly fetched
// branch: the upstream blob must still be the one its draft was forked from
// (the tracked commit-base SHA, or the file's ObjectID when untracked). Any
// mismatch aborts the commit with a *ConflictError listing each conflicting
// file with its upstream content; the baselines used for the check are
// persisted so a retry compares against the same ones.
//
// On success the drafts of the committed files and their commit-base SHAs
// are removed and the returned files carry the new object ids.
func (e *Engine) CommitFiles(ctx context.Context, files []git.ConfigFile, message string, force bool) (out []git.ConfigFile, err error) {
	branch := e.meta.BranchName
	ctx, done := e.track(ctx, "commit_files", attribute.Int("percy.files", len(files)), attribute.Bool("percy.force", force))
	defer func() { done(err) }()

	if e.cfg.IsLocked(branch) {
		return nil, fmt.Errorf("commit to %s: %w", branch, ErrBranchLocked)
	}
	if len(files) == 0 {
		return nil, nil
	}
	for _, f := range files {
		if _, ok := f.Content(); !ok {
			return nil, fmt.Errorf("commit %s: %w", f.Key(), ErrNoContent)
		}
	}

	remote, err := e.remoteHead(ctx, branch)
	if err != nil {
		return nil, err
	}

	if !force {
		if err := e.checkConflicts(branch, remote, files); err != nil {
			return nil, err
		}
	}

	committed := make([]git.ConfigFile, len(files))
	_, err = e.doPush(ctx, branch, remote, func(idx *git.Index) (plumbing.Hash, error) {
		for i, f := range files {
			content, _ := f.Content()
			oid, err := e.stageContent(idx, e.repoPath(f), content)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			committed[i] = git.ConfigFile{
				ApplicationName: f.ApplicationName,
				FileName:        f.FileName,
				ObjectID:        oid.String(),
				OriginalContent: git.Ptr(content),
				Size:            int64(len(content)),
			}
		}
		return e.writeCommit(idx, message, remote)
	}, force)
	if err != nil {
		return nil, err
	}

	cleared := make(map[string]string, len(files))
	for _, f := range files {
		if err := e.drafts.Remove(e.meta.Folder(), branch, f.ApplicationName, f.FileName); err != nil {
			return nil, err
		}
		cleared[e.repoPath(f)] = ""
	}
	if _, err := e.store.SaveCommitBaseSHA(e.meta, cleared, branch); err != nil {
		return nil, err
	}
	return committed, nil
}

// checkConflicts compares each file's baseline with the blob at its path in
// remote and returns a *ConflictError when any changed upstream.
func (e *Engine) checkConflicts(branch string, remote plumbing.Hash, files []git.ConfigFile) error {
	var conflicts []git.ConflictFile
	baselines := map[string]string{}
	for _, f := range files {
		p := e.repoPath(f)
		oldOid, tracked := e.meta.BaseSHA(branch, p)
		if !tracked {
			oldOid = f.ObjectID
		}
		newOid, content, found, err := e.repo.ReadFile(remote, p)
		if err != nil {
			return err
		}

		changed := (oldOid == "" && found) || (oldOid != "" && found && oldOid != newOid.String())
		if !changed {
			continue
		}
		if !tracked && oldOid != "" {
			baselines[p] = oldOid
		}
		draft := f
		draft.Modified = true
		conflicts = append(conflicts, git.ConflictFile{
			Draft: draft,
			Upstream: git.ConfigFile{
				ApplicationName: f.ApplicationName,
				FileName:        f.FileName,
				ObjectID:        newOid.String(),
				OriginalContent: git.Ptr(content),
				Size:            int64(len(content)),
			},
		})
	}
	if len(conflicts) == 0 {
		return nil
	}
	if _, err := e.store.SaveCommitBaseSHA(e.meta, baselines, branch); err != nil {
		return err
	}
	e.metrics.conflict(len(conflicts))
	e.logger.Info("commit rejected by upstream changes", "branch", branch, "files", len(conflicts))
	return &ConflictError{Files: conflicts}
}

// ResolveConflicts applies the user's resolution of conflicting files. Each
// file carries the chosen content as DraftContent and the upstream version
// as OriginalContent/ObjectID. Files whose resolution equals upstream are
// dropped as drafts without touching the network; the rest are committed
// together with force.
func (e *Engine) ResolveConflicts(ctx context.Context, files []git.ConfigFile, message string) (out []git.ConfigFile, err error) {
	branch := e.meta.BranchName
	ctx, done := e.track(ctx, "resolve_conflicts", attribute.Int("percy.files", len(files)))
	defer func() { done(err) }()

	var pending []git.ConfigFile
	cleared := map[string]string{}
	for _, f := range files {
		f.Modified = f.DraftContent != nil && (f.OriginalContent == nil || *f.DraftContent != *f.OriginalContent)
		if f.Modified {
			pending = append(pending, f)
			continue
		}
		if err := e.drafts.Remove(e.meta.Folder(), branch, f.ApplicationName, f.FileName); err != nil {
			return nil, err
		}
		cleared[e.repoPath(f)] = ""
		f.DraftContent = nil
		out = append(out, f)
	}
	if _, err := e.store.SaveCommitBaseSHA(e.meta, cleared, branch); err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return out, nil
	}

	// keep the resolution as the draft until the forced commit lands
	rebased := map[string]string{}
	for _, f := range pending {
		if err := e.drafts.Write(e.meta.Folder(), branch, f.ApplicationName, f.FileName, *f.DraftContent); err != nil {
			return nil, err
		}
		rebased[e.repoPath(f)] = f.ObjectID
	}
	if _, err := e.store.SaveCommitBaseSHA(e.meta, rebased, branch); err != nil {
		return nil, err
	}

	committed, err := e.CommitFiles(ctx, pending, message, true)
	if err != nil {
		return nil, err
	}
	return append(out, committed...), nil
}
