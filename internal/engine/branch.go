package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tmobile/percy-cake-sub001/internal/git"
	"github.com/tmobile/percy-cake-sub001/internal/gitrepo"
)

// CheckoutRequest switches to an existing branch or creates a new one from
// the current branch.
type CheckoutRequest struct {
	Type   string `json:"type"` // "switch" or "create"
	Branch string `json:"branch"`
}

const (
	CheckoutSwitch = "switch"
	CheckoutCreate = "create"
)

// BranchDiff is the preview of merging Source into Target.
type BranchDiff struct {
	git.DiffResult
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceCommit string `json:"sourceCommit"`
	TargetCommit string `json:"targetCommit"`
	// MergeBase is empty when the histories could not be related; the diff is
	// then the conservative approximation and may over-report conflicts.
	MergeBase string `json:"mergeBase,omitempty"`
}

// Branches lists the branches origin advertises.
func (e *Engine) Branches(ctx context.Context) (names []string, err error) {
	ctx, done := e.track(ctx, "branches")
	defer func() { done(err) }()
	return e.repo.RemoteBranches(ctx)
}

// Checkout switches branches, or creates a branch from the current one and
// pushes it before switching to it.
func (e *Engine) Checkout(ctx context.Context, req CheckoutRequest) (err error) {
	ctx, done := e.track(ctx, "checkout", attribute.String("percy.checkout", req.Type), attribute.String("percy.target", req.Branch))
	defer func() { done(err) }()

	if req.Branch == "" {
		return fmt.Errorf("checkout: empty branch: %w", ErrInvalidName)
	}
	if err := plumbing.NewBranchReferenceName(req.Branch).Validate(); err != nil {
		return fmt.Errorf("checkout %q: %w: %v", req.Branch, ErrInvalidName, err)
	}
	switch req.Type {
	case CheckoutSwitch:
		return e.switchTo(ctx, req.Branch)
	case CheckoutCreate:
		return e.createBranch(ctx, req.Branch)
	default:
		return fmt.Errorf("checkout type %q: %w", req.Type, ErrInvalidName)
	}
}

func (e *Engine) createBranch(ctx context.Context, branch string) error {
	if err := e.repo.Fetch(ctx); err != nil {
		return err
	}
	existing, err := e.repo.ListBranches(true)
	if err != nil {
		return err
	}
	if slices.Contains(existing, branch) {
		return fmt.Errorf("create %s: %w", branch, ErrBranchExists)
	}

	from, err := e.refs.RemoteCommit(e.meta.BranchName)
	if err != nil {
		return err
	}
	if err := e.refs.WriteHeadCommit(branch, from); err != nil {
		return err
	}
	if err := e.repo.Push(ctx, branch, false); err != nil {
		if rmErr := e.refs.DeleteBranch(branch); rmErr != nil {
			e.logger.Error("drop local branch after failed push", "branch", branch, "error", rmErr)
		}
		return err
	}
	if err := e.refs.WriteRemoteCommit(branch, from); err != nil {
		return err
	}
	e.logger.Info("created branch", "branch", branch, "from", e.meta.BranchName)
	return e.switchTo(ctx, branch)
}

// DeleteBranch removes branch from origin and forgets its refs, drafts and
// commit-base SHAs. Locked branches and the current branch are refused.
func (e *Engine) DeleteBranch(ctx context.Context, branch string) (err error) {
	ctx, done := e.track(ctx, "delete_branch", attribute.String("percy.target", branch))
	defer func() { done(err) }()

	if e.cfg.IsLocked(branch) {
		return fmt.Errorf("delete %s: %w", branch, ErrBranchLocked)
	}
	if branch == e.meta.BranchName {
		return fmt.Errorf("delete %s: %w", branch, ErrCurrentBranch)
	}
	if err := e.repo.DeleteRemoteBranch(ctx, branch); err != nil && !isMissingRef(err) {
		return err
	}
	if err := e.refs.DeleteBranch(branch); err != nil {
		return err
	}
	if err := e.drafts.RemoveBranch(e.meta.Folder(), branch); err != nil {
		return err
	}
	return e.store.DropBranch(e.meta, branch)
}

func isMissingRef(err error) bool {
	var refErr *gitrepo.RefResolutionError
	return errors.As(err, &refErr)
}

// BranchDiff previews merging src into target: both branches are fetched,
// their merge base is looked up and the application folders are diffed.
// ToSave and conflict drafts carry the source content, ToDelete and conflict
// upstreams the target content.
func (e *Engine) BranchDiff(ctx context.Context, src, target string) (d BranchDiff, err error) {
	ctx, done := e.track(ctx, "branch_diff", attribute.String("percy.source", src), attribute.String("percy.target", target))
	defer func() { done(err) }()

	if err := e.repo.Fetch(ctx, src, target); err != nil {
		return BranchDiff{}, err
	}
	srcCommit, err := e.refs.RemoteCommit(src)
	if err != nil {
		return BranchDiff{}, err
	}
	targetCommit, err := e.refs.RemoteCommit(target)
	if err != nil {
		return BranchDiff{}, err
	}

	st := e.repo.Storer()
	base, found, err := git.FindMergeBase(st, srcCommit, targetCommit)
	if err != nil {
		return BranchDiff{}, err
	}
	srcSnap, err := git.SnapshotOf(st, srcCommit, e.cfg.AppsFolder)
	if err != nil {
		return BranchDiff{}, err
	}
	targetSnap, err := git.SnapshotOf(st, targetCommit, e.cfg.AppsFolder)
	if err != nil {
		return BranchDiff{}, err
	}
	var baseSnap *git.Snapshot
	if found {
		s, err := git.SnapshotOf(st, base, e.cfg.AppsFolder)
		if err != nil {
			return BranchDiff{}, err
		}
		baseSnap = &s
		d.MergeBase = base.String()
	} else {
		e.logger.Debug("no merge base within shallow history", "source", src, "target", target)
	}

	d.DiffResult = git.ThreeWayDiff(srcSnap, targetSnap, baseSnap)
	d.Source, d.Target = src, target
	d.SourceCommit, d.TargetCommit = srcCommit.String(), targetCommit.String()

	for i := range d.ToSave {
		if d.ToSave[i].DraftContent, err = e.blobContent(d.ToSave[i].ObjectID); err != nil {
			return BranchDiff{}, err
		}
		d.ToSave[i].Modified = true
	}
	for i := range d.ToDelete {
		if d.ToDelete[i].OriginalContent, err = e.blobContent(d.ToDelete[i].ObjectID); err != nil {
			return BranchDiff{}, err
		}
	}
	for i := range d.Conflict {
		c := &d.Conflict[i]
		if c.Draft.DraftContent, err = e.blobContent(c.Draft.ObjectID); err != nil {
			return BranchDiff{}, err
		}
		if c.Upstream.OriginalContent, err = e.blobContent(c.Upstream.ObjectID); err != nil {
			return BranchDiff{}, err
		}
		c.Draft.Modified = true
	}
	return d, nil
}

func (e *Engine) blobContent(oid string) (*string, error) {
	content, err := git.ReadBlob(e.repo.Storer(), plumbing.NewHash(oid))
	if err != nil {
		return nil, err
	}
	return &content, nil
}

// MergeBranch applies diff (usually a reviewed BranchDiff) to target as a
// merge commit whose second parent is the source commit. Conflicts are
// settled with their Draft side: its DraftContent when set, otherwise its
// blob.
func (e *Engine) MergeBranch(ctx context.Context, src, target string, diff git.DiffResult, message string) (commit plumbing.Hash, err error) {
	ctx, done := e.track(ctx, "merge_branch", attribute.String("percy.source", src), attribute.String("percy.target", target))
	defer func() { done(err) }()

	if e.cfg.IsLocked(target) {
		return plumbing.ZeroHash, fmt.Errorf("merge into %s: %w", target, ErrBranchLocked)
	}
	if err := e.repo.Fetch(ctx, src, target); err != nil {
		return plumbing.ZeroHash, err
	}
	srcCommit, err := e.refs.RemoteCommit(src)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	targetCommit, err := e.refs.RemoteCommit(target)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if message == "" {
		message = fmt.Sprintf("Merge branch '%s' into %s", src, target)
	}

	commit, err = e.doPush(ctx, target, targetCommit, func(idx *git.Index) (plumbing.Hash, error) {
		for _, f := range diff.ToSave {
			if err := e.stageMerged(idx, f); err != nil {
				return plumbing.ZeroHash, err
			}
		}
		for _, f := range diff.ToDelete {
			idx.Unstage(e.repoPath(f))
		}
		for _, c := range diff.Conflict {
			if err := e.stageMerged(idx, c.Draft); err != nil {
				return plumbing.ZeroHash, err
			}
		}
		return e.writeCommit(idx, message, targetCommit, srcCommit)
	}, false)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return commit, nil
}

func (e *Engine) stageMerged(idx *git.Index, f git.ConfigFile) error {
	if f.DraftContent != nil {
		_, err := e.stageContent(idx, e.repoPath(f), *f.DraftContent)
		return err
	}
	if f.ObjectID == "" {
		return fmt.Errorf("merge %s: %w", f.Key(), ErrNoContent)
	}
	idx.Stage(e.repoPath(f), plumbing.NewHash(f.ObjectID), filemode.Regular)
	return nil
}
