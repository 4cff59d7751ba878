package engine

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tmobile/percy-cake-sub001/internal/git"
)

// commitAction stages files into idx, which mirrors the last known commit,
// and writes a commit object. It returns the new commit id.
type commitAction func(idx *git.Index) (plumbing.Hash, error)

// doPush runs action on top of lastKnown and pushes branch. On success the
// local and remote-tracking refs point at the new commit. On any failure the
// local ref and the index are restored to lastKnown before the error is
// returned.
func (e *Engine) doPush(ctx context.Context, branch string, lastKnown plumbing.Hash, action commitAction, force bool) (commit plumbing.Hash, err error) {
	ctx, done := e.track(ctx, "push", attribute.String("percy.target", branch), attribute.Bool("percy.force", force))
	defer func() { done(err) }()

	st := e.repo.Storer()
	idx, err := git.ResetIndex(st, lastKnown)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := e.refs.WriteHeadCommit(branch, lastKnown); err != nil {
		return plumbing.ZeroHash, err
	}

	commit, err = action(idx)
	if err == nil {
		err = e.refs.WriteHeadCommit(branch, commit)
	}
	if err == nil {
		e.metrics.push(force)
		err = e.repo.Push(ctx, branch, force)
	}
	if err != nil {
		e.rollback(branch, lastKnown, err)
		return plumbing.ZeroHash, err
	}

	// origin has the commit now; local state follows it
	if err := e.refs.WriteRemoteCommit(branch, commit); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("pushed %s but could not record it: %w", commit, err)
	}
	if _, err := git.ResetIndex(st, commit); err != nil {
		e.logger.Warn("reset index after push", "branch", branch, "commit", commit.String(), "error", err)
	}
	e.logger.Info("pushed", "branch", branch, "commit", commit.String(), "force", force)
	return commit, nil
}

func (e *Engine) rollback(branch string, lastKnown plumbing.Hash, cause error) {
	e.metrics.rollback()
	e.logger.Warn("push failed, rolling back", "branch", branch, "commit", lastKnown.String(), "error", cause)
	if err := e.refs.WriteHeadCommit(branch, lastKnown); err != nil {
		e.logger.Error("rollback of local ref failed", "branch", branch, "error", err)
	}
	if _, err := git.ResetIndex(e.repo.Storer(), lastKnown); err != nil {
		e.logger.Error("rollback of index failed", "branch", branch, "error", err)
	}
}

// stageContent writes content as a blob and stages it at p.
func (e *Engine) stageContent(idx *git.Index, p, content string) (plumbing.Hash, error) {
	oid, err := e.repo.WriteBlob([]byte(content))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	idx.Stage(p, oid, filemode.Regular)
	return oid, nil
}

// writeCommit writes idx as a tree and a commit on top of parents.
func (e *Engine) writeCommit(idx *git.Index, message string, parents ...plumbing.Hash) (plumbing.Hash, error) {
	st := e.repo.Storer()
	tree, err := idx.WriteTree(st)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	var ps []plumbing.Hash
	for _, p := range parents {
		if !p.IsZero() {
			ps = append(ps, p)
		}
	}
	return git.WriteCommit(st, git.NewCommit(tree, message, e.signature(), ps...))
}
