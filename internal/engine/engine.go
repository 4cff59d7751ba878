// Package engine coordinates the sync workflow: it keeps the shallow mirror
// in step with origin, detects conflicting upstream changes per file and
// pushes commits transactionally.
//
// An Engine holds no locks. Callers serialize operations on one Engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/tmobile/percy-cake-sub001/internal/config"
	"github.com/tmobile/percy-cake-sub001/internal/git"
	"github.com/tmobile/percy-cake-sub001/internal/gitrepo"
	"github.com/tmobile/percy-cake-sub001/internal/state"
)

// Principal is the logged-in user. The password is used for transport calls
// only and never persisted.
type Principal struct {
	Username string `json:"username"`
	Password string `json:"-"`
	RepoURL  string `json:"repositoryUrl"`
	RepoName string `json:"repoName,omitempty"`
	Branch   string `json:"branchName,omitempty"`
}

// RepoNameFromURL returns the last path segment of repoURL without ".git".
func RepoNameFromURL(repoURL string) string {
	name := path.Base(strings.TrimRight(repoURL, "/"))
	return strings.TrimSuffix(name, ".git")
}

// Options are the collaborators of an Engine.
type Options struct {
	Config *config.Config
	// FS is rooted at Config.DataRoot.
	FS      billy.Filesystem
	Remote  gitrepo.Remote
	Logger  *slog.Logger
	Metrics *Metrics
}

type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *Metrics

	fs     billy.Filesystem
	repo   *gitrepo.Repo
	refs   *state.Refs
	store  *state.MetadataStore
	drafts *state.Drafts
	meta   *state.Metadata
}

// Open prepares the mirror of p's repository. The first access clones it.
// Metadata that cannot be trusted is deleted together with the clone, which
// is then recreated.
func Open(ctx context.Context, opts Options, p Principal) (*Engine, error) {
	if opts.Config == nil || opts.FS == nil || opts.Remote == nil {
		return nil, errors.New("engine: config, filesystem and remote are required")
	}
	if p.Username == "" || p.RepoURL == "" {
		return nil, errors.New("engine: username and repository url are required")
	}
	if p.RepoName == "" {
		p.RepoName = RepoNameFromURL(p.RepoURL)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	draftsFS, err := opts.FS.Chroot("drafts")
	if err != nil {
		return nil, fmt.Errorf("engine: drafts dir: %w", err)
	}
	e := &Engine{
		cfg:     opts.Config,
		logger:  logger.With("repo", state.RepoFolder(p.Username, p.RepoName)),
		metrics: opts.Metrics,
		fs:      opts.FS,
		store:   state.NewMetadataStore(opts.FS, opts.Config.MetadataVersion),
		drafts:  state.NewDrafts(draftsFS, opts.Config.AppsFolder),
		meta: &state.Metadata{
			Username: p.Username,
			RepoURL:  p.RepoURL,
			RepoName: p.RepoName,
		},
	}

	ctx, done := e.track(ctx, "open")
	err = e.open(ctx, opts.Remote, p)
	done(err)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) open(ctx context.Context, remote gitrepo.Remote, p Principal) error {
	folder := e.meta.Folder()
	repoDir := path.Join("repos", folder)
	repoFS, err := e.fs.Chroot(repoDir)
	if err != nil {
		return fmt.Errorf("engine: repository dir: %w", err)
	}

	meta, err := e.store.Load(folder)
	var corrupt *state.MetadataCorruptionError
	switch {
	case errors.As(err, &corrupt):
		e.logger.Warn("discarding corrupt metadata and cloning again", "error", err)
		if err := e.store.Delete(folder); err != nil {
			return err
		}
		meta = nil
	case errors.Is(err, os.ErrNotExist):
		meta = nil
	case err != nil:
		return err
	}

	branch := p.Branch
	if branch == "" && meta != nil {
		branch = meta.BranchName
	}
	if branch == "" {
		branch = e.cfg.DefaultBranch
	}

	if meta == nil || !gitrepo.Exists(repoFS) {
		return e.clone(ctx, remote, repoDir, branch)
	}

	e.repo, err = gitrepo.Open(repoFS, remote, e.cfg.CloneDepth)
	if err != nil {
		e.logger.Warn("local clone unreadable, cloning again", "error", err)
		return e.clone(ctx, remote, repoDir, branch)
	}
	e.refs = state.NewRefs(e.repo.Storer())
	meta.Username, meta.RepoURL, meta.RepoName = e.meta.Username, e.meta.RepoURL, e.meta.RepoName
	e.meta = meta

	err = e.switchTo(ctx, branch)
	if gitrepo.IsBranchDeleted(err) && branch != e.cfg.DefaultBranch {
		e.logger.Warn("branch deleted upstream, switching to default", "branch", branch, "default", e.cfg.DefaultBranch)
		err = e.switchTo(ctx, e.cfg.DefaultBranch)
	}
	return err
}

func (e *Engine) clone(ctx context.Context, remote gitrepo.Remote, repoDir, branch string) error {
	if err := util.RemoveAll(e.fs, repoDir); err != nil {
		return fmt.Errorf("engine: clear %s: %w", repoDir, err)
	}
	repoFS, err := e.fs.Chroot(repoDir)
	if err != nil {
		return fmt.Errorf("engine: repository dir: %w", err)
	}
	e.repo, err = gitrepo.Clone(ctx, repoFS, remote, branch, e.cfg.CloneDepth)
	if err != nil {
		_ = util.RemoveAll(e.fs, repoDir)
		return err
	}
	e.refs = state.NewRefs(e.repo.Storer())
	e.meta.BranchName = branch
	e.meta.CommitBaseSHA = map[string]map[string]string{}
	e.logger.Info("cloned repository", "branch", branch, "depth", e.cfg.CloneDepth)
	return e.store.Save(e.meta)
}

// switchTo fetches branch and points the local branch, HEAD and the index
// at its remote commit.
func (e *Engine) switchTo(ctx context.Context, branch string) error {
	if err := e.repo.Fetch(ctx, branch); err != nil {
		return err
	}
	remote, err := e.refs.RemoteCommit(branch)
	if err != nil {
		return err
	}
	if err := e.refs.WriteHeadCommit(branch, remote); err != nil {
		return err
	}
	if err := e.refs.WriteHeadRef(branch); err != nil {
		return err
	}
	if _, err := git.ResetIndex(e.repo.Storer(), remote); err != nil {
		return err
	}
	if e.meta.BranchName != branch {
		e.meta.BranchName = branch
		return e.store.Save(e.meta)
	}
	return nil
}

// Branch returns the current branch.
func (e *Engine) Branch() string { return e.meta.BranchName }

// Folder returns the {username}!{repoName} folder of the repository.
func (e *Engine) Folder() string { return e.meta.Folder() }

// Repo exposes the local mirror.
func (e *Engine) Repo() *gitrepo.Repo { return e.repo }

// Metadata returns a copy of the repository metadata.
func (e *Engine) Metadata() state.Metadata {
	m := *e.meta
	m.CommitBaseSHA = make(map[string]map[string]string, len(e.meta.CommitBaseSHA))
	for b := range e.meta.CommitBaseSHA {
		m.CommitBaseSHA[b] = e.meta.BranchBaseSHAs(b)
	}
	return m
}

// IsBranchLocked reports whether branch rejects commits and merges.
func (e *Engine) IsBranchLocked(branch string) bool {
	return e.cfg.IsLocked(branch)
}

func (e *Engine) signature() object.Signature {
	email := e.meta.Username
	if !strings.Contains(email, "@") {
		if e.cfg.Author.Email != "" {
			email = e.cfg.Author.Email
		} else {
			email = e.meta.Username + "@users.noreply.percy"
		}
	}
	return object.Signature{Name: e.meta.Username, Email: email, When: time.Now()}
}

func (e *Engine) repoPath(f git.ConfigFile) string {
	return f.RepoPath(e.cfg.AppsFolder)
}

// remoteHead fetches branch and returns its remote-tracking commit.
func (e *Engine) remoteHead(ctx context.Context, branch string) (plumbing.Hash, error) {
	if err := e.repo.Fetch(ctx, branch); err != nil {
		return plumbing.ZeroHash, err
	}
	return e.refs.RemoteCommit(branch)
}
