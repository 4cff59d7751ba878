package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tmobile/percy-cake-sub001/internal/config"
	"github.com/tmobile/percy-cake-sub001/internal/git"
	"github.com/tmobile/percy-cake-sub001/internal/gitrepo"
)

type fixture struct {
	cfg     *config.Config
	fs      billy.Filesystem
	remote  *gitrepo.MemoryRemote
	metrics *Metrics
	engine  *Engine
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DataRoot = "/data"
	cfg.LockedBranches = []string{"master"}
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture seeds origin with a locked master and an open dev branch at the
// same commit, and opens an engine on dev.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	remote, err := gitrepo.NewMemoryRemote()
	require.NoError(t, err)
	_, err = remote.Commit("master", map[string]*string{
		"apps/app1/a.yaml": git.Ptr("a: 1\n"),
		"apps/app1/b.yaml": git.Ptr("b: 1\n"),
		"README.md":        git.Ptr("# cfg\n"),
	}, "init")
	require.NoError(t, err)
	tip, err := remote.Commit("master", map[string]*string{"apps/app2/c.yaml": git.Ptr("c: 1\n")}, "add app2")
	require.NoError(t, err)
	require.NoError(t, remote.Repository().Storer.SetReference(
		plumbing.NewHashReference(plumbing.NewBranchReferenceName("dev"), tip)))

	f := &fixture{
		cfg:     testConfig(),
		fs:      memfs.New(),
		remote:  remote,
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.engine = f.open(t, alice("dev"))
	return f
}

func alice(branch string) Principal {
	return Principal{Username: "alice", RepoURL: "https://git.example.com/org/cfg.git", Branch: branch}
}

func (f *fixture) open(t *testing.T, p Principal) *Engine {
	t.Helper()
	e, err := Open(context.Background(), Options{
		Config:  f.cfg,
		FS:      f.fs,
		Remote:  f.remote,
		Logger:  discardLogger(),
		Metrics: f.metrics,
	}, p)
	require.NoError(t, err)
	return e
}

// remoteFile returns the content of p on origin's branch.
func (f *fixture) remoteFile(t *testing.T, branch, p string) (string, bool) {
	t.Helper()
	repo := f.remote.Repository()
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	require.NoError(t, err)
	oid, found, err := git.FileAt(repo.Storer, ref.Hash(), p)
	require.NoError(t, err)
	if !found {
		return "", false
	}
	content, err := git.ReadBlob(repo.Storer, oid)
	require.NoError(t, err)
	return content, true
}

func (f *fixture) remoteHead(t *testing.T, branch string) plumbing.Hash {
	t.Helper()
	ref, err := f.remote.Repository().Reference(plumbing.NewBranchReferenceName(branch), true)
	require.NoError(t, err)
	return ref.Hash()
}

// draft loads a file and returns it with content as its draft.
func (f *fixture) draft(t *testing.T, e *Engine, app, name, content string) git.ConfigFile {
	t.Helper()
	file, err := e.File(context.Background(), app, name)
	if err != nil {
		file = git.ConfigFile{ApplicationName: app, FileName: name}
	}
	file.DraftContent = git.Ptr(content)
	saved, err := e.SaveDraft(context.Background(), file)
	require.NoError(t, err)
	return saved
}
