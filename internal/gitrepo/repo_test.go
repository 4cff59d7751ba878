package gitrepo

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmobile/percy-cake-sub001/internal/git"
)

func seedRemote(t *testing.T) *MemoryRemote {
	t.Helper()
	remote, err := NewMemoryRemote()
	require.NoError(t, err)
	_, err = remote.Commit("master", map[string]*string{
		"apps/app1/a.yaml": git.Ptr("a: 1\n"),
		"apps/app1/b.yaml": git.Ptr("b: 1\n"),
	}, "init")
	require.NoError(t, err)
	_, err = remote.Commit("master", map[string]*string{"apps/app1/a.yaml": git.Ptr("a: 2\n")}, "second")
	require.NoError(t, err)
	return remote
}

func TestClone_ShallowNoWorktree(t *testing.T) {
	ctx := context.Background()
	remote := seedRemote(t)
	fs := memfs.New()

	repo, err := Clone(ctx, fs, remote, "master", 1)
	require.NoError(t, err)
	assert.True(t, Exists(fs))

	head, err := repo.ResolveRef(plumbing.NewBranchReferenceName("master"))
	require.NoError(t, err)
	tracking, err := repo.ResolveRef(RemoteRefName("master"))
	require.NoError(t, err)
	assert.Equal(t, head, tracking)

	shallow, err := repo.Storer().Shallow()
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{head}, shallow)

	_, err = repo.Repository().Worktree()
	assert.ErrorIs(t, err, gogit.ErrIsBareRepository)

	oid, content, found, err := repo.ReadFile(head, "apps/app1/a.yaml")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a: 2\n", content)
	assert.Equal(t, git.BlobID([]byte("a: 2\n")), oid)

	files, err := repo.ListFiles(head, "apps")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	reopened, err := Open(fs, remote, 1)
	require.NoError(t, err)
	_, _, found, err = reopened.ReadFile(head, "apps/app1/b.yaml")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestClone_MissingBranch(t *testing.T) {
	remote := seedRemote(t)
	_, err := Clone(context.Background(), memfs.New(), remote, "nope", 1)
	require.Error(t, err)
	assert.True(t, IsBranchDeleted(err))
}

func TestFetchAndPush(t *testing.T) {
	ctx := context.Background()
	remote := seedRemote(t)
	repo, err := Clone(ctx, memfs.New(), remote, "master", 1)
	require.NoError(t, err)

	upstream, err := remote.Commit("master", map[string]*string{"apps/app1/c.yaml": git.Ptr("c\n")}, "upstream")
	require.NoError(t, err)
	_, err = remote.Commit("feature", map[string]*string{"apps/app2/x.yaml": git.Ptr("x\n")}, "feature")
	require.NoError(t, err)

	require.NoError(t, repo.Fetch(ctx, "master"))
	tracking, err := repo.ResolveRef(RemoteRefName("master"))
	require.NoError(t, err)
	assert.Equal(t, upstream, tracking)

	require.NoError(t, repo.Fetch(ctx))
	branches, err := repo.ListBranches(true)
	require.NoError(t, err)
	assert.Equal(t, []string{"feature", "master"}, branches)

	local, err := repo.ListBranches(false)
	require.NoError(t, err)
	assert.Equal(t, []string{"master"}, local)

	// commit on top of the fetched tip and push it
	st := repo.Storer()
	idx, err := git.NewIndex(st, upstream)
	require.NoError(t, err)
	blob, err := repo.WriteBlob([]byte("d\n"))
	require.NoError(t, err)
	idx.Stage("apps/app1/d.yaml", blob, filemode.Regular)
	tree, err := idx.WriteTree(st)
	require.NoError(t, err)
	commit, err := git.WriteCommit(st, git.NewCommit(tree, "local", remoteSig(), upstream))
	require.NoError(t, err)
	require.NoError(t, st.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("master"), commit)))

	require.NoError(t, repo.Push(ctx, "master", false))
	remoteHead, err := remote.Repository().Reference(plumbing.NewBranchReferenceName("master"), true)
	require.NoError(t, err)
	assert.Equal(t, commit, remoteHead.Hash())

	_, err = remote.Commit("master", map[string]*string{"apps/app1/e.yaml": git.Ptr("e\n")}, "race")
	require.NoError(t, err)
	err = repo.Push(ctx, "master", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gogit.ErrNonFastForwardUpdate))

	require.NoError(t, repo.Push(ctx, "master", true))
	remoteHead, err = remote.Repository().Reference(plumbing.NewBranchReferenceName("master"), true)
	require.NoError(t, err)
	assert.Equal(t, commit, remoteHead.Hash())

	require.NoError(t, repo.DeleteRemoteBranch(ctx, "feature"))
	names, err := repo.RemoteBranches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"master"}, names)
}

func TestMemoryRemote_BeforePushFailure(t *testing.T) {
	ctx := context.Background()
	remote := seedRemote(t)
	repo, err := Clone(ctx, memfs.New(), remote, "master", 1)
	require.NoError(t, err)

	remote.BeforePush = func(string) error { return errors.New("connection reset") }
	err = repo.Push(ctx, "master", false)
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

func TestResolveRef_DeletedBranch(t *testing.T) {
	remote := seedRemote(t)
	repo, err := Clone(context.Background(), memfs.New(), remote, "master", 1)
	require.NoError(t, err)

	_, err = repo.ResolveRef(RemoteRefName("gone"))
	require.Error(t, err)
	assert.True(t, IsBranchDeleted(err))

	_, err = repo.ResolveRef(plumbing.NewBranchReferenceName("gone"))
	require.Error(t, err)
	assert.False(t, IsBranchDeleted(err))
}

func TestReadWriteObject(t *testing.T) {
	ctx := context.Background()
	remote := seedRemote(t)
	repo, err := Clone(ctx, memfs.New(), remote, "master", 1)
	require.NoError(t, err)
	head, err := repo.ResolveRef(plumbing.NewBranchReferenceName("master"))
	require.NoError(t, err)

	blob, err := repo.WriteBlob([]byte("c: 1\n"))
	require.NoError(t, err)
	obj, err := repo.ReadObject(blob)
	require.NoError(t, err)
	assert.Equal(t, plumbing.BlobObject, obj.Type())
	r, err := obj.Reader()
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "c: 1\n", string(data))

	headCommit, err := object.GetCommit(repo.Storer(), head)
	require.NoError(t, err)
	sig := object.Signature{Name: "alice", Email: "alice@example.com", When: time.Unix(1700000000, 0)}
	encoded := repo.Storer().NewEncodedObject()
	require.NoError(t, git.NewCommit(headCommit.TreeHash, "same tree", sig, head).Encode(encoded))
	commit, err := repo.WriteObject(encoded)
	require.NoError(t, err)

	obj, err = repo.ReadObject(commit)
	require.NoError(t, err)
	assert.Equal(t, plumbing.CommitObject, obj.Type())
	written, err := object.GetCommit(repo.Storer(), commit)
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{head}, written.ParentHashes)
	assert.Equal(t, "same tree", written.Message)

	_, err = repo.ReadObject(plumbing.NewHash("0123456789012345678901234567890123456789"))
	assert.ErrorIs(t, err, plumbing.ErrObjectNotFound)
}
