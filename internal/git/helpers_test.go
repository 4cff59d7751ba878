package git

import (
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/require"
)

var testSig = object.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(1700000000, 0)}

// commitFiles writes a commit whose tree holds exactly files.
func commitFiles(t *testing.T, st *memory.Storage, msg string, files map[string]string, parents ...plumbing.Hash) plumbing.Hash {
	t.Helper()
	idx, err := NewIndex(st, plumbing.ZeroHash)
	require.NoError(t, err)
	for p, content := range files {
		oid, err := WriteBlob(st, []byte(content))
		require.NoError(t, err)
		idx.Stage(p, oid, filemode.Regular)
	}
	tree, err := idx.WriteTree(st)
	require.NoError(t, err)
	h, err := WriteCommit(st, NewCommit(tree, msg, testSig, parents...))
	require.NoError(t, err)
	return h
}

// emptyCommit writes a commit with an empty tree; handy for graph tests.
func emptyCommit(t *testing.T, st *memory.Storage, msg string, parents ...plumbing.Hash) plumbing.Hash {
	t.Helper()
	return commitFiles(t, st, msg, nil, parents...)
}

// ancestors returns h and everything reachable from it that is present in st.
func ancestors(t *testing.T, st *memory.Storage, h plumbing.Hash) map[plumbing.Hash]bool {
	t.Helper()
	seen := map[plumbing.Hash]bool{}
	stack := []plumbing.Hash{h}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		c, err := object.GetCommit(st, cur)
		if err != nil {
			continue
		}
		seen[cur] = true
		stack = append(stack, c.ParentHashes...)
	}
	return seen
}
