package git

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindMergeBase_LinearHistory(t *testing.T) {
	st := memory.NewStorage()
	c0 := emptyCommit(t, st, "c0")
	c1 := emptyCommit(t, st, "c1", c0)
	c2 := emptyCommit(t, st, "c2", c1)
	c3 := emptyCommit(t, st, "c3", c2)

	base, found, err := FindMergeBase(st, c3, c1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, c1, base)

	base, found, err = FindMergeBase(st, c1, c3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, c1, base)

	base, found, err = FindMergeBase(st, c2, c2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, c2, base)
}

func TestFindMergeBase_DivergedBranches(t *testing.T) {
	st := memory.NewStorage()
	root := emptyCommit(t, st, "root")
	fork := emptyCommit(t, st, "fork", root)

	// long source branch, short target branch
	src := fork
	for i := 0; i < 6; i++ {
		src = emptyCommit(t, st, "src", src)
	}
	target := emptyCommit(t, st, "target", fork)

	base, found, err := FindMergeBase(st, src, target)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, fork, base)

	base, found, err = FindMergeBase(st, target, src)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, fork, base)
}

func TestFindMergeBase_MergeParentFirst(t *testing.T) {
	st := memory.NewStorage()
	c0 := emptyCommit(t, st, "c0")
	c1 := emptyCommit(t, st, "c1", c0)
	c2 := emptyCommit(t, st, "c2", c1)
	f1 := emptyCommit(t, st, "f1", c1)
	merge := emptyCommit(t, st, "merge feature", c2, f1)
	f2 := emptyCommit(t, st, "f2", f1)

	base, found, err := FindMergeBase(st, merge, f2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, f1, base)

	base, found, err = FindMergeBase(st, f2, merge)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, f1, base)
}

func TestFindMergeBase_IsLowestCommonAncestor(t *testing.T) {
	st := memory.NewStorage()
	a := emptyCommit(t, st, "a")
	b := emptyCommit(t, st, "b", a)
	c := emptyCommit(t, st, "c", b)
	d := emptyCommit(t, st, "d", b)
	e := emptyCommit(t, st, "e", c, d)
	f := emptyCommit(t, st, "f", d)
	g := emptyCommit(t, st, "g", e)
	h := emptyCommit(t, st, "h", f)

	pairs := [][2]plumbing.Hash{{g, h}, {h, g}, {e, f}, {c, d}, {g, d}, {c, h}}
	for _, p := range pairs {
		base, found, err := FindMergeBase(st, p[0], p[1])
		require.NoError(t, err)
		require.True(t, found)

		left, right := ancestors(t, st, p[0]), ancestors(t, st, p[1])
		assert.True(t, left[base], "base must be an ancestor of the source")
		assert.True(t, right[base], "base must be an ancestor of the target")

		// no other common ancestor descends from base
		for other := range left {
			if !right[other] || other == base {
				continue
			}
			assert.False(t, ancestors(t, st, other)[base], "%s is closer than %s", other, base)
		}
	}
}

func TestFindMergeBase_ShallowBoundary(t *testing.T) {
	st := memory.NewStorage()
	root := emptyCommit(t, st, "root")
	left := emptyCommit(t, st, "left", root)
	right := emptyCommit(t, st, "right", root)

	// cut history below both tips, as a depth=1 clone would
	require.NoError(t, st.SetShallow([]plumbing.Hash{left, right}))
	_, found, err := FindMergeBase(st, left, right)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindMergeBase_MissingParent(t *testing.T) {
	st := memory.NewStorage()
	missing := plumbing.NewHash("1111111111111111111111111111111111111111")
	left := emptyCommit(t, st, "left", missing)

	t.Run("shallow store treats it as truncation", func(t *testing.T) {
		shallowSt := memory.NewStorage()
		l := emptyCommit(t, shallowSt, "left", missing)
		r := emptyCommit(t, shallowSt, "right", missing)
		other := emptyCommit(t, shallowSt, "other")
		require.NoError(t, shallowSt.SetShallow([]plumbing.Hash{other}))

		base, found, err := FindMergeBase(shallowSt, l, r)
		require.NoError(t, err)
		// both sides reach the same missing id, which still counts as common
		assert.True(t, found)
		assert.Equal(t, missing, base)
	})

	t.Run("complete store reports an error", func(t *testing.T) {
		lonely := emptyCommit(t, st, "lonely")
		_, _, err := FindMergeBase(st, left, lonely)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "find merge base")
	})
}

func TestFindMergeBase_UnrelatedHistories(t *testing.T) {
	st := memory.NewStorage()
	a := emptyCommit(t, st, "a")
	a1 := emptyCommit(t, st, "a1", a)
	b := commitFiles(t, st, "b", map[string]string{"x": "1"})

	_, found, err := FindMergeBase(st, a1, b)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindMergeBase_StepLimit(t *testing.T) {
	st := memory.NewStorage()
	tip := emptyCommit(t, st, "0")
	for i := 0; i < 20; i++ {
		tip = emptyCommit(t, st, "n", tip)
	}
	other := commitFiles(t, st, "other", map[string]string{"x": "1"})

	prev := mergeBaseStepsLimit
	mergeBaseStepsLimit = 5
	t.Cleanup(func() { mergeBaseStepsLimit = prev })

	_, _, err := FindMergeBase(st, tip, other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum steps")
}
