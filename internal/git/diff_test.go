package git

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oid(s string) plumbing.Hash { return BlobID([]byte(s)) }

func snap(commit string, files map[string]string) Snapshot {
	fs := FileSet{}
	for k, v := range files {
		fs[k] = oid(v)
	}
	return Snapshot{Commit: plumbing.NewHash(commit), Files: fs}
}

const (
	baseCommit   = "1000000000000000000000000000000000000000"
	srcCommit    = "2000000000000000000000000000000000000000"
	targetCommit = "3000000000000000000000000000000000000000"
)

func TestThreeWayDiff_WithBase(t *testing.T) {
	base := snap(baseCommit, map[string]string{
		"app1/kept.yaml":     "k",
		"app1/modified.yaml": "m0",
		"app1/deleted.yaml":  "d",
		"app1/both.yaml":     "b0",
		"app1/same.yaml":     "s0",
		"app1/gone.yaml":     "g",
	})
	src := snap(srcCommit, map[string]string{
		"app1/kept.yaml":     "k",
		"app1/modified.yaml": "m1",
		"app1/both.yaml":     "b1",
		"app1/same.yaml":     "s1",
		"app1/created.yaml":  "c",
		"app1/gone.yaml":     "g",
	})
	target := snap(targetCommit, map[string]string{
		"app1/kept.yaml":     "k-target",
		"app1/modified.yaml": "m0",
		"app1/deleted.yaml":  "d",
		"app1/both.yaml":     "b2",
		"app1/same.yaml":     "s1",
	})

	res := ThreeWayDiff(src, target, &base)

	var save, del []string
	for _, f := range res.ToSave {
		save = append(save, f.Key())
	}
	for _, f := range res.ToDelete {
		del = append(del, f.Key())
	}
	assert.Equal(t, []string{"app1/created.yaml"}, save)
	assert.Equal(t, []string{"app1/deleted.yaml"}, del)

	require.Len(t, res.Conflict, 2)
	assert.Equal(t, "app1/both.yaml", res.Conflict[0].Draft.Key())
	assert.Equal(t, oid("b1").String(), res.Conflict[0].Draft.ObjectID)
	assert.Equal(t, oid("b2").String(), res.Conflict[0].Upstream.ObjectID)
	assert.Equal(t, "app1/modified.yaml", res.Conflict[1].Draft.Key())
}

func TestThreeWayDiff_BaseIsSource(t *testing.T) {
	src := snap(srcCommit, map[string]string{"app/a.yaml": "1"})
	target := snap(targetCommit, map[string]string{"app/a.yaml": "2", "app/b.yaml": "3"})
	base := snap(srcCommit, map[string]string{"app/a.yaml": "1"})

	res := ThreeWayDiff(src, target, &base)
	assert.True(t, res.Empty())
}

func TestThreeWayDiff_NoMergeBase(t *testing.T) {
	src := snap(srcCommit, map[string]string{"app/x": "one", "app/only-src": "s", "app/same": "z"})
	target := snap(targetCommit, map[string]string{"app/x": "two", "app/only-target": "t", "app/same": "z"})

	res := ThreeWayDiff(src, target, nil)

	require.Len(t, res.Conflict, 1)
	assert.Equal(t, "app/x", res.Conflict[0].Draft.Key())
	require.Len(t, res.ToSave, 1)
	assert.Equal(t, "app/only-src", res.ToSave[0].Key())
	assert.Empty(t, res.ToDelete)
}

func TestClassify_EveryKeyExactlyOnce(t *testing.T) {
	contents := []string{"", "a", "b", "c"}
	// enumerate presence/content of one key on three sides
	var cases int
	for _, b := range contents {
		for _, s := range contents {
			for _, tg := range contents {
				cases++
				base := snap(baseCommit, nil)
				src := snap(srcCommit, nil)
				target := snap(targetCommit, nil)
				if b != "" {
					base.Files["app/k"] = oid(b)
				}
				if s != "" {
					src.Files["app/k"] = oid(s)
				}
				if tg != "" {
					target.Files["app/k"] = oid(tg)
				}
				src.Files["app/src-only"] = oid("x")
				target.Files["app/target-only"] = oid("y")

				for _, withBase := range []bool{true, false} {
					var bp *Snapshot
					if withBase {
						bp = &base
					}
					changes := Classify(src, target, bp)
					union := map[string]bool{}
					for k := range src.Files {
						union[k] = true
					}
					for k := range target.Files {
						union[k] = true
					}
					got := map[string]int{}
					for _, c := range changes {
						got[c.Key]++
					}
					assert.Len(t, got, len(union))
					for k := range union {
						assert.Equal(t, 1, got[k], "key %s", k)
					}

					res := ThreeWayDiff(src, target, bp)
					assert.LessOrEqual(t, len(res.ToSave)+len(res.ToDelete)+len(res.Conflict), len(union))
				}
			}
		}
	}
	assert.Equal(t, 64, cases)
}

func TestClassify_TargetOnlyChangesAreIgnored(t *testing.T) {
	base := snap(baseCommit, map[string]string{"app/a": "1"})
	src := snap(srcCommit, map[string]string{"app/a": "1"})
	target := snap(targetCommit, map[string]string{"app/a": "2", "app/new": "n"})

	for _, c := range Classify(src, target, &base) {
		assert.Equal(t, Unchanged, c.Kind, c.Key)
	}
}

func TestChangeKind_String(t *testing.T) {
	assert.Equal(t, "save", ToSave.String())
	assert.Equal(t, "delete", ToDelete.String())
	assert.Equal(t, "conflict", Conflict.String())
	assert.Equal(t, "unchanged", Unchanged.String())
}
