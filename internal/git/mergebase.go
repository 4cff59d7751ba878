package git

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

const maxMergeBaseSteps = 1_000_000

// mergeBaseStepsLimit may be tightened by tests.
var mergeBaseStepsLimit = maxMergeBaseSteps

// HistoryStorer reads commits and knows where a shallow clone was cut.
type HistoryStorer interface {
	storer.EncodedObjectStorer
	storer.ShallowStorer
}

type historyWalk struct {
	seen  map[plumbing.Hash]bool
	queue []plumbing.Hash
}

func newHistoryWalk(tip plumbing.Hash) *historyWalk {
	return &historyWalk{
		seen:  map[plumbing.Hash]bool{tip: true},
		queue: []plumbing.Hash{tip},
	}
}

func (w *historyWalk) pop() (plumbing.Hash, bool) {
	if len(w.queue) == 0 {
		return plumbing.ZeroHash, false
	}
	h := w.queue[0]
	w.queue = w.queue[1:]
	return h, true
}

// add records h and reports whether it was new.
func (w *historyWalk) add(h plumbing.Hash) bool {
	if w.seen[h] {
		return false
	}
	w.seen[h] = true
	w.queue = append(w.queue, h)
	return true
}

// FindMergeBase looks for the nearest common ancestor of src and target.
//
// Both histories are extended alternately, one commit at a time, and every
// newly reached id is checked against the other side. Merge commits
// contribute their parents in reverse order, so the tip that was merged in
// is explored before the branch it was merged into.
//
// found is false when no common ancestor shows up before the shallow
// boundary; that is expected for shallow clones and is not an error.
func FindMergeBase(st HistoryStorer, src, target plumbing.Hash) (base plumbing.Hash, found bool, err error) {
	if src.IsZero() || target.IsZero() {
		return plumbing.ZeroHash, false, nil
	}
	if src == target {
		return src, true, nil
	}

	shallowList, err := st.Shallow()
	if err != nil {
		return plumbing.ZeroHash, false, fmt.Errorf("find merge base: read shallow list: %w", err)
	}
	shallow := make(map[plumbing.Hash]bool, len(shallowList))
	for _, h := range shallowList {
		shallow[h] = true
	}

	limit := mergeBaseStepsLimit
	if limit <= 0 || limit > maxMergeBaseSteps {
		limit = maxMergeBaseSteps
	}

	srcWalk, targetWalk := newHistoryWalk(src), newHistoryWalk(target)
	sides := [2][2]*historyWalk{{srcWalk, targetWalk}, {targetWalk, srcWalk}}
	steps := 0
	for len(srcWalk.queue) > 0 || len(targetWalk.queue) > 0 {
		for _, pair := range sides {
			walk, other := pair[0], pair[1]
			h, ok := walk.pop()
			if !ok {
				continue
			}
			if steps++; steps > limit {
				return plumbing.ZeroHash, false, fmt.Errorf("find merge base: traversal exceeded maximum steps (%d)", limit)
			}
			parents, err := walkParents(st, h, shallow)
			if err != nil {
				return plumbing.ZeroHash, false, err
			}
			for _, p := range parents {
				if walk.add(p) && other.seen[p] {
					return p, true, nil
				}
			}
		}
	}
	return plumbing.ZeroHash, false, nil
}

// walkParents returns h's parents in exploration order. A commit on the
// shallow boundary, or one missing from a shallow store, ends the walk.
func walkParents(st storer.EncodedObjectStorer, h plumbing.Hash, shallow map[plumbing.Hash]bool) ([]plumbing.Hash, error) {
	if shallow[h] {
		return nil, nil
	}
	c, err := object.GetCommit(st, h)
	if errors.Is(err, plumbing.ErrObjectNotFound) && len(shallow) > 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find merge base: read commit %s: %w", h, err)
	}
	parents := make([]plumbing.Hash, len(c.ParentHashes))
	for i, p := range c.ParentHashes {
		parents[len(parents)-1-i] = p
	}
	return parents, nil
}
