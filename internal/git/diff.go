package git

import (
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
)

// ChangeKind is how a single file key is classified by a three-way diff.
type ChangeKind int

const (
	Unchanged ChangeKind = iota
	ToSave
	ToDelete
	Conflict
)

func (k ChangeKind) String() string {
	switch k {
	case ToSave:
		return "save"
	case ToDelete:
		return "delete"
	case Conflict:
		return "conflict"
	default:
		return "unchanged"
	}
}

// Change is one classified key with the ids seen on each side. A zero id
// means the key is absent on that side.
type Change struct {
	Key    string
	Kind   ChangeKind
	Source string
	Target string
}

// Classify assigns every key of src ∪ target exactly one ChangeKind.
//
// With a base, only keys the source created, modified or deleted relative to
// the base can produce work; changes made on the target side alone are left
// alone. A key created or modified in the source is saved when the target
// lacks it, ignored when the target already holds the same blob and in
// conflict otherwise. A key deleted in the source is deleted when the target
// still has it.
//
// Without a base (unrelated or truncated histories) the result is a
// conservative approximation: keys only in the source are saved and keys
// present on both sides with different blobs are conflicts. Identical paths
// created independently on both sides cannot be told apart from real
// conflicts, so they are reported as conflicts. Nothing is deleted.
func Classify(src, target Snapshot, base *Snapshot) []Change {
	keys := unionKeys(src.Files, target.Files)
	changes := make([]Change, 0, len(keys))
	for _, k := range keys {
		c := Change{Key: k}
		srcOid, inSrc := src.Files[k]
		targetOid, inTarget := target.Files[k]
		if inSrc {
			c.Source = srcOid.String()
		}
		if inTarget {
			c.Target = targetOid.String()
		}

		switch {
		case base != nil && base.Commit == src.Commit:
			c.Kind = Unchanged
		case base != nil:
			baseOid, inBase := base.Files[k]
			switch {
			case inSrc && (!inBase || baseOid != srcOid):
				c.Kind = sourceChanged(srcOid, targetOid, inTarget)
			case !inSrc && inBase && inTarget:
				c.Kind = ToDelete
			}
		default:
			if inSrc {
				c.Kind = sourceChanged(srcOid, targetOid, inTarget)
			}
		}
		changes = append(changes, c)
	}
	return changes
}

func sourceChanged(srcOid, targetOid plumbing.Hash, inTarget bool) ChangeKind {
	switch {
	case !inTarget:
		return ToSave
	case srcOid == targetOid:
		return Unchanged
	default:
		return Conflict
	}
}

// ThreeWayDiff groups the result of Classify. The returned ConfigFiles carry
// only names and object ids; contents are loaded by the caller. Each conflict
// pairs the source file (Draft) with the target file (Upstream).
//
// When base is nil the classification is the conservative approximation
// described on Classify and may over-report conflicts.
func ThreeWayDiff(src, target Snapshot, base *Snapshot) DiffResult {
	var res DiffResult
	for _, c := range Classify(src, target, base) {
		app, name := SplitKey(c.Key)
		switch c.Kind {
		case ToSave:
			res.ToSave = append(res.ToSave, ConfigFile{ApplicationName: app, FileName: name, ObjectID: c.Source})
		case ToDelete:
			res.ToDelete = append(res.ToDelete, ConfigFile{ApplicationName: app, FileName: name, ObjectID: c.Target})
		case Conflict:
			res.Conflict = append(res.Conflict, ConflictFile{
				Draft:    ConfigFile{ApplicationName: app, FileName: name, ObjectID: c.Source},
				Upstream: ConfigFile{ApplicationName: app, FileName: name, ObjectID: c.Target},
			})
		}
	}
	return res
}

func unionKeys(a, b FileSet) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
