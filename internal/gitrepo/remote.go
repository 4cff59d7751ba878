// Package gitrepo is the thin gateway between the engine and git: a local,
// checkout-free object store plus the transport that talks to origin.
package gitrepo

import (
	"context"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage"
)

// RemoteName is the only remote the engine ever talks to.
const RemoteName = "origin"

// DefaultDepth is the history depth of every clone and fetch.
const DefaultDepth = 1

// Remote moves objects and refs between a local mirror and origin.
// Implementations mutate the local object store and refs only on success.
type Remote interface {
	// Clone populates st with a shallow, single-branch copy of branch.
	Clone(ctx context.Context, st storage.Storer, branch string, depth int) error
	// Fetch updates refs/remotes/origin/* for the given branches, or for all
	// branches when none are given.
	Fetch(ctx context.Context, repo *gogit.Repository, branches []string, depth int) error
	// Push sends refs/heads/<branch> to origin.
	Push(ctx context.Context, repo *gogit.Repository, branch string, force bool) error
	// DeleteBranch removes refs/heads/<branch> from origin.
	DeleteBranch(ctx context.Context, repo *gogit.Repository, branch string) error
	// Branches lists the branch names origin advertises.
	Branches(ctx context.Context) ([]string, error)
}

// RemoteRefName returns refs/remotes/origin/<branch>.
func RemoteRefName(branch string) plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(RemoteName, branch)
}

// fetchRefSpecs returns the refspecs for a single- or all-branch fetch.
func fetchRefSpecs(branches []string) []config.RefSpec {
	if len(branches) == 0 {
		return []config.RefSpec{config.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", RemoteName))}
	}
	specs := make([]config.RefSpec, 0, len(branches))
	for _, b := range branches {
		specs = append(specs, config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", b, RemoteName, b)))
	}
	return specs
}

func pushRefSpec(branch string, force bool) config.RefSpec {
	spec := fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)
	if force {
		spec = "+" + spec
	}
	return config.RefSpec(spec)
}

func deleteRefSpec(branch string) config.RefSpec {
	return config.RefSpec(fmt.Sprintf(":refs/heads/%s", branch))
}
