package main

import (
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/tmobile/percy-cake-sub001/internal/git"
	"github.com/tmobile/percy-cake-sub001/internal/gitrepo"
)

// newDemoRemote seeds an in-memory origin with a locked master and a develop
// branch one commit ahead.
func newDemoRemote() (*gitrepo.MemoryRemote, error) {
	remote, err := gitrepo.NewMemoryRemote()
	if err != nil {
		return nil, err
	}
	tip, err := remote.Commit("master", map[string]*string{
		"apps/shop/app.yaml":  git.Ptr("default: !!map\n  api.url: !!str \"https://shop.example.com\"\n  cache.ttl: !!int 60\n"),
		"apps/shop/prod.yaml": git.Ptr("environments: !!map\n  prod: !!map\n    inherits: !!str default\n    cache.ttl: !!int 600\n"),
		"apps/auth/app.yaml":  git.Ptr("default: !!map\n  token.ttl: !!int 3600\n"),
		"README.md":           git.Ptr("Configuration for the demo applications.\n"),
	}, "Initial configuration")
	if err != nil {
		return nil, err
	}
	develop := plumbing.NewHashReference(plumbing.NewBranchReferenceName("develop"), tip)
	if err := remote.Repository().Storer.SetReference(develop); err != nil {
		return nil, err
	}
	_, err = remote.Commit("develop", map[string]*string{
		"apps/auth/app.yaml": git.Ptr("default: !!map\n  token.ttl: !!int 7200\n"),
	}, "Raise token ttl")
	return remote, err
}
