package gitrepo

import (
	"context"
	"errors"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/memory"
)

// Credentials are the username/password pair sent with every transport call.
type Credentials struct {
	Username string
	Password string
}

// HTTPRemote talks smart HTTP(S) to origin, optionally through a CORS proxy.
type HTTPRemote struct {
	url   string
	creds Credentials
}

// NewHTTPRemote returns a remote for repoURL. When corsProxy is set the
// scheme-less repository URL is appended to it.
func NewHTTPRemote(repoURL, corsProxy string, creds Credentials) *HTTPRemote {
	return &HTTPRemote{url: ProxiedURL(repoURL, corsProxy), creds: creds}
}

// ProxiedURL rewrites repoURL to go through proxy. An empty proxy is a no-op.
func ProxiedURL(repoURL, proxy string) string {
	proxy = strings.TrimSpace(proxy)
	if proxy == "" {
		return repoURL
	}
	stripped := strings.TrimPrefix(strings.TrimPrefix(repoURL, "https://"), "http://")
	return strings.TrimRight(proxy, "/") + "/" + stripped
}

// URL returns the effective (possibly proxied) remote URL.
func (r *HTTPRemote) URL() string { return r.url }

func (r *HTTPRemote) auth() transport.AuthMethod {
	if r.creds.Username == "" && r.creds.Password == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: r.creds.Username, Password: r.creds.Password}
}

func (r *HTTPRemote) Clone(ctx context.Context, st storage.Storer, branch string, depth int) error {
	_, err := gogit.CloneContext(ctx, st, nil, &gogit.CloneOptions{
		URL:           r.url,
		Auth:          r.auth(),
		RemoteName:    RemoteName,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		NoCheckout:    true,
		Depth:         depth,
		Tags:          gogit.NoTags,
	})
	return classify("clone", branch, err)
}

func (r *HTTPRemote) Fetch(ctx context.Context, repo *gogit.Repository, branches []string, depth int) error {
	err := repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: RemoteName,
		RemoteURL:  r.url,
		RefSpecs:   fetchRefSpecs(branches),
		Depth:      depth,
		Auth:       r.auth(),
		Tags:       gogit.NoTags,
		Force:      true,
	})
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	return classify("fetch", failedBranch(err, branches), err)
}

func (r *HTTPRemote) Push(ctx context.Context, repo *gogit.Repository, branch string, force bool) error {
	err := repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: RemoteName,
		RemoteURL:  r.url,
		RefSpecs:   []config.RefSpec{pushRefSpec(branch, force)},
		Auth:       r.auth(),
		Force:      force,
	})
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	return classify("push", "", err)
}

func (r *HTTPRemote) DeleteBranch(ctx context.Context, repo *gogit.Repository, branch string) error {
	err := repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: RemoteName,
		RemoteURL:  r.url,
		RefSpecs:   []config.RefSpec{deleteRefSpec(branch)},
		Auth:       r.auth(),
	})
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	return classify("delete branch", "", err)
}

func (r *HTTPRemote) Branches(ctx context.Context) ([]string, error) {
	rem := gogit.NewRemote(memory.NewStorage(), &config.RemoteConfig{Name: RemoteName, URLs: []string{r.url}})
	refs, err := rem.ListContext(ctx, &gogit.ListOptions{Auth: r.auth()})
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return nil, nil
		}
		return nil, classify("list branches", "", err)
	}
	var names []string
	for _, ref := range refs {
		if ref.Name().IsBranch() {
			names = append(names, ref.Name().Short())
		}
	}
	sort.Strings(names)
	return names, nil
}
