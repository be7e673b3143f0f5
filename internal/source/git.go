package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"gitlogbot/internal/registry"
	logx "gitlogbot/pkg/logx"
)

const (
	remoteName          = "origin"
	defaultFetchTimeout = 60 * time.Second
)

// GitConfig configures the go-git backed Source.
type GitConfig struct {
	// CacheDir receives bare clones of repositories whose location is a URL.
	CacheDir     string
	FetchTimeout time.Duration
}

// Git implements Source with go-git.
//
// A location that looks like a URL is cloned (bare) into CacheDir on first
// refresh and fetched afterwards. A local path must already be a repository;
// its "origin" remote is fetched when present, otherwise the repository is
// its own source of truth.
type Git struct {
	cfg GitConfig
	log logx.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewGit(cfg GitConfig, log logx.Logger) *Git {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if strings.TrimSpace(cfg.CacheDir) == "" {
		cfg.CacheDir = "./repos"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Git{cfg: cfg, log: log, locks: map[string]*sync.Mutex{}}
}

func (g *Git) repoLock(name string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[name]
	if !ok {
		l = &sync.Mutex{}
		g.locks[name] = l
	}
	return l
}

// Refresh brings the local copy of rc up to date with its remote.
// Expiry of the fetch timeout is reported as a FetchError.
func (g *Git) Refresh(ctx context.Context, rc registry.RepositoryConfig) error {
	l := g.repoLock(rc.Name)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
	defer cancel()

	auth, err := authMethod(rc)
	if err != nil {
		return &FetchError{Repo: rc.Name, Op: "auth", Err: err}
	}

	if IsRemoteURL(rc.Location) {
		dir := g.clonePath(rc)
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			return g.clone(ctx, rc, dir, auth)
		}
	}

	repo, err := g.open(rc)
	if err != nil {
		return &FetchError{Repo: rc.Name, Op: "open", Err: err}
	}
	remote, err := repo.Remote(remoteName)
	if errors.Is(err, git.ErrRemoteNotFound) {
		g.log.Debug("no origin remote; using local history", logx.String("repo", rc.Name))
		return nil
	}
	if err != nil {
		return &FetchError{Repo: rc.Name, Op: "fetch", Err: err}
	}
	err = remote.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []gitconfig.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Auth:     auth,
		Force:    true,
		// drop remote-tracking refs of deleted branches so they stop resolving
		Prune: true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return &FetchError{Repo: rc.Name, Op: "fetch", Err: err}
	}
	return nil
}

func (g *Git) clone(ctx context.Context, rc registry.RepositoryConfig, dir string, auth transport.AuthMethod) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return &FetchError{Repo: rc.Name, Op: "clone", Err: err}
	}
	g.log.Info("cloning repository", logx.String("repo", rc.Name), logx.String("dir", dir))
	_, err := git.PlainCloneContext(ctx, dir, true, &git.CloneOptions{
		URL:  rc.Location,
		Auth: auth,
		Tags: git.NoTags,
	})
	if err != nil {
		// leave no half-cloned directory behind, the next cycle retries from scratch
		_ = os.RemoveAll(dir)
		return &FetchError{Repo: rc.Name, Op: "clone", Err: err}
	}
	return nil
}

func (g *Git) clonePath(rc registry.RepositoryConfig) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(rc.Name)
	return filepath.Join(g.cfg.CacheDir, name+".git")
}

func (g *Git) open(rc registry.RepositoryConfig) (*git.Repository, error) {
	path := rc.Location
	if IsRemoteURL(path) {
		path = g.clonePath(rc)
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository location is empty")
	}
	return git.PlainOpenWithOptions(path, &git.PlainOpenOptions{EnableDotGitCommonDir: true})
}

// RecentCommits walks the tracked branch newest-first and returns the batch
// reversed, oldest first.
func (g *Git) RecentCommits(ctx context.Context, rc registry.RepositoryConfig, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	l := g.repoLock(rc.Name)
	l.Lock()
	defer l.Unlock()

	repo, err := g.open(rc)
	if err != nil {
		return nil, &FetchError{Repo: rc.Name, Op: "open", Err: err}
	}
	head, err := resolveBranch(repo, rc.Branch)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Log(&git.LogOptions{From: head, Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("log %s@%s: %w", rc.Name, rc.Branch, err)
	}
	defer iter.Close()

	out := make([]Commit, 0, limit)
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		out = append(out, Commit{
			Hash:    c.Hash.String(),
			Author:  c.Author.Name,
			Message: NormalizeMessage(c.Message),
			When:    c.Author.When,
		})
		if len(out) >= limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s@%s: %w", rc.Name, rc.Branch, err)
	}

	slices.Reverse(out)
	for i := range out {
		out[i].Seq = i
	}
	return out, nil
}

// resolveBranch prefers the fetched remote-tracking ref over the local branch.
func resolveBranch(repo *git.Repository, branch string) (plumbing.Hash, error) {
	candidates := []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName(remoteName, branch),
		plumbing.NewBranchReferenceName(branch),
	}
	for _, name := range candidates {
		ref, err := repo.Reference(name, true)
		if err == nil {
			return ref.Hash(), nil
		}
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", name, err)
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("%w: %q", ErrBranchNotFound, branch)
}

// IsRemoteURL reports whether location names a remote rather than a local path.
func IsRemoteURL(location string) bool {
	s := strings.TrimSpace(location)
	if strings.Contains(s, "://") {
		return true
	}
	// scp-like syntax: user@host:path
	at := strings.Index(s, "@")
	colon := strings.Index(s, ":")
	return at > 0 && colon > at
}

func authMethod(rc registry.RepositoryConfig) (transport.AuthMethod, error) {
	if rc.Auth == nil || (rc.Auth.Username == "" && rc.Auth.Token == "") {
		return nil, nil
	}
	loc := strings.ToLower(strings.TrimSpace(rc.Location))
	if !strings.HasPrefix(loc, "https://") && !strings.HasPrefix(loc, "http://") {
		return nil, fmt.Errorf("basic auth is only supported for http(s) remotes")
	}
	user := rc.Auth.Username
	if user == "" {
		// token-only auth: most forges accept any non-empty user name
		user = "git"
	}
	return &http.BasicAuth{Username: user, Password: rc.Auth.Token}, nil
}
