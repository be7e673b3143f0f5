// Package registry holds the set of watched repositories.
//
// The registry is copy-on-write: readers get an immutable snapshot, writers
// install a new one. A poll cycle that grabbed a snapshot keeps iterating it
// even if a repository is added concurrently; the addition shows up in the
// next cycle.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultBranch       = "master"
	DefaultPollInterval = 30 * time.Second
)

var (
	ErrDuplicate = errors.New("repository already registered")
	ErrInvalid   = errors.New("invalid repository config")
)

// Auth carries optional basic-auth credentials for https remotes.
type Auth struct {
	Username string
	Token    string
}

// RepositoryConfig describes one watched repository. Treat values handed out
// by the registry as read-only.
type RepositoryConfig struct {
	Name     string
	Location string // URL or local path
	Branch   string
	// Channels keeps insertion order for display; delivery order is irrelevant.
	Channels     []string
	PollInterval time.Duration
	Auth         *Auth
}

// Normalize applies defaults and drops blank or duplicate channels.
func (rc RepositoryConfig) Normalize() RepositoryConfig {
	rc.Name = strings.TrimSpace(rc.Name)
	rc.Location = strings.TrimSpace(rc.Location)
	rc.Branch = strings.TrimSpace(rc.Branch)
	if rc.Branch == "" {
		rc.Branch = DefaultBranch
	}
	if rc.PollInterval < 0 {
		rc.PollInterval = DefaultPollInterval
	}
	seen := make(map[string]struct{}, len(rc.Channels))
	chans := make([]string, 0, len(rc.Channels))
	for _, c := range rc.Channels {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		chans = append(chans, c)
	}
	rc.Channels = chans
	return rc
}

func (rc RepositoryConfig) Validate() error {
	if rc.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.ContainsAny(rc.Name, "/\\") {
		return fmt.Errorf("%w: name %q must not contain path separators", ErrInvalid, rc.Name)
	}
	return nil
}

type snapshot struct {
	version uint64
	repos   []RepositoryConfig
}

// Registry is safe for concurrent use.
type Registry struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

func New(repos ...RepositoryConfig) (*Registry, error) {
	r := &Registry{}
	r.snap.Store(&snapshot{})
	if err := r.Replace(repos); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the repositories in registration order.
func (r *Registry) Snapshot() []RepositoryConfig {
	return slices.Clone(r.snap.Load().repos)
}

// Load returns the repositories keyed by name.
func (r *Registry) Load() map[string]RepositoryConfig {
	s := r.snap.Load()
	out := make(map[string]RepositoryConfig, len(s.repos))
	for _, rc := range s.repos {
		out[rc.Name] = rc
	}
	return out
}

func (r *Registry) Get(name string) (RepositoryConfig, bool) {
	for _, rc := range r.snap.Load().repos {
		if rc.Name == name {
			return rc, true
		}
	}
	return RepositoryConfig{}, false
}

func (r *Registry) Len() int { return len(r.snap.Load().repos) }

// Version increases on every successful mutation.
func (r *Registry) Version() uint64 { return r.snap.Load().version }

// Add registers a single repository at runtime.
func (r *Registry) Add(rc RepositoryConfig) error {
	rc = rc.Normalize()
	if err := rc.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	for _, x := range cur.repos {
		if x.Name == rc.Name {
			return fmt.Errorf("%w: %s", ErrDuplicate, rc.Name)
		}
	}
	next := append(slices.Clone(cur.repos), rc)
	r.snap.Store(&snapshot{version: cur.version + 1, repos: next})
	return nil
}

// Remove unregisters name and reports whether it was present.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	idx := slices.IndexFunc(cur.repos, func(rc RepositoryConfig) bool { return rc.Name == name })
	if idx < 0 {
		return false
	}
	next := slices.Delete(slices.Clone(cur.repos), idx, idx+1)
	r.snap.Store(&snapshot{version: cur.version + 1, repos: next})
	return true
}

// Replace swaps the whole set, e.g. after a config reload. On error the
// current set is left untouched.
func (r *Registry) Replace(repos []RepositoryConfig) error {
	next := make([]RepositoryConfig, 0, len(repos))
	seen := make(map[string]struct{}, len(repos))
	for _, rc := range repos {
		rc = rc.Normalize()
		if err := rc.Validate(); err != nil {
			return err
		}
		if _, ok := seen[rc.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, rc.Name)
		}
		seen[rc.Name] = struct{}{}
		next = append(next, rc)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	r.snap.Store(&snapshot{version: cur.version + 1, repos: next})
	return nil
}
