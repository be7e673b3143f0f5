// Package watcher polls the registered repositories and announces new
// commits.
//
// One background worker walks the registry snapshot. For every repository it
// refreshes the source, lists the most recent commits, compares the newest
// hash with the stored cursor and, when they differ, delivers the whole batch
// oldest-first before advancing the cursor to the newest hash. Every failure
// is contained to the repository it happened in; only cancellation ends Run.
package watcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gitlogbot/internal/dispatch"
	"gitlogbot/internal/eventbus"
	"gitlogbot/internal/registry"
	"gitlogbot/internal/source"
	"gitlogbot/internal/storage"
	logx "gitlogbot/pkg/logx"
)

type Mode string

const (
	// ModeShared sleeps once per full pass over the registry.
	ModeShared Mode = "shared"
	// ModePerRepo ticks and polls each repository on its own interval.
	ModePerRepo Mode = "per_repo"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTick     = time.Second
)

type Config struct {
	Mode     Mode
	Interval time.Duration
	Schedule Schedule // overrides Interval in shared mode
	Tick     time.Duration
	Limit    int
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeShared
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.Limit <= 0 {
		c.Limit = source.DefaultLimit
	}
	return c
}

// State is what the worker is doing right now.
type State int32

const (
	Idle State = iota
	Polling
	Delivering
	Skipping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Delivering:
		return "delivering"
	case Skipping:
		return "skipping"
	default:
		return "unknown"
	}
}

// Outcome of polling one repository.
type Outcome string

const (
	UpToDate       Outcome = "up_to_date"
	Delivered      Outcome = "delivered"
	FetchFailed    Outcome = "fetch_failed"
	BranchNotFound Outcome = "branch_not_found"
	NoCommits      Outcome = "no_commits"
	PersistFailed  Outcome = "persist_failed"
	Stopped        Outcome = "stopped"
)

type RepoReport struct {
	Repo      string
	Branch    string
	Outcome   Outcome
	Delivered int
	// Cursor is the stored hash after the poll.
	Cursor string
	Err    error
}

type CycleReport struct {
	Started  time.Time
	Duration time.Duration
	Repos    []RepoReport
}

// PollEvent is the payload of watch.* bus events.
type PollEvent struct {
	Repo    string  `json:"repo"`
	Branch  string  `json:"branch"`
	Outcome Outcome `json:"outcome,omitempty"`
	Commits int     `json:"commits,omitempty"`
	Cursor  string  `json:"cursor,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Notifier renders and fans out announcements. *dispatch.Dispatcher
// implements it.
type Notifier interface {
	Format(repo string, c source.Commit) string
	Deliver(ctx context.Context, channels []string, message string) dispatch.Report
}

type Loop struct {
	reg   *registry.Registry
	src   source.Source
	store storage.CursorStore
	notif Notifier
	log   logx.Logger
	bus   eventbus.Bus

	state atomic.Int32

	mu       sync.Mutex
	cfg      Config
	lastPoll map[string]time.Time // per_repo bookkeeping, keyed by repo name
	last     CycleReport
}

func NewLoop(cfg Config, reg *registry.Registry, src source.Source, store storage.CursorStore, notif Notifier, log logx.Logger, bus eventbus.Bus) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Loop{
		reg:      reg,
		src:      src,
		store:    store,
		notif:    notif,
		log:      log.With(logx.String("comp", "watcher")),
		bus:      bus,
		cfg:      cfg.withDefaults(),
		lastPoll: map[string]time.Time{},
	}
}

// Apply swaps the cadence config. It takes effect after the current sleep.
func (l *Loop) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

func (l *Loop) config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Run polls until ctx is canceled. It always returns nil.
func (l *Loop) Run(ctx context.Context) error {
	defer l.setState(Idle)
	cfg := l.config()
	l.log.Info("watch loop started", logx.String("mode", string(cfg.Mode)), logx.Int("repos", l.reg.Len()))
	defer l.log.Info("watch loop stopped")

	for {
		cfg = l.config()
		var wait time.Duration
		if cfg.Mode == ModePerRepo {
			l.cycle(ctx, cfg, true)
			wait = cfg.Tick
		} else {
			l.cycle(ctx, cfg, false)
			wait = nextDelay(cfg, time.Now())
		}
		if ctx.Err() != nil {
			return nil
		}
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// Cycle polls every registered repository once regardless of mode.
func (l *Loop) Cycle(ctx context.Context) CycleReport {
	return l.cycle(ctx, l.config(), false)
}

func (l *Loop) cycle(ctx context.Context, cfg Config, dueOnly bool) CycleReport {
	rep := CycleReport{Started: time.Now()}
	repos := l.reg.Snapshot()

	for _, rc := range repos {
		// stop is honored between repositories
		if ctx.Err() != nil {
			break
		}
		if dueOnly && !l.due(rc, rep.Started) {
			continue
		}
		rep.Repos = append(rep.Repos, l.poll(ctx, cfg, rc))
		if dueOnly {
			l.markPolled(rc.Name, rep.Started)
		}
	}
	if dueOnly {
		l.forgetRemoved(repos)
	}

	rep.Duration = time.Since(rep.Started)
	if len(rep.Repos) > 0 {
		l.mu.Lock()
		l.last = rep
		l.mu.Unlock()
		l.bus.Publish(eventbus.Event{Type: eventbus.CycleDone, Data: rep})
		l.log.Debug("poll cycle done", logx.Int("polled", len(rep.Repos)), logx.Duration("took", rep.Duration))
	}
	return rep
}

// LastCycle returns the most recent cycle that polled at least one repository.
func (l *Loop) LastCycle() CycleReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *Loop) due(rc registry.RepositoryConfig, now time.Time) bool {
	l.mu.Lock()
	last, ok := l.lastPoll[rc.Name]
	l.mu.Unlock()
	return !ok || now.Sub(last) >= rc.PollInterval
}

func (l *Loop) markPolled(name string, at time.Time) {
	l.mu.Lock()
	l.lastPoll[name] = at
	l.mu.Unlock()
}

func (l *Loop) forgetRemoved(repos []registry.RepositoryConfig) {
	keep := make(map[string]struct{}, len(repos))
	for _, rc := range repos {
		keep[rc.Name] = struct{}{}
	}
	l.mu.Lock()
	for name := range l.lastPoll {
		if _, ok := keep[name]; !ok {
			delete(l.lastPoll, name)
		}
	}
	l.mu.Unlock()
}

// Poll checks one repository and delivers what is new.
func (l *Loop) Poll(ctx context.Context, rc registry.RepositoryConfig) RepoReport {
	return l.poll(ctx, l.config(), rc)
}

func (l *Loop) poll(ctx context.Context, cfg Config, rc registry.RepositoryConfig) RepoReport {
	log := l.log.With(logx.String("repo", rc.Name), logx.String("branch", rc.Branch))
	rep := RepoReport{Repo: rc.Name, Branch: rc.Branch}

	l.setState(Polling)
	defer l.setState(Idle)
	l.publish(eventbus.PollStarted, rep)

	skip := func(o Outcome, err error) RepoReport {
		l.setState(Skipping)
		rep.Outcome, rep.Err = o, err
		if ctx.Err() != nil && err != nil {
			rep.Outcome = Stopped
			log.Debug("poll interrupted by stop", logx.Err(err))
		}
		l.publish(eventbus.PollSkipped, rep)
		return rep
	}

	if err := l.src.Refresh(ctx, rc); err != nil {
		log.Warn("fetch failed", logx.Err(err))
		return skip(FetchFailed, err)
	}

	commits, err := l.src.RecentCommits(ctx, rc, cfg.Limit)
	switch {
	case errors.Is(err, source.ErrBranchNotFound):
		log.Info("branch does not exist")
		return skip(BranchNotFound, err)
	case err != nil:
		log.Warn("listing commits failed", logx.Err(err))
		return skip(FetchFailed, err)
	case len(commits) == 0:
		log.Info("no commits found")
		return skip(NoCommits, nil)
	}

	cursor, err := l.store.Load(ctx, rc.Name, rc.Branch)
	if err != nil {
		log.Error("loading cursor failed", logx.Err(err))
		return skip(PersistFailed, err)
	}
	rep.Cursor = cursor

	newest := commits[len(commits)-1].Hash
	if newest == cursor {
		log.Debug("no new commits", logx.String("cursor", cursor))
		rep.Outcome = UpToDate
		l.publish(eventbus.PollUpToDate, rep)
		return rep
	}

	// Delivery and the cursor write are not preempted by stop.
	l.setState(Delivering)
	dctx := context.WithoutCancel(ctx)
	for _, c := range commits {
		msg := l.notif.Format(rc.Name, c)
		r := l.notif.Deliver(dctx, rc.Channels, msg)
		rep.Delivered++
		if len(r.Failed) > 0 {
			log.Warn("commit not delivered everywhere",
				logx.String("hash", c.Hash),
				logx.Int("sent", len(r.Sent)),
				logx.Int("failed", len(r.Failed)),
			)
		}
	}
	l.publish(eventbus.PollDelivered, RepoReport{Repo: rc.Name, Branch: rc.Branch, Delivered: rep.Delivered, Cursor: cursor})

	if err := l.store.Save(dctx, rc.Name, rc.Branch, newest); err != nil {
		log.Error("saving cursor failed", logx.Err(err))
		rep.Outcome, rep.Err = PersistFailed, err
		l.publish(eventbus.PollSkipped, rep)
		return rep
	}
	rep.Cursor = newest
	rep.Outcome = Delivered
	log.Info("announced new commits",
		logx.Int("commits", rep.Delivered),
		logx.String("cursor", shortHash(newest)),
	)
	l.publish(eventbus.CursorAdvanced, rep)
	return rep
}

func (l *Loop) publish(typ string, r RepoReport) {
	ev := PollEvent{Repo: r.Repo, Branch: r.Branch, Outcome: r.Outcome, Commits: r.Delivered, Cursor: r.Cursor}
	if r.Err != nil {
		ev.Error = r.Err.Error()
	}
	l.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func shortHash(h string) string {
	h = strings.TrimSpace(h)
	if len(h) > 10 {
		return h[:10]
	}
	return h
}

// sleep waits d or until ctx is done and reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
