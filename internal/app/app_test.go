package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"gitlogbot/internal/config"
	"gitlogbot/internal/storage"
	"gitlogbot/internal/transport"
	"gitlogbot/internal/watcher"
)

func initRepo(t *testing.T, commits int) (dir, head string) {
	t.Helper()
	dir = t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < commits; i++ {
		name := fmt.Sprintf("page-%d.md", i)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatal(err)
		}
		h, err := wt.Commit("add "+name, &git.CommitOptions{
			Author: &object.Signature{Name: "Alice", Email: "a@example.org", When: time.Now()},
		})
		if err != nil {
			t.Fatal(err)
		}
		head = h.String()
	}
	return dir, head
}

// writeConfig writes a console-driver config watching repoDir and returns
// its path and the cursor directory.
func writeConfig(t *testing.T, repoDir string) (cfgPath, cursors string) {
	t.Helper()
	work := t.TempDir()
	cursors = filepath.Join(work, "cursors")
	cfgPath = filepath.Join(work, "config.yaml")
	cfgYAML := fmt.Sprintf(`
chat:
  driver: console
logging:
  level: error
  console: false
storage:
  driver: file
  path: %q
source:
  cache_dir: %q
watcher:
  interval: 50ms
repos: wiki
repositories:
  wiki:
    url: %q
    channels: "#wiki #dev"
`, cursors, filepath.Join(work, "repos"), repoDir)
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath, cursors
}

func TestAppAnnouncesAndPersistsCursor(t *testing.T) {
	repoDir, head := initRepo(t, 3)
	cfgPath, cursors := writeConfig(t, repoDir)

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cursorFile := filepath.Join(cursors, storage.FileName("wiki", "master"))
	deadline := time.Now().Add(10 * time.Second)
	for {
		b, err := os.ReadFile(cursorFile)
		if err == nil && strings.TrimSpace(string(b)) == head {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cursor never reached %s (last read: %q, %v)", head, b, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !a.ctrl.Running() {
		t.Fatal("watcher not running after chat ready")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.ctrl.Running() {
		t.Fatal("watcher still running after Stop")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"chat":{"driver":"console"},"watcher":{"schedule":"every tuesday"},"repos":["wiki"]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Fatal("expected bad schedule to be rejected")
	}
}

func TestMapWatcherConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	wc, err := mapWatcherConfig(cfg)
	if err != nil {
		t.Fatalf("mapWatcherConfig: %v", err)
	}
	if wc.Interval != watcher.DefaultInterval || wc.Tick != watcher.DefaultTick || wc.Schedule != nil {
		t.Fatalf("defaults = %+v", wc)
	}

	cfg.Watcher = config.WatcherConfig{Mode: "PER_REPO", Interval: "5s", Tick: "250ms", Schedule: "@every 1m"}
	cfg.Source.Limit = 3
	wc, err = mapWatcherConfig(cfg)
	if err != nil {
		t.Fatalf("mapWatcherConfig: %v", err)
	}
	if wc.Mode != watcher.ModePerRepo || wc.Interval != 5*time.Second || wc.Tick != 250*time.Millisecond || wc.Limit != 3 || wc.Schedule == nil {
		t.Fatalf("mapped = %+v", wc)
	}

	cfg.Watcher.Mode = "sometimes"
	if _, err := mapWatcherConfig(cfg); err == nil {
		t.Fatal("expected unknown mode error")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	sc, err := mapStorageConfig(&config.Config{})
	if err != nil || sc.Driver != "file" || sc.Path != "." {
		t.Fatalf("default storage = %+v, %v", sc, err)
	}
	if _, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite"}}); err == nil {
		t.Fatal("sqlite without path must fail")
	}
	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "SQLite3", Path: "c.db", BusyTimeout: "2s"}})
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("sqlite storage = %+v, %v", sc, err)
	}
}

func TestChatChannelsIncludesLogChannel(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Repos: config.StringList{"wiki", "docs"},
		Repositories: map[string]config.RepositoryConfig{
			"wiki": {URL: "/srv/wiki", Channels: config.StringList{"@wiki", "@dev"}},
			"docs": {URL: "/srv/docs", Channels: config.StringList{"@dev"}},
		},
	}
	cfg.Logging.Chat = config.LoggingChat{Enabled: true, Channel: "@ops"}
	got := chatChannels(cfg)
	want := []string{"@wiki", "@dev", "@dev", "@ops"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("chatChannels = %v, want %v", got, want)
	}
}

func TestValidateConfigRejectsBadRepository(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Repos: config.StringList{"bad/name"},
	}
	if err := validateConfig(context.Background(), cfg); err == nil {
		t.Fatal("expected repository name with separator to be rejected")
	}
}

// heldChat delays Ready until release is closed.
type heldChat struct {
	transport.Chat
	release chan struct{}
}

func (c *heldChat) Ready() <-chan struct{} { return c.release }

func TestLateReadyAfterWatcherStopDoesNotStartWatcher(t *testing.T) {
	repoDir, _ := initRepo(t, 3)
	cfgPath, cursors := writeConfig(t, repoDir)

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	held := &heldChat{Chat: a.chat, release: make(chan struct{})}
	a.chat = held

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()

	// first shutdown step, then the transport finishes syncing
	if err := a.stopWatcher(stopCtx); err != nil {
		t.Fatalf("stopWatcher: %v", err)
	}
	close(held.release)
	time.Sleep(200 * time.Millisecond)

	if a.ctrl.Running() {
		t.Fatal("watcher started after its stop step")
	}
	if _, err := os.Stat(filepath.Join(cursors, storage.FileName("wiki", "master"))); !os.IsNotExist(err) {
		t.Fatalf("cursor written after stop step: %v", err)
	}
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestIgnoredPollIntervals(t *testing.T) {
	t.Parallel()
	ten := 10
	cfg := &config.Config{
		Repositories: map[string]config.RepositoryConfig{
			"wiki": {URL: "/srv/wiki", PollIntervalSeconds: &ten},
			"docs": {URL: "/srv/docs"},
			"blog": {URL: "/srv/blog", PollIntervalSeconds: &ten},
		},
	}
	if got := strings.Join(ignoredPollIntervals(cfg), ","); got != "blog,wiki" {
		t.Fatalf("shared mode = %q, want blog,wiki", got)
	}
	cfg.Watcher.Mode = "per_repo"
	if got := ignoredPollIntervals(cfg); len(got) != 0 {
		t.Fatalf("per_repo mode = %v, want none", got)
	}
}

func TestMapDispatchConfigBreaksHighlightsByDefault(t *testing.T) {
	t.Parallel()
	dc, err := mapDispatchConfig(&config.Config{})
	if err != nil || !dc.NoHighlight {
		t.Fatalf("default = %+v, %v; want NoHighlight", dc, err)
	}
	off := false
	dc, err = mapDispatchConfig(&config.Config{Dispatch: config.DispatchConfig{NoHighlight: &off}})
	if err != nil || dc.NoHighlight {
		t.Fatalf("explicit false = %+v, %v", dc, err)
	}
}
