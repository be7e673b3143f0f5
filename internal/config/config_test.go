package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
chat:
  driver: telegram
  token: "123:abc"
storage:
  driver: sqlite
  path: ./data/cursors.db
watcher:
  interval: 45s
repos: [wiki, docs]
repositories:
  wiki:
    url: https://git.example.org/wiki.git
    channels: "@wiki @dev"
    poll_interval_seconds: 0
  extra:
    url: /srv/extra
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Chat.Driver != "telegram" || cfg.Storage.Driver != "sqlite" || cfg.Watcher.Interval != "45s" {
		t.Fatalf("decoded = %+v", cfg)
	}
	wiki := cfg.Repositories["wiki"]
	if strings.Join(wiki.Channels, ",") != "@wiki,@dev" {
		t.Fatalf("channels = %v", wiki.Channels)
	}
	if wiki.PollIntervalSeconds == nil || *wiki.PollIntervalSeconds != 0 {
		t.Fatalf("explicit zero interval lost: %v", wiki.PollIntervalSeconds)
	}
	if got := strings.Join(cfg.RepoNames(), ","); got != "wiki,docs,extra" {
		t.Fatalf("RepoNames = %s", got)
	}
}

func TestDecodeJSONStringList(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.json", []byte(`{"repos":"wiki  docs wiki"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := strings.Join(cfg.Repos, ","); got != "wiki,docs,wiki" {
		t.Fatalf("Repos = %s", got)
	}
	if got := strings.Join(cfg.RepoNames(), ","); got != "wiki,docs" {
		t.Fatalf("RepoNames = %s", got)
	}

	cfg, err = Decode("config.json", []byte(`{"repos":[" wiki ", ""]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(cfg.Repos) != 1 || cfg.Repos[0] != "wiki" {
		t.Fatalf("Repos = %q", cfg.Repos)
	}

	if _, err := Decode("config.json", []byte(`{"repos":42}`)); err == nil {
		t.Fatal("expected number to be rejected as repos")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"top level":  `{"repos":["wiki"],"colour":"blue"}`,
		"repository": `{"repositories":{"wiki":{"url":"/srv/wiki","brnach":"main"}}}`,
		"trailing":   `{"repos":["wiki"]} {}`,
	}
	for name, body := range cases {
		if _, err := Decode("config.json", []byte(body)); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yml", []byte("# nothing yet\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(cfg.RepoNames()) != 0 {
		t.Fatalf("RepoNames = %v", cfg.RepoNames())
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	neg := -1
	cases := map[string]*Config{
		"telegram without token": {Chat: ChatConfig{Driver: "telegram"}},
		"unknown chat driver":    {Chat: ChatConfig{Driver: "irc"}},
		"unknown storage":        {Storage: StorageConfig{Driver: "redis"}},
		"unknown mode":           {Watcher: WatcherConfig{Mode: "sometimes"}},
		"bad duration":           {Watcher: WatcherConfig{Interval: "soon"}},
		"negative duration":      {Dispatch: DispatchConfig{SendTimeout: "-1s"}},
		"negative limit":         {Source: SourceConfig{Limit: -1}},
		"negative poll interval": {Repositories: map[string]RepositoryConfig{"wiki": {PollIntervalSeconds: &neg}}},
	}
	for name, cfg := range cases {
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if err := Validate(&Config{Storage: StorageConfig{Driver: "SQLite3"}}); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", " 250ms ", 3*time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("explicit = %v, %v", d, err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	off := false
	oldCfg := &Config{Repos: StringList{"wiki"}}
	newCfg := &Config{
		Repos:    StringList{"wiki", "docs"},
		Watcher:  WatcherConfig{Interval: "10s"},
		Dispatch: DispatchConfig{NoHighlight: &off},
	}
	sections, fields := SummarizeChange(oldCfg, newCfg)
	if got := strings.Join(sections, ","); got != "dispatch,repositories,watcher" {
		t.Fatalf("sections = %s", got)
	}
	if len(fields) == 0 {
		t.Fatal("expected log fields for repository changes")
	}
	same := *newCfg
	same.Dispatch.NoHighlight = new(bool)
	if sections, _ := SummarizeChange(newCfg, &same); len(sections) != 0 {
		t.Fatalf("identical configs changed: %v", sections)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"repos":["wiki"]}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(context.Background())
	if err != nil || published {
		t.Fatalf("unchanged Reload = %v, %v", published, err)
	}

	writeFile(t, path, `{"repos":["wiki","docs"]}`)
	published, err = m.Reload(context.Background())
	if err != nil || !published {
		t.Fatalf("changed Reload = %v, %v", published, err)
	}
	select {
	case cfg := <-sub:
		if len(cfg.Repos) != 2 || m.Get() != cfg {
			t.Fatalf("published = %+v", cfg)
		}
	default:
		t.Fatal("nothing published")
	}
}

func TestReloadKeepsPreviousOnRejection(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"repos":["wiki"]}`)

	m := NewManager(path)
	first, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	veto := errors.New("vetoed")
	m.SetValidator(func(context.Context, *Config) error { return veto })

	writeFile(t, path, `{"repos":["docs"]}`)
	if _, err := m.Reload(context.Background()); !errors.Is(err, veto) {
		t.Fatalf("Reload err = %v, want veto", err)
	}
	writeFile(t, path, `{"repos":["docs"],"bogus":1}`)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("expected strict decode failure")
	}
	if m.Get() != first {
		t.Fatal("rejected config replaced the committed one")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "repos: wiki\n")

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for got := false; !got; {
		select {
		case cfg := <-sub:
			got = strings.Join(cfg.RepoNames(), ",") == "wiki,docs"
		case <-tick.C:
			// the watcher may not be registered yet; keep touching the file
			writeFile(t, path, "repos: wiki docs\n")
		case <-deadline:
			t.Fatal("reload never published")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}
