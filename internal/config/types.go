package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "30s", "1m").
type Config struct {
	Chat     ChatConfig     `json:"chat"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Source   SourceConfig   `json:"source"`
	Dispatch DispatchConfig `json:"dispatch"`
	Watcher  WatcherConfig  `json:"watcher"`
	Debug    DebugConfig    `json:"debug"`

	// Repos lists the tracked repository names. A name without a block under
	// Repositories is registered with defaults (empty url, branch "master").
	Repos        StringList                  `json:"repos"`
	Repositories map[string]RepositoryConfig `json:"repositories,omitempty"`
}

// ChatConfig selects and configures the chat transport.
//
// Driver values:
//   - "telegram": Telegram Bot API (token required)
//   - "console": log-only transport, every channel counts as joined
type ChatConfig struct {
	Driver string `json:"driver"`
	Token  string `json:"token,omitempty"`
	// PollTimeout is the long-poll timeout for Telegram updates.
	PollTimeout string `json:"poll_timeout,omitempty"`
	// SyncTimeout bounds the initial channel sync before Ready fires anyway.
	SyncTimeout string `json:"sync_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Channel    string `json:"channel"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls where cursors are persisted.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/cursors.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type SourceConfig struct {
	// CacheDir holds bare clones of repositories configured by URL.
	CacheDir     string `json:"cache_dir,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	// Limit is how many recent commits are inspected per poll (default 5).
	Limit int `json:"limit,omitempty"`
}

type DispatchConfig struct {
	// Template placeholders: {repo} {author} {message} {hash} {short}.
	Template    string `json:"template,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	// NoHighlight breaks up author names with zero-width spaces so chat
	// clients don't ping people who happen to share the author's nick.
	// Defaults to true; a pointer so an explicit false is kept.
	NoHighlight *bool `json:"no_highlight,omitempty"`
}

// WatcherConfig controls the poll cadence.
//
// Mode values:
//   - "shared" (default): one sleep per full pass over all repositories.
//     Schedule (cron or "@every") wins over Interval when set.
//   - "per_repo": every repository is polled on its own poll_interval_seconds,
//     checked every Tick by the same single worker.
type WatcherConfig struct {
	Mode     string `json:"mode,omitempty"`
	Interval string `json:"interval,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Tick     string `json:"tick,omitempty"`
}

// DebugConfig enables the pprof/status HTTP endpoint.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type RepositoryConfig struct {
	URL      string     `json:"url"`
	Branch   string     `json:"branch,omitempty"`
	Channels StringList `json:"channels,omitempty"`
	// PollIntervalSeconds is a pointer so an explicit 0 differs from "omitted" (30).
	// Only watcher.mode per_repo reads it.
	PollIntervalSeconds *int `json:"poll_interval_seconds,omitempty"`

	// Basic auth for https remotes. Never logged.
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`
}

// UnmarshalJSON rejects unknown keys inside a repository block.
func (r *RepositoryConfig) UnmarshalJSON(b []byte) error {
	type plain RepositoryConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*r = RepositoryConfig(p)
	return nil
}

// StringList accepts either a JSON array of strings or a single
// space-separated string ("#wiki #dev").
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = StringList(strings.Fields(s))
		return nil
	}
	var arr []string
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	out := make([]string, 0, len(arr))
	for _, s := range arr {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*l = out
	return nil
}

// RepoNames returns the tracked repository names: Repos order first, then any
// extra Repositories blocks in sorted order. Duplicates are dropped.
func (c *Config) RepoNames() []string {
	if c == nil {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(c.Repos)+len(c.Repositories))
	for _, n := range c.Repos {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	extra := make([]string, 0)
	for n := range c.Repositories {
		if _, ok := seen[n]; !ok {
			extra = append(extra, n)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
