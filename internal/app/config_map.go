package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gitlogbot/internal/config"
	"gitlogbot/internal/dispatch"
	"gitlogbot/internal/observability/pprof"
	"gitlogbot/internal/registry"
	"gitlogbot/internal/source"
	"gitlogbot/internal/storage"
	"gitlogbot/internal/transport"
	"gitlogbot/internal/watcher"
	logx "gitlogbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			Channel:    cfg.Logging.Chat.Channel,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapChatConfig(cfg *config.Config) (transport.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("chat.poll_timeout", cfg.Chat.PollTimeout, 10*time.Second)
	if err != nil {
		return transport.Config{}, err
	}
	syncTimeout, err := config.ParseDurationOrDefault("chat.sync_timeout", cfg.Chat.SyncTimeout, 30*time.Second)
	if err != nil {
		return transport.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Chat.Driver))
	if driver == "" {
		driver = "console"
	}
	return transport.Config{
		Driver:      driver,
		Token:       cfg.Chat.Token,
		PollTimeout: pollTimeout,
		SyncTimeout: syncTimeout,
		Channels:    chatChannels(cfg),
	}, nil
}

// chatChannels lists every channel the transport must sync: all repository
// channels plus the log channel.
func chatChannels(cfg *config.Config) []string {
	var out []string
	for _, rc := range registry.FromConfig(cfg) {
		out = append(out, rc.Channels...)
	}
	if cfg.Logging.Chat.Enabled && strings.TrimSpace(cfg.Logging.Chat.Channel) != "" {
		out = append(out, strings.TrimSpace(cfg.Logging.Chat.Channel))
	}
	return out
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = "."
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSourceConfig(cfg *config.Config) (source.GitConfig, error) {
	timeout, err := config.ParseDurationOrDefault("source.fetch_timeout", cfg.Source.FetchTimeout, 60*time.Second)
	if err != nil {
		return source.GitConfig{}, err
	}
	dir := strings.TrimSpace(cfg.Source.CacheDir)
	if dir == "" {
		dir = filepath.Join(".", "repos")
	}
	return source.GitConfig{CacheDir: dir, FetchTimeout: timeout}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	timeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	noHighlight := true
	if cfg.Dispatch.NoHighlight != nil {
		noHighlight = *cfg.Dispatch.NoHighlight
	}
	return dispatch.Config{
		Template:    cfg.Dispatch.Template,
		RatePerSec:  cfg.Dispatch.RatePerSec,
		SendTimeout: timeout,
		NoHighlight: noHighlight,
	}, nil
}

func mapWatcherConfig(cfg *config.Config) (watcher.Config, error) {
	interval, err := config.ParseDurationOrDefault("watcher.interval", cfg.Watcher.Interval, watcher.DefaultInterval)
	if err != nil {
		return watcher.Config{}, err
	}
	tick, err := config.ParseDurationOrDefault("watcher.tick", cfg.Watcher.Tick, watcher.DefaultTick)
	if err != nil {
		return watcher.Config{}, err
	}
	sched, err := watcher.ParseSchedule(cfg.Watcher.Schedule)
	if err != nil {
		return watcher.Config{}, fmt.Errorf("watcher.schedule: %w", err)
	}
	mode := watcher.Mode(strings.ToLower(strings.TrimSpace(cfg.Watcher.Mode)))
	switch mode {
	case "", watcher.ModeShared, watcher.ModePerRepo:
	default:
		return watcher.Config{}, fmt.Errorf("watcher.mode: unknown mode %q", cfg.Watcher.Mode)
	}
	return watcher.Config{
		Mode:     mode,
		Interval: interval,
		Schedule: sched,
		Tick:     tick,
		Limit:    cfg.Source.Limit,
	}, nil
}

// ignoredPollIntervals lists repositories that set poll_interval_seconds
// while the watcher runs in shared mode, where only watcher.interval or
// watcher.schedule decide the cadence.
func ignoredPollIntervals(cfg *config.Config) []string {
	mode := watcher.Mode(strings.ToLower(strings.TrimSpace(cfg.Watcher.Mode)))
	if mode != "" && mode != watcher.ModeShared {
		return nil
	}
	var out []string
	for name, rc := range cfg.Repositories {
		if rc.PollIntervalSeconds != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func mapDebugConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}

// validateConfig runs every mapping so a bad reload is rejected before it is
// committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapChatConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSourceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := registry.New(registry.FromConfig(cfg)...); err != nil {
		return fmt.Errorf("repositories: %w", err)
	}
	return nil
}
