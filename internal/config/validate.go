package config

import (
	"fmt"
	"strings"
)

// Validate checks everything that can be checked without building components.
// Schedule expressions are validated by the watcher package.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Chat.Driver)); d {
	case "", "console":
	case "telegram":
		if strings.TrimSpace(cfg.Chat.Token) == "" {
			return fmt.Errorf("chat.token is required when chat.driver=telegram")
		}
	default:
		return fmt.Errorf("chat.driver: unknown driver %q", cfg.Chat.Driver)
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	switch m := strings.ToLower(strings.TrimSpace(cfg.Watcher.Mode)); m {
	case "", "shared", "per_repo":
	default:
		return fmt.Errorf("watcher.mode: unknown mode %q", cfg.Watcher.Mode)
	}
	durations := map[string]string{
		"chat.poll_timeout":     cfg.Chat.PollTimeout,
		"chat.sync_timeout":     cfg.Chat.SyncTimeout,
		"storage.busy_timeout":  cfg.Storage.BusyTimeout,
		"source.fetch_timeout":  cfg.Source.FetchTimeout,
		"dispatch.send_timeout": cfg.Dispatch.SendTimeout,
		"watcher.interval":      cfg.Watcher.Interval,
		"watcher.tick":          cfg.Watcher.Tick,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if cfg.Source.Limit < 0 {
		return fmt.Errorf("source.limit must be >= 0")
	}
	if cfg.Dispatch.RatePerSec < 0 {
		return fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	for name, rc := range cfg.Repositories {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("repositories: empty repository name")
		}
		if rc.PollIntervalSeconds != nil && *rc.PollIntervalSeconds < 0 {
			return fmt.Errorf("repositories.%s.poll_interval_seconds must be >= 0", name)
		}
	}
	return nil
}
