package config

import (
	"reflect"
	"sort"
	"strings"

	logx "gitlogbot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe log fields
// (tokens are never included) describing a reload.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	fields := make([]logx.Field, 0, 8)

	if oldCfg.Chat.Driver != newCfg.Chat.Driver || oldCfg.Chat.Token != newCfg.Chat.Token ||
		oldCfg.Chat.PollTimeout != newCfg.Chat.PollTimeout || oldCfg.Chat.SyncTimeout != newCfg.Chat.SyncTimeout {
		changed = append(changed, "chat")
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields, logx.String("logging.level", newCfg.Logging.Level))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
	}
	if oldCfg.Source != newCfg.Source {
		changed = append(changed, "source")
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		fields = append(fields, logx.Bool("debug.enabled", newCfg.Debug.Enabled))
	}
	if oldCfg.Watcher != newCfg.Watcher {
		changed = append(changed, "watcher")
		fields = append(fields, logx.String("watcher.mode", newCfg.Watcher.Mode))
	}

	added, removed := diffNames(oldCfg.RepoNames(), newCfg.RepoNames())
	if len(added) > 0 || len(removed) > 0 || !reflect.DeepEqual(oldCfg.Repositories, newCfg.Repositories) {
		changed = append(changed, "repositories")
		fields = append(fields,
			logx.Strings("repos.added", added),
			logx.Strings("repos.removed", removed),
			logx.Int("repos.count", len(newCfg.RepoNames())),
		)
	}
	sort.Strings(changed)
	return changed, fields
}

func diffNames(oldNames, newNames []string) (added, removed []string) {
	in := func(list []string, s string) bool {
		for _, x := range list {
			if strings.EqualFold(x, s) {
				return true
			}
		}
		return false
	}
	for _, n := range newNames {
		if !in(oldNames, n) {
			added = append(added, n)
		}
	}
	for _, n := range oldNames {
		if !in(newNames, n) {
			removed = append(removed, n)
		}
	}
	return added, removed
}
