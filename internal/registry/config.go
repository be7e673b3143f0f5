package registry

import (
	"time"

	"gitlogbot/internal/config"
)

// FromConfig maps the configuration surface onto repository configs, in
// config.RepoNames order. Names listed without a block get defaults.
func FromConfig(cfg *config.Config) []RepositoryConfig {
	if cfg == nil {
		return nil
	}
	names := cfg.RepoNames()
	out := make([]RepositoryConfig, 0, len(names))
	for _, name := range names {
		block := cfg.Repositories[name]
		rc := RepositoryConfig{
			Name:         name,
			Location:     block.URL,
			Branch:       block.Branch,
			Channels:     append([]string(nil), block.Channels...),
			PollInterval: DefaultPollInterval,
		}
		if block.PollIntervalSeconds != nil {
			rc.PollInterval = time.Duration(*block.PollIntervalSeconds) * time.Second
		}
		if block.Username != "" || block.Token != "" {
			rc.Auth = &Auth{Username: block.Username, Token: block.Token}
		}
		out = append(out, rc.Normalize())
	}
	return out
}
