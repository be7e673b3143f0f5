package storage

import (
	"fmt"
	"strings"

	logx "gitlogbot/pkg/logx"
)

// Open initializes the configured cursor store.
func Open(cfg Config, log logx.Logger) (CursorStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func persistErr(op, repo, branch string, err error) error {
	return fmt.Errorf("%w: %s %s.%s: %w", ErrPersistence, op, repo, branch, err)
}
