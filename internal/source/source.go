// Package source reads recent commit metadata from git repositories.
package source

import (
	"context"
	"strings"
	"time"

	"gitlogbot/internal/registry"
)

// DefaultLimit is how many recent commits a poll inspects.
const DefaultLimit = 5

// Commit is the metadata announced for one commit. Built fresh every poll.
type Commit struct {
	Hash    string
	Author  string
	Message string // single line
	When    time.Time
	// Seq is the position in the batch, 0 = oldest.
	Seq int
}

// Source wraps the repositories being watched.
//
// RecentCommits returns at most limit commits of the tracked branch ordered
// oldest to newest, or an error wrapping ErrBranchNotFound.
type Source interface {
	Refresh(ctx context.Context, rc registry.RepositoryConfig) error
	RecentCommits(ctx context.Context, rc registry.RepositoryConfig, limit int) ([]Commit, error)
}

// NormalizeMessage trims a commit message and folds every run of line
// breaks into one space.
func NormalizeMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	var b strings.Builder
	b.Grow(len(msg))
	inBreak := false
	for _, r := range msg {
		if r == '\n' || r == '\r' {
			if !inBreak {
				b.WriteByte(' ')
			}
			inBreak = true
			continue
		}
		inBreak = false
		b.WriteRune(r)
	}
	return b.String()
}
