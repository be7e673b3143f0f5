package storage

import (
	"context"
	"errors"
	"time"
)

// Genesis is the cursor value of a key that has never been saved.
const Genesis = "0"

// ErrPersistence wraps every cursor read/write failure.
var ErrPersistence = errors.New("cursor persistence failed")

// Config configures storage.
//
// Driver values:
//   - "file" (default): Path is the directory holding cursor files
//   - "sqlite": Path is the database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CursorStore loads and saves per-(repository, branch) delivery cursors.
//
// Implementations must make Save atomic with respect to Load for the same
// key and serialize concurrent writers of one key.
type CursorStore interface {
	Load(ctx context.Context, repo, branch string) (string, error)
	Save(ctx context.Context, repo, branch, hash string) error
	Close() error
}
