package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "gitlogbot/pkg/logx"
)

// fileStore keeps one text file per key: "<dir>/{repository}.{branch}.txt"
// holding the hash followed by a newline.
//
// Writes go to a temp file in the same directory which is then renamed over
// the target, so readers see either the old or the new hash, never a prefix.
type fileStore struct {
	dir string
	log logx.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (CursorStore, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{dir: dir, log: log, locks: map[string]*sync.Mutex{}}, nil
}

// FileName returns the cursor file name for a key. Characters that could
// escape the directory or make two keys share a file are percent-escaped:
// "feature/x" becomes "feature%2Fx" and never collides with "feature_x".
// Dots are escaped in the repository part only, so the first dot always
// separates repository from branch.
func FileName(repo, branch string) string {
	return escapeName(repo, true) + "." + escapeName(branch, false) + ".txt"
}

func escapeName(s string, dots bool) string {
	s = strings.TrimSpace(s)
	if s == "." || s == ".." {
		dots = true
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%', c == '/', c == '\\', c == 0, dots && c == '.':
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (s *fileStore) path(repo, branch string) string {
	return filepath.Join(s.dir, FileName(repo, branch))
}

func (s *fileStore) keyLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

func (s *fileStore) Load(ctx context.Context, repo, branch string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", persistErr("load", repo, branch, err)
	}
	b, err := os.ReadFile(s.path(repo, branch))
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Debug("cursor not found, starting at genesis", logx.String("repo", repo), logx.String("branch", branch))
		return Genesis, nil
	}
	if err != nil {
		return "", persistErr("load", repo, branch, err)
	}
	h := strings.TrimSpace(string(b))
	if h == "" {
		return Genesis, nil
	}
	return h, nil
}

func (s *fileStore) Save(ctx context.Context, repo, branch, hash string) error {
	if err := ctx.Err(); err != nil {
		return persistErr("save", repo, branch, err)
	}
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return persistErr("save", repo, branch, errors.New("empty hash"))
	}

	name := FileName(repo, branch)
	l := s.keyLock(name)
	l.Lock()
	defer l.Unlock()

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return persistErr("save", repo, branch, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.WriteString(hash + "\n"); err != nil {
		_ = tmp.Close()
		cleanup()
		return persistErr("save", repo, branch, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return persistErr("save", repo, branch, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return persistErr("save", repo, branch, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		cleanup()
		return persistErr("save", repo, branch, err)
	}
	s.log.Info("cursor saved", logx.String("repo", repo), logx.String("branch", branch), logx.String("hash", hash), logx.String("file", name))
	return nil
}

func (s *fileStore) Close() error { return nil }
