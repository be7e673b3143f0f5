package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "gitlogbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (CursorStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the upsert below is then trivially serialized per key.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Load(ctx context.Context, repo, branch string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM cursors WHERE repo = ? AND branch = ?`, repo, branch).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Genesis, nil
	}
	if err != nil {
		return "", persistErr("load", repo, branch, err)
	}
	if hash = strings.TrimSpace(hash); hash == "" {
		return Genesis, nil
	}
	return hash, nil
}

func (s *sqliteStore) Save(ctx context.Context, repo, branch, hash string) error {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return persistErr("save", repo, branch, errors.New("empty hash"))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors(repo, branch, hash, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(repo, branch) DO UPDATE SET hash=excluded.hash, updated_at=excluded.updated_at`,
		repo, branch, hash, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return persistErr("save", repo, branch, err)
	}
	s.log.Info("cursor saved", logx.String("repo", repo), logx.String("branch", branch), logx.String("hash", hash))
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
