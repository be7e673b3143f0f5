package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "watcher"))
	log.Info("announced", String("repo", "wiki"), Int("commits", 2), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("not JSON: %q: %v", buf.String(), err)
	}
	if m["comp"] != "watcher" || m["repo"] != "wiki" || m["commits"] != float64(2) || m["message"] != "announced" {
		t.Fatalf("fields = %v", m)
	}
	if _, ok := m["caller"]; !ok {
		t.Fatal("caller missing")
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelInfo) || !log.Enabled(LevelError) {
		t.Fatal("Enabled disagrees with level")
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value must report IsZero")
	}
	zero.Error("must not panic")
	if Nop().IsZero() {
		t.Fatal("Nop is explicitly configured")
	}
}

func TestFormatChatJSON(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","message":"fetch failed\nretrying","comp":"watcher","repo":"wiki","branch":"master","err":"timeout","ignored":"x"}`
	got := formatChatJSON([]byte(line))
	want := "[WARN] fetch failed retrying comp=watcher repo=wiki branch=master err=timeout"
	if got != want {
		t.Fatalf("formatChatJSON = %q, want %q", got, want)
	}
	if got := formatChatJSON([]byte("  not json  ")); got != "not json" {
		t.Fatalf("fallback = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate(strings.Repeat("a", 20), 12); got != "aaaaaaaaa..." {
		t.Fatalf("truncate = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.FatalLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.FatalLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) SendMessage(_ context.Context, channel, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, channel+" "+text)
	return nil
}

func (s *recordingSender) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestChatSinkMirrorsWarnings(t *testing.T) {
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: t.TempDir() + "/bot.log"}})
	defer svc.Close()
	sender := &recordingSender{}
	svc.SetSender(sender)
	svc.Apply(Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: t.TempDir() + "/bot.log"},
		Chat:  ChatConfig{Enabled: true, Channel: "@ops", MinLevel: "warn", RatePerSec: 50},
	})

	log.Info("routine")
	log.Warn("fetch failed", String("repo", "wiki"))

	deadline := time.Now().Add(5 * time.Second)
	for len(sender.lines()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("warning never reached the chat sink")
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := sender.lines()
	if len(got) != 1 || got[0] != "@ops [WARN] fetch failed repo=wiki" {
		t.Fatalf("chat lines = %q", got)
	}
}
