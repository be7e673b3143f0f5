// Package transport defines the chat side of the bot: where announcements
// go and which channels can currently receive them.
package transport

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotJoined is returned when sending to a channel the bot cannot post in.
	ErrNotJoined = errors.New("channel not joined")
	// ErrUnknownChannel is returned for a channel that cannot be resolved.
	ErrUnknownChannel = errors.New("unknown channel")
)

// Chat is a connected chat transport.
//
// Ready is closed once the configured channels were synced (or the sync
// timeout elapsed). IsChannelJoined must be cheap; it is called once per
// channel per announcement.
type Chat interface {
	IsChannelJoined(channel string) bool
	SendMessage(ctx context.Context, channel, text string) error
	Ready() <-chan struct{}

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Config is shared by all drivers.
type Config struct {
	Driver      string
	Token       string
	PollTimeout time.Duration
	SyncTimeout time.Duration
	// Channels are synced before Ready fires.
	Channels []string
}

// ChannelSet tracks which channels are currently joined.
type ChannelSet struct {
	mu     sync.RWMutex
	joined map[string]bool
}

func NewChannelSet() *ChannelSet {
	return &ChannelSet{joined: map[string]bool{}}
}

// Set records the membership of channel and reports whether it changed.
func (s *ChannelSet) Set(channel string, joined bool) bool {
	channel = NormalizeChannel(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.joined[channel]
	s.joined[channel] = joined
	return !ok || prev != joined
}

func (s *ChannelSet) Joined(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joined[NormalizeChannel(channel)]
}

// Known reports whether channel was synced at least once.
func (s *ChannelSet) Known(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.joined[NormalizeChannel(channel)]
	return ok
}

// JoinedList returns the joined channels, sorted.
func (s *ChannelSet) JoinedList() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.joined))
	for ch, ok := range s.joined {
		if ok {
			out = append(out, ch)
		}
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// NormalizeChannel lowercases @usernames; numeric ids are kept as is.
func NormalizeChannel(ch string) string {
	ch = strings.TrimSpace(ch)
	if strings.HasPrefix(ch, "@") || strings.HasPrefix(ch, "#") {
		return strings.ToLower(ch)
	}
	return ch
}

// Signal is a close-once broadcast.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Fire closes the channel; later calls are no-ops. It reports whether this
// call fired it.
func (s *Signal) Fire() bool {
	fired := false
	s.once.Do(func() {
		close(s.ch)
		fired = true
	})
	return fired
}

func (s *Signal) C() <-chan struct{} { return s.ch }
