// Package dispatch turns commits into chat lines and fans them out to the
// channels a repository is subscribed to.
//
// Delivery is best-effort and independent per channel: a channel the
// transport has not joined is skipped (never queued), and a failing channel
// does not hold back the others.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gitlogbot/internal/eventbus"
	"gitlogbot/internal/source"
	logx "gitlogbot/pkg/logx"
)

// DefaultTemplate is the announcement line.
const DefaultTemplate = "News from the Wiki by {author}: {message}"

// ErrDispatch wraps a failed send to one channel.
var ErrDispatch = errors.New("dispatch failed")

// Chat is the part of the chat transport used for delivery.
type Chat interface {
	IsChannelJoined(channel string) bool
	SendMessage(ctx context.Context, channel, text string) error
}

type Config struct {
	Template    string
	RatePerSec  int
	SendTimeout time.Duration
	NoHighlight bool
}

// Failure is one channel that could not be reached.
type Failure struct {
	Channel string
	Err     error
}

// Report summarizes one Deliver call.
type Report struct {
	Sent    []string
	Skipped []string
	Failed  []Failure
}

// Event is the payload of dispatch.* bus events.
type Event struct {
	Channel string `json:"channel"`
	Bytes   int    `json:"bytes"`
	Error   string `json:"error,omitempty"`
}

type Dispatcher struct {
	chat Chat
	log  logx.Logger
	bus  eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, chat Chat, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	d := &Dispatcher{chat: chat, log: log, bus: bus}
	d.Apply(cfg)
	return d
}

// Apply swaps the config, e.g. after a reload.
func (d *Dispatcher) Apply(cfg Config) {
	if strings.TrimSpace(cfg.Template) == "" {
		cfg.Template = DefaultTemplate
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	d.mu.Lock()
	d.cfg = cfg
	// burst = rate, so a short batch goes out without waiting
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// Format renders the single-line announcement for c.
func (d *Dispatcher) Format(repo string, c source.Commit) string {
	cfg, _ := d.snapshot()
	author := c.Author
	if cfg.NoHighlight {
		author = breakHighlight(author)
	}
	short := c.Hash
	if len(short) > 7 {
		short = short[:7]
	}
	r := strings.NewReplacer(
		"{repo}", repo,
		"{author}", author,
		"{message}", source.NormalizeMessage(c.Message),
		"{hash}", c.Hash,
		"{short}", short,
	)
	return r.Replace(cfg.Template)
}

// breakHighlight puts a zero-width space between the runes of name so the
// rendered text no longer matches the user's nick.
func breakHighlight(name string) string {
	rs := []rune(name)
	if len(rs) < 2 {
		return name
	}
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = string(r)
	}
	return strings.Join(parts, "\u200b")
}

// Deliver sends message to every channel concurrently and waits for all of
// them. It never returns an error; per-channel outcomes are in the Report.
func (d *Dispatcher) Deliver(ctx context.Context, channels []string, message string) Report {
	cfg, lim := d.snapshot()

	var (
		mu  sync.Mutex
		rep Report
		wg  sync.WaitGroup
	)
	for _, ch := range channels {
		if d.chat == nil || !d.chat.IsChannelJoined(ch) {
			d.log.Debug("channel not joined; skipping", logx.String("channel", ch))
			d.bus.Publish(eventbus.Event{Type: eventbus.DispatchSkipped, Data: Event{Channel: ch, Bytes: len(message)}})
			rep.Skipped = append(rep.Skipped, ch)
			continue
		}
		wg.Add(1)
		go func(ch string) {
			defer wg.Done()
			err := d.send(ctx, lim, cfg.SendTimeout, ch, message)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.log.Warn("delivery failed", logx.String("channel", ch), logx.Err(err))
				d.bus.Publish(eventbus.Event{Type: eventbus.DispatchFailed, Data: Event{Channel: ch, Bytes: len(message), Error: err.Error()}})
				rep.Failed = append(rep.Failed, Failure{Channel: ch, Err: err})
				return
			}
			d.bus.Publish(eventbus.Event{Type: eventbus.DispatchSent, Data: Event{Channel: ch, Bytes: len(message)}})
			rep.Sent = append(rep.Sent, ch)
		}(ch)
	}
	wg.Wait()
	return rep
}

func (d *Dispatcher) send(ctx context.Context, lim *rate.Limiter, timeout time.Duration, channel, message string) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrDispatch, channel, err)
		}
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := d.chat.SendMessage(sctx, channel, message); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDispatch, channel, err)
	}
	return nil
}
