// Package telegram is the Telegram Bot API chat transport.
//
// Channels are "@username" or numeric chat ids. On Start every configured
// channel is resolved and the bot's membership is checked; my_chat_member
// updates keep the joined set current afterwards.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"gitlogbot/internal/runtime/supervisor"
	"gitlogbot/internal/transport"
	logx "gitlogbot/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	defaultSyncTimeout = 30 * time.Second
	textLimit          = 4000
)

type Chat struct {
	cfg transport.Config
	log logx.Logger
	bot *tele.Bot

	joined *transport.ChannelSet
	ready  *transport.Signal

	chatsMu  sync.RWMutex
	chats    map[string]*tele.Chat // channel -> resolved chat
	channels []string

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

func New(cfg transport.Config, log logx.Logger) (*Chat, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = defaultSyncTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "chat.telegram"))

	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		Poller: &tele.LongPoller{
			Timeout:        cfg.PollTimeout,
			AllowedUpdates: []string{"my_chat_member"},
		},
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram update error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	c := &Chat{
		cfg:    cfg,
		log:    log,
		bot:    b,
		joined: transport.NewChannelSet(),
		ready:  transport.NewSignal(),
		chats:  map[string]*tele.Chat{},
	}
	c.channels = normalizeAll(cfg.Channels)
	b.Handle(tele.OnMyChatMember, c.onMyChatMember)
	return c, nil
}

func (c *Chat) Ready() <-chan struct{} { return c.ready.C() }

func (c *Chat) IsChannelJoined(channel string) bool { return c.joined.Joined(channel) }

// SetChannels replaces the channel list, e.g. after a config reload. New
// channels are synced in the background.
func (c *Chat) SetChannels(channels []string) {
	next := normalizeAll(channels)
	c.chatsMu.Lock()
	var added []string
	for _, ch := range next {
		if _, ok := c.chats[ch]; !ok && !c.joined.Known(ch) {
			added = append(added, ch)
		}
	}
	c.channels = next
	c.chatsMu.Unlock()

	c.runMu.Lock()
	sup := c.sup
	c.runMu.Unlock()
	if sup == nil || len(added) == 0 {
		return
	}
	sup.Go0("telegram.sync.added", func(ctx context.Context) { c.syncChannels(ctx, added) })
}

func (c *Chat) Start(ctx context.Context) error {
	c.runMu.Lock()
	if c.sup != nil {
		c.runMu.Unlock()
		return nil
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(c.log))
	c.sup = sup
	c.runMu.Unlock()

	c.chatsMu.RLock()
	channels := append([]string(nil), c.channels...)
	c.chatsMu.RUnlock()

	sup.Go0("telegram.sync", func(ctx context.Context) {
		c.syncChannels(ctx, channels)
		if c.ready.Fire() {
			c.log.Info("all channels synced", logx.Strings("joined", c.joined.JoinedList()))
		}
	})
	sup.Go0("telegram.sync_timeout", func(ctx context.Context) {
		t := time.NewTimer(c.cfg.SyncTimeout)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-c.ready.C():
		case <-t.C:
			if c.ready.Fire() {
				c.log.Warn("channel sync timed out; starting anyway",
					logx.Duration("timeout", c.cfg.SyncTimeout),
					logx.Strings("joined", c.joined.JoinedList()),
				)
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		c.bot.Stop()
	})
	// Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(ctx context.Context) error {
		c.log.Info("polling started")
		c.bot.Start()
		c.log.Info("polling stopped")
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, 500*time.Millisecond, 10*time.Second)
	return nil
}

// Stop never blocks shutdown for long on the getUpdates long poll.
func (c *Chat) Stop(ctx context.Context) error {
	c.runMu.Lock()
	sup := c.sup
	c.sup = nil
	c.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	go c.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			c.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		c.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

func (c *Chat) SendMessage(ctx context.Context, channel, text string) error {
	channel = transport.NormalizeChannel(channel)
	if !c.joined.Joined(channel) {
		return fmt.Errorf("%w: %s", transport.ErrNotJoined, channel)
	}
	chat, err := c.resolve(channel)
	if err != nil {
		return err
	}
	opts := &tele.SendOptions{DisableWebPagePreview: true}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.bot.Send(chat, chunk, opts); err != nil {
			return fmt.Errorf("telegram send %s: %w", channel, err)
		}
	}
	return nil
}

func (c *Chat) syncChannels(ctx context.Context, channels []string) {
	for _, ch := range channels {
		if ctx.Err() != nil {
			return
		}
		joined, err := c.syncOne(ch)
		if err != nil {
			c.log.Warn("channel sync failed", logx.String("channel", ch), logx.Err(err))
			c.joined.Set(ch, false)
			continue
		}
		c.joined.Set(ch, joined)
		c.log.Info("channel synced", logx.String("channel", ch), logx.Bool("joined", joined))
	}
}

func (c *Chat) syncOne(channel string) (bool, error) {
	chat, err := c.resolve(channel)
	if err != nil {
		return false, err
	}
	m, err := c.bot.ChatMemberOf(chat, c.bot.Me)
	if err != nil {
		return false, fmt.Errorf("membership of %s: %w", channel, err)
	}
	return canPost(m), nil
}

// resolve maps a channel to its chat, caching the result.
func (c *Chat) resolve(channel string) (*tele.Chat, error) {
	c.chatsMu.RLock()
	chat, ok := c.chats[channel]
	c.chatsMu.RUnlock()
	if ok {
		return chat, nil
	}

	if id, isID := parseChatID(channel); isID {
		chat = &tele.Chat{ID: id}
	} else {
		var err error
		chat, err = c.bot.ChatByUsername(channel)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", transport.ErrUnknownChannel, channel, err)
		}
	}
	c.chatsMu.Lock()
	c.chats[channel] = chat
	c.chatsMu.Unlock()
	return chat, nil
}

func (c *Chat) onMyChatMember(tc tele.Context) error {
	u := tc.ChatMember()
	if u == nil || u.Chat == nil || u.NewChatMember == nil {
		return nil
	}
	joined := canPost(u.NewChatMember)
	for _, ch := range c.channelsFor(u.Chat) {
		if c.joined.Set(ch, joined) {
			c.log.Info("channel membership changed", logx.String("channel", ch), logx.Bool("joined", joined))
		}
	}
	return nil
}

// channelsFor lists the configured channels that refer to chat.
func (c *Chat) channelsFor(chat *tele.Chat) []string {
	c.chatsMu.Lock()
	defer c.chatsMu.Unlock()
	var out []string
	for _, ch := range c.channels {
		if matchesChat(ch, chat) {
			out = append(out, ch)
			c.chats[ch] = chat
		}
	}
	return out
}

func matchesChat(channel string, chat *tele.Chat) bool {
	if id, ok := parseChatID(channel); ok {
		return id == chat.ID
	}
	return chat.Username != "" && strings.EqualFold(strings.TrimPrefix(channel, "@"), chat.Username)
}

func canPost(m *tele.ChatMember) bool {
	if m == nil {
		return false
	}
	switch m.Role {
	case tele.Creator, tele.Administrator, tele.Member:
		return true
	case tele.Restricted:
		return m.CanSendMessages
	default:
		return false
	}
}

func parseChatID(channel string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(channel), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func normalizeAll(channels []string) []string {
	seen := make(map[string]struct{}, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = transport.NormalizeChannel(ch)
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

// splitText cuts s into chunks of at most limit runes, preferring spaces
// near the end of each window.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == ' ' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), " "))
		start = end
	}
	return out
}

var _ transport.Chat = (*Chat)(nil)
