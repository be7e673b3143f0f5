// Package console is a chat transport that writes announcements to the log.
// Every channel counts as joined. It is meant for local runs and dry runs.
package console

import (
	"context"
	"io"
	"sync"

	"gitlogbot/internal/transport"
	logx "gitlogbot/pkg/logx"
)

type Chat struct {
	log   logx.Logger
	out   io.Writer
	ready *transport.Signal

	mu sync.Mutex
}

// New returns a console chat. When out is non-nil each message is also
// written to it as "channel: text\n".
func New(log logx.Logger, out io.Writer) *Chat {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Chat{
		log:   log.With(logx.String("comp", "chat.console")),
		out:   out,
		ready: transport.NewSignal(),
	}
}

func (c *Chat) Start(context.Context) error {
	if c.ready.Fire() {
		c.log.Info("console chat ready")
	}
	return nil
}

func (c *Chat) Stop(context.Context) error { return nil }

func (c *Chat) Ready() <-chan struct{} { return c.ready.C() }

func (c *Chat) IsChannelJoined(string) bool { return true }

func (c *Chat) SendMessage(ctx context.Context, channel, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.log.Info("chat message", logx.String("channel", channel), logx.String("text", text))
	if c.out == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, channel+": "+text+"\n")
	return err
}

var _ transport.Chat = (*Chat)(nil)
