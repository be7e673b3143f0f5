package console

import (
	"bytes"
	"context"
	"testing"

	logx "gitlogbot/pkg/logx"
)

func TestConsoleChat(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	c := New(logx.Nop(), &buf)
	ctx := context.Background()

	select {
	case <-c.Ready():
		t.Fatal("ready before Start")
	default:
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-c.Ready()

	if !c.IsChannelJoined("@anything") {
		t.Fatal("console joins every channel")
	}
	if err := c.SendMessage(ctx, "@wiki", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := buf.String(); got != "@wiki: hello\n" {
		t.Fatalf("output = %q", got)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := c.SendMessage(canceled, "@wiki", "late"); err == nil {
		t.Fatal("expected error on canceled context")
	}
}
