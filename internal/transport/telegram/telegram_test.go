package telegram

import (
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"gitlogbot/internal/transport"
	logx "gitlogbot/pkg/logx"
)

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(transport.Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text = %q", got)
	}

	long := strings.Repeat("word ", 30) // 150 runes
	chunks := splitText(long, 40)
	if len(chunks) < 4 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	var joined []string
	for _, c := range chunks {
		if n := len([]rune(c)); n > 40 {
			t.Fatalf("chunk too long: %d", n)
		}
		if strings.HasSuffix(c, " ") {
			t.Fatalf("chunk has trailing space: %q", c)
		}
		joined = append(joined, c)
	}
	if got := strings.Join(joined, " "); got != strings.TrimSpace(long) {
		t.Fatalf("rejoined text differs:\n%q\n%q", got, strings.TrimSpace(long))
	}

	// no spaces at all still splits by runes
	if got := splitText(strings.Repeat("é", 25), 10); len(got) != 3 {
		t.Fatalf("rune split = %q", got)
	}
}

func TestParseChatID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		id   int64
		isID bool
	}{
		{"-1001234567890", -1001234567890, true},
		{"42", 42, true},
		{"@wiki", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		id, ok := parseChatID(tt.in)
		if id != tt.id || ok != tt.isID {
			t.Fatalf("parseChatID(%q) = %d, %v", tt.in, id, ok)
		}
	}
}

func TestMatchesChat(t *testing.T) {
	t.Parallel()
	chat := &tele.Chat{ID: -10042, Username: "WikiNews"}
	if !matchesChat("@wikinews", chat) {
		t.Fatal("username match must be case-insensitive")
	}
	if !matchesChat("-10042", chat) {
		t.Fatal("numeric id must match")
	}
	if matchesChat("@other", chat) || matchesChat("-100", chat) {
		t.Fatal("unexpected match")
	}
	if matchesChat("@x", &tele.Chat{ID: 1}) {
		t.Fatal("chat without username must not match a username")
	}
}

func TestCanPost(t *testing.T) {
	t.Parallel()
	restricted := &tele.ChatMember{Role: tele.Restricted}
	allowed := &tele.ChatMember{Role: tele.Restricted}
	allowed.CanSendMessages = true

	tests := []struct {
		name string
		m    *tele.ChatMember
		want bool
	}{
		{"nil", nil, false},
		{"member", &tele.ChatMember{Role: tele.Member}, true},
		{"admin", &tele.ChatMember{Role: tele.Administrator}, true},
		{"creator", &tele.ChatMember{Role: tele.Creator}, true},
		{"left", &tele.ChatMember{Role: tele.Left}, false},
		{"kicked", &tele.ChatMember{Role: tele.Kicked}, false},
		{"restricted", restricted, false},
		{"restricted can send", allowed, true},
	}
	for _, tt := range tests {
		if got := canPost(tt.m); got != tt.want {
			t.Fatalf("%s: canPost = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNormalizeAll(t *testing.T) {
	t.Parallel()
	got := normalizeAll([]string{" @Wiki ", "@wiki", "", "-100"})
	if len(got) != 2 || got[0] != "@wiki" || got[1] != "-100" {
		t.Fatalf("normalizeAll = %q", got)
	}
}
