package transport

import (
	"testing"
)

func TestChannelSet(t *testing.T) {
	t.Parallel()
	s := NewChannelSet()
	if s.Joined("@Wiki") || s.Known("@wiki") {
		t.Fatal("empty set reports membership")
	}
	if !s.Set("@Wiki", true) {
		t.Fatal("first Set must report a change")
	}
	if s.Set("@wiki", true) {
		t.Fatal("same value must not report a change")
	}
	if !s.Joined("@WIKI") {
		t.Fatal("usernames are case-insensitive")
	}
	s.Set("-1001234", false)
	if !s.Known("-1001234") || s.Joined("-1001234") {
		t.Fatal("left channel must be known but not joined")
	}
	if got := s.JoinedList(); len(got) != 1 || got[0] != "@wiki" {
		t.Fatalf("JoinedList = %v", got)
	}
}

func TestSignalFiresOnce(t *testing.T) {
	t.Parallel()
	s := NewSignal()
	select {
	case <-s.C():
		t.Fatal("fired before Fire")
	default:
	}
	if !s.Fire() {
		t.Fatal("first Fire must report true")
	}
	if s.Fire() {
		t.Fatal("second Fire must report false")
	}
	<-s.C()
}
