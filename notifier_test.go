package heirlink

import (
	"testing"
	"time"
)

func TestErrorNotifier(t *testing.T) {
	var got []string
	n := NewErrorNotifier(func(msg string) { got = append(got, msg) }, 8*time.Second)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	if !n.Notify(MessageNetworkUnreachable) {
		t.Fatal("first message should be delivered")
	}
	now = now.Add(3 * time.Second)
	if n.Notify(MessageNetworkUnreachable) {
		t.Fatal("identical message within the window should be suppressed")
	}
	if !n.Notify(MessageServerUnavailable) {
		t.Fatal("a different message should be delivered")
	}
	now = now.Add(9 * time.Second)
	if !n.Notify(MessageServerUnavailable) {
		t.Fatal("identical message after the window should be delivered")
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d: %v", len(got), got)
	}

	t.Run("nil callback", func(t *testing.T) {
		n := NewErrorNotifier(nil, 0)
		if n.Notify("x") {
			t.Fatal("expected no delivery without a callback")
		}
	})

	t.Run("panicking callback", func(t *testing.T) {
		n := NewErrorNotifier(func(string) { panic("boom") }, time.Second)
		if !n.Notify("x") {
			t.Fatal("expected delivery attempt")
		}
	})
}
