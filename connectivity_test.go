package heirlink

import "testing"

func TestConnectivity(t *testing.T) {
	c := NewConnectivity()
	if !c.Online() {
		t.Fatal("expected initial state online")
	}

	var events []bool
	unsub := c.Subscribe(func(online bool) { events = append(events, online) })

	c.Set(true) // no transition
	c.Set(false)
	c.Set(false)
	c.Set(true)
	if len(events) != 2 || events[0] != false || events[1] != true {
		t.Fatalf("expected [false true], got %v", events)
	}

	unsub()
	unsub()
	c.Set(false)
	if len(events) != 2 {
		t.Fatalf("unsubscribed handler ran: %v", events)
	}
	if c.Online() {
		t.Fatal("expected offline")
	}
}
