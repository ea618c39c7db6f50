package heirlink

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimer(t *testing.T) {
	t.Run("fires once", func(t *testing.T) {
		var n int32
		tm := NewTimer(func() { atomic.AddInt32(&n, 1) })
		tm.Arm(10 * time.Millisecond)
		if !tm.Armed() {
			t.Fatal("expected timer to be armed")
		}
		waitFor(t, time.Second, "fire", func() bool { return atomic.LoadInt32(&n) == 1 })
		time.Sleep(30 * time.Millisecond)
		if got := atomic.LoadInt32(&n); got != 1 {
			t.Fatalf("expected 1 fire, got %d", got)
		}
		if tm.Armed() {
			t.Fatal("expected timer to be disarmed after firing")
		}
	})

	t.Run("re-arm replaces pending fire", func(t *testing.T) {
		var n int32
		tm := NewTimer(func() { atomic.AddInt32(&n, 1) })
		for i := 0; i < 5; i++ {
			tm.Arm(20 * time.Millisecond)
		}
		waitFor(t, time.Second, "fire", func() bool { return atomic.LoadInt32(&n) >= 1 })
		time.Sleep(50 * time.Millisecond)
		if got := atomic.LoadInt32(&n); got != 1 {
			t.Fatalf("expected exactly 1 fire after re-arming, got %d", got)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		var n int32
		tm := NewTimer(func() { atomic.AddInt32(&n, 1) })
		if tm.Cancel() {
			t.Fatal("cancel of an idle timer should report false")
		}
		tm.Arm(10 * time.Millisecond)
		if !tm.Cancel() {
			t.Fatal("cancel of an armed timer should report true")
		}
		time.Sleep(40 * time.Millisecond)
		if atomic.LoadInt32(&n) != 0 {
			t.Fatal("cancelled timer fired")
		}
	})
}
