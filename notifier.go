package heirlink

import (
	"sync"
	"time"
)

// DefaultErrorDedupWindow is how long an identical error message is suppressed.
const DefaultErrorDedupWindow = 8 * time.Second

// User-facing messages for the two surfaced failure classes.
const (
	MessageNetworkUnreachable = "No connection to the server. Check your internet connection."
	MessageServerUnavailable  = "The server is temporarily unavailable. Try again later."
)

// ErrorNotifier forwards user-facing error messages to a callback, dropping a
// message identical to the previous one if it arrives within the window.
type ErrorNotifier struct {
	mu       sync.Mutex
	fn       func(message string)
	window   time.Duration
	now      func() time.Time
	lastMsg  string
	lastTime time.Time
}

// NewErrorNotifier creates a notifier. A nil fn makes Notify a no-op.
func NewErrorNotifier(fn func(message string), window time.Duration) *ErrorNotifier {
	if window <= 0 {
		window = DefaultErrorDedupWindow
	}
	return &ErrorNotifier{fn: fn, window: window, now: time.Now}
}

// SetCallback replaces the callback.
func (n *ErrorNotifier) SetCallback(fn func(message string)) {
	n.mu.Lock()
	n.fn = fn
	n.mu.Unlock()
}

// Notify delivers message unless it duplicates the last one within the window.
// It reports whether the callback ran.
func (n *ErrorNotifier) Notify(message string) bool {
	n.mu.Lock()
	fn := n.fn
	if fn == nil {
		n.mu.Unlock()
		return false
	}
	now := n.now()
	if message == n.lastMsg && now.Sub(n.lastTime) < n.window {
		n.mu.Unlock()
		return false
	}
	n.lastMsg = message
	n.lastTime = now
	n.mu.Unlock()

	safeCall(func() { fn(message) })
	return true
}

// safeCall runs a user callback, swallowing panics.
func safeCall(fn func()) {
	defer func() { recover() }()
	fn()
}
