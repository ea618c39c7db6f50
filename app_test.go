package heirlink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type appBackend struct {
	mu      sync.Mutex
	posts   []CreatePostRequest
	uploads int
	sockets int32
}

func (b *appBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/upload", func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("file"); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.uploads++
		b.mu.Unlock()
		w.Write([]byte(`{"url":"https://cdn.example.com/posts/1.jpg"}`))
	})
	mux.HandleFunc("/api/posts", func(w http.ResponseWriter, r *http.Request) {
		var req CreatePostRequest
		json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.posts = append(b.posts, req)
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"post-1"}`))
	})
	mux.HandleFunc("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"statusCode":400,"message":"Refresh token revoked","error":"Bad Request"}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&b.sockets, 1)
		for {
			if _, _, err := c.Read(context.Background()); err != nil {
				return
			}
		}
	})
	return mux
}

func newTestApp(t *testing.T, b *appBackend, opts ...ClientOption) *App {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	app := NewApp(NewMemoryStorage(),
		WithClient(append([]ClientOption{WithBaseURL(srv.URL)}, opts...)...),
		WithRealtimeOptions(*testRealtimeOptions()),
	)
	t.Cleanup(func() { app.Close() })
	app.Tokens.Set(context.Background(), TokenPair{AccessToken: "a1", RefreshToken: "r1"})
	return app
}

func TestApp_ConnectivityRestoreReplaysQueue(t *testing.T) {
	ctx := context.Background()
	b := &appBackend{}
	app := newTestApp(t, b)

	ok, err := app.Start(ctx)
	if err != nil || !ok {
		t.Fatalf("Start: ok=%v err=%v", ok, err)
	}
	if app.Realtime.State() != StateConnected {
		t.Fatalf("expected realtime connected, got %s", app.Realtime.State())
	}

	app.Connectivity.Set(false)
	if app.Realtime.State() != StateDisconnected {
		t.Fatalf("expected realtime disconnected while offline, got %s", app.Realtime.State())
	}

	photo := filepath.Join(t.TempDir(), "1.jpg")
	os.WriteFile(photo, []byte("img"), 0o600)
	if _, err := app.Queue.EnqueuePost(ctx, "offline post", []string{photo}); err != nil {
		t.Fatalf("EnqueuePost: %v", err)
	}

	app.Connectivity.Set(true)

	if n, _ := app.Queue.Size(ctx); n != 0 {
		t.Fatalf("expected queue drained, %d left", n)
	}
	b.mu.Lock()
	if len(b.posts) != 1 || b.posts[0].Caption != "offline post" || b.uploads != 1 {
		t.Fatalf("unexpected backend state posts=%+v uploads=%d", b.posts, b.uploads)
	}
	if b.posts[0].Media[0].URL != "https://cdn.example.com/posts/1.jpg" {
		t.Fatalf("post does not reference the uploaded media: %+v", b.posts[0])
	}
	b.mu.Unlock()
	if app.Realtime.State() != StateConnected {
		t.Fatalf("expected realtime reconnected, got %s", app.Realtime.State())
	}
	waitFor(t, time.Second, "second socket", func() bool { return atomic.LoadInt32(&b.sockets) == 2 })
}

func TestApp_ForegroundReplaysQueue(t *testing.T) {
	ctx := context.Background()
	b := &appBackend{}
	app := newTestApp(t, b)

	photo := filepath.Join(t.TempDir(), "1.jpg")
	os.WriteFile(photo, []byte("img"), 0o600)
	app.Queue.EnqueuePost(ctx, "", []string{photo})

	res, err := app.Foreground(ctx)
	if err != nil {
		t.Fatalf("Foreground: %v", err)
	}
	if res.Succeeded != 1 || res.Remaining != 0 {
		t.Fatalf("unexpected replay %+v", res)
	}
}

func TestApp_ForcedLogoutDropsSocket(t *testing.T) {
	ctx := context.Background()
	var loggedOut int32
	b := &appBackend{}
	app := newTestApp(t, b, WithOnUnauthorized(func() { atomic.AddInt32(&loggedOut, 1) }))

	if _, err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := app.Session.CurrentUser(ctx)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if atomic.LoadInt32(&loggedOut) != 1 {
		t.Fatal("expected the forced-logout callback")
	}
	if app.Realtime.State() != StateDisconnected {
		t.Fatalf("expected the socket dropped, got %s", app.Realtime.State())
	}
	if a, _ := app.Tokens.AccessToken(ctx); a != "" {
		t.Fatal("expected tokens cleared")
	}
}

func TestApp_OpenChat(t *testing.T) {
	app := newTestApp(t, &appBackend{})
	chat := app.OpenChat("u2")
	defer chat.Close()
	if chat.PeerID() != "u2" {
		t.Fatalf("unexpected peer %q", chat.PeerID())
	}
	if app.Realtime.listeners.count(EventNewMessage) != 1 {
		t.Fatal("chat should subscribe to pushes on the shared connection")
	}
}
