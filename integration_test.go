package heirlink_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	heirlink "github.com/heirlink/heirlink/sdk/golang"
)

// Live tests against a running backend. They are skipped unless
// HEIRLINK_BASE_URL is set, e.g. HEIRLINK_BASE_URL=http://localhost:3000.

var runID = fmt.Sprintf("%d", time.Now().UnixNano()%1000000)

func liveApp(t *testing.T) *heirlink.App {
	t.Helper()
	base := os.Getenv("HEIRLINK_BASE_URL")
	if base == "" {
		t.Skip("HEIRLINK_BASE_URL not set")
	}
	storage, err := heirlink.OpenSQLiteStorage(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	app := heirlink.NewApp(storage, heirlink.WithClient(
		heirlink.WithBaseURL(base),
		heirlink.WithTimeout(15*time.Second),
	))
	t.Cleanup(func() { app.Close() })
	return app
}

func registerUser(t *testing.T, app *heirlink.App, suffix string) *heirlink.User {
	t.Helper()
	ctx := context.Background()
	u, err := app.Session.Register(ctx,
		fmt.Sprintf("go-%s-%s@example.com", suffix, runID),
		fmt.Sprintf("go%s%s", suffix, runID),
		"Password123!",
	)
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	return u
}

func TestIntegration_ChatRoundTrip(t *testing.T) {
	alice := liveApp(t)
	bob := liveApp(t)
	ctx := context.Background()

	a := registerUser(t, alice, "a")
	b := registerUser(t, bob, "b")

	if err := bob.Realtime.Connect(ctx); err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	bobChat := bob.OpenChat(a.ID)
	defer bobChat.Close()

	aliceChat := alice.OpenChat(b.ID)
	defer aliceChat.Close()

	t.Run("send", func(t *testing.T) {
		msg, err := aliceChat.Send(ctx, "hello from go "+runID, nil)
		if err != nil {
			t.Fatalf("Send error: %v", err)
		}
		if msg.ID == "" || msg.Sending {
			t.Fatalf("unexpected confirmed message %+v", msg)
		}
	})

	t.Run("push", func(t *testing.T) {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if len(bobChat.Messages()) > 0 {
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
		t.Fatal("bob never received the pushed message")
	})

	t.Run("fetch", func(t *testing.T) {
		if err := aliceChat.Fetch(ctx); err != nil {
			t.Fatalf("Fetch error: %v", err)
		}
		if len(aliceChat.Messages()) == 0 {
			t.Fatal("expected history to include the sent message")
		}
	})
}

func TestIntegration_OfflinePost(t *testing.T) {
	app := liveApp(t)
	ctx := context.Background()
	registerUser(t, app, "p")

	photo := filepath.Join(t.TempDir(), "photo.jpg")
	// Smallest valid JPEG: SOI + EOI.
	if err := os.WriteFile(photo, []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0o600); err != nil {
		t.Fatal(err)
	}

	app.Connectivity.Set(false)
	if _, err := app.Queue.EnqueuePost(ctx, "queued from go "+runID, []string{photo}); err != nil {
		t.Fatalf("EnqueuePost error: %v", err)
	}
	app.Connectivity.Set(true)

	n, err := app.Queue.Size(ctx)
	if err != nil {
		t.Fatalf("Size error: %v", err)
	}
	if n != 0 {
		items, _ := app.Queue.Items(ctx)
		t.Fatalf("expected queue drained, remaining %+v", items)
	}
}

func TestIntegration_Logout(t *testing.T) {
	app := liveApp(t)
	ctx := context.Background()
	registerUser(t, app, "l")

	if _, err := app.Session.CurrentUser(ctx); err != nil {
		t.Fatalf("CurrentUser error: %v", err)
	}
	if err := app.Logout(ctx); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	pair, _ := app.Tokens.Get(ctx)
	if pair.AccessToken != "" || pair.RefreshToken != "" {
		t.Fatalf("tokens survived logout: %+v", pair)
	}
}
