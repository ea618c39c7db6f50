package heirlink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOfflineQueue_EnqueueIsDurable(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	q := NewOfflineActionQueue(storage, nil)

	item, err := q.EnqueuePost(ctx, "sunset", []string{"/tmp/a.jpg", "/tmp/b.mp4"})
	if err != nil {
		t.Fatalf("EnqueuePost: %v", err)
	}
	if item.ID == "" || item.Type != ActionPost {
		t.Fatalf("unexpected item %+v", item)
	}

	// A fresh queue over the same storage is what a restarted process sees.
	items, err := NewOfflineActionQueue(storage, nil).Items(ctx)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 1 || items[0].ID != item.ID {
		t.Fatalf("item not persisted: %+v", items)
	}
	var p PostPayload
	json.Unmarshal(items[0].Payload, &p)
	if p.Caption != "sunset" || len(p.MediaPaths) != 2 {
		t.Fatalf("unexpected payload %+v", p)
	}

	if _, err := q.EnqueuePost(ctx, "no media", nil); err == nil {
		t.Fatal("expected error for a post without media")
	}
	if _, err := q.Enqueue(ctx, "", nil); err == nil {
		t.Fatal("expected error for an empty action type")
	}
}

func TestOfflineQueue_ReplayContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	q := NewOfflineActionQueue(NewMemoryStorage(), nil)

	var order []string
	q.Handle("note", func(_ context.Context, item QueueItem) error {
		var text string
		json.Unmarshal(item.Payload, &text)
		order = append(order, text)
		if text == "second" {
			return errors.New("server said no")
		}
		return nil
	})
	for _, text := range []string{"first", "second", "third"} {
		if _, err := q.Enqueue(ctx, "note", text); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	res, err := q.Replay(ctx)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Attempted != 3 || res.Succeeded != 2 || res.Remaining != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("expected FIFO order, got %v", order)
	}

	items, _ := q.Items(ctx)
	if len(items) != 1 {
		t.Fatalf("expected the failed item to remain, got %+v", items)
	}
	var text string
	json.Unmarshal(items[0].Payload, &text)
	if text != "second" || items[0].Attempts != 1 || items[0].LastError != "server said no" {
		t.Fatalf("unexpected remaining item %+v", items[0])
	}

	// The next trigger retries it.
	q.Handle("note", func(context.Context, QueueItem) error { return nil })
	res, _ = q.Replay(ctx)
	if res.Succeeded != 1 || res.Remaining != 0 {
		t.Fatalf("unexpected second pass %+v", res)
	}
	if n, _ := q.Size(ctx); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestOfflineQueue_SingleReplayInFlight(t *testing.T) {
	ctx := context.Background()
	q := NewOfflineActionQueue(NewMemoryStorage(), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	q.Handle("slow", func(context.Context, QueueItem) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	q.Enqueue(ctx, "slow", nil)

	done := make(chan ReplayResult)
	go func() {
		res, _ := q.Replay(ctx)
		done <- res
	}()
	<-started

	if !q.Processing() {
		t.Fatal("expected a replay in flight")
	}
	res, err := q.Replay(ctx)
	if err != nil || !res.Skipped || res.Attempted != 0 {
		t.Fatalf("concurrent replay should be a no-op, got %+v err=%v", res, err)
	}

	// Enqueued mid-pass; must survive the end-of-pass write.
	late, _ := q.Enqueue(ctx, "later", nil)

	close(release)
	first := <-done
	if first.Succeeded != 1 {
		t.Fatalf("unexpected first pass %+v", first)
	}
	items, _ := q.Items(ctx)
	if len(items) != 1 || items[0].ID != late.ID {
		t.Fatalf("item enqueued during replay was lost: %+v", items)
	}
}

func TestOfflineQueue_KeepsUnknownAndCorrupt(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown type", func(t *testing.T) {
		q := NewOfflineActionQueue(NewMemoryStorage(), nil)
		q.Enqueue(ctx, "story", map[string]string{"uri": "/tmp/s.jpg"})
		res, err := q.Replay(ctx)
		if err != nil {
			t.Fatalf("Replay: %v", err)
		}
		if res.Attempted != 0 || res.Remaining != 1 {
			t.Fatalf("unknown item should be kept untouched, got %+v", res)
		}
	})

	t.Run("corrupt storage", func(t *testing.T) {
		s := NewMemoryStorage()
		s.Set(ctx, QueueStorageKey, "[{broken")
		q := NewOfflineActionQueue(s, nil)
		items, err := q.Items(ctx)
		if err != nil || len(items) != 0 {
			t.Fatalf("corrupt queue should read as empty, got %+v err=%v", items, err)
		}
		if _, err := q.Enqueue(ctx, "note", "x"); err != nil {
			t.Fatalf("Enqueue over corrupt data: %v", err)
		}
		if n, _ := q.Size(ctx); n != 1 {
			t.Fatalf("expected 1 item, got %d", n)
		}
	})

	t.Run("panicking action", func(t *testing.T) {
		q := NewOfflineActionQueue(NewMemoryStorage(), nil)
		q.Handle("boom", func(context.Context, QueueItem) error { panic("boom") })
		q.Enqueue(ctx, "boom", nil)
		res, err := q.Replay(ctx)
		if err != nil || res.Remaining != 1 {
			t.Fatalf("panicking action should stay queued, got %+v err=%v", res, err)
		}
	})
}

// flakyStorage fails the next failGets reads.
type flakyStorage struct {
	*MemoryStorage
	mu       sync.Mutex
	failGets int
}

func (f *flakyStorage) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	fail := f.failGets > 0
	if fail {
		f.failGets--
	}
	f.mu.Unlock()
	if fail {
		return "", false, errors.New("storage unavailable")
	}
	return f.MemoryStorage.Get(ctx, key)
}

func (f *flakyStorage) failNext(n int) {
	f.mu.Lock()
	f.failGets = n
	f.mu.Unlock()
}

func TestOfflineQueue_ReadErrorKeepsItems(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueue", func(t *testing.T) {
		s := &flakyStorage{MemoryStorage: NewMemoryStorage()}
		q := NewOfflineActionQueue(s, nil)
		q.Enqueue(ctx, "note", "a")
		q.Enqueue(ctx, "note", "b")

		s.failNext(1)
		if _, err := q.Enqueue(ctx, "note", "c"); err == nil {
			t.Fatal("expected Enqueue to fail when the queue cannot be read")
		}
		if n, _ := q.Size(ctx); n != 2 {
			t.Fatalf("existing items must survive, got %d", n)
		}
	})

	t.Run("replay", func(t *testing.T) {
		s := &flakyStorage{MemoryStorage: NewMemoryStorage()}
		q := NewOfflineActionQueue(s, nil)
		q.Handle("note", func(context.Context, QueueItem) error {
			// The end-of-pass re-read is the next Get.
			s.failNext(1)
			return errors.New("offline")
		})
		for i := 0; i < 3; i++ {
			q.Enqueue(ctx, "note", i)
		}

		if _, err := q.Replay(ctx); err == nil {
			t.Fatal("expected Replay to report the read failure")
		}
		if n, _ := q.Size(ctx); n != 3 {
			t.Fatalf("queued items must survive, got %d", n)
		}
	})
}

func TestOfflineQueue_Events(t *testing.T) {
	ctx := context.Background()
	q := NewOfflineActionQueue(NewMemoryStorage(), nil)
	q.Handle("ok", func(context.Context, QueueItem) error { return nil })
	q.Handle("bad", func(context.Context, QueueItem) error { return errors.New("no") })

	var events []string
	for _, ev := range []string{QueueEventEnqueued, QueueEventSucceeded, QueueEventFailed, QueueEventReplayed} {
		q.OnEvent(ev, func(event string, _ QueueItem) { events = append(events, event) })
	}
	q.Enqueue(ctx, "ok", nil)
	q.Enqueue(ctx, "bad", nil)
	q.Replay(ctx)

	want := []string{QueueEventEnqueued, QueueEventEnqueued, QueueEventSucceeded, QueueEventFailed, QueueEventReplayed}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}
}

// ============================================================================
// PostAction
// ============================================================================

type fakeUploader struct {
	failOn string
	calls  []string
}

func (f *fakeUploader) UploadFile(_ context.Context, path, uploadType string) (*UploadResult, error) {
	f.calls = append(f.calls, path)
	if path == f.failOn {
		return nil, ErrNetworkUnreachable
	}
	return &UploadResult{URL: "https://cdn.example.com/" + uploadType + path}, nil
}

type fakePosts struct {
	created []*CreatePostRequest
}

func (f *fakePosts) Create(_ context.Context, req *CreatePostRequest) (*Post, error) {
	f.created = append(f.created, req)
	return &Post{ID: "post-1", Caption: req.Caption, Media: req.Media, CreatedAt: time.Now()}, nil
}

func TestPostAction(t *testing.T) {
	ctx := context.Background()
	payload, _ := json.Marshal(PostPayload{Caption: "trip", MediaPaths: []string{"/a.jpg", "/b.mp4"}})
	item := QueueItem{ID: "q1", Type: ActionPost, Payload: payload}

	t.Run("uploads then creates", func(t *testing.T) {
		up, posts := &fakeUploader{}, &fakePosts{}
		if err := PostAction(up, posts)(ctx, item); err != nil {
			t.Fatalf("PostAction: %v", err)
		}
		if len(up.calls) != 2 || len(posts.created) != 1 {
			t.Fatalf("unexpected calls: uploads=%v posts=%d", up.calls, len(posts.created))
		}
		req := posts.created[0]
		if req.Caption != "trip" || len(req.Media) != 2 {
			t.Fatalf("unexpected post request %+v", req)
		}
		if req.Media[0].Type != MediaPhoto || req.Media[1].Type != MediaVideo {
			t.Fatalf("unexpected media kinds %+v", req.Media)
		}
		if req.Media[0].URL != "https://cdn.example.com/posts/a.jpg" {
			t.Fatalf("unexpected media url %q", req.Media[0].URL)
		}
	})

	t.Run("upload failure fails the action", func(t *testing.T) {
		up, posts := &fakeUploader{failOn: "/b.mp4"}, &fakePosts{}
		err := PostAction(up, posts)(ctx, item)
		if !errors.Is(err, ErrNetworkUnreachable) {
			t.Fatalf("expected upload error, got %v", err)
		}
		if len(posts.created) != 0 {
			t.Fatal("post created despite a failed upload")
		}
	})

	t.Run("bad payload", func(t *testing.T) {
		err := PostAction(&fakeUploader{}, &fakePosts{})(ctx, QueueItem{Type: ActionPost, Payload: json.RawMessage(`"x"`)})
		if err == nil {
			t.Fatal("expected payload error")
		}
	})
}
