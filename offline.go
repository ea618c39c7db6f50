package heirlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Data Types
// ============================================================================

// QueueStorageKey is where the queue is persisted.
const QueueStorageKey = "heirlink_upload_queue_v1"

// ActionPost is the built-in action type: upload media, then create a post.
const ActionPost = "post"

// Queue events.
const (
	QueueEventEnqueued  = "queue.enqueued"
	QueueEventSucceeded = "queue.succeeded"
	QueueEventFailed    = "queue.failed"
	QueueEventReplayed  = "queue.replayed"
)

// QueueItem is one deferred user action.
type QueueItem struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Attempts  int             `json:"attempts,omitempty"`
	LastError string          `json:"lastError,omitempty"`
}

// PostPayload is the payload of an ActionPost item. Media are local paths
// uploaded at replay time.
type PostPayload struct {
	Caption    string   `json:"caption,omitempty"`
	MediaPaths []string `json:"mediaUris"`
}

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Attempted int
	Succeeded int
	Remaining int
	// Skipped is set when another pass was already in flight.
	Skipped bool
}

// ActionFunc performs a queued action. A nil error removes the item.
type ActionFunc func(ctx context.Context, item QueueItem) error

// QueueOptions configures the OfflineActionQueue.
type QueueOptions struct {
	Logger *slog.Logger
}

// ============================================================================
// Event Emitter
// ============================================================================

// QueueEventHandler handles queue events.
type QueueEventHandler func(event string, item QueueItem)

type queueEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]QueueEventHandler
}

// OnEvent registers a handler for a queue event.
func (e *queueEmitter) OnEvent(event string, handler QueueEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *queueEmitter) emit(event string, item QueueItem) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		safeCall(func() { h(event, item) })
	}
}

// ============================================================================
// OfflineActionQueue
// ============================================================================

// OfflineActionQueue persists user actions taken while offline and replays
// them later. It never drops an item that has not succeeded.
type OfflineActionQueue struct {
	queueEmitter
	storage Storage
	logger  *slog.Logger

	// mu serializes read-modify-write cycles of the persisted list.
	mu sync.Mutex

	hmu      sync.RWMutex
	handlers map[string]ActionFunc

	processing atomic.Bool
}

// NewOfflineActionQueue creates a queue persisted in storage. opts may be nil.
func NewOfflineActionQueue(storage Storage, opts *QueueOptions) *OfflineActionQueue {
	q := &OfflineActionQueue{
		queueEmitter: queueEmitter{listeners: make(map[string][]QueueEventHandler)},
		storage:      storage,
		logger:       discardLogger(),
		handlers:     make(map[string]ActionFunc),
	}
	if opts != nil && opts.Logger != nil {
		q.logger = opts.Logger
	}
	return q
}

// Handle registers the executor for an action type, replacing any previous one.
func (q *OfflineActionQueue) Handle(actionType string, fn ActionFunc) {
	q.hmu.Lock()
	q.handlers[actionType] = fn
	q.hmu.Unlock()
}

func (q *OfflineActionQueue) handler(actionType string) ActionFunc {
	q.hmu.RLock()
	defer q.hmu.RUnlock()
	return q.handlers[actionType]
}

// Enqueue appends an action. The item is persisted before Enqueue returns.
func (q *OfflineActionQueue) Enqueue(ctx context.Context, actionType string, payload any) (QueueItem, error) {
	if actionType == "" {
		return QueueItem{}, errors.New("action type is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return QueueItem{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	item := QueueItem{
		ID:        uuid.NewString(),
		Type:      actionType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	items, err := q.load(ctx)
	if err == nil {
		err = q.save(ctx, append(items, item))
	}
	q.mu.Unlock()
	if err != nil {
		return QueueItem{}, err
	}

	q.logger.Info("action queued", slog.String("id", item.ID), slog.String("type", actionType))
	q.emit(QueueEventEnqueued, item)
	return item, nil
}

// EnqueuePost queues a post with local media paths.
func (q *OfflineActionQueue) EnqueuePost(ctx context.Context, caption string, mediaPaths []string) (QueueItem, error) {
	if len(mediaPaths) == 0 {
		return QueueItem{}, errors.New("a post needs at least one media file")
	}
	return q.Enqueue(ctx, ActionPost, PostPayload{Caption: caption, MediaPaths: mediaPaths})
}

// Items returns the persisted queue in FIFO order.
func (q *OfflineActionQueue) Items(ctx context.Context) ([]QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Size returns the number of queued items.
func (q *OfflineActionQueue) Size(ctx context.Context) (int, error) {
	items, err := q.Items(ctx)
	return len(items), err
}

// Processing reports whether a replay pass is in flight.
func (q *OfflineActionQueue) Processing() bool {
	return q.processing.Load()
}

// Replay attempts every queued item in FIFO order. A failed item stays queued
// and does not stop the pass. A replay started while another is running
// returns immediately with Skipped set.
func (q *OfflineActionQueue) Replay(ctx context.Context) (ReplayResult, error) {
	if !q.processing.CompareAndSwap(false, true) {
		return ReplayResult{Skipped: true}, nil
	}
	defer q.processing.Store(false)

	items, err := q.Items(ctx)
	if err != nil {
		return ReplayResult{}, err
	}

	var res ReplayResult
	succeeded := make(map[string]bool)
	failed := make(map[string]string)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		fn := q.handler(item.Type)
		if fn == nil {
			q.logger.Warn("no executor for queued action, keeping it", slog.String("type", item.Type))
			continue
		}

		res.Attempted++
		if err := runAction(ctx, fn, item); err != nil {
			q.logger.Warn("queued action failed",
				slog.String("id", item.ID),
				slog.String("type", item.Type),
				slog.Any("error", err),
			)
			failed[item.ID] = err.Error()
			item.Attempts++
			item.LastError = err.Error()
			q.emit(QueueEventFailed, item)
			continue
		}
		res.Succeeded++
		succeeded[item.ID] = true
		q.emit(QueueEventSucceeded, item)
	}

	// Re-read so items enqueued during the pass are kept.
	// A failed read leaves the persisted list untouched.
	q.mu.Lock()
	current, err := q.load(ctx)
	if err != nil {
		q.mu.Unlock()
		return res, err
	}
	kept := current[:0:0]
	for _, it := range current {
		if succeeded[it.ID] {
			continue
		}
		if msg, ok := failed[it.ID]; ok {
			it.Attempts++
			it.LastError = msg
		}
		kept = append(kept, it)
	}
	err = q.save(ctx, kept)
	q.mu.Unlock()

	res.Remaining = len(kept)
	if err != nil {
		return res, err
	}
	q.logger.Info("queue replayed",
		slog.Int("attempted", res.Attempted),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("remaining", res.Remaining),
	)
	q.emit(QueueEventReplayed, QueueItem{})
	return res, nil
}

func runAction(ctx context.Context, fn ActionFunc, item QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return fn(ctx, item)
}

// load reads the list. Corrupt data decodes as empty; a storage error is
// returned so callers never overwrite a list they could not read. Callers
// hold q.mu.
func (q *OfflineActionQueue) load(ctx context.Context) ([]QueueItem, error) {
	raw, ok, err := q.storage.Get(ctx, QueueStorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return q.decode(raw), nil
}

func (q *OfflineActionQueue) decode(raw string) []QueueItem {
	var items []QueueItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.logger.Error("persisted queue is corrupt, treating as empty", slog.Any("error", err))
		return nil
	}
	return items
}

func (q *OfflineActionQueue) save(ctx context.Context, items []QueueItem) error {
	if len(items) == 0 {
		return q.storage.Delete(ctx, QueueStorageKey)
	}
	b, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	if err := q.storage.Set(ctx, QueueStorageKey, string(b)); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	return nil
}

// ============================================================================
// Built-in actions
// ============================================================================

// FileUploader uploads a local file and returns its public URL.
type FileUploader interface {
	UploadFile(ctx context.Context, filePath string, uploadType string) (*UploadResult, error)
}

// PostCreator creates a post from uploaded media.
type PostCreator interface {
	Create(ctx context.Context, req *CreatePostRequest) (*Post, error)
}

// PostAction uploads every media file of a PostPayload and then creates the
// post. Any failure fails the whole action so it is retried later.
func PostAction(files FileUploader, posts PostCreator) ActionFunc {
	return func(ctx context.Context, item QueueItem) error {
		var p PostPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("invalid post payload: %w", err)
		}
		if len(p.MediaPaths) == 0 {
			return errors.New("post has no media")
		}

		media := make([]PostMedia, 0, len(p.MediaPaths))
		for _, path := range p.MediaPaths {
			up, err := files.UploadFile(ctx, path, "posts")
			if err != nil {
				return fmt.Errorf("upload %s: %w", path, err)
			}
			media = append(media, PostMedia{URL: up.URL, Type: MediaKindOf(path)})
		}

		_, err := posts.Create(ctx, &CreatePostRequest{Caption: p.Caption, Media: media})
		return err
	}
}
