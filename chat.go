package heirlink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Realtime event names used by chat.
const (
	EventNewMessage      = "newMessage"
	EventNewNotification = "newNotification"
	EventTyping          = "typing"
	EventStopTyping      = "stopTyping"
)

const tempIDPrefix = "temp-"

// TypingPayload is the body of typing and stopTyping events. Outgoing events
// name the recipient; incoming ones name the typist.
type TypingPayload struct {
	UserID      string `json:"userId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
}

// ChatOptions configures a ChatSyncEngine.
type ChatOptions struct {
	// TypingIdleTimeout ends a typing burst, local or remote.
	TypingIdleTimeout time.Duration
	// HistoryLimit is the number of messages Fetch loads.
	HistoryLimit int
	Logger       *slog.Logger
}

func (o *ChatOptions) defaults() {
	if o.TypingIdleTimeout <= 0 {
		o.TypingIdleTimeout = 2 * time.Second
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 100
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
}

// MessageAPI is the REST surface chat needs. *MessagesClient implements it.
type MessageAPI interface {
	History(ctx context.Context, userID string, page, limit int) (*MessagePage, error)
	Send(ctx context.Context, req *SendMessageRequest) (*Message, error)
}

// Realtime is the socket surface chat needs. *ConnectionManager implements it.
type Realtime interface {
	On(event string, l *Listener) func()
	Emit(ctx context.Context, event string, data any) error
}

// ============================================================================
// ChatSyncEngine
// ============================================================================

// ChatSyncEngine keeps the message list of one conversation consistent across
// fetches, optimistic sends and socket pushes. Entries are ordered by
// createdAt as fetched; later entries are appended at the tail and never
// re-sorted.
type ChatSyncEngine struct {
	peerID string
	api    MessageAPI
	rt     Realtime
	opts   ChatOptions
	logger *slog.Logger

	peerIdle  *Timer
	localStop *Timer

	mu          sync.Mutex
	messages    []Message
	peerTyping  bool
	typingBurst bool
	observers   map[int]func()
	nextObs     int
	unsubs      []func()
	closed      bool
}

// NewChatSyncEngine opens the conversation with peerID and subscribes to its
// realtime events. Call Close when the conversation is no longer shown.
func NewChatSyncEngine(peerID string, api MessageAPI, rt Realtime, opts *ChatOptions) *ChatSyncEngine {
	var o ChatOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()

	e := &ChatSyncEngine{
		peerID:    peerID,
		api:       api,
		rt:        rt,
		opts:      o,
		logger:    o.Logger.With(slog.String("peer", peerID)),
		observers: make(map[int]func()),
	}
	e.peerIdle = NewTimer(e.peerStoppedTyping)
	e.localStop = NewTimer(func() { e.stopLocalTyping(context.Background()) })

	if rt != nil {
		e.unsubs = append(e.unsubs,
			rt.On(EventNewMessage, NewListener(e.onPush)),
			rt.On(EventTyping, NewListener(e.onPeerTyping)),
			rt.On(EventStopTyping, NewListener(e.onPeerStopTyping)),
		)
	}
	return e
}

// PeerID returns the other participant's id.
func (e *ChatSyncEngine) PeerID() string { return e.peerID }

// Messages returns a copy of the current list.
func (e *ChatSyncEngine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Message(nil), e.messages...)
}

// PeerTyping reports whether the peer is currently typing.
func (e *ChatSyncEngine) PeerTyping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerTyping
}

// OnChange registers fn to run after every change to messages or typing state.
func (e *ChatSyncEngine) OnChange(fn func()) func() {
	e.mu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

func (e *ChatSyncEngine) changed() {
	e.mu.Lock()
	fns := make([]func(), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		safeCall(fn)
	}
}

// Fetch loads the latest messages as the new baseline. Sends still in flight
// stay at the tail.
func (e *ChatSyncEngine) Fetch(ctx context.Context) error {
	page, err := e.api.History(ctx, e.peerID, 1, e.opts.HistoryLimit)
	if err != nil {
		return err
	}

	fetched := make([]Message, 0, len(page.Items))
	seen := make(map[string]bool, len(page.Items))
	for _, m := range page.Items {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		m.IsFromMe = e.fromMe(m)
		fetched = append(fetched, m)
	}
	sort.SliceStable(fetched, func(i, j int) bool {
		return fetched[i].CreatedAt.Before(fetched[j].CreatedAt)
	})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	for _, m := range e.messages {
		if m.Sending {
			fetched = append(fetched, m)
		}
	}
	e.messages = fetched
	e.mu.Unlock()

	e.changed()
	return nil
}

// Send appends an optimistic entry, posts it and reconciles the entry in
// place with the server's answer. On failure the entry is removed and the
// error returned.
func (e *ChatSyncEngine) Send(ctx context.Context, text string, att *Attachment) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && (att == nil || att.URL == "") {
		return nil, ErrEmptyMessage
	}

	tempID := tempIDPrefix + uuid.NewString()
	local := Message{
		TempID:      tempID,
		RecipientID: e.peerID,
		Text:        text,
		CreatedAt:   time.Now().UTC(),
		IsFromMe:    true,
		Sending:     true,
	}
	req := &SendMessageRequest{RecipientID: e.peerID, Text: text}
	if att != nil && att.URL != "" {
		local.AttachmentURL, local.AttachmentType = att.URL, att.Type
		req.AttachmentURL, req.AttachmentType = att.URL, att.Type
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.messages = append(e.messages, local)
	e.mu.Unlock()
	e.changed()

	e.stopLocalTyping(ctx)

	sent, err := e.api.Send(ctx, req)

	e.mu.Lock()
	idx := e.indexByTempLocked(tempID)
	if err != nil {
		if idx >= 0 {
			e.removeLocked(idx)
		}
		e.mu.Unlock()
		e.changed()
		e.logger.Warn("send failed", slog.Any("error", err))
		return nil, err
	}

	confirmed := *sent
	confirmed.TempID = tempID
	confirmed.Sending = false
	confirmed.IsFromMe = true
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = local.CreatedAt
	}

	switch {
	case idx >= 0:
		// A push for the same id may have landed first.
		if dup := e.indexByIDLocked(confirmed.ID, idx); dup >= 0 {
			e.removeLocked(dup)
			if dup < idx {
				idx--
			}
		}
		e.messages[idx] = confirmed
	case e.indexByIDLocked(confirmed.ID, -1) < 0:
		e.messages = append(e.messages, confirmed)
	}
	e.mu.Unlock()
	e.changed()
	return &confirmed, nil
}

func (e *ChatSyncEngine) onPush(payload json.RawMessage) {
	// Filter on routing fields before decoding.
	fields := gjson.GetManyBytes(payload, "senderId", "recipientId", "id")
	if fields[0].String() != e.peerID && fields[1].String() != e.peerID {
		return
	}
	if fields[2].String() == "" {
		return
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.logger.Debug("ignoring undecodable push", slog.Any("error", err))
		return
	}
	msg.IsFromMe = e.fromMe(msg)
	msg.Sending = false

	e.mu.Lock()
	if e.closed || e.indexByIDLocked(msg.ID, -1) >= 0 {
		e.mu.Unlock()
		return
	}
	e.messages = append(e.messages, msg)
	e.mu.Unlock()
	e.changed()
}

func (e *ChatSyncEngine) onPeerTyping(payload json.RawMessage) {
	if gjson.GetBytes(payload, "userId").String() != e.peerID {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	was := e.peerTyping
	e.peerTyping = true
	e.mu.Unlock()

	e.peerIdle.Arm(e.opts.TypingIdleTimeout)
	if !was {
		e.changed()
	}
}

func (e *ChatSyncEngine) onPeerStopTyping(payload json.RawMessage) {
	if gjson.GetBytes(payload, "userId").String() != e.peerID {
		return
	}
	e.peerIdle.Cancel()
	e.peerStoppedTyping()
}

func (e *ChatSyncEngine) peerStoppedTyping() {
	e.mu.Lock()
	was := e.peerTyping
	e.peerTyping = false
	e.mu.Unlock()
	if was {
		e.changed()
	}
}

// InputChanged reports the local composer text. The first keystroke of a
// burst emits typing; every keystroke pushes the stop deadline out; the
// burst ends with one stopTyping when the deadline passes or the text is
// cleared.
func (e *ChatSyncEngine) InputChanged(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		e.stopLocalTyping(ctx)
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	start := !e.typingBurst
	e.typingBurst = true
	e.mu.Unlock()

	e.localStop.Arm(e.opts.TypingIdleTimeout)
	if start && e.rt != nil {
		if err := e.rt.Emit(ctx, EventTyping, TypingPayload{RecipientID: e.peerID}); err != nil {
			e.logger.Debug("typing emit failed", slog.Any("error", err))
		}
	}
}

func (e *ChatSyncEngine) stopLocalTyping(ctx context.Context) {
	e.mu.Lock()
	active := e.typingBurst
	e.typingBurst = false
	e.mu.Unlock()
	e.localStop.Cancel()

	if active && e.rt != nil {
		if err := e.rt.Emit(ctx, EventStopTyping, TypingPayload{RecipientID: e.peerID}); err != nil {
			e.logger.Debug("stopTyping emit failed", slog.Any("error", err))
		}
	}
}

// Close unsubscribes from realtime events and stops both typing timers.
func (e *ChatSyncEngine) Close() {
	e.stopLocalTyping(context.Background())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.peerTyping = false
	e.observers = make(map[int]func())
	e.mu.Unlock()

	e.peerIdle.Cancel()
	for _, unsub := range unsubs {
		unsub()
	}
}

func (e *ChatSyncEngine) fromMe(m Message) bool {
	if m.SenderID == "" {
		return m.IsFromMe
	}
	return m.SenderID != e.peerID
}

func (e *ChatSyncEngine) indexByTempLocked(tempID string) int {
	for i := range e.messages {
		if e.messages[i].TempID == tempID {
			return i
		}
	}
	return -1
}

// indexByIDLocked finds a server id, skipping index skip.
func (e *ChatSyncEngine) indexByIDLocked(id string, skip int) int {
	if id == "" {
		return -1
	}
	for i := range e.messages {
		if i != skip && e.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *ChatSyncEngine) removeLocked(i int) {
	e.messages = append(e.messages[:i], e.messages[i+1:]...)
}
