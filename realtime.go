package heirlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for realtime events in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Meta events dispatched by the manager itself.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// DisconnectPayload is the payload of the disconnect meta event.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeOptions configures the ConnectionManager.
type RealtimeOptions struct {
	// ForcedReconnectDelay is the fixed delay before reconnecting after a
	// server-forced disconnect or an auth failure on connect.
	ForcedReconnectDelay time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (o *RealtimeOptions) defaults() {
	if o.ForcedReconnectDelay == 0 {
		o.ForcedReconnectDelay = 3 * time.Second
	}
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = 2 * time.Second
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 15 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
}

// ConnectionState represents the connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// TokenSource supplies the access token used to authenticate each connection.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// ============================================================================
// Listener registry
// ============================================================================

// Handler receives the raw payload of one event.
type Handler func(payload json.RawMessage)

// Listener wraps a Handler so it has an identity. Registering the same
// Listener twice for an event is a no-op.
type Listener struct {
	fn Handler
}

func NewListener(fn Handler) *Listener { return &Listener{fn: fn} }

// registry is the application-level listener set. It belongs to the manager,
// not to a connection, so it survives reconnects.
type registry struct {
	mu        sync.RWMutex
	listeners map[string][]*Listener
}

func newRegistry() *registry {
	return &registry{listeners: make(map[string][]*Listener)}
}

func (r *registry) add(event string, l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.listeners[event] {
		if existing == l {
			return
		}
	}
	r.listeners[event] = append(r.listeners[event], l)
}

func (r *registry) remove(event string, l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.listeners[event]
	for i, existing := range list {
		if existing == l {
			r.listeners[event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.listeners[event]) == 0 {
		delete(r.listeners, event)
	}
}

func (r *registry) count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[event])
}

// dispatch runs handlers synchronously in registration order so events from
// one connection are observed in wire order. A panicking handler is isolated.
func (r *registry) dispatch(event string, payload json.RawMessage) {
	r.mu.RLock()
	handlers := append([]*Listener(nil), r.listeners[event]...)
	r.mu.RUnlock()
	for _, l := range handlers {
		safeCall(func() { l.fn(payload) })
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(o *RealtimeOptions) *reconnector {
	return &reconnector{
		baseDelay:   o.ReconnectBaseDelay,
		maxDelay:    o.ReconnectMaxDelay,
		maxAttempts: o.MaxReconnectAttempts,
	}
}

// next returns the delay before the next attempt and false once attempts are
// exhausted.
func (r *reconnector) next() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxAttempts > 0 && r.attempt >= r.maxAttempts {
		return 0, false
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, true
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
}

// ============================================================================
// ConnectionManager
// ============================================================================

// authFailure matches connect errors that indicate a rejected token.
var authFailure = regexp.MustCompile(`(?i)unauthori[sz]ed|jwt|invalid token|token expired|authentication`)

// ConnectionManager owns the single realtime connection. Listeners registered
// with On stay attached across reconnects.
type ConnectionManager struct {
	baseURL   string
	tokens    TokenSource
	opts      RealtimeOptions
	logger    *slog.Logger
	listeners *registry
	recon     *reconnector
	pending   *Timer

	mu          sync.Mutex
	state       ConnectionState
	conn        *websocket.Conn
	cancelLoops context.CancelFunc
	gen         uint64
	intentional bool
	offline     bool
	closed      bool
	// pendingForced marks the pending slot as holding a forced reconnect.
	pendingForced bool
}

// NewConnectionManager creates a disconnected manager for the server at
// baseURL (http or https; the socket lives at /ws).
func NewConnectionManager(baseURL string, tokens TokenSource, opts *RealtimeOptions) *ConnectionManager {
	var o RealtimeOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()

	m := &ConnectionManager{
		baseURL:   strings.TrimRight(baseURL, "/"),
		tokens:    tokens,
		opts:      o,
		logger:    o.Logger,
		listeners: newRegistry(),
		recon:     newReconnector(&o),
		state:     StateDisconnected,
	}
	m.pending = NewTimer(m.firePending)
	return m
}

// On registers l for event and returns a function that unregisters it.
func (m *ConnectionManager) On(event string, l *Listener) func() {
	m.listeners.add(event, l)
	return func() { m.listeners.remove(event, l) }
}

// OnFunc registers fn under a new Listener.
func (m *ConnectionManager) OnFunc(event string, fn Handler) func() {
	return m.On(event, NewListener(fn))
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectPending reports whether a delayed reconnect is scheduled.
func (m *ConnectionManager) ReconnectPending() bool {
	return m.pending.Armed()
}

func (m *ConnectionManager) socketURL(token string) string {
	u := strings.Replace(m.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(token)
}

// Connect opens the connection with the current access token. It is a no-op
// while connected or connecting.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.intentional = false
	stale, staleCancel := m.detachLocked()
	gen := m.gen
	m.mu.Unlock()

	closeConn(stale, staleCancel, websocket.StatusNormalClosure, "reconnect")

	token, err := m.tokens.AccessToken(ctx)
	if err == nil && token == "" {
		err = ErrNoAccessToken
	}
	if err != nil {
		m.abortConnect(gen)
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, m.socketURL(token), &websocket.DialOptions{
		HTTPClient: m.opts.HTTPClient,
	})
	if err != nil {
		m.abortConnect(gen)
		if isAuthDialFailure(resp, err) {
			m.logger.Warn("realtime auth rejected, reconnecting with fresh token", slog.Any("error", err))
			m.scheduleForced()
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		// Disconnect or Close ran while dialing.
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		if m.isClosed() {
			return ErrClosed
		}
		return nil
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	m.conn = conn
	m.cancelLoops = loopCancel
	m.state = StateConnected
	m.mu.Unlock()

	m.recon.reset()
	m.logger.Info("realtime connected")
	m.listeners.dispatch(EventConnect, nil)

	go m.readLoop(loopCtx, conn, gen)
	go m.heartbeatLoop(loopCtx, conn)
	return nil
}

func (m *ConnectionManager) abortConnect(gen uint64) {
	m.mu.Lock()
	if m.gen == gen && m.state == StateConnecting {
		m.state = StateDisconnected
	}
	m.mu.Unlock()
}

// detachLocked drops the current connection from the manager and returns it
// for closing outside the lock. Callers hold m.mu.
func (m *ConnectionManager) detachLocked() (*websocket.Conn, context.CancelFunc) {
	conn, cancel := m.conn, m.cancelLoops
	m.conn = nil
	m.cancelLoops = nil
	m.gen++
	return conn, cancel
}

// closeConn sends the close frame before cancelling the loops; a cancelled
// read context tears the socket down without one.
func closeConn(conn *websocket.Conn, cancel context.CancelFunc, code websocket.StatusCode, reason string) {
	if conn != nil {
		conn.Close(code, reason)
	}
	if cancel != nil {
		cancel()
	}
}

func isAuthDialFailure(resp *http.Response, err error) bool {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return true
	}
	return authFailure.MatchString(err.Error())
}

// Disconnect closes the connection intentionally. No reconnect follows until
// Connect is called again or the network comes back.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	wasUp := m.state != StateDisconnected
	m.state = StateDisconnected
	conn, cancel := m.detachLocked()
	m.mu.Unlock()

	// An armed reconnect survives every trigger but this one.
	m.cancelPending()
	closeConn(conn, cancel, websocket.StatusNormalClosure, "client disconnect")
	if wasUp {
		m.dispatchDisconnect("client disconnect")
	}
}

// Close disconnects and makes every later Connect fail with ErrClosed.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Disconnect()
	return nil
}

func (m *ConnectionManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetNetworkAvailable feeds the network-availability signal. Going offline
// drops the connection; coming back online after being offline reconnects.
func (m *ConnectionManager) SetNetworkAvailable(online bool) {
	m.mu.Lock()
	wasOffline := m.offline
	m.offline = !online
	m.mu.Unlock()

	if !online {
		m.Disconnect()
		return
	}
	if wasOffline {
		m.recon.reset()
		err := m.Connect(context.Background())
		if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, ErrNoAccessToken) {
			return
		}
		m.logger.Warn("realtime reconnect after network restore failed", slog.Any("error", err))
		if !m.pending.Armed() {
			m.scheduleBackoff()
		}
	}
}

// Emit sends an event to the server. It is silently dropped when not
// connected; outgoing events are never buffered.
func (m *ConnectionManager) Emit(ctx context.Context, event string, data any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.logger.Debug("emit dropped, not connected", slog.String("event", event))
		return nil
	}

	env := Envelope{Type: event}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		env.Payload = b
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleDrop(gen, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			m.logger.Debug("ignoring malformed realtime frame")
			continue
		}
		m.listeners.dispatch(env.Type, env.Payload)
	}
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (m *ConnectionManager) handleDrop(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		// Torn down by Disconnect or a newer Connect.
		m.mu.Unlock()
		return
	}
	_, cancel := m.detachLocked()
	m.state = StateDisconnected
	stop := m.intentional || m.closed
	offline := m.offline
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	reason := dropReason(err)
	m.logger.Info("realtime disconnected", slog.String("reason", reason))
	m.dispatchDisconnect(reason)

	switch {
	case stop, offline:
	case serverForced(err, reason):
		m.scheduleForced()
	default:
		m.scheduleBackoff()
	}
}

func dropReason(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Reason != "" {
			return ce.Reason
		}
		return fmt.Sprintf("closed with status %d", ce.Code)
	}
	return "transport close"
}

// serverForced reports whether the server ended the connection on purpose,
// which usually means it rejected the token.
func serverForced(err error, reason string) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation:
		return true
	}
	return strings.Contains(strings.ToLower(reason), "server disconnect") || authFailure.MatchString(reason)
}

func (m *ConnectionManager) dispatchDisconnect(reason string) {
	b, _ := json.Marshal(DisconnectPayload{Reason: reason})
	m.listeners.dispatch(EventDisconnect, b)
}

// scheduleForced arms the single delayed reconnect unless one is pending.
func (m *ConnectionManager) scheduleForced() {
	m.mu.Lock()
	if m.closed || m.intentional || (m.pendingForced && m.pending.Armed()) {
		m.mu.Unlock()
		return
	}
	m.pendingForced = true
	m.mu.Unlock()
	m.pending.Arm(m.opts.ForcedReconnectDelay)
}

func (m *ConnectionManager) scheduleBackoff() {
	delay, ok := m.recon.next()
	if !ok {
		m.logger.Warn("realtime reconnect attempts exhausted")
		return
	}
	m.mu.Lock()
	if m.closed || m.intentional || (m.pendingForced && m.pending.Armed()) {
		m.mu.Unlock()
		return
	}
	m.pendingForced = false
	m.mu.Unlock()
	m.logger.Debug("realtime reconnect scheduled", slog.Duration("in", delay))
	m.pending.Arm(delay)
}

func (m *ConnectionManager) cancelPending() {
	m.pending.Cancel()
	m.mu.Lock()
	m.pendingForced = false
	m.mu.Unlock()
}

// firePending tears down whatever socket exists and dials again with the
// token stored now.
func (m *ConnectionManager) firePending() {
	m.mu.Lock()
	m.pendingForced = false
	if m.closed || m.intentional || m.offline {
		m.mu.Unlock()
		return
	}
	conn, cancel := m.detachLocked()
	m.state = StateDisconnected
	m.mu.Unlock()
	closeConn(conn, cancel, websocket.StatusNormalClosure, "reconnect")

	err := m.Connect(context.Background())
	if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, ErrNoAccessToken) {
		return
	}
	if m.pending.Armed() {
		// Connect scheduled a forced retry for an auth failure.
		return
	}
	m.scheduleBackoff()
}
