package heirlink

import (
	"context"
	"log/slog"
)

// ============================================================================
// Options
// ============================================================================

type appConfig struct {
	clientOpts []ClientOption
	realtime   RealtimeOptions
	chat       ChatOptions
	logger     *slog.Logger
}

// AppOption configures NewApp.
type AppOption func(*appConfig)

// WithClient passes options to the REST client.
func WithClient(opts ...ClientOption) AppOption {
	return func(c *appConfig) { c.clientOpts = append(c.clientOpts, opts...) }
}

// WithRealtimeOptions configures the ConnectionManager.
func WithRealtimeOptions(o RealtimeOptions) AppOption {
	return func(c *appConfig) { c.realtime = o }
}

// WithChatOptions configures every ChatSyncEngine opened by the app.
func WithChatOptions(o ChatOptions) AppOption {
	return func(c *appConfig) { c.chat = o }
}

// WithAppLogger sets the logger shared by all components.
func WithAppLogger(logger *slog.Logger) AppOption {
	return func(c *appConfig) { c.logger = logger }
}

// ============================================================================
// App
// ============================================================================

// App wires the sync layer together: one token store, one REST client, one
// session, one realtime connection and one offline queue per process.
type App struct {
	Storage      Storage
	Tokens       *TokenStore
	Client       *Client
	Session      *AuthSessionManager
	Realtime     *ConnectionManager
	Queue        *OfflineActionQueue
	Connectivity *Connectivity

	chatOpts ChatOptions
	logger   *slog.Logger
	unsub    func()
}

// NewApp constructs every component over storage. Network restoration
// reconnects the socket and replays the queue; network loss disconnects.
func NewApp(storage Storage, opts ...AppOption) *App {
	var cfg appConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = discardLogger()
	}

	a := &App{
		Storage:      storage,
		Tokens:       NewTokenStore(storage),
		Connectivity: NewConnectivity(),
		chatOpts:     cfg.chat,
		logger:       cfg.logger,
	}
	if a.chatOpts.Logger == nil {
		a.chatOpts.Logger = cfg.logger
	}

	clientOpts := append([]ClientOption{WithLogger(cfg.logger)}, cfg.clientOpts...)
	// A lost session also drops the socket, which would only be rejected.
	clientOpts = append(clientOpts, func(c *Client) {
		user := c.sessionOpts.OnUnauthorized
		c.sessionOpts.OnUnauthorized = func() {
			if a.Realtime != nil {
				a.Realtime.Disconnect()
			}
			if user != nil {
				user()
			}
		}
	})
	a.Client = NewClient(a.Tokens, clientOpts...)
	a.Session = a.Client.Session()

	if cfg.realtime.Logger == nil {
		cfg.realtime.Logger = cfg.logger
	}
	a.Realtime = NewConnectionManager(a.Client.BaseURL(), a.Tokens, &cfg.realtime)

	a.Queue = NewOfflineActionQueue(storage, &QueueOptions{Logger: cfg.logger})
	a.Queue.Handle(ActionPost, PostAction(a.Client.Files, a.Client.Posts))

	a.unsub = a.Connectivity.Subscribe(a.onConnectivity)
	return a
}

// onConnectivity runs on the goroutine that reported the change.
func (a *App) onConnectivity(online bool) {
	a.logger.Info("connectivity changed", slog.Bool("online", online))
	a.Realtime.SetNetworkAvailable(online)
	if !online {
		return
	}
	if _, err := a.Queue.Replay(context.Background()); err != nil {
		a.logger.Warn("queue replay failed", slog.Any("error", err))
	}
}

// Start resumes a stored session and, if one exists, connects the socket.
// It reports whether a session was found.
func (a *App) Start(ctx context.Context) (bool, error) {
	ok, err := a.Session.Restore(ctx)
	if err != nil || !ok {
		return ok, err
	}
	if a.Connectivity.Online() {
		if err := a.Realtime.Connect(ctx); err != nil {
			a.logger.Warn("realtime connect failed", slog.Any("error", err))
		}
	}
	return true, nil
}

// Foreground is called when the app returns to the foreground.
func (a *App) Foreground(ctx context.Context) (ReplayResult, error) {
	if !a.Connectivity.Online() {
		return ReplayResult{}, nil
	}
	return a.Queue.Replay(ctx)
}

// OpenChat opens the conversation with peerID.
func (a *App) OpenChat(peerID string) *ChatSyncEngine {
	opts := a.chatOpts
	return NewChatSyncEngine(peerID, a.Client.Messages, a.Realtime, &opts)
}

// Logout ends the session and drops the socket.
func (a *App) Logout(ctx context.Context) error {
	a.Realtime.Disconnect()
	return a.Session.Logout(ctx)
}

// Close stops background activity. Storage is owned by the caller.
func (a *App) Close() error {
	if a.unsub != nil {
		a.unsub()
	}
	a.Session.StopProactiveRefresh()
	return a.Realtime.Close()
}
