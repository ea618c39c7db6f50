// Package heirlink is the client-side sync and resilience layer of the HeirLink
// app: token lifecycle, the realtime connection, chat reconciliation and the
// offline action queue.
//
// Components are constructed once and passed to consumers:
//
//	storage, _ := heirlink.OpenSQLiteStorage(path)
//	app := heirlink.NewApp(storage, heirlink.WithClient(heirlink.WithBaseURL("https://api.example.com")))
//	defer app.Close()
//
//	app.Session.Login(ctx, "me@example.com", "secret")
//	app.Realtime.Connect(ctx)
//	chat := app.OpenChat("user-42")
//	chat.Fetch(ctx)
//	chat.Send(ctx, "hello", nil)
package heirlink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

const (
	DefaultBaseURL = "https://api.whakcomp.ru"
	DefaultTimeout = 30 * time.Second

	apiPrefix = "/api"
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST boundary. Every authenticated request carries the current
// access token; a 401 goes through the session's single-flight refresh and is
// retried once.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenStore
	session    *AuthSessionManager
	notifier   *ErrorNotifier
	logger     *slog.Logger

	sessionOpts SessionOptions

	Auth     *AuthClient
	Messages *MessagesClient
	Posts    *PostsClient
	Files    *FilesClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOnUnauthorized sets the forced-logout callback, fired when the session
// cannot be recovered.
func WithOnUnauthorized(fn func()) ClientOption {
	return func(c *Client) { c.sessionOpts.OnUnauthorized = fn }
}

// WithOnError sets the user-facing error callback for network and server failures.
func WithOnError(fn func(message string)) ClientOption {
	return func(c *Client) { c.notifier.SetCallback(fn) }
}

// WithSessionOptions overrides refresh scheduling parameters.
func WithSessionOptions(opts SessionOptions) ClientOption {
	return func(c *Client) {
		cb := c.sessionOpts.OnUnauthorized
		c.sessionOpts = opts
		if c.sessionOpts.OnUnauthorized == nil {
			c.sessionOpts.OnUnauthorized = cb
		}
	}
}

// NewClient creates a REST client that authenticates with the tokens in tokens.
func NewClient(tokens *TokenStore, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		tokens:   tokens,
		notifier: NewErrorNotifier(nil, DefaultErrorDedupWindow),
		logger:   discardLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Posts = &PostsClient{c: c}
	c.Files = &FilesClient{c: c}

	if c.sessionOpts.Logger == nil {
		c.sessionOpts.Logger = c.logger
	}
	c.session = NewAuthSessionManager(tokens, c.Auth, &c.sessionOpts)
	return c
}

// Session returns the auth session manager bound to this client.
func (c *Client) Session() *AuthSessionManager { return c.session }

// Tokens returns the token store.
func (c *Client) Tokens() *TokenStore { return c.tokens }

// BaseURL returns the server root (without the /api prefix).
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

type requestBuilder func(ctx context.Context) (*http.Request, error)

func (c *Client) jsonRequest(method, path string, body any, query url.Values) requestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		u := c.baseURL + apiPrefix + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		var bodyReader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request: %w", err)
			}
			bodyReader = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}
}

// do sends an authenticated JSON request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, body any, query url.Values, out any) error {
	return c.send(ctx, c.jsonRequest(method, path, body, query), out, true)
}

// doPublic sends a request without an access token and without 401 recovery.
func (c *Client) doPublic(ctx context.Context, method, path string, body any, out any) error {
	return c.send(ctx, c.jsonRequest(method, path, body, nil), out, false)
}

func (c *Client) send(ctx context.Context, build requestBuilder, out any, authenticated bool) error {
	var token string
	if authenticated {
		t, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("failed to read access token: %w", err)
		}
		token = t
	}

	status, data, err := c.roundTrip(ctx, build, token)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized && authenticated {
		fresh, err := c.session.ReactiveRefresh(ctx, token)
		if err != nil {
			return err
		}
		status, data, err = c.roundTrip(ctx, build, fresh)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w", ErrUnauthorized, parseAPIError(status, data))
		}
	}

	if status < 200 || status >= 300 {
		apiErr := parseAPIError(status, data)
		if status >= 500 {
			c.notifier.Notify(MessageServerUnavailable)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, build requestBuilder, token string) (int, []byte, error) {
	req, err := build(ctx)
	if err != nil {
		return 0, nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		c.logger.Warn("request failed",
			slog.String("method", req.Method),
			slog.String("url", req.URL.Path),
			slog.Any("error", err),
		)
		c.notifier.Notify(MessageNetworkUnreachable)
		return 0, nil, fmt.Errorf("%w: %w", ErrNetworkUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %w", ErrNetworkUnreachable, err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		c.logger.Debug("request rejected",
			slog.String("method", req.Method),
			slog.String("url", req.URL.Path),
			slog.Int("status", resp.StatusCode),
		)
	}
	return resp.StatusCode, data, nil
}

// parseAPIError decodes the backend's error body. message may be a string or
// a list of validation messages.
func parseAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var body struct {
		Message json.RawMessage `json:"message"`
		Error   string          `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Code = body.Error
		var s string
		var list []string
		if json.Unmarshal(body.Message, &s) == nil {
			apiErr.Message = s
		} else if json.Unmarshal(body.Message, &list) == nil {
			apiErr.Message = strings.Join(list, "; ")
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func pageQuery(page, limit int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AuthClient is the raw auth endpoint set. Token persistence and refresh
// policy live in AuthSessionManager.
type AuthClient struct{ c *Client }

func (a *AuthClient) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	var resp AuthResponse
	err := a.c.doPublic(ctx, "POST", "/auth/login", map[string]string{
		"email": email, "password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *AuthClient) Register(ctx context.Context, email, username, password string) (*AuthResponse, error) {
	var resp AuthResponse
	err := a.c.doPublic(ctx, "POST", "/auth/register", map[string]string{
		"email": email, "username": username, "password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefreshTokens exchanges a refresh token for a new pair. It is never routed
// through 401 recovery.
func (a *AuthClient) RefreshTokens(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	var resp AuthResponse
	err := a.c.doPublic(ctx, "POST", "/auth/refresh", map[string]string{"refreshToken": refreshToken}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *AuthClient) Logout(ctx context.Context, refreshToken string) error {
	return a.c.doPublic(ctx, "POST", "/auth/logout", map[string]string{"refreshToken": refreshToken}, nil)
}

func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	var u User
	if err := a.c.do(ctx, "GET", "/auth/me", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// MessagesClient handles direct messages.
type MessagesClient struct{ c *Client }

// History returns one page of the conversation with userID, oldest first.
func (m *MessagesClient) History(ctx context.Context, userID string, page, limit int) (*MessagePage, error) {
	var res MessagePage
	err := m.c.do(ctx, "GET", "/messages/with/"+url.PathEscape(userID), nil, pageQuery(page, limit), &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (m *MessagesClient) Send(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	var msg Message
	if err := m.c.do(ctx, "POST", "/messages", req, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *MessagesClient) Conversations(ctx context.Context, page, limit int) (*ConversationPage, error) {
	var res ConversationPage
	if err := m.c.do(ctx, "GET", "/messages/conversations", nil, pageQuery(page, limit), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PostsClient handles feed posts.
type PostsClient struct{ c *Client }

func (p *PostsClient) Create(ctx context.Context, req *CreatePostRequest) (*Post, error) {
	var post Post
	if err := p.c.do(ctx, "POST", "/posts", req, nil, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

// FilesClient uploads media. The server returns a public URL per file.
type FilesClient struct{ c *Client }

// UploadFile uploads a local file. uploadType is one of posts, avatars, stories, albums.
func (f *FilesClient) UploadFile(ctx context.Context, filePath string, uploadType string) (*UploadResult, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return f.Upload(ctx, data, filepath.Base(filePath), uploadType)
}

// Upload uploads bytes as a multipart form under fileName.
func (f *FilesClient) Upload(ctx context.Context, data []byte, fileName string, uploadType string) (*UploadResult, error) {
	if fileName == "" {
		return nil, errors.New("fileName is required when uploading bytes")
	}
	if uploadType == "" {
		uploadType = "posts"
	}
	mimeType := guessMimeType(fileName)

	build := func(ctx context.Context) (*http.Request, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, err := w.CreatePart(fileHeader(fileName, mimeType))
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
		_ = w.Close()

		u := f.c.baseURL + apiPrefix + "/upload?" + url.Values{"type": {uploadType}}.Encode()
		req, err := http.NewRequestWithContext(ctx, "POST", u, &buf)
		if err != nil {
			return nil, fmt.Errorf("failed to create upload request: %w", err)
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req, nil
	}

	var res UploadResult
	if err := f.c.send(ctx, build, &res, true); err != nil {
		return nil, err
	}
	if res.URL == "" {
		return nil, errors.New("upload succeeded but returned no url")
	}
	return &res, nil
}

func fileHeader(fileName, mimeType string) map[string][]string {
	return map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename="%s"`, strings.ReplaceAll(fileName, `"`, `\"`))},
		"Content-Type":        {mimeType},
	}
}

// MediaKindOf guesses photo or video from a file name.
func MediaKindOf(fileName string) MediaKind {
	if strings.HasPrefix(guessMimeType(fileName), "video/") {
		return MediaVideo
	}
	return MediaPhoto
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".heic": "image/heic", ".webp": "image/webp", ".mov": "video/quicktime",
		".mp4": "video/mp4", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
