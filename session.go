package heirlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Options
// ============================================================================

const (
	DefaultRefreshLeeway    = 5 * time.Minute
	DefaultMinRefreshDelay  = 30 * time.Second
	DefaultFallbackLifetime = 6 * 24 * time.Hour

	refreshTimeout = 30 * time.Second
	refreshKey     = "refresh"
)

// SessionOptions configures refresh scheduling.
type SessionOptions struct {
	// RefreshLeeway is how long before expiry the proactive refresh runs.
	RefreshLeeway time.Duration
	// MinRefreshDelay floors the proactive delay.
	MinRefreshDelay time.Duration
	// FallbackLifetime is assumed when a new access token carries no expiry.
	FallbackLifetime time.Duration
	// OnUnauthorized is the forced-logout callback, invoked once per lost session.
	OnUnauthorized func()
	Logger         *slog.Logger
}

func (o *SessionOptions) defaults() {
	if o.RefreshLeeway <= 0 {
		o.RefreshLeeway = DefaultRefreshLeeway
	}
	if o.MinRefreshDelay <= 0 {
		o.MinRefreshDelay = DefaultMinRefreshDelay
	}
	if o.FallbackLifetime <= 0 {
		o.FallbackLifetime = DefaultFallbackLifetime
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
}

// AuthAPI is the server surface the session manager drives. *AuthClient
// implements it.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*AuthResponse, error)
	Register(ctx context.Context, email, username, password string) (*AuthResponse, error)
	RefreshTokens(ctx context.Context, refreshToken string) (*AuthResponse, error)
	Logout(ctx context.Context, refreshToken string) error
	Me(ctx context.Context) (*User, error)
}

// ============================================================================
// AuthSessionManager
// ============================================================================

// AuthSessionManager keeps the access token fresh. At most one refresh call is
// in flight at a time; every concurrent 401 waits on that call.
type AuthSessionManager struct {
	tokens *TokenStore
	api    AuthAPI
	opts   SessionOptions
	logger *slog.Logger

	flight    singleflight.Group
	proactive *Timer

	mu sync.Mutex
	// lost is set once the session has been torn down so the callback fires
	// only on the transition.
	lost bool
}

// NewAuthSessionManager creates a session manager. opts may be nil.
func NewAuthSessionManager(tokens *TokenStore, api AuthAPI, opts *SessionOptions) *AuthSessionManager {
	var o SessionOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()

	s := &AuthSessionManager{
		tokens: tokens,
		api:    api,
		opts:   o,
		logger: o.Logger,
	}
	s.proactive = NewTimer(s.proactiveRefresh)
	return s
}

// proactiveDelay is max(expiresIn - leeway, floor).
func proactiveDelay(expiresIn, leeway, floor time.Duration) time.Duration {
	d := expiresIn - leeway
	if d < floor {
		return floor
	}
	return d
}

// ScheduleProactiveRefresh arms the refresh timer for an access token that
// expires in expiresIn. A previous schedule is replaced.
func (s *AuthSessionManager) ScheduleProactiveRefresh(expiresIn time.Duration) {
	d := proactiveDelay(expiresIn, s.opts.RefreshLeeway, s.opts.MinRefreshDelay)
	s.logger.Debug("proactive refresh scheduled", slog.Duration("in", d))
	s.proactive.Arm(d)
}

// StopProactiveRefresh cancels a pending proactive refresh.
func (s *AuthSessionManager) StopProactiveRefresh() {
	s.proactive.Cancel()
}

// ProactiveRefreshPending reports whether the refresh timer is armed.
func (s *AuthSessionManager) ProactiveRefreshPending() bool {
	return s.proactive.Armed()
}

func (s *AuthSessionManager) proactiveRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	_, err, _ := s.flight.Do(refreshKey, func() (any, error) {
		return s.refresh(ctx, "")
	})
	if err != nil {
		// Tokens are kept; the next 401 takes the reactive path.
		s.logger.Warn("proactive refresh failed", slog.Any("error", err))
	}
}

// ReactiveRefresh recovers from a 401 observed while using staleAccess. If the
// stored token has already moved on, it is returned without a server call.
// Otherwise the caller joins the single in-flight refresh.
//
// Any failed refresh ends the session: the pair is cleared, the proactive
// timer stopped and the forced-logout callback fired. The error wraps
// ErrUnauthorized and the cause, e.g. ErrNetworkUnreachable.
func (s *AuthSessionManager) ReactiveRefresh(ctx context.Context, staleAccess string) (string, error) {
	current, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read access token: %w", err)
	}
	if current != "" && current != staleAccess {
		return current, nil
	}

	ch := s.flight.DoChan(refreshKey, func() (any, error) {
		// The refresh outlives any single waiter.
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		token, err := s.refresh(flightCtx, staleAccess)
		if errors.Is(err, ErrUnauthorized) {
			s.loseSession(context.WithoutCancel(flightCtx), err.Error())
		}
		return token, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			// Covers joining a failed proactive flight.
			if errors.Is(res.Err, ErrUnauthorized) {
				s.loseSession(context.WithoutCancel(ctx), res.Err.Error())
			}
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// refresh runs inside the single flight. A failure of the refresh call, or a
// missing refresh token, wraps ErrUnauthorized; the reactive flight then ends
// the session whether or not any waiter is still listening.
func (s *AuthSessionManager) refresh(ctx context.Context, staleAccess string) (string, error) {
	pair, err := s.tokens.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read tokens: %w", err)
	}
	if staleAccess != "" && pair.AccessToken != "" && pair.AccessToken != staleAccess {
		return pair.AccessToken, nil
	}
	if pair.RefreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token", ErrUnauthorized)
	}

	resp, err := s.api.RefreshTokens(ctx, pair.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("%w: refresh: %w", ErrUnauthorized, err)
	}

	fresh := resp.Pair()
	if err := s.tokens.Set(ctx, fresh); err != nil {
		return "", fmt.Errorf("failed to store refreshed tokens: %w", err)
	}
	s.markAlive()
	s.ScheduleProactiveRefresh(s.lifetime(resp))
	s.logger.Info("access token refreshed")
	return fresh.AccessToken, nil
}

func (s *AuthSessionManager) loseSession(ctx context.Context, reason string) {
	s.proactive.Cancel()
	if err := s.tokens.ClearSession(ctx); err != nil {
		s.logger.Error("failed to clear session", slog.Any("error", err))
	}

	s.mu.Lock()
	first := !s.lost
	s.lost = true
	s.mu.Unlock()

	if !first {
		return
	}
	s.logger.Warn("session lost", slog.String("reason", reason))
	if cb := s.opts.OnUnauthorized; cb != nil {
		safeCall(cb)
	}
}

func (s *AuthSessionManager) markAlive() {
	s.mu.Lock()
	s.lost = false
	s.mu.Unlock()
}

// lifetime derives the remaining validity of a fresh access token from its
// exp claim, falling back to expiresIn and then FallbackLifetime.
func (s *AuthSessionManager) lifetime(resp *AuthResponse) time.Duration {
	if exp, ok := tokenExpiry(resp.AccessToken); ok {
		return time.Until(exp)
	}
	if resp.ExpiresIn > 0 {
		return time.Duration(resp.ExpiresIn) * time.Second
	}
	return s.opts.FallbackLifetime
}

// tokenExpiry reads the exp claim without verifying the signature. The
// server is the only verifier; the client only needs the timestamp.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// TokenExpiry returns the expiry of an access token, if it carries one.
func TokenExpiry(token string) (time.Time, bool) { return tokenExpiry(token) }

// ============================================================================
// Session lifecycle
// ============================================================================

// Login authenticates, persists the pair and the user snapshot, and schedules
// the proactive refresh.
func (s *AuthSessionManager) Login(ctx context.Context, email, password string) (*User, error) {
	resp, err := s.api.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, resp)
}

// Register creates an account and starts a session for it.
func (s *AuthSessionManager) Register(ctx context.Context, email, username, password string) (*User, error) {
	resp, err := s.api.Register(ctx, email, username, password)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, resp)
}

func (s *AuthSessionManager) start(ctx context.Context, resp *AuthResponse) (*User, error) {
	if err := s.tokens.Set(ctx, resp.Pair()); err != nil {
		return nil, fmt.Errorf("failed to store tokens: %w", err)
	}
	if err := s.tokens.CacheUser(ctx, resp.User); err != nil {
		s.logger.Warn("failed to cache user", slog.Any("error", err))
	}
	s.markAlive()
	s.ScheduleProactiveRefresh(s.lifetime(resp))
	return resp.User, nil
}

// Restore resumes a stored session on cold start. It reports whether a pair
// was found; the proactive refresh is armed from the stored token's expiry.
func (s *AuthSessionManager) Restore(ctx context.Context) (bool, error) {
	pair, err := s.tokens.Get(ctx)
	if err != nil {
		return false, err
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return false, nil
	}
	s.markAlive()
	s.ScheduleProactiveRefresh(s.lifetime(&AuthResponse{AccessToken: pair.AccessToken}))
	return true, nil
}

// Logout revokes the refresh token on the server (best effort) and clears all
// local session state. The forced-logout callback is not invoked.
func (s *AuthSessionManager) Logout(ctx context.Context) error {
	s.proactive.Cancel()

	refresh, err := s.tokens.RefreshToken(ctx)
	if err == nil && refresh != "" {
		if err := s.api.Logout(ctx, refresh); err != nil {
			s.logger.Warn("server logout failed", slog.Any("error", err))
		}
	}

	s.mu.Lock()
	s.lost = true
	s.mu.Unlock()

	return s.tokens.ClearSession(ctx)
}

// CurrentUser returns the cached user snapshot, fetching it from the server
// when the cache is empty.
func (s *AuthSessionManager) CurrentUser(ctx context.Context) (*User, error) {
	if u, err := s.tokens.CachedUser(ctx); err == nil && u != nil {
		return u, nil
	}
	u, err := s.api.Me(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.CacheUser(ctx, u); err != nil {
		s.logger.Warn("failed to cache user", slog.Any("error", err))
	}
	return u, nil
}
