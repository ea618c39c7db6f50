package heirlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

const (
	accessTokenKey  = "accessToken"
	refreshTokenKey = "refreshToken"
	userCacheKey    = "heirlink_user"
)

// TokenStore is the persisted holder of the access/refresh token pair and the
// cached current-user snapshot. It is the only mutable resource shared between
// components; writers always replace the full pair.
type TokenStore struct {
	storage Storage
	mu      sync.RWMutex
}

// NewTokenStore creates a token store backed by storage.
func NewTokenStore(storage Storage) *TokenStore {
	return &TokenStore{storage: storage}
}

// Get returns the stored pair. Missing halves are returned as empty strings.
func (t *TokenStore) Get(ctx context.Context) (TokenPair, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	access, _, err := t.storage.Get(ctx, accessTokenKey)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, _, err := t.storage.Get(ctx, refreshTokenKey)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// AccessToken returns the stored access token, or "" if none.
func (t *TokenStore) AccessToken(ctx context.Context) (string, error) {
	pair, err := t.Get(ctx)
	return pair.AccessToken, err
}

// RefreshToken returns the stored refresh token, or "" if none.
func (t *TokenStore) RefreshToken(ctx context.Context) (string, error) {
	pair, err := t.Get(ctx)
	return pair.RefreshToken, err
}

// Set replaces both tokens in one atomic write.
func (t *TokenStore) Set(ctx context.Context, pair TokenPair) error {
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return errors.New("token pair must carry both an access and a refresh token")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.storage.SetMany(ctx, map[string]string{
		accessTokenKey:  pair.AccessToken,
		refreshTokenKey: pair.RefreshToken,
	})
}

// Clear removes both tokens.
func (t *TokenStore) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.storage.Delete(ctx, accessTokenKey, refreshTokenKey)
}

// ClearSession removes both tokens and the cached user.
func (t *TokenStore) ClearSession(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.storage.Delete(ctx, accessTokenKey, refreshTokenKey, userCacheKey)
}

// CachedUser returns the cached current-user snapshot, or nil.
func (t *TokenStore) CachedUser(ctx context.Context) (*User, error) {
	raw, ok, err := t.storage.Get(ctx, userCacheKey)
	if err != nil || !ok {
		return nil, err
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		// A corrupt snapshot is only a cache miss.
		return nil, nil
	}
	return &u, nil
}

// CacheUser stores the current-user snapshot.
func (t *TokenStore) CacheUser(ctx context.Context, u *User) error {
	if u == nil {
		return nil
	}
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	return t.storage.Set(ctx, userCacheKey, string(b))
}
