package heirlink

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

var (
	// ErrUnauthorized means the session cannot be recovered and the user must
	// authenticate again.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNetworkUnreachable means no response was received (DNS, connect, timeout).
	ErrNetworkUnreachable = errors.New("network unreachable")

	// ErrNoAccessToken is returned when an operation needs an access token and none is stored.
	ErrNoAccessToken = errors.New("no access token")

	// ErrEmptyMessage is returned by Send when there is neither text nor an attachment.
	ErrEmptyMessage = errors.New("message has no text and no attachment")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)

// APIError represents a non-2xx response from the REST backend.
type APIError struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"error,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	status := http.StatusText(e.StatusCode)
	msg := e.Message
	if msg == status {
		msg = ""
	}
	parts := []string{status}
	for _, p := range []string{e.Code, msg} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ": ")
}

// IsServerError reports whether err carries a 5xx response.
func IsServerError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 500
}

// IsUnauthorized reports whether err is ErrUnauthorized or a 401 response.
func IsUnauthorized(err error) bool {
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// ============================================================================
// Auth Types
// ============================================================================

// TokenPair is the access/refresh token pair persisted by TokenStore.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// User is the current-user snapshot returned by login and /auth/me.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Bio       string `json:"bio,omitempty"`
}

// AuthResponse is returned by login, register and refresh.
type AuthResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"` // seconds
	User         *User  `json:"user,omitempty"`
}

// Pair returns the token pair carried by the response.
func (r *AuthResponse) Pair() TokenPair {
	return TokenPair{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
}

// ============================================================================
// Message Types
// ============================================================================

// UserSummary is the embedded sender/recipient profile on a message.
type UserSummary struct {
	ID        string  `json:"id"`
	Username  string  `json:"username"`
	AvatarURL *string `json:"avatarUrl,omitempty"`
}

// Message is one entry of a conversation as seen by the UI.
//
// A locally sent message starts with TempID set, ID empty and Sending true.
// After server acknowledgement ID holds the server id and Sending is false.
type Message struct {
	ID             string       `json:"id"`
	TempID         string       `json:"tempId,omitempty"`
	SenderID       string       `json:"senderId,omitempty"`
	RecipientID    string       `json:"recipientId,omitempty"`
	Text           string       `json:"text"`
	AttachmentURL  string       `json:"attachmentUrl,omitempty"`
	AttachmentType string       `json:"attachmentType,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	IsFromMe       bool         `json:"isFromMe"`
	Sending        bool         `json:"sending,omitempty"`
	Sender         *UserSummary `json:"sender,omitempty"`
}

// Attachment is an already-uploaded file attached to an outgoing message.
type Attachment struct {
	URL  string
	Type string // "photo", "video", ...
}

// SendMessageRequest is the body of POST /messages.
type SendMessageRequest struct {
	RecipientID    string `json:"recipientId"`
	Text           string `json:"text,omitempty"`
	AttachmentURL  string `json:"attachmentUrl,omitempty"`
	AttachmentType string `json:"attachmentType,omitempty"`
}

// Pagination mirrors the backend's page envelope.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// MessagePage is the response of GET /messages/with/{userId}.
type MessagePage struct {
	Items      []Message  `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// Conversation is one row of GET /messages/conversations.
type Conversation struct {
	User          UserSummary `json:"user"`
	LastMessage   *Message    `json:"lastMessage,omitempty"`
	UnreadCount   int         `json:"unreadCount"`
	LastMessageAt *time.Time  `json:"lastMessageAt,omitempty"`
}

// ConversationPage is the response of GET /messages/conversations.
type ConversationPage struct {
	Items      []Conversation `json:"items"`
	Pagination Pagination     `json:"pagination"`
}

// ============================================================================
// Post Types
// ============================================================================

// MediaKind is the kind of an uploaded file.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// PostMedia is one media entry of a post.
type PostMedia struct {
	URL          string    `json:"url"`
	Type         MediaKind `json:"type"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
}

// CreatePostRequest is the body of POST /posts.
type CreatePostRequest struct {
	Caption  string      `json:"caption,omitempty"`
	Location string      `json:"location,omitempty"`
	Media    []PostMedia `json:"media"`
}

// Post is the response of POST /posts.
type Post struct {
	ID        string      `json:"id"`
	Caption   string      `json:"caption,omitempty"`
	Media     []PostMedia `json:"media,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// UploadResult is the response of POST /upload.
type UploadResult struct {
	URL string `json:"url"`
}
