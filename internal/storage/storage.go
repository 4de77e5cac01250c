package storage

import (
	"context"
	"errors"
	"time"

	"github.com/zeebo/errs"
)

// Error wraps failures coming out of a backing store.
var Error = errs.Class("storage")

// Errors are the sentinel conditions callers branch on with errors.Is.
var Errors = struct {
	NotFound      error
	AlreadyExists error
}{
	NotFound:      errors.New("not found"),
	AlreadyExists: errors.New("already exists"),
}

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// Valid reports whether p is one of the known device platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformIOS, PlatformAndroid, PlatformWeb:
		return true
	}
	return false
}

type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenInvalid TokenStatus = "invalid"
)

// DeviceToken maps one app installation of a user to its provider push token.
type DeviceToken struct {
	ID         string      `json:"id"`
	UserID     string      `json:"userId"`
	Token      string      `json:"token"`
	Platform   Platform    `json:"platform"`
	Status     TokenStatus `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
	LastSeenAt time.Time   `json:"lastSeenAt"`
}

type OutcomeStatus string

const (
	OutcomeOK    OutcomeStatus = "ok"
	OutcomeError OutcomeStatus = "error"
)

// Outcome is the per-recipient result of one dispatch. TokenID is empty when
// the provider was addressed by user id instead of token.
type Outcome struct {
	TokenID          string        `json:"tokenId,omitempty"`
	UserID           string        `json:"userId,omitempty"`
	Status           OutcomeStatus `json:"status"`
	ProviderTicketID string        `json:"providerTicketId,omitempty"`
	ErrorReason      string        `json:"errorReason,omitempty"`
}

// NotificationAttempt is the append-only audit record of a dispatch call.
type NotificationAttempt struct {
	ID               string            `json:"id"`
	Provider         string            `json:"provider"`
	RecipientUserIDs []string          `json:"recipientUserIds"`
	Title            string            `json:"title"`
	Body             string            `json:"body"`
	Data             map[string]string `json:"data,omitempty"`
	Outcomes         []Outcome         `json:"outcomes"`
	CreatedAt        time.Time         `json:"createdAt"`
}

type Store interface {
	// UpsertToken inserts token or, when a row for the same (user, token)
	// exists, refreshes its last_seen_at and reactivates it. The stored row is
	// returned.
	UpsertToken(ctx context.Context, token *DeviceToken) (*DeviceToken, error)
	GetToken(ctx context.Context, tokenID string) (*DeviceToken, error)
	ListActiveTokens(ctx context.Context, userID string) ([]DeviceToken, error)
	// ListActiveTokensForUsers returns an entry for every requested user,
	// empty when the user has no active tokens.
	ListActiveTokensForUsers(ctx context.Context, userIDs []string) (map[string][]DeviceToken, error)
	// MarkTokenInvalid is a no-op for unknown or already invalid tokens.
	MarkTokenInvalid(ctx context.Context, tokenID string) error
	DeleteToken(ctx context.Context, tokenID string) error

	InsertAttempt(ctx context.Context, attempt *NotificationAttempt) error
	GetAttempt(ctx context.Context, attemptID string) (*NotificationAttempt, error)

	Close() error
}
