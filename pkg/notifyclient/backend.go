package notifyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class of errors returned by the backend client.
var Error = errs.Class("notifyclient")

const apiPrefix = "/api/push-notifications"

// TokenSource returns the caller's current access token.
type TokenSource func(ctx context.Context) (string, error)

// APIError is a non-2xx answer from the push backend.
type APIError struct {
	Status  int
	Reason  string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("push backend returned %d %s: %s", e.Status, e.Reason, e.Message)
}

type DeviceToken struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Token      string    `json:"token"`
	Platform   string    `json:"platform"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type SendRequest struct {
	UserID  string            `json:"userId"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Type    string            `json:"type,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

type BulkSendRequest struct {
	UserIDs []string          `json:"userIds"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

type Summary struct {
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	AttemptID string `json:"attemptId"`
}

// Backend calls the push notification HTTP API.
type Backend struct {
	httpClient *http.Client
	baseURL    string
	token      TokenSource
}

type BackendOption func(*Backend)

func WithHTTPClient(c *http.Client) BackendOption {
	return func(b *Backend) { b.httpClient = c }
}

func NewBackend(baseURL string, token TokenSource, opts ...BackendOption) *Backend {
	b := &Backend{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Register(ctx context.Context, userID, token, platform string) (*DeviceToken, error) {
	var out DeviceToken
	err := b.do(ctx, http.MethodPost, "/register", map[string]string{
		"userId":   userID,
		"token":    token,
		"platform": platform,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *Backend) Send(ctx context.Context, req SendRequest) (*Summary, error) {
	var out Summary
	if err := b.do(ctx, http.MethodPost, "/send", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *Backend) SendBulk(ctx context.Context, req BulkSendRequest) (*Summary, error) {
	var out Summary
	if err := b.do(ctx, http.MethodPost, "/send-bulk", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *Backend) do(ctx context.Context, method, path string, body, into interface{}) error {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return Error.Wrap(err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+apiPrefix+path, &payload)
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	if b.token != nil {
		token, err := b.token(ctx)
		if err != nil {
			return Error.New("access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return Error.Wrap(apiErr)
	}
	if into == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return Error.New("decoding response: %w", err)
	}
	return nil
}
