// Package notifyclient is the device-side half of the push pipeline:
// permission handling, token acquisition, listener wiring, local reminders
// and calls to the push backend. Operating system access goes through a
// Platform supplied by the embedding runtime.
package notifyclient

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type PermissionStatus string

const (
	PermissionUndetermined PermissionStatus = "undetermined"
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
)

// Channel is an Android notification channel. Other platforms ignore it.
type Channel struct {
	ID         string
	Name       string
	Importance string
}

var DefaultChannels = []Channel{
	{ID: "default", Name: "Default", Importance: "max"},
}

type Notification struct {
	ID    string
	Title string
	Body  string
	Data  map[string]string
}

// Platform is the operating system surface the client needs.
type Platform interface {
	// OS returns "ios", "android" or "web".
	OS() string
	IsPhysicalDevice() bool
	PermissionStatus(ctx context.Context) (PermissionStatus, error)
	RequestPermission(ctx context.Context) (PermissionStatus, error)
	DeviceToken(ctx context.Context) (string, error)
	EnsureChannel(ctx context.Context, channel Channel) error
	PresentLocal(ctx context.Context, n Notification) error
}

// Registrar is the backend call used by RegisterDevice. *Backend implements it.
type Registrar interface {
	Register(ctx context.Context, userID, token, platform string) (*DeviceToken, error)
}

// State is the coarse push availability shown to users.
type State string

const (
	StateRegistered       State = "registered"
	StateUnavailable      State = "unavailable"
	StatePermissionDenied State = "permission_denied"
	StateFailed           State = "failed"
)

// Status reports the outcome of a push setup step. Failures are carried in
// Err and never block the caller's flow.
type Status struct {
	State State
	Token string
	Err   error
}

type Client struct {
	log       *zap.Logger
	platform  Platform
	registrar Registrar
	channels  []Channel

	mu          sync.Mutex
	initialized bool
	listeners   *listeners
	reminders   *reminders
}

type Option func(*Client)

func WithChannels(channels ...Channel) Option {
	return func(c *Client) { c.channels = channels }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

func New(platform Platform, registrar Registrar, opts ...Option) *Client {
	c := &Client{
		log:       zap.NewNop(),
		platform:  platform,
		registrar: registrar,
		channels:  DefaultChannels,
		listeners: newListeners(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reminders = newReminders(c.log, platform)
	return c
}

// Initialize sets up notification channels once per process. Later calls are
// no-ops; a failed setup is retried on the next call.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}
	for _, channel := range c.channels {
		if err := c.platform.EnsureChannel(ctx, channel); err != nil {
			return Error.New("creating channel %q: %w", channel.ID, err)
		}
	}
	c.initialized = true
	return nil
}

// Permission queries the current OS permission. The value is a snapshot: the
// user may revoke it outside the app at any time.
func (c *Client) Permission(ctx context.Context) (PermissionStatus, error) {
	status, err := c.platform.PermissionStatus(ctx)
	if err != nil {
		return PermissionUndetermined, Error.Wrap(err)
	}
	return status, nil
}

// RequestPermission prompts the user unless permission is already granted.
func (c *Client) RequestPermission(ctx context.Context) (bool, error) {
	status, err := c.Permission(ctx)
	if err != nil {
		return false, err
	}
	if status == PermissionGranted {
		return true, nil
	}

	status, err = c.platform.RequestPermission(ctx)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return status == PermissionGranted, nil
}

// AcquireToken returns the device push token, or "" when push is not
// available here (simulator, or permission not granted).
func (c *Client) AcquireToken(ctx context.Context) (string, error) {
	token, _, err := c.acquire(ctx)
	return token, err
}

func (c *Client) acquire(ctx context.Context) (string, State, error) {
	if !c.platform.IsPhysicalDevice() {
		return "", StateUnavailable, nil
	}
	status, err := c.Permission(ctx)
	if err != nil {
		return "", StateFailed, err
	}
	if status != PermissionGranted {
		return "", StatePermissionDenied, nil
	}
	token, err := c.platform.DeviceToken(ctx)
	if err != nil {
		return "", StateFailed, Error.Wrap(err)
	}
	if token == "" {
		return "", StateUnavailable, nil
	}
	return token, StateRegistered, nil
}

// RegisterDevice acquires a token and registers it for userID. Without a
// token nothing is sent to the backend.
func (c *Client) RegisterDevice(ctx context.Context, userID string) Status {
	token, state, err := c.acquire(ctx)
	if err != nil {
		c.log.Warn("push token unavailable", zap.Error(err))
		return Status{State: StateFailed, Err: err}
	}
	if token == "" {
		c.log.Debug("skipping device registration", zap.String("state", string(state)))
		return Status{State: state}
	}

	if _, err := c.registrar.Register(ctx, userID, token, c.platform.OS()); err != nil {
		c.log.Warn("device registration failed", zap.String("user_id", userID), zap.Error(err))
		return Status{State: StateFailed, Token: token, Err: err}
	}
	return Status{State: StateRegistered, Token: token}
}

// Close cancels pending local reminders and drops every listener.
func (c *Client) Close() {
	c.reminders.cancelAll()
	c.listeners.clear()
}
