package service

import (
	"errors"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/mithileshchellappan/shiftpush/internal/dispatch"
	"github.com/mithileshchellappan/shiftpush/internal/storage"
)

// Error is the class of unexpected service failures.
var Error = errs.Class("service")

// Sentinel conditions mapped to 4xx responses by the HTTP layer.
var (
	ErrValidation         = errors.New("invalid request")
	ErrInvalidTokenFormat = errors.New("invalid token format")
	ErrInvalidPlatform    = errors.New("invalid platform")
)

// PushService owns the token registry and the dispatch path for one
// configured provider.
type PushService struct {
	log         *zap.Logger
	store       storage.Store
	provider    dispatch.Provider
	routeByUser bool
}

type Option func(*PushService)

// WithRouteByUser lets a user-addressed provider resolve devices itself,
// skipping the local token lookup on dispatch.
func WithRouteByUser(enabled bool) Option {
	return func(s *PushService) { s.routeByUser = enabled }
}

func NewPushService(log *zap.Logger, store storage.Store, provider dispatch.Provider, opts ...Option) *PushService {
	s := &PushService{
		log:      log,
		store:    store,
		provider: provider,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Provider returns the name of the configured push provider.
func (s *PushService) Provider() string {
	return s.provider.Name()
}
