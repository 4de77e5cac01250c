package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mithileshchellappan/shiftpush/internal/metrics"
	"github.com/mithileshchellappan/shiftpush/internal/storage"
)

// RegisterToken records token for userID. Registering the same pair again
// refreshes it and reactivates it if it had been invalidated; the id is kept.
func (s *PushService) RegisterToken(ctx context.Context, userID, token string, platform storage.Platform) (*storage.DeviceToken, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidTokenFormat)
	}
	if !platform.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlatform, platform)
	}
	if err := s.provider.ValidateToken(token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTokenFormat, err)
	}

	stored, err := s.store.UpsertToken(ctx, &storage.DeviceToken{
		UserID:   userID,
		Token:    token,
		Platform: platform,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	metrics.TokensRegistered.WithLabelValues(string(platform)).Inc()
	s.log.Debug("device token registered",
		zap.String("user_id", userID),
		zap.String("token_id", stored.ID),
		zap.String("platform", string(platform)))
	return stored, nil
}

func (s *PushService) ListActiveTokens(ctx context.Context, userID string) ([]storage.DeviceToken, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	tokens, err := s.store.ListActiveTokens(ctx, userID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if tokens == nil {
		tokens = []storage.DeviceToken{}
	}
	return tokens, nil
}

// ListActiveTokensForUsers reports every requested user, with an empty list
// for users that have no active device.
func (s *PushService) ListActiveTokensForUsers(ctx context.Context, userIDs []string) (map[string][]storage.DeviceToken, error) {
	tokens, err := s.store.ListActiveTokensForUsers(ctx, userIDs)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	for _, id := range userIDs {
		if _, ok := tokens[id]; !ok {
			tokens[id] = []storage.DeviceToken{}
		}
	}
	return tokens, nil
}

// MarkInvalid soft-deletes a token. Unknown or already invalid tokens are
// left alone.
func (s *PushService) MarkInvalid(ctx context.Context, tokenID string) error {
	return Error.Wrap(s.store.MarkTokenInvalid(ctx, tokenID))
}

// RemoveToken hard-deletes a token. storage.Errors.NotFound is returned for
// unknown ids.
func (s *PushService) RemoveToken(ctx context.Context, tokenID string) error {
	err := s.store.DeleteToken(ctx, tokenID)
	if errors.Is(err, storage.Errors.NotFound) {
		return err
	}
	return Error.Wrap(err)
}

// GetToken returns one stored token regardless of its status.
func (s *PushService) GetToken(ctx context.Context, tokenID string) (*storage.DeviceToken, error) {
	token, err := s.store.GetToken(ctx, tokenID)
	if errors.Is(err, storage.Errors.NotFound) {
		return nil, err
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return token, nil
}

func (s *PushService) GetAttempt(ctx context.Context, attemptID string) (*storage.NotificationAttempt, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if errors.Is(err, storage.Errors.NotFound) {
		return nil, err
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return attempt, nil
}
