package dispatch

import (
	"context"

	"go.uber.org/zap"
)

// Unconfigured stands in for a provider whose credentials are missing. It
// keeps the token format rules of the real provider so registration still
// works, but every send fails with ReasonNotConfigured.
type Unconfigured struct {
	name     string
	validate func(string) error
}

func NewUnconfigured(log *zap.Logger, name string, validate func(string) error) *Unconfigured {
	log.Warn("push provider not configured, sends will fail", zap.String("provider", name))
	return &Unconfigured{name: name, validate: validate}
}

func (u *Unconfigured) Name() string { return u.name }

func (u *Unconfigured) ValidateToken(token string) error {
	if u.validate == nil {
		return nil
	}
	return u.validate(token)
}

func (u *Unconfigured) Send(ctx context.Context, messages []Message) []Result {
	return FailAll(messages, ReasonNotConfigured)
}

func (u *Unconfigured) SendToUsers(ctx context.Context, userIDs []string, message Message) []UserResult {
	results := make([]UserResult, len(userIDs))
	for i, id := range userIDs {
		results[i] = UserResult{UserID: id, ErrorReason: ReasonNotConfigured}
	}
	return results
}
