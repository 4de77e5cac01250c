package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mithileshchellappan/shiftpush/internal/dispatch"
	"github.com/mithileshchellappan/shiftpush/internal/metrics"
	"github.com/mithileshchellappan/shiftpush/internal/storage"
)

// bookkeepingTimeout bounds the store writes that follow a vendor call.
const bookkeepingTimeout = 5 * time.Second

// afterSend returns the context used once devices have been messaged. It keeps
// ctx's values but not its cancellation, so a caller that goes away cannot
// lose invalidations or the attempt record.
func afterSend(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

// Request is one logical notification addressed to users.
type Request struct {
	RecipientUserIDs []string
	Title            string
	Body             string
	Data             map[string]string
	Sound            string
	Priority         string
}

// Summary counts per-recipient outcomes of one dispatch.
type Summary struct {
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	AttemptID string `json:"attemptId"`
}

// recipients returns the request's user ids without blanks or duplicates,
// in first-seen order.
func (r Request) recipients() []string {
	seen := make(map[string]bool, len(r.RecipientUserIDs))
	out := make([]string, 0, len(r.RecipientUserIDs))
	for _, id := range r.RecipientUserIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (r Request) validate() ([]string, error) {
	if r.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if r.Body == "" {
		return nil, fmt.Errorf("%w: body is required", ErrValidation)
	}
	recipients := r.recipients()
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrValidation)
	}
	return recipients, nil
}

// Dispatch sends req to every active device of its recipients and records a
// NotificationAttempt. Only a malformed request fails before sending;
// per-device failures are counted in the summary. If the attempt cannot be
// stored the summary is still returned together with the error.
func (s *PushService) Dispatch(ctx context.Context, req Request) (*Summary, error) {
	recipients, err := req.validate()
	if err != nil {
		return nil, err
	}

	attempt := &storage.NotificationAttempt{
		ID:               uuid.New().String(),
		Provider:         s.provider.Name(),
		RecipientUserIDs: recipients,
		Title:            req.Title,
		Body:             req.Body,
		Data:             req.Data,
		Outcomes:         []storage.Outcome{},
		CreatedAt:        time.Now().UTC(),
	}
	message := dispatch.Message{
		Title:    req.Title,
		Body:     req.Body,
		Data:     req.Data,
		Sound:    req.Sound,
		Priority: req.Priority,
	}

	log := s.log.With(zap.String("attempt_id", attempt.ID), zap.String("provider", attempt.Provider))

	if addressed, ok := s.provider.(dispatch.UserAddressed); ok && s.routeByUser {
		attempt.Outcomes = s.sendToUsers(ctx, addressed, recipients, message)
	} else {
		outcomes, err := s.sendToTokens(ctx, log, recipients, message)
		if err != nil {
			return nil, err
		}
		attempt.Outcomes = outcomes
	}

	summary := &Summary{AttemptID: attempt.ID}
	for _, outcome := range attempt.Outcomes {
		if outcome.Status == storage.OutcomeOK {
			summary.Sent++
		} else {
			summary.Failed++
		}
	}
	metrics.DispatchResults.WithLabelValues(attempt.Provider, string(storage.OutcomeOK)).Add(float64(summary.Sent))
	metrics.DispatchResults.WithLabelValues(attempt.Provider, string(storage.OutcomeError)).Add(float64(summary.Failed))

	recordCtx, cancel := afterSend(ctx)
	defer cancel()
	if err := s.store.InsertAttempt(recordCtx, attempt); err != nil {
		log.Error("failed to record notification attempt", zap.Error(err))
		return summary, Error.New("recording attempt: %w", err)
	}

	log.Info("notification dispatched",
		zap.Int("recipients", len(recipients)),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

func (s *PushService) sendToTokens(ctx context.Context, log *zap.Logger, recipients []string, message dispatch.Message) ([]storage.Outcome, error) {
	byUser, err := s.store.ListActiveTokensForUsers(ctx, recipients)
	if err != nil {
		return nil, Error.New("resolving tokens: %w", err)
	}

	var targets []storage.DeviceToken
	for _, userID := range recipients {
		tokens := byUser[userID]
		if len(tokens) == 0 {
			log.Debug("no active devices for recipient", zap.String("user_id", userID))
			continue
		}
		targets = append(targets, tokens...)
	}
	if len(targets) == 0 {
		return []storage.Outcome{}, nil
	}

	messages := make([]dispatch.Message, len(targets))
	for i, target := range targets {
		messages[i] = message
		messages[i].To = target.Token
	}

	results := s.provider.Send(ctx, messages)

	invalidateCtx, cancel := afterSend(ctx)
	defer cancel()

	outcomes := make([]storage.Outcome, len(targets))
	for i, target := range targets {
		result := dispatch.Result{To: target.Token, ErrorReason: dispatch.ReasonTransport}
		if i < len(results) {
			result = results[i]
		}

		outcome := storage.Outcome{
			TokenID:          target.ID,
			UserID:           target.UserID,
			Status:           storage.OutcomeOK,
			ProviderTicketID: result.ProviderID,
		}
		if !result.OK {
			outcome.Status = storage.OutcomeError
			outcome.ErrorReason = result.ErrorReason
		}
		outcomes[i] = outcome

		if result.PermanentlyInvalid {
			s.invalidate(invalidateCtx, log, target)
		}
	}
	return outcomes, nil
}

// invalidate marks target invalid. A failure is logged and does not affect
// the remaining results.
func (s *PushService) invalidate(ctx context.Context, log *zap.Logger, target storage.DeviceToken) {
	if err := s.store.MarkTokenInvalid(ctx, target.ID); err != nil {
		log.Warn("failed to invalidate token",
			zap.String("token_id", target.ID),
			zap.String("user_id", target.UserID),
			zap.Error(err))
		return
	}
	metrics.TokensInvalidated.WithLabelValues(s.provider.Name()).Inc()
	log.Info("token invalidated", zap.String("token_id", target.ID), zap.String("user_id", target.UserID))
}

func (s *PushService) sendToUsers(ctx context.Context, addressed dispatch.UserAddressed, recipients []string, message dispatch.Message) []storage.Outcome {
	results := addressed.SendToUsers(ctx, recipients, message)

	outcomes := make([]storage.Outcome, len(recipients))
	for i, userID := range recipients {
		result := dispatch.UserResult{UserID: userID, ErrorReason: dispatch.ReasonTransport}
		if i < len(results) {
			result = results[i]
		}
		outcome := storage.Outcome{UserID: userID, Status: storage.OutcomeOK, ProviderTicketID: result.ProviderID}
		if !result.OK {
			outcome.Status = storage.OutcomeError
			outcome.ErrorReason = result.ErrorReason
		}
		outcomes[i] = outcome
	}
	return outcomes
}

// CheckReceipts asks the provider for delivery receipts. It is advisory: an
// empty map is returned when the provider has no receipts or the call fails.
func (s *PushService) CheckReceipts(ctx context.Context, ticketIDs []string) map[string]dispatch.ReceiptStatus {
	receipts := map[string]dispatch.ReceiptStatus{}
	if len(ticketIDs) == 0 {
		return receipts
	}

	checker, ok := s.provider.(dispatch.ReceiptChecker)
	if !ok {
		return receipts
	}

	found, err := checker.CheckReceipts(ctx, ticketIDs)
	if err != nil {
		s.log.Warn("receipt check failed", zap.Int("tickets", len(ticketIDs)), zap.Error(err))
		return receipts
	}
	for id, status := range found {
		receipts[id] = status
	}
	return receipts
}
