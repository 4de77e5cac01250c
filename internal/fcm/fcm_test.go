package fcm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mithileshchellappan/shiftpush/internal/dispatch"
)

var errGone = errors.New("requested entity was not found")

type fakeSender struct {
	calls [][]string
	err   error
	// failOn fails only the multicast whose body matches.
	failOn string
}

func (f *fakeSender) SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	f.calls = append(f.calls, message.Tokens)
	if f.err != nil {
		return nil, f.err
	}
	if f.failOn != "" && message.Notification.Body == f.failOn {
		return nil, errors.New("internal error")
	}

	resp := &messaging.BatchResponse{}
	for _, token := range message.Tokens {
		if token == "gone" {
			resp.FailureCount++
			resp.Responses = append(resp.Responses, &messaging.SendResponse{Error: errGone})
			continue
		}
		resp.SuccessCount++
		resp.Responses = append(resp.Responses, &messaging.SendResponse{Success: true, MessageID: "msg-" + token})
	}
	return resp, nil
}

func newTestClient(t *testing.T, sender MulticastSender) *Client {
	client := NewClient(zaptest.NewLogger(t), sender, time.Second)
	client.unregistered = func(err error) bool { return errors.Is(err, errGone) }
	return client
}

func TestSendMapsResponses(t *testing.T) {
	sender := &fakeSender{}
	client := newTestClient(t, sender)

	results := client.Send(context.Background(), []dispatch.Message{
		{To: "tok-1", Title: "Shift Reminder", Body: "Starts in 1 hour"},
		{To: "gone", Title: "Shift Reminder", Body: "Starts in 1 hour"},
	})

	require.Len(t, sender.calls, 1)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.Equal(t, "msg-tok-1", results[0].ProviderID)
	assert.False(t, results[1].OK)
	assert.True(t, results[1].PermanentlyInvalid)
}

func TestSendChunksAtFiveHundred(t *testing.T) {
	sender := &fakeSender{}
	client := newTestClient(t, sender)

	messages := make([]dispatch.Message, 1100)
	for i := range messages {
		messages[i] = dispatch.Message{To: fmt.Sprintf("tok-%d", i), Body: "b"}
	}
	results := client.Send(context.Background(), messages)

	require.Len(t, sender.calls, 3)
	assert.Len(t, sender.calls[0], 500)
	assert.Len(t, sender.calls[2], 100)
	for i, r := range results {
		assert.Equal(t, "msg-"+messages[i].To, r.ProviderID)
	}
}

func TestSendFailureIsTransport(t *testing.T) {
	client := newTestClient(t, &fakeSender{err: errors.New("unavailable")})
	results := client.Send(context.Background(), []dispatch.Message{{To: "tok-1"}, {To: "tok-2"}})
	for _, r := range results {
		assert.Equal(t, dispatch.ReasonTransport, r.ErrorReason)
		assert.False(t, r.PermanentlyInvalid)
	}
}

func TestSendFailedMulticastKeepsOtherGroups(t *testing.T) {
	sender := &fakeSender{failOn: "lost"}
	client := newTestClient(t, sender)

	results := client.Send(context.Background(), []dispatch.Message{
		{To: "tok-1", Body: "delivered"},
		{To: "tok-2", Body: "lost"},
		{To: "tok-3", Body: "delivered"},
	})

	require.Len(t, sender.calls, 2)
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.Equal(t, "msg-tok-1", results[0].ProviderID)
	assert.False(t, results[1].OK)
	assert.False(t, results[1].PermanentlyInvalid)
	assert.Equal(t, dispatch.ReasonTransport, results[1].ErrorReason)
	assert.True(t, results[2].OK)
	assert.Equal(t, "msg-tok-3", results[2].ProviderID)
}

func TestNewWithoutCredentialsIsUnconfigured(t *testing.T) {
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")

	provider, err := New(context.Background(), zaptest.NewLogger(t), Config{}, time.Second)
	require.NoError(t, err)

	results := provider.Send(context.Background(), []dispatch.Message{{To: "tok"}})
	assert.Equal(t, dispatch.ReasonNotConfigured, results[0].ErrorReason)
}

func TestBuildMulticastHighPriority(t *testing.T) {
	message := buildMulticast(dispatch.Message{Title: "t", Body: "b", Priority: "high", Sound: "default"})
	require.NotNil(t, message.Android)
	assert.Equal(t, "high", message.Android.Priority)
	assert.Equal(t, "10", message.APNS.Headers["apns-priority"])
	assert.Equal(t, "default", message.APNS.Payload.Aps.Sound)
}
