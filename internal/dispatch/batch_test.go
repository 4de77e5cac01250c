package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func messages(n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = Message{To: fmt.Sprintf("token-%03d", i), Title: "t", Body: "b"}
	}
	return out
}

func echo(ctx context.Context, chunk []Message) ([]Result, error) {
	results := make([]Result, len(chunk))
	for i, m := range chunk {
		results[i] = Result{To: m.To, OK: true, ProviderID: "id-" + m.To}
	}
	return results, nil
}

func TestBatchSendPreservesOrderAcrossChunks(t *testing.T) {
	var chunkSizes []int
	b := Batch{Size: 100, Log: zaptest.NewLogger(t)}

	input := messages(250)
	results := b.Send(context.Background(), input, func(ctx context.Context, chunk []Message) ([]Result, error) {
		chunkSizes = append(chunkSizes, len(chunk))
		return echo(ctx, chunk)
	})

	require.Len(t, results, len(input))
	require.Equal(t, []int{100, 100, 50}, chunkSizes)
	for i := range input {
		assert.Equal(t, input[i].To, results[i].To)
		assert.Equal(t, "id-"+input[i].To, results[i].ProviderID)
	}
}

func TestBatchSendFailedChunkIsTransport(t *testing.T) {
	b := Batch{Size: 2, Log: zaptest.NewLogger(t)}

	calls := 0
	results := b.Send(context.Background(), messages(5), func(ctx context.Context, chunk []Message) ([]Result, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("503 service unavailable")
		}
		return echo(ctx, chunk)
	})

	require.Len(t, results, 5)
	for i, r := range results {
		if i == 2 || i == 3 {
			assert.False(t, r.OK)
			assert.False(t, r.PermanentlyInvalid)
			assert.Equal(t, ReasonTransport, r.ErrorReason)
			continue
		}
		assert.True(t, r.OK, "result %d", i)
	}
}

func TestBatchSendMismatchedResultsAreTransport(t *testing.T) {
	b := Batch{Size: 10}
	results := b.Send(context.Background(), messages(3), func(ctx context.Context, chunk []Message) ([]Result, error) {
		return []Result{{OK: true}}, nil
	})
	for _, r := range results {
		assert.Equal(t, ReasonTransport, r.ErrorReason)
	}
}

func TestBatchSendSkipsMalformedTokens(t *testing.T) {
	b := Batch{
		Size: 10,
		Validate: func(token string) error {
			if strings.HasSuffix(token, "1") {
				return errors.New("malformed")
			}
			return nil
		},
	}

	var sent []string
	results := b.Send(context.Background(), messages(3), func(ctx context.Context, chunk []Message) ([]Result, error) {
		for _, m := range chunk {
			sent = append(sent, m.To)
		}
		return echo(ctx, chunk)
	})

	require.Equal(t, []string{"token-000", "token-002"}, sent)
	require.True(t, results[0].OK)
	require.False(t, results[1].OK)
	require.False(t, results[1].PermanentlyInvalid)
	require.Equal(t, ReasonTransport, results[1].ErrorReason)
	require.True(t, results[2].OK)
}

func TestBatchSendChunkTimeout(t *testing.T) {
	b := Batch{Size: 10, Timeout: 20 * time.Millisecond}
	results := b.Send(context.Background(), messages(2), func(ctx context.Context, chunk []Message) ([]Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	for _, r := range results {
		assert.Equal(t, ReasonTransport, r.ErrorReason)
	}
}

func TestUnconfiguredFailsEverything(t *testing.T) {
	u := NewUnconfigured(zaptest.NewLogger(t), "onesignal", nil)
	require.Equal(t, "onesignal", u.Name())
	require.NoError(t, u.ValidateToken("anything"))

	results := u.Send(context.Background(), messages(3))
	require.Len(t, results, 3)
	for _, r := range results {
		assert.False(t, r.OK)
		assert.False(t, r.PermanentlyInvalid)
		assert.Equal(t, ReasonNotConfigured, r.ErrorReason)
	}

	userResults := u.SendToUsers(context.Background(), []string{"u1", "u2"}, Message{})
	require.Len(t, userResults, 2)
	assert.Equal(t, ReasonNotConfigured, userResults[1].ErrorReason)
}

func TestGroupByContent(t *testing.T) {
	groups := GroupByContent([]Message{
		{To: "a", Title: "t", Body: "one"},
		{To: "b", Title: "t", Body: "two"},
		{To: "c", Title: "t", Body: "one"},
		{To: "d", Title: "t", Body: "one", Data: map[string]string{"type": "shift"}},
	})
	require.Equal(t, [][]int{{0, 2}, {1}, {3}}, groups)
}
