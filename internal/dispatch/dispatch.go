package dispatch

import (
	"context"
	"encoding/json"
	"strings"
)

// Error reasons shared by every provider.
const (
	ReasonTransport     = "transport"
	ReasonNotConfigured = "not_configured"
)

// Message is the per-recipient push built at send time and dropped once the
// provider call returns.
type Message struct {
	To       string            `json:"to"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Sound    string            `json:"sound,omitempty"`    // "default" or custom sound filename
	Priority string            `json:"priority,omitempty"` // "default", "normal" or "high"
}

// Result is the uniform per-recipient outcome of a provider send.
type Result struct {
	To                 string
	OK                 bool
	ProviderID         string
	ErrorReason        string
	PermanentlyInvalid bool
}

// Provider hides one push vendor behind a batch send. Send never fails as a
// whole: results have the same length and order as the input messages.
type Provider interface {
	Name() string
	ValidateToken(token string) error
	Send(ctx context.Context, messages []Message) []Result
}

type ReceiptStatus struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// ReceiptChecker is implemented by providers that can report delivery
// receipts for previously issued tickets.
type ReceiptChecker interface {
	CheckReceipts(ctx context.Context, ticketIDs []string) (map[string]ReceiptStatus, error)
}

// UserResult is the outcome of a user-addressed send.
type UserResult struct {
	UserID      string
	OK          bool
	ProviderID  string
	ErrorReason string
}

// UserAddressed is implemented by providers that resolve devices from an
// external user id on the vendor side.
type UserAddressed interface {
	SendToUsers(ctx context.Context, userIDs []string, message Message) []UserResult
}

// FailAll reports every message as failed with reason. Nothing is marked
// permanently invalid.
func FailAll(messages []Message, reason string) []Result {
	results := make([]Result, len(messages))
	for i, m := range messages {
		results[i] = Result{To: m.To, ErrorReason: reason}
	}
	return results
}

// GroupByContent returns the indexes of messages sharing title, body, data,
// sound and priority, in order of first appearance. Vendors that take one
// payload with many recipients send each group as a single call.
func GroupByContent(messages []Message) [][]int {
	var groups [][]int
	seen := make(map[string]int)
	for i, m := range messages {
		key := contentKey(m)
		g, ok := seen[key]
		if !ok {
			g = len(groups)
			seen[key] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

func contentKey(m Message) string {
	data, _ := json.Marshal(m.Data)
	return strings.Join([]string{m.Title, m.Body, m.Sound, m.Priority, string(data)}, "\x00")
}
