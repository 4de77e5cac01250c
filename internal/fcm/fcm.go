package fcm

import (
	"context"
	"os"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/mithileshchellappan/shiftpush/internal/dispatch"
	"github.com/mithileshchellappan/shiftpush/internal/metrics"
)

// MaxBatchSize is the number of tokens accepted by one multicast call.
const MaxBatchSize = 500

const maxTokenLength = 4096

var Error = errs.Class("fcm")

// Config holds the Firebase project and service account settings.
type Config struct {
	ProjectID       string
	CredentialsPath string
	CredentialsJSON string
}

func (c Config) options() ([]option.ClientOption, bool) {
	switch {
	case c.CredentialsPath != "":
		return []option.ClientOption{option.WithCredentialsFile(c.CredentialsPath)}, true
	case c.CredentialsJSON != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(c.CredentialsJSON))}, true
	case os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != "":
		return nil, true
	default:
		return nil, false
	}
}

// ValidateToken accepts any non-empty registration token without whitespace.
func ValidateToken(token string) error {
	if token == "" || len(token) > maxTokenLength || strings.ContainsAny(token, " \t\r\n") {
		return Error.New("malformed registration token")
	}
	return nil
}

// MulticastSender is the part of *messaging.Client used for sends.
type MulticastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

var _ dispatch.Provider = (*Client)(nil)

type Client struct {
	log          *zap.Logger
	sender       MulticastSender
	batch        dispatch.Batch
	unregistered func(error) bool
}

// New builds the firebase messaging client. Missing credentials yield an
// Unconfigured provider instead of an error.
func New(ctx context.Context, log *zap.Logger, cfg Config, timeout time.Duration) (dispatch.Provider, error) {
	opts, ok := cfg.options()
	if !ok {
		return dispatch.NewUnconfigured(log, "fcm", ValidateToken), nil
	}

	var fbConfig *firebase.Config
	if cfg.ProjectID != "" {
		fbConfig = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, fbConfig, opts...)
	if err != nil {
		return nil, Error.New("initializing firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, Error.New("creating messaging client: %w", err)
	}

	log.Info("fcm client initialized", zap.String("project_id", cfg.ProjectID))
	return NewClient(log, client, timeout), nil
}

func NewClient(log *zap.Logger, sender MulticastSender, timeout time.Duration) *Client {
	return &Client{
		log:    log,
		sender: sender,
		batch: dispatch.Batch{
			Size:     MaxBatchSize,
			Timeout:  timeout,
			Validate: ValidateToken,
			Log:      log,
		},
		unregistered: messaging.IsUnregistered,
	}
}

func (c *Client) Name() string { return "fcm" }

func (c *Client) ValidateToken(token string) error { return ValidateToken(token) }

func (c *Client) Send(ctx context.Context, messages []dispatch.Message) []dispatch.Result {
	return c.batch.Send(ctx, messages, c.sendChunk)
}

// sendChunk issues one multicast per distinct content within the chunk. A
// failed multicast only affects the tokens it carried.
func (c *Client) sendChunk(ctx context.Context, chunk []dispatch.Message) ([]dispatch.Result, error) {
	results := make([]dispatch.Result, len(chunk))

	for _, indexes := range dispatch.GroupByContent(chunk) {
		message := buildMulticast(chunk[indexes[0]])
		for _, idx := range indexes {
			message.Tokens = append(message.Tokens, chunk[idx].To)
		}

		responses, err := c.multicast(ctx, message)
		if err != nil {
			c.log.Warn("multicast failed", zap.Int("tokens", len(indexes)), zap.Error(err))
			for _, idx := range indexes {
				results[idx] = dispatch.Result{To: chunk[idx].To, ErrorReason: dispatch.ReasonTransport}
			}
			continue
		}

		for j, idx := range indexes {
			results[idx] = c.result(chunk[idx].To, responses[j])
		}
	}
	return results, nil
}

func (c *Client) multicast(ctx context.Context, message *messaging.MulticastMessage) ([]*messaging.SendResponse, error) {
	start := time.Now()
	resp, err := c.sender.SendEachForMulticast(ctx, message)
	metrics.ObserveProvider(c.Name(), "send", start)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(resp.Responses) != len(message.Tokens) {
		return nil, Error.New("expected %d responses, got %d", len(message.Tokens), len(resp.Responses))
	}
	return resp.Responses, nil
}

func (c *Client) result(to string, resp *messaging.SendResponse) dispatch.Result {
	if resp.Success {
		return dispatch.Result{To: to, OK: true, ProviderID: resp.MessageID}
	}
	result := dispatch.Result{To: to, ErrorReason: "unknown"}
	if resp.Error != nil {
		result.ErrorReason = resp.Error.Error()
		if c.unregistered(resp.Error) {
			result.ErrorReason = "unregistered"
			result.PermanentlyInvalid = true
		}
	}
	return result
}

func buildMulticast(m dispatch.Message) *messaging.MulticastMessage {
	message := &messaging.MulticastMessage{
		Notification: &messaging.Notification{
			Title: m.Title,
			Body:  m.Body,
		},
		Data: m.Data,
	}
	if m.Priority == "high" {
		message.Android = &messaging.AndroidConfig{Priority: "high"}
		message.APNS = &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
		}
	}
	if m.Sound != "" {
		if message.APNS == nil {
			message.APNS = &messaging.APNSConfig{}
		}
		message.APNS.Payload = &messaging.APNSPayload{Aps: &messaging.Aps{Sound: m.Sound}}
	}
	return message
}
