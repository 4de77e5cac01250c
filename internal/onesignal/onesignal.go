package onesignal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	osapi "github.com/OneSignal/onesignal-go-api/v2"
	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/mithileshchellappan/shiftpush/internal/dispatch"
	"github.com/mithileshchellappan/shiftpush/internal/metrics"
)

const (
	DefaultBaseURL = "https://onesignal.com/api/v1"

	// MaxBatchSize is the number of player ids OneSignal accepts per notification.
	MaxBatchSize = 2000

	// ReasonNotSubscribed means the players exist but have opted out.
	ReasonNotSubscribed = "not_subscribed"
	// ReasonInvalidPlayer means OneSignal does not know the player id.
	ReasonInvalidPlayer = "invalid_player_id"

	notSubscribed = "All included players are not subscribed"
)

// Error is the class of errors returned by the OneSignal client.
var Error = errs.Class("onesignal")

// ValidateToken checks that a player id is a UUID.
func ValidateToken(token string) error {
	if _, err := uuid.Parse(token); err != nil {
		return Error.New("%q is not a OneSignal player id", token)
	}
	return nil
}

var (
	_ dispatch.Provider      = (*Client)(nil)
	_ dispatch.UserAddressed = (*Client)(nil)
)

type Client struct {
	log    *zap.Logger
	api    *osapi.APIClient
	appID  string
	apiKey string
	batch  dispatch.Batch
}

// New returns a OneSignal provider, or an Unconfigured stand-in when the app
// id or api key is missing.
func New(log *zap.Logger, baseURL, appID, apiKey string, timeout time.Duration) dispatch.Provider {
	if appID == "" || apiKey == "" {
		return dispatch.NewUnconfigured(log, "onesignal", ValidateToken)
	}
	return NewClient(log, baseURL, appID, apiKey, timeout)
}

func NewClient(log *zap.Logger, baseURL, appID, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = dispatch.DefaultChunkTimeout
	}

	cfg := osapi.NewConfiguration()
	cfg.Servers = osapi.ServerConfigurations{{URL: strings.TrimRight(baseURL, "/")}}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	return &Client{
		log:    log,
		api:    osapi.NewAPIClient(cfg),
		appID:  appID,
		apiKey: apiKey,
		batch: dispatch.Batch{
			Size:     MaxBatchSize,
			Timeout:  timeout,
			Validate: ValidateToken,
			Log:      log,
		},
	}
}

func (c *Client) Name() string { return "onesignal" }

func (c *Client) ValidateToken(token string) error { return ValidateToken(token) }

// sendErrors is the decoded "errors" member, which OneSignal returns either
// as a list of messages or as an object keyed by error kind.
type sendErrors struct {
	messages           []string
	invalidPlayers     []string
	invalidExternalIDs []string
}

func (e sendErrors) notSubscribed() bool {
	for _, msg := range e.messages {
		if strings.Contains(msg, notSubscribed) {
			return true
		}
	}
	return false
}

func fromResponse(resp *osapi.CreateNotificationSuccessResponse) sendErrors {
	var out sendErrors
	reported, ok := resp.GetErrorsOk()
	if !ok {
		return out
	}
	if reported.ArrayOfString != nil {
		out.messages = *reported.ArrayOfString
	}
	if invalid := reported.InvalidIdentifierError; invalid != nil {
		out.invalidPlayers = invalid.InvalidPlayerIds
		out.invalidExternalIDs = invalid.InvalidExternalUserIds
	}
	return out
}

// parseErrorBody reads the "errors" list out of a rejected request body.
func parseErrorBody(body []byte) sendErrors {
	var decoded struct {
		Errors json.RawMessage `json:"errors"`
	}
	var out sendErrors
	if err := json.Unmarshal(body, &decoded); err != nil {
		return out
	}
	_ = json.Unmarshal(decoded.Errors, &out.messages)
	return out
}

func (c *Client) notification(message dispatch.Message) *osapi.Notification {
	n := osapi.NewNotification(c.appID)
	n.SetContents(osapi.StringMap{En: osapi.PtrString(message.Body)})
	if message.Title != "" {
		n.SetHeadings(osapi.StringMap{En: osapi.PtrString(message.Title)})
	}
	if len(message.Data) > 0 {
		data := make(map[string]interface{}, len(message.Data))
		for k, v := range message.Data {
			data[k] = v
		}
		n.SetData(data)
	}
	if message.Sound != "" {
		n.SetIosSound(message.Sound)
	}
	if message.Priority == "high" {
		n.SetPriority(10)
	}
	return n
}

func (c *Client) Send(ctx context.Context, messages []dispatch.Message) []dispatch.Result {
	return c.batch.Send(ctx, messages, c.sendChunk)
}

// sendChunk groups the chunk by identical content so one vendor call covers
// every player receiving the same notification. A failed call only affects
// the players of its own group.
func (c *Client) sendChunk(ctx context.Context, chunk []dispatch.Message) ([]dispatch.Result, error) {
	results := make([]dispatch.Result, len(chunk))

	for _, indexes := range dispatch.GroupByContent(chunk) {
		n := c.notification(chunk[indexes[0]])
		players := make([]string, len(indexes))
		for i, idx := range indexes {
			players[i] = chunk[idx].To
		}
		n.SetIncludePlayerIds(players)

		id, failures, err := c.create(ctx, n)
		if err != nil {
			c.log.Warn("notification group failed", zap.Int("players", len(indexes)), zap.Error(err))
			for _, idx := range indexes {
				results[idx] = dispatch.Result{To: chunk[idx].To, ErrorReason: dispatch.ReasonTransport}
			}
			continue
		}

		invalid := make(map[string]bool, len(failures.invalidPlayers))
		for _, player := range failures.invalidPlayers {
			invalid[player] = true
		}
		unsubscribed := failures.notSubscribed()

		for _, idx := range indexes {
			to := chunk[idx].To
			switch {
			case invalid[to]:
				results[idx] = dispatch.Result{To: to, ErrorReason: ReasonInvalidPlayer, PermanentlyInvalid: true}
			case unsubscribed:
				results[idx] = dispatch.Result{To: to, ErrorReason: ReasonNotSubscribed}
			default:
				results[idx] = dispatch.Result{To: to, OK: true, ProviderID: id}
			}
		}
	}
	return results, nil
}

// SendToUsers addresses devices by external user id and lets OneSignal
// resolve them. Nothing is ever marked permanently invalid here since no
// local token is involved.
func (c *Client) SendToUsers(ctx context.Context, userIDs []string, message dispatch.Message) []dispatch.UserResult {
	results := make([]dispatch.UserResult, len(userIDs))
	for i, id := range userIDs {
		results[i] = dispatch.UserResult{UserID: id, ErrorReason: dispatch.ReasonTransport}
	}

	for start := 0; start < len(userIDs); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(userIDs))

		n := c.notification(message)
		n.SetIncludeExternalUserIds(userIDs[start:end])

		reqCtx, cancel := context.WithTimeout(ctx, c.batch.Timeout)
		id, failures, err := c.create(reqCtx, n)
		cancel()
		if err != nil {
			c.log.Warn("external user send failed", zap.Int("users", end-start), zap.Error(err))
			continue
		}

		unknown := make(map[string]bool, len(failures.invalidExternalIDs))
		for _, user := range failures.invalidExternalIDs {
			unknown[user] = true
		}
		allUnknown := failures.notSubscribed()

		for i := start; i < end; i++ {
			if allUnknown || unknown[userIDs[i]] {
				results[i] = dispatch.UserResult{UserID: userIDs[i], ErrorReason: "no_subscribed_devices"}
				continue
			}
			results[i] = dispatch.UserResult{UserID: userIDs[i], OK: true, ProviderID: id}
		}
	}
	return results
}

// create posts one notification and returns its id and the per-recipient
// errors OneSignal reported.
func (c *Client) create(ctx context.Context, n *osapi.Notification) (string, sendErrors, error) {
	authCtx := context.WithValue(ctx, osapi.AppAuth, c.apiKey)

	start := time.Now()
	resp, httpResp, err := c.api.DefaultApi.CreateNotification(authCtx).Notification(*n).Execute()
	metrics.ObserveProvider(c.Name(), "send", start)
	if err != nil {
		// An unsubscribed audience is reported as a 400 on some API versions.
		var apiErr *osapi.GenericOpenAPIError
		if errors.As(err, &apiErr) && httpResp != nil && httpResp.StatusCode == http.StatusBadRequest {
			if parsed := parseErrorBody(apiErr.Body()); parsed.notSubscribed() {
				return "", parsed, nil
			}
		}
		return "", sendErrors{}, Error.New("failed to send notification: %w", err)
	}
	return resp.GetId(), fromResponse(resp), nil
}
