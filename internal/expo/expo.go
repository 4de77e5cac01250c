package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	exposdk "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/mithileshchellappan/shiftpush/internal/dispatch"
	"github.com/mithileshchellappan/shiftpush/internal/metrics"
)

const (
	DefaultBaseURL = exposdk.DefaultHost

	sendPath     = exposdk.DefaultBaseAPIURL + "/push/send"
	receiptsPath = exposdk.DefaultBaseAPIURL + "/push/getReceipts"

	// MaxBatchSize is the number of messages Expo accepts per send request.
	MaxBatchSize = 100
	// MaxReceiptBatchSize is the number of ticket ids accepted per receipt request.
	MaxReceiptBatchSize = 1000
)

// Error is the class of errors returned by the Expo client.
var Error = errs.Class("expo")

// The sdk only checks the ExponentPushToken prefix; Expo also issues
// ExpoPushToken[...] tokens.
var tokenPattern = regexp.MustCompile(`^(ExponentPushToken|ExpoPushToken)\[[^\[\]\s]+\]$`)

// ValidateToken checks the lexical format of an Expo push token.
func ValidateToken(token string) error {
	if !tokenPattern.MatchString(token) {
		return Error.New("%q is not an Expo push token", token)
	}
	return nil
}

var (
	_ dispatch.Provider       = (*Client)(nil)
	_ dispatch.ReceiptChecker = (*Client)(nil)
)

// Client sends through the Expo push service. The access token is optional;
// Expo accepts unauthenticated sends unless enhanced security is enabled.
type Client struct {
	log         *zap.Logger
	push        *exposdk.PushClient
	httpClient  *http.Client
	baseURL     string
	accessToken string
	batch       dispatch.Batch
}

func NewClient(log *zap.Logger, baseURL, accessToken string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = dispatch.DefaultChunkTimeout
	}
	baseURL = strings.TrimRight(baseURL, "/")

	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: bufferedTransport{next: http.DefaultTransport},
	}
	return &Client{
		log: log,
		push: exposdk.NewPushClient(&exposdk.ClientConfig{
			Host:        baseURL,
			AccessToken: accessToken,
			HTTPClient:  httpClient,
		}),
		httpClient:  httpClient,
		baseURL:     baseURL,
		accessToken: accessToken,
		batch: dispatch.Batch{
			Size:     MaxBatchSize,
			Timeout:  timeout,
			Validate: ValidateToken,
			Log:      log,
		},
	}
}

func (c *Client) Name() string { return "expo" }

func (c *Client) ValidateToken(token string) error { return ValidateToken(token) }

// bufferedTransport drains and closes every response body before handing a
// copy back. The sdk decodes send responses without closing them.
type bufferedTransport struct {
	next http.RoundTripper
}

func (t bufferedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

type ticketDetails struct {
	Error string `json:"error"`
}

type receipt struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Details *ticketDetails `json:"details"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type receiptsRequest struct {
	IDs []string `json:"ids"`
}

type receiptsResponse struct {
	Data   map[string]receipt `json:"data"`
	Errors []apiError         `json:"errors"`
}

func (c *Client) Send(ctx context.Context, messages []dispatch.Message) []dispatch.Result {
	return c.batch.Send(ctx, messages, c.sendChunk)
}

type published struct {
	tickets []exposdk.PushResponse
	err     error
}

func (c *Client) sendChunk(ctx context.Context, chunk []dispatch.Message) ([]dispatch.Result, error) {
	payload := make([]exposdk.PushMessage, len(chunk))
	for i, m := range chunk {
		payload[i] = exposdk.PushMessage{
			To:       []exposdk.ExponentPushToken{exposdk.ExponentPushToken(m.To)},
			Title:    m.Title,
			Body:     m.Body,
			Data:     m.Data,
			Sound:    m.Sound,
			Priority: m.Priority,
		}
	}

	// The sdk call takes no context; the http client timeout bounds it and
	// ctx decides how long we wait for the answer.
	done := make(chan published, 1)
	start := time.Now()
	go func() {
		tickets, err := c.push.PublishMultiple(payload)
		done <- published{tickets: tickets, err: err}
	}()

	var out published
	select {
	case <-ctx.Done():
		return nil, Error.New("waiting for send response: %w", ctx.Err())
	case out = <-done:
	}
	metrics.ObserveProvider(c.Name(), "send", start)

	if out.err != nil {
		var serverErr *exposdk.PushServerError
		if errors.As(out.err, &serverErr) && len(serverErr.Errors) > 0 {
			return nil, Error.New("request rejected: %s: %s", serverErr.Errors[0]["code"], serverErr.Errors[0]["message"])
		}
		return nil, Error.Wrap(out.err)
	}

	results := make([]dispatch.Result, len(chunk))
	for i := range out.tickets {
		results[i] = ticketResult(chunk[i].To, &out.tickets[i])
	}
	return results, nil
}

func ticketResult(to string, ticket *exposdk.PushResponse) dispatch.Result {
	err := ticket.ValidateResponse()
	if err == nil {
		return dispatch.Result{To: to, OK: true, ProviderID: ticket.ID}
	}

	var gone *exposdk.DeviceNotRegisteredError
	result := dispatch.Result{
		To:                 to,
		ErrorReason:        ticket.Details["error"],
		PermanentlyInvalid: errors.As(err, &gone),
	}
	if result.ErrorReason == "" {
		result.ErrorReason = ticket.Message
	}
	if result.ErrorReason == "" {
		result.ErrorReason = "unknown"
	}
	return result
}

// CheckReceipts fetches delivery receipts for the given ticket ids. Tickets
// Expo does not know yet are absent from the result.
func (c *Client) CheckReceipts(ctx context.Context, ticketIDs []string) (map[string]dispatch.ReceiptStatus, error) {
	out := make(map[string]dispatch.ReceiptStatus, len(ticketIDs))

	for start := 0; start < len(ticketIDs); start += MaxReceiptBatchSize {
		end := min(start+MaxReceiptBatchSize, len(ticketIDs))

		var resp receiptsResponse
		began := time.Now()
		err := c.post(ctx, receiptsPath, receiptsRequest{IDs: ticketIDs[start:end]}, &resp)
		metrics.ObserveProvider(c.Name(), "receipts", began)
		if err != nil {
			return out, err
		}
		if len(resp.Errors) > 0 {
			return out, Error.New("receipts rejected: %s: %s", resp.Errors[0].Code, resp.Errors[0].Message)
		}

		for id, r := range resp.Data {
			status := dispatch.ReceiptStatus{Status: r.Status, Message: r.Message}
			if r.Details != nil {
				status.ErrorReason = r.Details.Error
			}
			out[id] = status
		}
	}
	return out, nil
}

// post is used for receipts only, which the sdk does not cover.
func (c *Client) post(ctx context.Context, path string, body, into any) error {
	payloadBytes, err := json.Marshal(body)
	if err != nil {
		return Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Error.New("failed to send request: %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return Error.New("decoding response: %w", err)
	}
	return nil
}
