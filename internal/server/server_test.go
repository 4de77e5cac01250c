package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mithileshchellappan/shiftpush/internal/auth"
	"github.com/mithileshchellappan/shiftpush/internal/expo"
	"github.com/mithileshchellappan/shiftpush/internal/service"
	"github.com/mithileshchellappan/shiftpush/internal/storage"
)

type testEnv struct {
	handler http.Handler
	auth    *auth.Authenticator
	// tickets is what the fake Expo endpoint answers per token.
	tickets map[string]string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)
	env := &testEnv{tickets: map[string]string{}}

	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/--/api/v2/push/send":
			var batch []struct {
				To []string `json:"to"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
			tickets := make([]string, len(batch))
			for i, m := range batch {
				if env.tickets[m.To[0]] == "gone" {
					tickets[i] = `{"status":"error","message":"gone","details":{"error":"DeviceNotRegistered"}}`
					continue
				}
				tickets[i] = fmt.Sprintf(`{"status":"ok","id":"ticket-%d"}`, i)
			}
			fmt.Fprintf(w, `{"data":[%s]}`, strings.Join(tickets, ","))
		case "/--/api/v2/push/getReceipts":
			fmt.Fprint(w, `{"data":{"ticket-0":{"status":"ok"}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(vendor.Close)

	store, err := storage.NewBoltStore(log, filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc := service.NewPushService(log, store, expo.NewClient(log, vendor.URL, "", time.Second))
	env.auth = auth.New(log, true, "test-secret")
	env.handler = New(log, svc, env.auth).Handler()
	return env
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	token, err := e.auth.Sign(userID, role, time.Minute)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRegisterSendAndList(t *testing.T) {
	env := newTestEnv(t)
	user := env.token(t, "U1", "authenticated")

	rec := env.do(t, http.MethodPost, "/api/push-notifications/register", user, map[string]string{
		"userId": "U1", "token": "ExponentPushToken[abc]", "platform": "ios",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	registered := decodeBody[storage.DeviceToken](t, rec)
	assert.Equal(t, "U1", registered.UserID)
	assert.Equal(t, storage.TokenActive, registered.Status)

	rec = env.do(t, http.MethodPost, "/api/push-notifications/send", user, map[string]interface{}{
		"userId": "U1", "title": "Shift Reminder", "message": "Starts in 1 hour", "type": "shift_reminder",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decodeBody[service.Summary](t, rec)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 0, summary.Failed)
	assert.NotEmpty(t, summary.AttemptID)

	admin := env.token(t, "backend", auth.RoleService)
	rec = env.do(t, http.MethodGet, "/api/push-notifications/attempts/"+summary.AttemptID, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	attempt := decodeBody[storage.NotificationAttempt](t, rec)
	assert.Equal(t, "shift_reminder", attempt.Data["type"])
	assert.Equal(t, []string{"U1"}, attempt.RecipientUserIDs)

	rec = env.do(t, http.MethodGet, "/api/push-notifications/tokens/U1", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]storage.DeviceToken](t, rec), 1)
}

func TestSendBulkInvalidatesUnregistered(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, "backend", auth.RoleService)
	env.tickets["ExponentPushToken[old]"] = "gone"

	for user, token := range map[string]string{"U1": "ExponentPushToken[new]", "U2": "ExponentPushToken[old]"} {
		rec := env.do(t, http.MethodPost, "/api/push-notifications/register", admin, map[string]string{
			"userId": user, "token": token, "platform": "android",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/push-notifications/send-bulk", admin, map[string]interface{}{
		"userIds": []string{"U1", "U2", "U3"}, "title": "Roster", "message": "New shifts available",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decodeBody[service.Summary](t, rec)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, summary.Failed)

	rec = env.do(t, http.MethodGet, "/api/push-notifications/tokens/U2", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]storage.DeviceToken](t, rec))
}

func TestRegisterErrors(t *testing.T) {
	env := newTestEnv(t)
	user := env.token(t, "U1", "authenticated")

	cases := []struct {
		name   string
		body   map[string]string
		status int
		reason string
	}{
		{"bad token", map[string]string{"userId": "U1", "token": "abc", "platform": "ios"}, http.StatusBadRequest, "invalid_token_format"},
		{"empty token", map[string]string{"userId": "U1", "token": "", "platform": "ios"}, http.StatusBadRequest, "invalid_token_format"},
		{"bad platform", map[string]string{"userId": "U1", "token": "ExponentPushToken[abc]", "platform": "tv"}, http.StatusBadRequest, "invalid_platform"},
		{"missing user", map[string]string{"token": "ExponentPushToken[abc]", "platform": "ios"}, http.StatusBadRequest, "invalid_request"},
		{"other user", map[string]string{"userId": "U2", "token": "ExponentPushToken[abc]", "platform": "ios"}, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/push-notifications/register", user, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.reason, decodeBody[map[string]string](t, rec)["error"])
		})
	}
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t)
	user := env.token(t, "U1", "authenticated")

	rec := env.do(t, http.MethodPost, "/api/push-notifications/send", user, map[string]string{"userId": "U1", "message": "no title"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeBody[map[string]string](t, rec)["error"])

	rec = env.do(t, http.MethodPost, "/api/push-notifications/send-bulk", user, map[string]interface{}{"userIds": []string{}, "title": "t", "message": "m"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/push-notifications/send", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+user)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendToUserWithoutDevices(t *testing.T) {
	env := newTestEnv(t)
	user := env.token(t, "U1", "authenticated")

	rec := env.do(t, http.MethodPost, "/api/push-notifications/send", user, map[string]string{
		"userId": "U9", "title": "Shift Reminder", "message": "Starts in 1 hour",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody[service.Summary](t, rec)
	assert.Equal(t, 0, summary.Sent)
	assert.Equal(t, 0, summary.Failed)
}

func TestDeleteToken(t *testing.T) {
	env := newTestEnv(t)
	owner := env.token(t, "U1", "authenticated")
	stranger := env.token(t, "U2", "authenticated")

	rec := env.do(t, http.MethodPost, "/api/push-notifications/register", owner, map[string]string{
		"userId": "U1", "token": "ExponentPushToken[abc]", "platform": "web",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	token := decodeBody[storage.DeviceToken](t, rec)

	rec = env.do(t, http.MethodDelete, "/api/push-notifications/tokens/"+token.ID, stranger, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/push-notifications/tokens/"+token.ID, owner, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/push-notifications/tokens/"+token.ID, owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[map[string]string](t, rec)["error"])
}

func TestReceipts(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, "backend", auth.RoleService)

	rec := env.do(t, http.MethodPost, "/api/push-notifications/receipts", admin, map[string][]string{"ids": {"ticket-0", "ticket-9"}})
	require.Equal(t, http.StatusOK, rec.Code)
	receipts := decodeBody[map[string]map[string]string](t, rec)
	assert.Equal(t, "ok", receipts["ticket-0"]["status"])
	assert.NotContains(t, receipts, "ticket-9")
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/push-notifications/tokens/U1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/push-notifications/tokens/U2", env.token(t, "U1", "authenticated"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/push-notifications/attempts/whatever", env.token(t, "U1", "authenticated"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/push-notifications/attempts/missing", env.token(t, "backend", auth.RoleService), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "expo", decodeBody[map[string]string](t, rec)["provider"])

	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
