package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestValidate(t *testing.T) {
	a := New(zaptest.NewLogger(t), true, "secret")

	token, err := a.Sign("U1", "authenticated", time.Minute)
	require.NoError(t, err)

	id, err := a.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "U1", Role: "authenticated"}, id)
	assert.True(t, id.CanActFor("U1"))
	assert.False(t, id.CanActFor("U2"))
}

func TestValidateRejects(t *testing.T) {
	a := New(zaptest.NewLogger(t), true, "secret")
	other := New(zaptest.NewLogger(t), true, "other-secret")

	expired, err := a.Sign("U1", "", -time.Minute)
	require.NoError(t, err)
	foreign, err := other.Sign("U1", "", time.Minute)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "U1"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	noSubject, err := a.Sign("", RoleService, time.Minute)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":      "",
		"garbage":    "not.a.jwt",
		"expired":    expired,
		"foreign":    foreign,
		"no expiry":  noExpiry,
		"no subject": noSubject,
	} {
		_, err := a.Validate(token)
		assert.ErrorIs(t, err, ErrUnauthorized, name)
	}
}

func TestDisabledTreatsCallerAsService(t *testing.T) {
	a := New(zaptest.NewLogger(t), false, "")
	id, err := a.Validate("")
	require.NoError(t, err)
	assert.True(t, id.CanActFor("anyone"))
}

func TestMiddleware(t *testing.T) {
	a := New(zaptest.NewLogger(t), true, "secret")

	var seen Identity
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/push-notifications/tokens/U1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized","message":"missing or invalid access token"}`, rec.Body.String())

	token, err := a.Sign("U1", RoleService, time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/push-notifications/tokens/U1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "U1", seen.UserID)
	assert.Equal(t, RoleService, seen.Role)
}
