package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// RoleService is the role carried by backend producers. It may act on
// behalf of any user.
const RoleService = "service_role"

var ErrUnauthorized = errors.New("unauthorized")

// Claims is the subset of a Supabase access token the backend relies on.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	UserID string
	Role   string
}

// CanActFor reports whether the caller may read or write data owned by userID.
func (id Identity) CanActFor(userID string) bool {
	return id.Role == RoleService || (id.UserID != "" && id.UserID == userID)
}

// Authenticator validates HS256 bearer tokens signed with the project secret.
type Authenticator struct {
	log     *zap.Logger
	enabled bool
	secret  []byte
}

func New(log *zap.Logger, enabled bool, secret string) *Authenticator {
	if !enabled {
		log.Warn("authentication disabled, every caller is treated as service role")
	}
	return &Authenticator{log: log, enabled: enabled, secret: []byte(secret)}
}

// Validate parses token and returns the caller it identifies.
func (a *Authenticator) Validate(token string) (Identity, error) {
	if !a.enabled {
		return Identity{Role: RoleService}, nil
	}
	if token == "" {
		return Identity{}, ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, errors.Join(ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

// Sign issues a token for subject. Used by tooling and tests; production
// tokens come from the auth provider.
func (a *Authenticator) Sign(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's Identity in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.Validate(extractBearerToken(r.Header.Get("Authorization")))
		if err != nil {
			a.log.Debug("rejected request", zap.String("path", r.URL.Path), zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "unauthorized",
				"message": "missing or invalid access token",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the caller stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func extractBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
