package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JonMunkholm/vehicleingest/internal/access"
	"github.com/JonMunkholm/vehicleingest/internal/config"
)

// Headers carrying the principal when no JWT secret is configured. A gateway
// in front of the service is expected to set them after authenticating.
const (
	HeaderUserID      = "X-User-ID"
	HeaderUserRole    = "X-User-Role"
	HeaderUserReports = "X-User-Reports"
)

// JWTLeeway is the clock skew tolerated when checking token expiry.
var JWTLeeway = 30 * time.Second

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p access.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by Authenticate.
func PrincipalFrom(ctx context.Context) (access.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(access.Principal)
	return p, ok
}

// APIKeyAuth returns middleware that validates X-API-Key header against configured keys.
// If RequireAPIKey is false, all requests pass through.
// If RequireAPIKey is true but no keys are configured, all requests are rejected.
func APIKeyAuth(cfg *config.SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.RequireAPIKey {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				slog.Warn("auth: missing API key",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, http.StatusUnauthorized, "missing API key")
				return
			}

			if !isValidAPIKey(apiKey, cfg.APIKeys) {
				slog.Warn("auth: invalid API key",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, http.StatusForbidden, "invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isValidAPIKey checks if the provided key matches any configured key.
// Uses constant-time comparison and checks ALL keys to prevent timing attacks.
func isValidAPIKey(key string, validKeys []string) bool {
	valid := 0
	for _, validKey := range validKeys {
		valid |= subtle.ConstantTimeCompare([]byte(key), []byte(validKey))
	}
	return valid == 1
}

// principalClaims are the claims of a bearer token.
type principalClaims struct {
	jwt.RegisteredClaims
	Role    string   `json:"role"`
	Reports []string `json:"reports,omitempty"`
}

// Authenticate resolves the request principal and stores it in the context.
// With a non-empty secret the principal comes from an HS256 bearer token
// (claims sub, role, reports); otherwise from the X-User-* headers.
func Authenticate(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				p   access.Principal
				err error
			)
			if len(key) > 0 {
				p, err = principalFromToken(r, key)
			} else {
				p, err = principalFromHeaders(r)
			}
			if err != nil {
				slog.Debug("auth: principal rejected",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", err,
				)
				writeAuthError(w, http.StatusUnauthorized, "unauthorized: "+err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func principalFromToken(r *http.Request, key []byte) (access.Principal, error) {
	authHeader := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return access.Principal{}, errors.New("missing bearer token")
	}

	claims := &principalClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(JWTLeeway),
	)
	if err != nil {
		return access.Principal{}, errors.New("invalid token")
	}
	return buildPrincipal(claims.Subject, claims.Role, claims.Reports)
}

func principalFromHeaders(r *http.Request) (access.Principal, error) {
	var reports []string
	for _, id := range strings.Split(r.Header.Get(HeaderUserReports), ",") {
		if id = strings.TrimSpace(id); id != "" {
			reports = append(reports, id)
		}
	}
	return buildPrincipal(r.Header.Get(HeaderUserID), r.Header.Get(HeaderUserRole), reports)
}

func buildPrincipal(id, role string, reports []string) (access.Principal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return access.Principal{}, errors.New("missing user id")
	}
	rl, ok := access.ParseRole(role)
	if !ok {
		return access.Principal{}, errors.New("unknown role")
	}
	return access.Principal{ID: id, Role: rl, Reports: reports}, nil
}

// SignToken issues an HS256 token for p. Used by tests and local tooling.
func SignToken(secret string, p access.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := principalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:    string(p.Role),
		Reports: p.Reports,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	code := "AUTH002"
	if status == http.StatusForbidden {
		code = "AUTH001"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":` + quote(message) + `,"code":"` + code + `"}` + "\n"))
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
