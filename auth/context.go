package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type ctxKey int

const claimsKey ctxKey = iota

// Claims contains the verified token details we care about.
type Claims struct {
	Subject   string
	Email     string
	Role      string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
}

// WithClaims stores auth claims in a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns claims from a context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// BearerToken returns the token from the request's Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	return extractBearerToken(r.Header.Get("Authorization"))
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

// Middleware rejects requests without a valid bearer token and stores the
// verified claims in the request context. onFail writes the rejection.
func Middleware(v *Verifier, logger *slog.Logger, onFail func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				logger.InfoContext(r.Context(), "auth_failure", "reason", "missing bearer token", "path", r.URL.Path)
				onFail(w, r, errMissingToken)
				return
			}
			claims, err := v.Verify(token)
			if err != nil {
				logger.InfoContext(r.Context(), "auth_failure", "reason", "invalid token", "path", r.URL.Path, "error", err)
				onFail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
