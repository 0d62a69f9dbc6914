package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// claimsKey is a context key for the authenticated token claims.
type claimsKey struct{}

// ClaimsFromContext returns the validated claims from the request context.
// Returns nil if the request is not authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	if c, ok := ctx.Value(claimsKey{}).(*Claims); ok {
		return c
	}
	return nil
}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// Middleware validates bearer tokens on API routes.
// Non-API paths (healthz, metrics) and paths in skipPrefixes are passed
// through; WebSocket routes authenticate with a query parameter instead.
func Middleware(tokens *TokenService, skipPrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}
			for _, p := range skipPrefixes {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "missing or invalid authorization header")
				return
			}

			claims, err := tokens.Validate(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired access token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://azurechat.dev/problems/unauthorized",
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
