// ABOUTME: HTTP middleware authenticating visitors by bearer token
// ABOUTME: Verifies the JWT and stores the visitor id in the request context

package server

import (
	"context"
	"net/http"
	"strings"
)

type visitorKey struct{}

// withVisitor returns a context carrying the authenticated visitor id.
func withVisitor(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, visitorKey{}, id)
}

// visitorFromContext returns the authenticated visitor id, or "".
func visitorFromContext(ctx context.Context) string {
	id, _ := ctx.Value(visitorKey{}).(string)
	return id
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// TokenVerifier resolves a bearer token to a visitor id
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// requireVisitor rejects requests without a valid visitor token with 401.
func requireVisitor(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			visitorID, err := verifier.Verify(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(withVisitor(r.Context(), visitorID)))
		})
	}
}
