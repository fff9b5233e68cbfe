package auth

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
)

// ContextKey is a type for context keys
type ContextKey string

// ClaimsKey is the context key for session claims
const ClaimsKey ContextKey = "claims"

// Middleware validates bearer session tokens and stores the claims in the
// request context. With required unset, requests without an Authorization
// header pass through unauthenticated; a malformed or invalid token is
// always rejected.
func Middleware(tokens *TokenService, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if required {
					sendError(w, http.StatusUnauthorized, "MissingToken", "Authorization header required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				sendError(w, http.StatusUnauthorized, "InvalidToken", "Invalid authorization header format")
				return
			}

			claims, err := tokens.Validate(parts[1])
			if err != nil {
				sendError(w, http.StatusUnauthorized, "InvalidToken", "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims extracts session claims from request context
func GetClaims(r *http.Request) (*Claims, bool) {
	claims, ok := r.Context().Value(ClaimsKey).(*Claims)
	return claims, ok
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	}); err != nil {
		log.Printf("Failed to encode auth error: %v", err)
	}
}
