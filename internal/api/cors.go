package api

import (
	"net/http"
	"net/url"
	"slices"
)

// OriginPolicy decides which browser origins may call the API and open sockets.
// An empty list allows every origin.
type OriginPolicy struct {
	allowed []string
}

// NewOriginPolicy builds a policy from the configured origins.
func NewOriginPolicy(origins []string) *OriginPolicy {
	return &OriginPolicy{allowed: origins}
}

// Allows reports whether origin may be served.
func (p *OriginPolicy) Allows(origin string) bool {
	if p == nil || len(p.allowed) == 0 {
		return true
	}
	return slices.Contains(p.allowed, "*") || slices.Contains(p.allowed, origin)
}

// CheckWebSocket is the upgrader origin check. Requests without an Origin
// header come from non-browser clients and are accepted; a browser origin
// matching the request host is always accepted.
func (p *OriginPolicy) CheckWebSocket(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
		return true
	}
	return p.Allows(origin)
}

// CORSMiddleware adds CORS headers for allowed origins
func CORSMiddleware(policy *OriginPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && policy.Allows(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Max-Age", "3600")

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
