package middleware

import (
	"net/http"
	"strings"
)

// corsPolicy holds the resolved origin allow list.
type corsPolicy struct {
	allowAll bool
	origins  map[string]bool
}

func (p corsPolicy) allows(origin string) bool {
	return p.allowAll || p.origins[origin]
}

// CORS returns middleware that sets Cross-Origin Resource Sharing headers
// for the browser signaling clients. allowedOrigins lists permitted origins;
// "*" allows any origin. An empty list disables CORS entirely. The API uses
// bearer tokens, not cookies, so credentialed requests are never allowed.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := corsPolicy{origins: make(map[string]bool, len(allowedOrigins))}
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			policy.allowAll = true
		}
		if o != "" {
			policy.origins[o] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && policy.allows(origin) {
				h := w.Header()
				if policy.allowAll {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Vary", "Origin")
				}
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", "300")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ParseCORSOrigins splits a comma-separated origins string into a slice.
// Empty input returns nil.
func ParseCORSOrigins(raw string) []string {
	var origins []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
