package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/atlasops/atlas/core"
)

// corsMiddleware handles preflight OPTIONS requests and adds CORS headers
// per the configuration. Disabled configs pass requests straight through.
func corsMiddleware(config core.CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			if isOriginAllowed(origin, config.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if config.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				if len(config.AllowedMethods) > 0 {
					w.Header().Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
				}
				if len(config.AllowedHeaders) > 0 {
					w.Header().Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
				}
				if config.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", config.MaxAge))
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isOriginAllowed matches an origin against the allowed list. Supports the
// wildcard origin "*", wildcard subdomains ("*.example.com") and wildcard
// ports ("http://localhost:*"). An empty origin is a same-origin request
// and needs no CORS headers.
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	if origin == "" {
		return false
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}

		if idx := strings.Index(allowed, "*."); idx >= 0 {
			before := allowed[:idx]
			after := allowed[idx+2:]
			if !strings.HasPrefix(origin, before) || !strings.HasSuffix(origin, after) {
				continue
			}
			middle := strings.TrimSuffix(origin[len(before):], after)
			// The wildcard must cover a non-empty subdomain.
			if len(middle) > 0 {
				return true
			}
		}

		if strings.Contains(allowed, ":*") {
			base := strings.Split(allowed, ":*")[0]
			if strings.HasPrefix(origin, base+":") {
				return true
			}
		}
	}
	return false
}
