// Package middleware provides HTTP middleware for the gateway API.
package middleware

import "net/http"

// The operational surface only serves reads and the force-transfer
// POST; no other methods are exposed cross-origin.
const allowedMethods = "GET, POST, OPTIONS"

// CORS returns middleware that handles CORS headers for the
// operational endpoints. Websocket upgrades enforce their own origin
// policy at Accept time and are not affected.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Set("Access-Control-Max-Age", "300")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
