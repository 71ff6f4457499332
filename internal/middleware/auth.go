package middleware

import (
	"encoding/json"
	"log"
	"net/http"

	"pillpal-hub/internal/ownership"
)

// AuthMiddleware gates the API behind a resolved session. The hub serves one
// household; the resolver decides which account's data requests act on.
type AuthMiddleware struct {
	resolver *ownership.Resolver
}

func NewAuthMiddleware(resolver *ownership.Resolver) *AuthMiddleware {
	return &AuthMiddleware{resolver: resolver}
}

// RequireSession rejects requests when no usable session can be resolved.
func (am *AuthMiddleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := am.resolver.Resolve(r.Context())
		if err != nil {
			log.Printf("🚫 Request rejected, no usable session: %v", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "Not authenticated",
				"message": "Sign in on the dashboard before using the dispenser API",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORS allows the dashboard origin to call the API from the browser.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
