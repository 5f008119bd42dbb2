package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/elimaine/clawfactory-sub000/pkg/config"
)

// AdminKeyHeader carries the admin key on control-plane requests.
const AdminKeyHeader = "X-Admin-Key"

// AdminAuth requires the configured admin key. With no key configured every
// request is refused, so an unconfigured deployment never exposes the log.
// The key is read on every request and follows config reloads.
func AdminAuth(cfg *config.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := cfg.Get().Auth.AdminKey
			if want == "" {
				respondError(w, "Admin API disabled: no admin key configured", http.StatusServiceUnavailable)
				return
			}

			got := r.Header.Get(AdminKeyHeader)
			if got == "" {
				respondError(w, "Missing "+AdminKeyHeader+" header", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				authFailures.Inc()
				respondError(w, "Invalid admin key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
