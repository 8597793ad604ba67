// Package auth provides the bearer-token middleware guarding the
// orchestrator's HTTP surface. Grounded on
// r3e-network-service_layer/infrastructure/middleware's Handler-wrapping
// shape, simplified: the API key is a single static bearer secret,
// not a signed token, so no JWT parsing is needed here.
package auth

import (
	"net/http"
	"strings"

	"github.com/krinkuto11/aceorchestrator/internal/apperr"
)

const bearerPrefix = "Bearer "

// Middleware builds http middleware comparing the Authorization header
// against apiKey. An empty apiKey disables auth entirely (local/dev use).
func Middleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeAuthError(w, apperr.New(apperr.AuthMissing, "missing Authorization header"))
				return
			}
			if !strings.HasPrefix(header, bearerPrefix) {
				writeAuthError(w, apperr.New(apperr.AuthInvalid, "Authorization header must use the Bearer scheme"))
				return
			}
			token := strings.TrimPrefix(header, bearerPrefix)
			if token != apiKey {
				writeAuthError(w, apperr.New(apperr.AuthInvalid, "invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	if apperr.Is(err, apperr.AuthInvalid) {
		status = http.StatusForbidden
	}
	http.Error(w, err.Error(), status)
}
