package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
)

// TokenAuth rejects requests whose bearer token differs from token. An empty
// token disables the check. The health route stays open.
func TokenAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == healthPath {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, string(apperrors.ErrTransport), "missing authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, string(apperrors.ErrTransport), "invalid authorization header format")
				return
			}
			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, string(apperrors.ErrTransport), "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
