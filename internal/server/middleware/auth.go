// Package middleware holds the HTTP middleware shared by the API routes.
package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sinhamajestic/3device-app/internal/security"
	"github.com/sinhamajestic/3device-app/internal/server/respond"
)

// TokenVerifier validates a bearer token and returns its identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*security.Identity, error)
}

// Authenticate returns middleware that requires a valid Bearer token and stores the verified
// identity in the request context. Requests without one get 401.
func Authenticate(v TokenVerifier, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := security.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w)
				return
			}
			id, err := v.Verify(r.Context(), token)
			if err != nil {
				logger.Debug().Err(err).Str("path", r.URL.Path).Msg("bearer token rejected")
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	respond.Error(w, http.StatusUnauthorized, "unauthorized", "missing or invalid authorization")
}
