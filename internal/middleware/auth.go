// Package middleware holds the HTTP middleware shared by the REST API and
// the websocket endpoint.
package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/aslanahmtv/notification-service/internal/auth"
	"github.com/aslanahmtv/notification-service/internal/httputil"
)

// AuthMiddleware verifies the bearer token and stores its claims in the
// request context. The token itself never appears in the error response.
func AuthMiddleware(verifier auth.Verifier) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.WriteError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			token, ok := auth.BearerToken(authHeader)
			if !ok {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				hlog.FromRequest(r).Debug().Err(err).Msg("token rejected")
				httputil.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := auth.ContextWithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
