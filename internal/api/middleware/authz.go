package middleware

import (
	"errors"
	"net/http"

	"github.com/ollamaverse/tokengate/internal/api/response"
	"github.com/ollamaverse/tokengate/internal/core"
)

// RequireScope returns middleware that checks the authenticated token holds
// the given scope. Active and expiry are re-verified here as well, so a
// token revoked between lookup and authorization still gets a 401.
func RequireScope(svc *core.TokenService, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromContext(r.Context())
			if err := svc.Authorize(token, scope); err != nil {
				var authzErr *core.AuthorizationError
				if errors.As(err, &authzErr) {
					response.WriteError(w, http.StatusForbidden, authzErr.Error())
					return
				}
				response.WriteError(w, http.StatusUnauthorized, invalidTokenMessage)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
