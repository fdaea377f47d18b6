package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ollamaverse/tokengate/internal/api/response"
	"github.com/ollamaverse/tokengate/internal/core"
	"github.com/ollamaverse/tokengate/internal/model"
)

type contextKey string

const tokenKey contextKey = "api_token"

const invalidTokenMessage = "invalid token"

// BearerAuth returns a middleware that authenticates the Authorization
// bearer value against the token store. Every authentication failure gets
// the same 401 body so token state cannot be probed; store failures fail
// closed with a 500 instead of masquerading as a bad token.
func BearerAuth(svc *core.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				response.WriteError(w, http.StatusUnauthorized, invalidTokenMessage)
				return
			}

			token, err := svc.Authenticate(r.Context(), raw)
			if err != nil {
				var storeErr *core.StoreError
				if errors.As(err, &storeErr) {
					zerolog.Ctx(r.Context()).Error().Err(err).Msg("authentication store failure")
					response.WriteInternalError(w, r)
					return
				}
				response.WriteError(w, http.StatusUnauthorized, invalidTokenMessage)
				return
			}

			ctx := context.WithValue(r.Context(), tokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokenFromContext extracts the authenticated token from the request context.
func TokenFromContext(ctx context.Context) *model.APIToken {
	t, _ := ctx.Value(tokenKey).(*model.APIToken)
	return t
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
