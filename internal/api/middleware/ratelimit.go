package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/ollamaverse/tokengate/internal/api/response"
	"github.com/ollamaverse/tokengate/internal/core"
)

// TokenRateLimit returns middleware that admits the request against the
// authenticated token's per-minute quota. The limit stored on the token
// record overrides the service default. Rejections carry a Retry-After
// header with the remaining window time.
func TokenRateLimit(rl *core.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromContext(r.Context())
			if token == nil {
				response.WriteError(w, http.StatusUnauthorized, invalidTokenMessage)
				return
			}

			if err := rl.Admit(token.ID, token.RateLimitPerMinute); err != nil {
				var limitErr *core.RateLimitError
				if errors.As(err, &limitErr) {
					w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limitErr.RetryAfter)))
					response.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
					return
				}
				response.WriteInternalError(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// PublicRateLimit limits unauthenticated endpoints by caller address,
// the fallback key when no token id is available.
func PublicRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
