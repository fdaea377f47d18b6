package middleware

import (
	"context"
	"net/http"

	"github.com/ollamaverse/tokengate/internal/api/response"
)

const ownerKey contextKey = "owner_identity"

// OwnerIdentity requires the X-Owner-Identity header on owner-facing token
// management routes. The fronting session layer authenticates the user and
// installs this header; session handling itself lives outside this service.
func OwnerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get("X-Owner-Identity")
		if owner == "" {
			response.WriteError(w, http.StatusUnauthorized, "missing owner identity")
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OwnerFromContext extracts the authenticated owner identity.
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}
