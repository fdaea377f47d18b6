package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	mw "github.com/ollamaverse/tokengate/internal/api/middleware"
	"github.com/ollamaverse/tokengate/internal/api/request"
	"github.com/ollamaverse/tokengate/internal/api/response"
	"github.com/ollamaverse/tokengate/internal/core"
	"github.com/ollamaverse/tokengate/internal/model"
)

// Token handles owner-facing token management endpoints.
type Token struct {
	svc   *core.TokenService
	usage *core.UsageService
}

// NewToken creates a new Token handler.
func NewToken(svc *core.TokenService, usage *core.UsageService) *Token {
	return &Token{svc: svc, usage: usage}
}

// tokenResponse is the owner-facing view of a token: metadata only, never
// the secret hash. Status distinguishes active, expired and revoked here,
// a distinction the authentication path deliberately hides.
type tokenResponse struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	PrefixIndex        string     `json:"prefix_index"`
	Scopes             []string   `json:"scopes"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	TotalRequests      int64      `json:"total_requests"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	Status             string     `json:"status"`
}

func newTokenResponse(t *model.APIToken) tokenResponse {
	return tokenResponse{
		ID:                 t.ID,
		Name:               t.Name,
		PrefixIndex:        t.PrefixIndex,
		Scopes:             t.Scopes,
		RateLimitPerMinute: t.RateLimitPerMinute,
		TotalRequests:      t.TotalRequests,
		LastUsedAt:         t.LastUsedAt,
		CreatedAt:          t.CreatedAt,
		ExpiresAt:          t.ExpiresAt,
		Status:             t.Status(time.Now()),
	}
}

// Create issues a new token. The raw secret appears once in the response
// and is unrecoverable afterwards.
func (h *Token) Create(w http.ResponseWriter, r *http.Request) {
	owner := mw.OwnerFromContext(r.Context())

	var req request.CreateToken
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, rawSecret, err := h.svc.Issue(r.Context(), owner, req.Name, req.Scopes, req.RateLimitPerMinute, req.TTLDays)
	if err != nil {
		h.writeIssueError(w, r, err)
		return
	}

	resp := map[string]any{
		"id":                    token.ID,
		"name":                  token.Name,
		"token":                 rawSecret,
		"prefix_index":          token.PrefixIndex,
		"scopes":                token.Scopes,
		"rate_limit_per_minute": token.RateLimitPerMinute,
		"created_at":            token.CreatedAt,
	}
	if token.ExpiresAt != nil {
		resp["expires_at"] = token.ExpiresAt
	}
	response.WriteJSON(w, http.StatusCreated, resp)
}

func (h *Token) writeIssueError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *core.ValidationError
	switch {
	case errors.As(err, &validationErr):
		response.WriteError(w, http.StatusBadRequest, validationErr.Error())
	case errors.Is(err, core.ErrQuotaExceeded):
		response.WriteError(w, http.StatusConflict, err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("token issuance failed")
		response.WriteInternalError(w, r)
	}
}

// List lists the owner's tokens with cursor-based pagination.
func (h *Token) List(w http.ResponseWriter, r *http.Request) {
	owner := mw.OwnerFromContext(r.Context())
	pg := request.ParsePagination(r)

	tokens, hasMore, err := h.svc.ListByOwner(r.Context(), owner, pg.Limit, pg.Cursor)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("list tokens failed")
		response.WriteInternalError(w, r)
		return
	}

	items := make([]tokenResponse, 0, len(tokens))
	for i := range tokens {
		items = append(items, newTokenResponse(&tokens[i]))
	}

	var nextCursor string
	if hasMore && len(tokens) > 0 {
		nextCursor = tokens[len(tokens)-1].ID
	}
	response.WritePaginated(w, http.StatusOK, items, nextCursor, hasMore)
}

// Revoke deactivates a token. Idempotent: revoking an already-revoked token
// returns the current record.
func (h *Token) Revoke(w http.ResponseWriter, r *http.Request) {
	owner := mw.OwnerFromContext(r.Context())
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := h.svc.Revoke(r.Context(), id, owner)
	if err != nil {
		if errors.Is(err, core.ErrTokenNotFound) {
			response.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("token revocation failed")
		response.WriteInternalError(w, r)
		return
	}

	response.WriteJSON(w, http.StatusOK, newTokenResponse(token))
}

// Usage returns the token's per-day usage aggregates for the requested
// window (default 7 days, capped at 90).
func (h *Token) Usage(w http.ResponseWriter, r *http.Request) {
	owner := mw.OwnerFromContext(r.Context())
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	days := 7
	if s := r.URL.Query().Get("days"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			days = n
		}
	}
	if days > 90 {
		days = 90
	}

	// Ownership check; usage rows are only visible to the token's owner.
	if _, err := h.svc.GetByIDForOwner(r.Context(), id, owner); err != nil {
		if errors.Is(err, core.ErrTokenNotFound) {
			response.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("token lookup failed")
		response.WriteInternalError(w, r)
		return
	}

	stats, err := h.usage.Stats(r.Context(), id, days)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("usage stats query failed")
		response.WriteInternalError(w, r)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]any{
		"token_id":    id,
		"window_days": days,
		"days":        stats,
	})
}
