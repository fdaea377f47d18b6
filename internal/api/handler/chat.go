package handler

import (
	"net/http"

	"github.com/ollamaverse/tokengate/internal/api/response"
)

// Chat relays authenticated chat requests to the configured model backend.
// The gateway authenticates, rate-limits and records usage; the model
// invocation itself belongs to the upstream.
type Chat struct {
	upstream http.Handler
}

// NewChat creates a Chat handler. upstream may be nil when no backend is
// configured, in which case requests get a 502.
func NewChat(upstream http.Handler) *Chat {
	return &Chat{upstream: upstream}
}

// Relay forwards the request to the upstream model backend.
func (h *Chat) Relay(w http.ResponseWriter, r *http.Request) {
	if h.upstream == nil {
		response.WriteError(w, http.StatusBadGateway, "no model backend configured")
		return
	}
	h.upstream.ServeHTTP(w, r)
}
