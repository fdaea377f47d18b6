package handler

import (
	"net/http"

	"github.com/ollamaverse/tokengate/internal/api/response"
)

// Models serves the configured model catalog.
type Models struct {
	models []string
}

// NewModels creates a new Models handler.
func NewModels(models []string) *Models {
	return &Models{models: models}
}

// List returns the configured model names.
func (h *Models) List(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]any{"models": h.models})
}
