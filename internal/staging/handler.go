package staging

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coverflow-ai/coverflow/internal/api"
)

type Handler struct {
	cache *Cache
}

func NewHandler(cache *Cache) *Handler {
	return &Handler{cache: cache}
}

// Serve handles GET /api/image/{artifactID}. It is unauthenticated because
// providers fetch it anonymously.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "artifactID")
	if id == "" {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	a, err := h.cache.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		api.HandleError(w, api.NewNotFoundError("image not found"))
		return
	}
	if err != nil {
		slog.Error("serving staged artifact", "artifact_id", id, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	w.Header().Set("Content-Type", ContentType(id))
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(a.Data)
}
