package ledger

import (
	"log/slog"
	"net/http"

	"github.com/coverflow-ai/coverflow/internal/api"
	"github.com/coverflow-ai/coverflow/internal/auth"
)

type Handler struct {
	ledger *Ledger
}

func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// Limits handles GET /api/v1/user/limits.
func (h *Handler) Limits(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	if accountID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	status, err := h.ledger.Status(r.Context(), accountID)
	if err != nil {
		slog.Error("reading account limits", "account_id", accountID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, status)
}
