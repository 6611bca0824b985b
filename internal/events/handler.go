package events

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coverflow-ai/coverflow/internal/api"
	"github.com/coverflow-ai/coverflow/internal/auth"
)

type entryLister interface {
	ListByAccount(ctx context.Context, accountID string, page, pageSize int) ([]Entry, int64, error)
}

type Handler struct {
	entries entryLister
}

func NewHandler(entries entryLister) *Handler {
	return &Handler{entries: entries}
}

// Activity handles GET /api/v1/user/activity.
func (h *Handler) Activity(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	if accountID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	page, pageSize := api.PageParams(r)
	entries, total, err := h.entries.ListByAccount(r.Context(), accountID, page, pageSize)
	if err != nil {
		slog.Error("listing account activity", "account_id", accountID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, entries, total, page, pageSize)
}
