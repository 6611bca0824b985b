package generation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/coverflow-ai/coverflow/internal/api"
	"github.com/coverflow-ai/coverflow/internal/auth"
	"github.com/coverflow-ai/coverflow/internal/provider"
)

type CreateGenerationRequest struct {
	Image    string `json:"image" validate:"required"`
	Prompt   string `json:"prompt" validate:"max=4000"`
	Provider string `json:"provider" validate:"omitempty,max=32,alphanum"`
	Options  struct {
		Model        string `json:"model" validate:"max=128"`
		OutputFormat string `json:"output_format" validate:"omitempty,oneof=png jpeg jpg webp"`
		ImageSize    string `json:"image_size" validate:"max=32"`
	} `json:"options"`
}

type Handler struct {
	orch          *Orchestrator
	maxImageBytes int
	validate      *validator.Validate
}

func NewHandler(orch *Orchestrator, maxImageBytes int) *Handler {
	return &Handler{
		orch:          orch,
		maxImageBytes: maxImageBytes,
		validate:      validator.New(),
	}
}

// Create handles POST /api/v1/generations. It blocks until the job finishes.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	if accountID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	// base64 inflates by 4/3; leave room for the JSON around it.
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxImageBytes)*4/3+64<<10)

	var req CreateGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeKindError(w, &Error{Kind: KindInvalidRequest, Detail: ErrImageTooLarge.Error()})
			return
		}
		writeKindError(w, &Error{Kind: KindInvalidRequest, Detail: "malformed request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeKindError(w, &Error{Kind: KindInvalidRequest, Detail: err.Error()})
		return
	}

	data, kind, err := DecodeImage(req.Image, h.maxImageBytes)
	if err != nil {
		writeKindError(w, &Error{Kind: KindInvalidRequest, Detail: err.Error()})
		return
	}

	res, err := h.orch.Generate(r.Context(), Request{
		AccountID: accountID,
		Image:     data,
		ImageKind: kind,
		Prompt:    req.Prompt,
		Provider:  req.Provider,
		Options: provider.Options{
			Model:        req.Options.Model,
			OutputFormat: req.Options.OutputFormat,
			ImageSize:    req.Options.ImageSize,
		},
	})
	if err != nil {
		var genErr *Error
		if errors.As(err, &genErr) {
			writeKindError(w, genErr)
			return
		}
		slog.Error("generating cover", "account_id", accountID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, res)
}

// List handles GET /api/v1/generations.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	if accountID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	page, pageSize := api.PageParams(r)
	records, total, err := h.orch.History(r.Context(), accountID, page, pageSize)
	if err != nil {
		slog.Error("listing generations", "account_id", accountID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, records, total, page, pageSize)
}

func writeKindError(w http.ResponseWriter, e *Error) {
	ke := &api.KindError{
		Status:  e.Kind.HTTPStatus(),
		Kind:    string(e.Kind),
		Details: e.Detail,
	}
	if e.Kind == KindNoCredits {
		remaining := e.Remaining
		ke.Remaining = &remaining
	}
	api.HandleError(w, ke)
}
