package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/coverflow-ai/coverflow/internal/api"
	"github.com/coverflow-ai/coverflow/internal/auth"
)

const SignatureHeader = "X-Signature"

type CreatePaymentRequest struct {
	PackageID string `json:"package_id" validate:"required,max=32"`
	Currency  string `json:"currency" validate:"required,len=3,alpha"`
}

type CreatePaymentResponse struct {
	TransactionID string `json:"transaction_id"`
	PaymentURL    string `json:"payment_url"`
}

type webhookPayload struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type Handler struct {
	reconciler    *Reconciler
	webhookSecret string
	validate      *validator.Validate
}

// NewHandler returns payment handlers. An empty webhookSecret disables
// signature checks on notifications.
func NewHandler(r *Reconciler, webhookSecret string) *Handler {
	return &Handler{
		reconciler:    r,
		webhookSecret: webhookSecret,
		validate:      validator.New(),
	}
}

// Packages handles GET /api/v1/packages.
func (h *Handler) Packages(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, h.reconciler.Catalog().List())
}

// Create handles POST /api/v1/payments.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	if accountID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req CreatePaymentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	intent, payURL, err := h.reconciler.CreateIntent(r.Context(), accountID, req.PackageID, req.Currency)
	switch {
	case err == nil:
	case errors.Is(err, ErrPackageNotFound):
		api.HandleError(w, api.NewNotFoundError("package not found"))
		return
	case errors.Is(err, ErrUnsupportedCurrency):
		api.HandleError(w, api.NewBadRequestError("unsupported currency"))
		return
	case errors.Is(err, ErrGatewayNotConfigured):
		slog.Error("payment gateway not configured")
		api.HandleError(w, api.ErrBadGateway)
		return
	default:
		slog.Error("creating payment", "account_id", accountID, "package_id", req.PackageID, "error", err)
		api.HandleError(w, api.ErrBadGateway)
		return
	}

	api.JSON(w, http.StatusCreated, CreatePaymentResponse{
		TransactionID: intent.ID.String(),
		PaymentURL:    payURL,
	})
}

// Webhook handles POST /api/v1/payments/webhook. Every notification that
// authenticates and parses is acknowledged with 200, including unknown and
// repeated orders, so the gateway stops retrying it.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if h.webhookSecret != "" && !h.validSignature(body, r.Header.Get(SignatureHeader)) {
		slog.Warn("payment webhook signature mismatch", "remote_addr", r.RemoteAddr)
		api.HandleError(w, api.ErrInvalidSignature)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.OrderID == "" {
		api.HandleError(w, api.NewBadRequestError("invalid webhook payload"))
		return
	}

	outcome, err := h.reconciler.ApplySettlement(r.Context(), payload.OrderID, payload.Status)
	if err != nil {
		slog.Error("applying payment notification", "order_id", payload.OrderID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (h *Handler) validSignature(body []byte, provided string) bool {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return false
	}
	got, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(h.webhookSecret, body))
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
