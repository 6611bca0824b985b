// Package generation drives one generation request from credit check to
// settlement: gate, stage the input, run the provider job, store the output
// and charge exactly one credit.
package generation

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/coverflow-ai/coverflow/internal/ledger"
	"github.com/coverflow-ai/coverflow/internal/provider"
)

// Kind is the machine-readable class of a failed generation.
type Kind string

const (
	KindNoCredits                   Kind = "no_credits"
	KindInvalidRequest              Kind = "invalid_request"
	KindProviderAuthFailed          Kind = "provider_auth_failed"
	KindProviderInsufficientBalance Kind = "provider_insufficient_balance"
	KindProviderRateLimited         Kind = "provider_rate_limited"
	KindProviderInvalidInput        Kind = "provider_invalid_input"
	KindProviderUnavailable         Kind = "provider_unavailable"
	KindProviderFailed              Kind = "provider_failed"
	KindProviderTimeout             Kind = "provider_timeout"
	KindStagingFailure              Kind = "staging_failure"
	KindInternal                    Kind = "internal"
)

// HTTPStatus maps a kind to the response status class.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNoCredits:
		return http.StatusPaymentRequired
	case KindInvalidRequest, KindProviderInvalidInput:
		return http.StatusBadRequest
	case KindProviderAuthFailed, KindProviderInsufficientBalance:
		return http.StatusUnauthorized
	case KindProviderRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func kindFromProvider(k provider.ErrorKind) Kind {
	switch k {
	case provider.KindAuthFailed:
		return KindProviderAuthFailed
	case provider.KindInsufficientBalance:
		return KindProviderInsufficientBalance
	case provider.KindRateLimited:
		return KindProviderRateLimited
	case provider.KindInvalidInput:
		return KindProviderInvalidInput
	default:
		return KindProviderUnavailable
	}
}

// Error is a failed generation. Remaining is meaningful for KindNoCredits.
type Error struct {
	Kind      Kind
	Detail    string
	Remaining int
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Detail
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func fail(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Record matches the generations table schema. One exists per debited credit.
type Record struct {
	ID        uuid.UUID `json:"id"`
	AccountID string    `json:"account_id"`
	ImageURL  string    `json:"image_url"`
	Provider  string    `json:"provider"`
	IsFree    bool      `json:"is_free"`
	CreatedAt time.Time `json:"created_at"`
}

// Request is a decoded generation request.
type Request struct {
	AccountID string
	Image     []byte
	ImageKind string
	Prompt    string
	Provider  string
	Options   provider.Options
}

// Result is returned whenever the provider produced an image.
type Result struct {
	// ID is the generation record id; empty when Settled is false.
	ID       string            `json:"id,omitempty"`
	ImageURL string            `json:"image_url"`
	Provider string            `json:"provider"`
	Credit   ledger.CreditKind `json:"credit,omitempty"`
	// Degraded means local storage failed and ImageURL points at the provider.
	Degraded bool `json:"degraded"`
	// Settled is false when no credit could be charged after the job finished.
	Settled bool `json:"settled"`
}
