package api

import (
	"errors"
	"net/http"
)

type AppError struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrBadRequest       = &AppError{Code: http.StatusBadRequest, Message: "bad request"}
	ErrUnauthorized     = &AppError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	ErrForbidden        = &AppError{Code: http.StatusForbidden, Message: "forbidden"}
	ErrNotFound         = &AppError{Code: http.StatusNotFound, Message: "not found"}
	ErrConflict         = &AppError{Code: http.StatusConflict, Message: "conflict"}
	ErrTooManyRequests  = &AppError{Code: http.StatusTooManyRequests, Message: "too many requests"}
	ErrInternalServer   = &AppError{Code: http.StatusInternalServerError, Message: "internal server error"}
	ErrBadGateway       = &AppError{Code: http.StatusBadGateway, Message: "payment gateway unavailable"}
	ErrInvalidToken     = &AppError{Code: http.StatusUnauthorized, Message: "invalid or expired token"}
	ErrInvalidSignature = &AppError{Code: http.StatusUnauthorized, Message: "invalid signature"}
	ErrValidation       = &AppError{Code: http.StatusBadRequest, Message: "validation error"}
)

func NewBadRequestError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func NewNotFoundError(msg string) *AppError {
	return &AppError{Code: http.StatusNotFound, Message: msg}
}

func NewValidationError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

// KindError is a classified failure rendered as {"error": kind, "details": ...}.
// Remaining is included for payment-required responses.
type KindError struct {
	Status    int    `json:"-"`
	Kind      string `json:"error"`
	Details   string `json:"details,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
}

func (e *KindError) Error() string {
	if e.Details == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Details
}

func HandleError(w http.ResponseWriter, err error) {
	var kindErr *KindError
	if errors.As(err, &kindErr) {
		writeJSON(w, kindErr.Status, kindErr)
		return
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		JSONErrorMessage(w, appErr.Code, appErr.Message)
		return
	}
	JSONErrorMessage(w, http.StatusInternalServerError, "internal server error")
}
