// Package payment sells credit packages through Lava.top and applies the
// gateway's payment notifications to the ledger exactly once.
package payment

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrPackageNotFound      = errors.New("package not found")
	ErrUnsupportedCurrency  = errors.New("unsupported currency")
	ErrIntentNotFound       = errors.New("purchase intent not found")
	ErrGatewayNotConfigured = errors.New("payment gateway is not configured")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Outcome describes what a payment notification did.
type Outcome string

const (
	OutcomeNotFound  Outcome = "not_found"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Applied reports whether the notification changed an intent.
func (o Outcome) Applied() bool {
	return o == OutcomeCompleted || o == OutcomeFailed
}

// Intent matches the transactions table schema.
type Intent struct {
	ID          uuid.UUID       `json:"id"`
	AccountID   string          `json:"account_id"`
	PackageID   string          `json:"package_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      Status          `json:"status"`
	ExternalRef *string         `json:"external_ref,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// settledStatus maps a gateway status string onto the terminal status it
// implies. Anything that is not a success is treated as a failure.
func settledStatus(gatewayStatus string) Status {
	switch gatewayStatus {
	case "success", "completed":
		return StatusCompleted
	default:
		return StatusFailed
	}
}
