package ledger

import (
	"errors"
	"time"
)

var (
	// ErrInsufficientCredit is returned when neither balance can cover a debit.
	ErrInsufficientCredit = errors.New("insufficient credit")
	// ErrInvalidCount is returned for a non-positive paid credit amount.
	ErrInvalidCount = errors.New("credit count must be positive")
)

// CreditKind tells which balance paid for a generation.
type CreditKind string

const (
	CreditFree CreditKind = "free"
	CreditPaid CreditKind = "paid"
)

// Account matches the accounts table schema.
type Account struct {
	ID            string `json:"id"`
	FreeRemaining int    `json:"free_remaining"`
	// LastFreeDay is the calendar day a free credit was last consumed, stored
	// as UTC midnight of that date. Nil means unset.
	LastFreeDay *time.Time `json:"last_free_day,omitempty"`
	PaidBalance int        `json:"paid_balance"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Status is the API response describing what an account can spend.
type Status struct {
	Eligible      bool `json:"eligible"`
	Remaining     int  `json:"remaining"`
	FreeRemaining int  `json:"free_remaining"`
	PaidBalance   int  `json:"paid_balance"`
}

// Day truncates t to its calendar date in t's own location and returns that
// date as UTC midnight, so days from different zones compare by date alone.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ResetForDay grants a fresh free allotment when no free credit has been
// consumed on today. The stamp is cleared until the next free debit.
// Reports whether the account changed.
func (a *Account) ResetForDay(today time.Time, allotment int) bool {
	if a.LastFreeDay != nil && !a.LastFreeDay.Before(today) {
		return false
	}
	changed := a.FreeRemaining != allotment || a.LastFreeDay != nil
	a.FreeRemaining = allotment
	a.LastFreeDay = nil
	return changed
}

func (a *Account) Eligible() bool {
	return a.FreeRemaining > 0 || a.PaidBalance > 0
}

func (a *Account) Remaining() int {
	return a.FreeRemaining + a.PaidBalance
}

// Debit consumes one credit, free first when preferFree is set.
// A free debit stamps today so the allotment is not reset again before tomorrow.
func (a *Account) Debit(today time.Time, preferFree bool) (CreditKind, error) {
	switch {
	case preferFree && a.FreeRemaining > 0:
		a.FreeRemaining--
		stamp := today
		a.LastFreeDay = &stamp
		return CreditFree, nil
	case a.PaidBalance > 0:
		a.PaidBalance--
		return CreditPaid, nil
	default:
		return "", ErrInsufficientCredit
	}
}

func (a *Account) status() Status {
	return Status{
		Eligible:      a.Eligible(),
		Remaining:     a.Remaining(),
		FreeRemaining: a.FreeRemaining,
		PaidBalance:   a.PaidBalance,
	}
}
