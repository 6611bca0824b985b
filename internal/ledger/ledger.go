package ledger

import (
	"context"
	"fmt"
	"time"
)

// Ledger owns the per-account free/paid balances.
type Ledger struct {
	repo      Repository
	allotment int
	now       func() time.Time
}

type Option func(*Ledger)

// WithClock overrides time.Now. The calendar day is taken from the clock's
// own location, so a clock returning local time yields local days.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger granting allotment free credits per calendar day.
func New(repo Repository, allotment int, opts ...Option) *Ledger {
	l := &Ledger{repo: repo, allotment: allotment, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckEligibility applies the day reset and reports whether the account can
// pay for one generation and how many credits it holds in total.
func (l *Ledger) CheckEligibility(ctx context.Context, accountID string) (bool, int, error) {
	a, err := l.repo.Update(ctx, accountID, l.allotment, func(_ context.Context, a *Account) error {
		a.ResetForDay(l.today(), l.allotment)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("checking eligibility: %w", err)
	}
	return a.Eligible(), a.Remaining(), nil
}

// SettleOneCredit debits exactly one credit. onDebit, when non-nil, runs while
// the account is still locked and before the debit is stored; an error from
// it discards the debit. Returns ErrInsufficientCredit if nothing is left.
func (l *Ledger) SettleOneCredit(ctx context.Context, accountID string, preferFree bool, onDebit func(ctx context.Context, kind CreditKind) error) (CreditKind, error) {
	var kind CreditKind
	_, err := l.repo.Update(ctx, accountID, l.allotment, func(ctx context.Context, a *Account) error {
		today := l.today()
		a.ResetForDay(today, l.allotment)

		k, err := a.Debit(today, preferFree)
		if err != nil {
			return err
		}
		if onDebit != nil {
			if err := onDebit(ctx, k); err != nil {
				return fmt.Errorf("recording debit: %w", err)
			}
		}
		kind = k
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("settling credit: %w", err)
	}
	return kind, nil
}

// CreditPaidBalance adds count purchased credits.
func (l *Ledger) CreditPaidBalance(ctx context.Context, accountID string, count int) error {
	if count <= 0 {
		return ErrInvalidCount
	}
	_, err := l.repo.Update(ctx, accountID, l.allotment, func(_ context.Context, a *Account) error {
		a.PaidBalance += count
		return nil
	})
	if err != nil {
		return fmt.Errorf("crediting paid balance: %w", err)
	}
	return nil
}

func (l *Ledger) Status(ctx context.Context, accountID string) (*Status, error) {
	a, err := l.repo.Update(ctx, accountID, l.allotment, func(_ context.Context, a *Account) error {
		a.ResetForDay(l.today(), l.allotment)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading account status: %w", err)
	}
	s := a.status()
	return &s, nil
}

func (l *Ledger) today() time.Time {
	return Day(l.now())
}
