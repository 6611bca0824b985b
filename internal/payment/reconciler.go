package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coverflow-ai/coverflow/internal/events"
	"github.com/coverflow-ai/coverflow/internal/metrics"
)

// Credits is the part of the ledger a settlement needs.
type Credits interface {
	CreditPaidBalance(ctx context.Context, accountID string, count int) error
}

type EventPublisher interface {
	PurchaseSettled(ctx context.Context, e events.PurchaseSettled)
}

// Reconciler turns package purchases into pending intents and applies
// gateway notifications to them.
type Reconciler struct {
	catalog *Catalog
	repo    Repository
	gateway Gateway
	credits Credits
	events  EventPublisher
	now     func() time.Time
}

func NewReconciler(catalog *Catalog, repo Repository, gateway Gateway, credits Credits, pub EventPublisher) *Reconciler {
	return &Reconciler{
		catalog: catalog,
		repo:    repo,
		gateway: gateway,
		credits: credits,
		events:  pub,
		now:     time.Now,
	}
}

func (r *Reconciler) Catalog() *Catalog { return r.catalog }

// CreateIntent records a pending purchase and opens an invoice for it.
// The returned URL is the gateway checkout page.
func (r *Reconciler) CreateIntent(ctx context.Context, accountID, packageID, currency string) (*Intent, string, error) {
	pkg, err := r.catalog.Get(packageID)
	if err != nil {
		return nil, "", err
	}
	currency = strings.ToUpper(currency)
	amount, err := pkg.Price(currency)
	if err != nil {
		return nil, "", err
	}

	in := &Intent{
		ID:        uuid.New(),
		AccountID: accountID,
		PackageID: pkg.ID,
		Amount:    amount,
		Currency:  currency,
		Status:    StatusPending,
	}
	if err := r.repo.Create(ctx, in); err != nil {
		return nil, "", fmt.Errorf("creating intent: %w", err)
	}

	inv, err := r.gateway.CreateInvoice(ctx, in.ID.String(), amount, currency)
	if err != nil {
		return nil, "", fmt.Errorf("opening invoice: %w", err)
	}
	if err := r.repo.SetExternalRef(ctx, in.ID, inv.ExternalRef); err != nil {
		return nil, "", fmt.Errorf("linking invoice %s: %w", inv.ExternalRef, err)
	}
	ref := inv.ExternalRef
	in.ExternalRef = &ref

	slog.Info("purchase intent created",
		"intent_id", in.ID, "account_id", accountID, "package_id", pkg.ID,
		"amount", amount.String(), "currency", currency)
	return in, inv.PaymentURL, nil
}

// ApplySettlement applies a gateway notification for externalRef. Unknown
// refs and intents that already reached a terminal status are no-ops, so a
// redelivered notification never credits twice. A completed payment credits
// the package and flips the intent in the same transaction.
func (r *Reconciler) ApplySettlement(ctx context.Context, externalRef, gatewayStatus string) (Outcome, error) {
	var (
		outcome Outcome
		credits int
	)
	in, err := r.repo.UpdateByRef(ctx, externalRef, func(ctx context.Context, in *Intent) error {
		if in.Status.Terminal() {
			outcome = OutcomeDuplicate
			return nil
		}

		if settledStatus(gatewayStatus) == StatusFailed {
			in.Status = StatusFailed
			outcome = OutcomeFailed
			return nil
		}

		pkg, err := r.catalog.Get(in.PackageID)
		if err != nil {
			return err
		}
		if err := r.credits.CreditPaidBalance(ctx, in.AccountID, pkg.Credits); err != nil {
			return err
		}
		in.Status = StatusCompleted
		outcome = OutcomeCompleted
		credits = pkg.Credits
		return nil
	})
	if errors.Is(err, ErrIntentNotFound) {
		metrics.PaymentSettlementsTotal.WithLabelValues(string(OutcomeNotFound)).Inc()
		slog.Warn("payment notification for unknown order", "external_ref", externalRef, "status", gatewayStatus)
		return OutcomeNotFound, nil
	}
	if err != nil {
		metrics.PaymentSettlementsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("applying settlement %s: %w", externalRef, err)
	}

	metrics.PaymentSettlementsTotal.WithLabelValues(string(outcome)).Inc()
	if !outcome.Applied() {
		slog.Info("duplicate payment notification", "external_ref", externalRef, "status", in.Status)
		return outcome, nil
	}

	slog.Info("payment settled",
		"intent_id", in.ID, "account_id", in.AccountID, "status", in.Status, "credits", credits)
	if r.events != nil {
		r.events.PurchaseSettled(ctx, events.PurchaseSettled{
			IntentID:    in.ID.String(),
			AccountID:   in.AccountID,
			PackageID:   in.PackageID,
			ExternalRef: externalRef,
			Status:      string(in.Status),
			Credits:     credits,
			Timestamp:   r.now().UTC(),
		})
	}
	return outcome, nil
}
