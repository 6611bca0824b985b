package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coverflow-ai/coverflow/internal/database"
)

type Repository interface {
	Create(ctx context.Context, in *Intent) error
	SetExternalRef(ctx context.Context, id uuid.UUID, ref string) error
	// UpdateByRef locks the intent carrying ref, applies fn and stores the
	// resulting status if fn returns nil. Writes made by fn through a
	// transaction-aware repository commit together with it.
	UpdateByRef(ctx context.Context, ref string, fn func(ctx context.Context, in *Intent) error) (*Intent, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) Create(ctx context.Context, in *Intent) error {
	err := database.Conn(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO transactions (id, account_id, package_id, amount, currency, status)
		 VALUES ($1, $2, $3, $4::numeric, $5, $6)
		 RETURNING created_at, updated_at`,
		in.ID, in.AccountID, in.PackageID, in.Amount.String(), in.Currency, string(in.Status),
	).Scan(&in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting purchase intent: %w", err)
	}
	return nil
}

func (r *postgresRepository) SetExternalRef(ctx context.Context, id uuid.UUID, ref string) error {
	tag, err := database.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE transactions SET external_order_ref = $2, updated_at = NOW() WHERE id = $1`,
		id, ref)
	if err != nil {
		return fmt.Errorf("storing external ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}

func (r *postgresRepository) UpdateByRef(ctx context.Context, ref string, fn func(ctx context.Context, in *Intent) error) (*Intent, error) {
	var out *Intent
	err := database.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		var (
			in     Intent
			amount string
			status string
		)
		err := tx.QueryRow(ctx,
			`SELECT id, account_id, package_id, amount::text, currency, status, external_order_ref, created_at, updated_at
			 FROM transactions WHERE external_order_ref = $1 FOR UPDATE`, ref,
		).Scan(&in.ID, &in.AccountID, &in.PackageID, &amount, &in.Currency, &status, &in.ExternalRef, &in.CreatedAt, &in.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrIntentNotFound
		}
		if err != nil {
			return fmt.Errorf("locking purchase intent: %w", err)
		}
		if in.Amount, err = decimal.NewFromString(amount); err != nil {
			return fmt.Errorf("parsing amount %q: %w", amount, err)
		}
		in.Status = Status(status)

		if err := fn(ctx, &in); err != nil {
			return err
		}

		err = tx.QueryRow(ctx,
			`UPDATE transactions SET status = $2, updated_at = NOW() WHERE id = $1 RETURNING updated_at`,
			in.ID, string(in.Status),
		).Scan(&in.UpdatedAt)
		if err != nil {
			return fmt.Errorf("updating purchase intent: %w", err)
		}
		out = &in
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MemoryRepository is an in-process Repository. Intents are updated under a
// single lock, so fn runs serialized across all refs.
type MemoryRepository struct {
	mu      sync.Mutex
	intents map[uuid.UUID]Intent
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{intents: make(map[uuid.UUID]Intent), now: time.Now}
}

func (r *MemoryRepository) Create(_ context.Context, in *Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.intents[in.ID]; dup {
		return fmt.Errorf("inserting purchase intent: duplicate id %s", in.ID)
	}
	now := r.now()
	in.CreatedAt, in.UpdatedAt = now, now
	r.intents[in.ID] = *in
	return nil
}

func (r *MemoryRepository) SetExternalRef(_ context.Context, id uuid.UUID, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	for otherID, other := range r.intents {
		if otherID != id && other.ExternalRef != nil && *other.ExternalRef == ref {
			return fmt.Errorf("storing external ref: %s already used", ref)
		}
	}
	in.ExternalRef = &ref
	in.UpdatedAt = r.now()
	r.intents[id] = in
	return nil
}

func (r *MemoryRepository) UpdateByRef(ctx context.Context, ref string, fn func(ctx context.Context, in *Intent) error) (*Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, in := range r.intents {
		if in.ExternalRef == nil || *in.ExternalRef != ref {
			continue
		}
		if err := fn(ctx, &in); err != nil {
			return nil, err
		}
		in.UpdatedAt = r.now()
		r.intents[id] = in
		return &in, nil
	}
	return nil, ErrIntentNotFound
}

// Get returns a copy of the stored intent.
func (r *MemoryRepository) Get(id uuid.UUID) (Intent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.intents[id]
	return in, ok
}
