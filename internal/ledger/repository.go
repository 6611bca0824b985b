package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coverflow-ai/coverflow/internal/database"
)

// Repository serializes mutations per account.
type Repository interface {
	// Update locks the account (creating it with allotment free credits when
	// absent), applies fn and persists the result if fn returns nil.
	// fn must not perform network calls: the account stays locked while it runs.
	Update(ctx context.Context, id string, allotment int, fn func(ctx context.Context, a *Account) error) (*Account, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns a Repository backed by the accounts table.
// Update joins a transaction carried in ctx (see database.WithTx).
func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) Update(ctx context.Context, id string, allotment int, fn func(ctx context.Context, a *Account) error) (*Account, error) {
	var out *Account
	err := database.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO accounts (id, free_remaining) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
			id, allotment)
		if err != nil {
			return fmt.Errorf("ensuring account: %w", err)
		}

		a := &Account{}
		// FOR UPDATE holds the row until commit so concurrent settlements queue up.
		err = tx.QueryRow(ctx,
			`SELECT id, free_remaining, last_free_day, paid_balance, created_at, updated_at
			 FROM accounts WHERE id = $1 FOR UPDATE`, id,
		).Scan(&a.ID, &a.FreeRemaining, &a.LastFreeDay, &a.PaidBalance, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("locking account: %w", err)
		}

		if err := fn(ctx, a); err != nil {
			return err
		}

		err = tx.QueryRow(ctx,
			`UPDATE accounts
			 SET free_remaining = $2, last_free_day = $3, paid_balance = $4, updated_at = NOW()
			 WHERE id = $1
			 RETURNING updated_at`,
			a.ID, a.FreeRemaining, a.LastFreeDay, a.PaidBalance,
		).Scan(&a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("updating account: %w", err)
		}

		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
