package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles event_log PostgreSQL operations.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores e. Replays of the same message id are ignored.
func (r *Repository) Insert(ctx context.Context, e *Entry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO event_log (id, account_id, subject, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.AccountID, e.Subject, []byte(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListByAccount returns an account's events, newest first.
func (r *Repository) ListByAccount(ctx context.Context, accountID string, page, pageSize int) ([]Entry, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_log WHERE account_id = $1`, accountID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting events: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, subject, payload, created_at
		 FROM event_log WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		accountID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, pageSize)
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Subject, &payload, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning event: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
