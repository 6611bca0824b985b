package generation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coverflow-ai/coverflow/internal/database"
)

// Repository stores generation records. Insert must join the transaction
// carried in ctx so the record commits together with the credit debit.
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	History(ctx context.Context, accountID string, page, pageSize int) ([]Record, int64, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) Insert(ctx context.Context, rec *Record) error {
	_, err := database.Conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO generations (id, account_id, image_url, provider, is_free, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.AccountID, rec.ImageURL, rec.Provider, rec.IsFree, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting generation: %w", err)
	}
	return nil
}

func (r *postgresRepository) History(ctx context.Context, accountID string, page, pageSize int) ([]Record, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM generations WHERE account_id = $1`, accountID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting generations: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, image_url, provider, is_free, created_at
		 FROM generations WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		accountID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("listing generations: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, pageSize)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.ImageURL, &rec.Provider, &rec.IsFree, &rec.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning generation: %w", err)
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// MemoryRepository is an in-process Repository for tests.
type MemoryRepository struct {
	mu      sync.Mutex
	records []Record
	// FailInsert, when set, is returned by Insert.
	FailInsert error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Insert(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailInsert != nil {
		return r.FailInsert
	}
	r.records = append(r.records, *rec)
	return nil
}

func (r *MemoryRepository) History(_ context.Context, accountID string, page, pageSize int) ([]Record, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var mine []Record
	for _, rec := range r.records {
		if rec.AccountID == accountID {
			mine = append(mine, rec)
		}
	}
	sort.SliceStable(mine, func(i, j int) bool { return mine[i].CreatedAt.After(mine[j].CreatedAt) })

	total := int64(len(mine))
	from := (page - 1) * pageSize
	if from >= len(mine) {
		return []Record{}, total, nil
	}
	to := min(from+pageSize, len(mine))
	return mine[from:to], total, nil
}

// Records returns a copy of everything inserted.
func (r *MemoryRepository) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}
