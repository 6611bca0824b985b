package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps accounts in process memory with one mutex per
// account. It is used by tests and single-node development setups.
type MemoryRepository struct {
	mu       sync.Mutex
	accounts map[string]Account
	locks    map[string]*sync.Mutex
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[string]Account),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Put stores a copy of a, replacing any existing account with the same id.
func (r *MemoryRepository) Put(a Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.ID] = a
}

// Get returns a copy of the stored account.
func (r *MemoryRepository) Get(id string) (Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	return a, ok
}

func (r *MemoryRepository) Update(ctx context.Context, id string, allotment int, fn func(ctx context.Context, a *Account) error) (*Account, error) {
	lock := r.accountLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	a, ok := r.accounts[id]
	r.mu.Unlock()
	if !ok {
		now := time.Now()
		a = Account{ID: id, FreeRemaining: allotment, CreatedAt: now, UpdatedAt: now}
	}

	// fn works on a copy; nothing is stored unless it succeeds.
	work := a
	if a.LastFreeDay != nil {
		day := *a.LastFreeDay
		work.LastFreeDay = &day
	}
	if err := fn(ctx, &work); err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now()

	r.mu.Lock()
	r.accounts[id] = work
	r.mu.Unlock()

	out := work
	return &out, nil
}

func (r *MemoryRepository) accountLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}
