package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/stakehold/internal/host"
	"github.com/mbd888/stakehold/internal/pda"
)

// MemoryStore is an in-memory record store for development and tests.
// Mutations made inside a host unit are reverted when the unit aborts.
type MemoryStore struct {
	records map[pda.Address]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[pda.Address]*Record),
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.Address]; ok {
		return ErrAlreadyExists
	}
	for _, r := range m.records {
		if r.Identifier == rec.Identifier {
			return ErrAlreadyExists
		}
	}
	cp := *rec
	m.records[rec.Address] = &cp
	host.OnAbort(ctx, func() { m.restore(rec.Address, nil) })
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, addr pda.Address) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[addr]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.records[rec.Address]
	if !ok {
		return ErrEscrowNotFound
	}
	cp := *rec
	m.records[rec.Address] = &cp
	host.OnAbort(ctx, func() { m.restore(rec.Address, prev) })
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, addr pda.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.records[addr]
	if !ok {
		return ErrEscrowNotFound
	}
	delete(m.records, addr)
	host.OnAbort(ctx, func() { m.restore(addr, prev) })
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if filter.Stage != nil && r.Stage != *filter.Stage {
			continue
		}
		if filter.After != nil && !filter.After.Before(r.CreatedAt, r.Address.Hex()) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Address.Hex() > b.Address.Hex()
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// restore puts prev back at addr, or removes addr when prev is nil.
func (m *MemoryStore) restore(addr pda.Address, prev *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev == nil {
		delete(m.records, addr)
		return
	}
	m.records[addr] = prev
}

var _ Store = (*MemoryStore)(nil)
