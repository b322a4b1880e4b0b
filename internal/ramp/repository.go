package ramp

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Repository stores requests. UpdateIfStatus is the only mutation after Create
// and must be an atomic compare-and-swap on the stored status.
type Repository interface {
	Create(ctx context.Context, req Request) error
	Get(ctx context.Context, id string) (Request, error)
	// UpdateIfStatus replaces the stored request with next only when its current
	// status equals expected, otherwise it returns ErrStatusConflict.
	UpdateIfStatus(ctx context.Context, next Request, expected Status) error
	ListByUser(ctx context.Context, address string) ([]Request, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Request, error)
	FindByBankReference(ctx context.Context, reference string) (Request, error)
	ListRecent(ctx context.Context, limit int) ([]Request, error)
}

// MemoryRepository keeps requests in a map. It does not survive restarts.
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[string]Request
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]Request)}
}

func (m *MemoryRepository) Create(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[req.ID]; ok {
		return ErrDuplicateRequest
	}
	if req.BankReference != "" {
		for _, existing := range m.byID {
			if strings.EqualFold(existing.BankReference, req.BankReference) {
				return ErrDuplicateRequest
			}
		}
	}
	m.byID[req.ID] = req
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.byID[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (m *MemoryRepository) UpdateIfStatus(_ context.Context, next Request, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrStatusConflict
	}
	m.byID[next.ID] = next
	return nil
}

func (m *MemoryRepository) ListByUser(_ context.Context, address string) ([]Request, error) {
	return m.filter(func(r Request) bool { return strings.EqualFold(r.UserAddress, address) }), nil
}

func (m *MemoryRepository) ListByStatus(_ context.Context, statuses ...Status) ([]Request, error) {
	return m.filter(func(r Request) bool {
		for _, s := range statuses {
			if r.Status == s {
				return true
			}
		}
		return false
	}), nil
}

func (m *MemoryRepository) FindByBankReference(_ context.Context, reference string) (Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.byID {
		if r.BankReference != "" && strings.EqualFold(r.BankReference, reference) {
			return r, nil
		}
	}
	return Request{}, ErrNotFound
}

func (m *MemoryRepository) ListRecent(_ context.Context, limit int) ([]Request, error) {
	out := m.filter(func(Request) bool { return true })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// filter returns matches newest first.
func (m *MemoryRepository) filter(keep func(Request) bool) []Request {
	m.mu.RLock()
	out := make([]Request, 0)
	for _, r := range m.byID {
		if keep(r) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

var _ Repository = (*MemoryRepository)(nil)
