package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryIdempotencyRepo maps idempotency keys to the request they created.
type MemoryIdempotencyRepo struct {
	mu   sync.Mutex
	keys map[string]uuid.UUID
}

// NewMemoryIdempotencyRepo constructs repository.
func NewMemoryIdempotencyRepo() *MemoryIdempotencyRepo {
	return &MemoryIdempotencyRepo{keys: make(map[string]uuid.UUID)}
}

// Reserve keeps the first id claimed for key.
func (m *MemoryIdempotencyRepo) Reserve(_ context.Context, key string, id uuid.UUID) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, exists := m.keys[key]; exists {
		return held, held == id, nil
	}
	m.keys[key] = id
	return id, true, nil
}

func (m *MemoryIdempotencyRepo) Release(_ context.Context, key string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] == id {
		delete(m.keys, key)
	}
	return nil
}
