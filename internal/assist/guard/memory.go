package guard

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type holder struct {
	requestID uuid.UUID
	expires   time.Time
}

// MemoryGuard is the single-process AssignmentGuard.
type MemoryGuard struct {
	mu      sync.Mutex
	holders map[uuid.UUID]holder
	now     func() time.Time
}

// NewMemoryGuard constructs MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{holders: make(map[uuid.UUID]holder), now: time.Now}
}

func (m *MemoryGuard) TryAcquire(_ context.Context, workerID, requestID uuid.UUID, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if h, ok := m.holders[workerID]; ok && now.Before(h.expires) {
		return false, nil
	}
	m.holders[workerID] = holder{requestID: requestID, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryGuard) Release(_ context.Context, workerID, requestID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.holders[workerID]; ok && h.requestID == requestID {
		delete(m.holders, workerID)
	}
	return nil
}
