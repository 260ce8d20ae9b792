package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/roadassist/internal/assist/domain"
)

type ownerKey struct {
	owner uuid.UUID
	kind  domain.ProviderKind
}

// MemoryStore provides an in-memory implementation suitable for tests and local demos.
// Atomically serialises writers; readers only take the read lock, so polling
// clients never wait behind each other.
type MemoryStore struct {
	writeMu sync.Mutex

	mu        sync.RWMutex
	requests  map[uuid.UUID]domain.ServiceRequest
	events    map[uuid.UUID][]domain.RequestEvent
	providers map[uuid.UUID]domain.Provider
	owners    map[ownerKey]uuid.UUID
	workers   map[uuid.UUID]domain.Worker
}

// NewMemoryStore constructs an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[uuid.UUID]domain.ServiceRequest),
		events:    make(map[uuid.UUID][]domain.RequestEvent),
		providers: make(map[uuid.UUID]domain.Provider),
		owners:    make(map[ownerKey]uuid.UUID),
		workers:   make(map[uuid.UUID]domain.Worker),
	}
}

func (m *MemoryStore) GetRequest(_ context.Context, id uuid.UUID) (domain.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return domain.ServiceRequest{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return r, nil
}

func (m *MemoryStore) ListRequests(_ context.Context, filter domain.RequestFilter) ([]domain.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterRequests(m.requests, nil, filter), nil
}

func (m *MemoryStore) RequestEvents(_ context.Context, requestID uuid.UUID) ([]domain.RequestEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.requests[requestID]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, requestID)
	}
	return append([]domain.RequestEvent(nil), m.events[requestID]...), nil
}

func (m *MemoryStore) GetProvider(_ context.Context, id uuid.UUID) (domain.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return domain.Provider{}, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, id)
	}
	return cloneProvider(p), nil
}

func (m *MemoryStore) ProviderByOwner(ctx context.Context, ownerID uuid.UUID, kind domain.ProviderKind) (domain.Provider, error) {
	m.mu.RLock()
	id, ok := m.owners[ownerKey{owner: ownerID, kind: kind}]
	m.mu.RUnlock()
	if !ok {
		return domain.Provider{}, fmt.Errorf("%w: no %s profile for owner %s", domain.ErrProviderNotFound, kind, ownerID)
	}
	return m.GetProvider(ctx, id)
}

func (m *MemoryStore) GetWorker(_ context.Context, id uuid.UUID) (domain.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return domain.Worker{}, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, id)
	}
	return w, nil
}

func (m *MemoryStore) ListWorkers(_ context.Context, providerID uuid.UUID) ([]domain.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterWorkers(m.workers, nil, nil, providerID), nil
}

// Atomically runs fn against a staged view and publishes its writes only when fn succeeds.
func (m *MemoryStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	tx := &memoryTx{
		base:          m,
		requests:      make(map[uuid.UUID]domain.ServiceRequest),
		events:        make(map[uuid.UUID][]domain.RequestEvent),
		providers:     make(map[uuid.UUID]domain.Provider),
		owners:        make(map[ownerKey]uuid.UUID),
		workers:       make(map[uuid.UUID]domain.Worker),
		deletedWorker: make(map[uuid.UUID]struct{}),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range tx.requests {
		m.requests[id] = r
	}
	for id, evs := range tx.events {
		m.events[id] = append(m.events[id], evs...)
	}
	for id, p := range tx.providers {
		m.providers[id] = p
	}
	for k, id := range tx.owners {
		m.owners[k] = id
	}
	for id, w := range tx.workers {
		m.workers[id] = w
	}
	for id := range tx.deletedWorker {
		delete(m.workers, id)
	}
	return nil
}

// memoryTx overlays staged writes on the committed maps. The owning store's
// writeMu is held for the tx lifetime, so the committed maps cannot move underneath.
type memoryTx struct {
	base          *MemoryStore
	requests      map[uuid.UUID]domain.ServiceRequest
	events        map[uuid.UUID][]domain.RequestEvent
	providers     map[uuid.UUID]domain.Provider
	owners        map[ownerKey]uuid.UUID
	workers       map[uuid.UUID]domain.Worker
	deletedWorker map[uuid.UUID]struct{}
}

func (tx *memoryTx) GetRequest(ctx context.Context, id uuid.UUID) (domain.ServiceRequest, error) {
	if r, ok := tx.requests[id]; ok {
		return r, nil
	}
	return tx.base.GetRequest(ctx, id)
}

func (tx *memoryTx) ListRequests(_ context.Context, filter domain.RequestFilter) ([]domain.ServiceRequest, error) {
	tx.base.mu.RLock()
	defer tx.base.mu.RUnlock()
	return filterRequests(tx.base.requests, tx.requests, filter), nil
}

func (tx *memoryTx) RequestEvents(ctx context.Context, requestID uuid.UUID) ([]domain.RequestEvent, error) {
	staged := tx.events[requestID]
	if _, ok := tx.requests[requestID]; ok {
		tx.base.mu.RLock()
		committed := append([]domain.RequestEvent(nil), tx.base.events[requestID]...)
		tx.base.mu.RUnlock()
		return append(committed, staged...), nil
	}
	committed, err := tx.base.RequestEvents(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return append(committed, staged...), nil
}

func (tx *memoryTx) GetProvider(ctx context.Context, id uuid.UUID) (domain.Provider, error) {
	if p, ok := tx.providers[id]; ok {
		return cloneProvider(p), nil
	}
	return tx.base.GetProvider(ctx, id)
}

func (tx *memoryTx) ProviderByOwner(ctx context.Context, ownerID uuid.UUID, kind domain.ProviderKind) (domain.Provider, error) {
	if id, ok := tx.owners[ownerKey{owner: ownerID, kind: kind}]; ok {
		return tx.GetProvider(ctx, id)
	}
	return tx.base.ProviderByOwner(ctx, ownerID, kind)
}

func (tx *memoryTx) GetWorker(ctx context.Context, id uuid.UUID) (domain.Worker, error) {
	if _, gone := tx.deletedWorker[id]; gone {
		return domain.Worker{}, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, id)
	}
	if w, ok := tx.workers[id]; ok {
		return w, nil
	}
	return tx.base.GetWorker(ctx, id)
}

func (tx *memoryTx) ListWorkers(_ context.Context, providerID uuid.UUID) ([]domain.Worker, error) {
	tx.base.mu.RLock()
	defer tx.base.mu.RUnlock()
	return filterWorkers(tx.base.workers, tx.workers, tx.deletedWorker, providerID), nil
}

func (tx *memoryTx) InsertRequest(ctx context.Context, r domain.ServiceRequest) error {
	if _, err := tx.GetRequest(ctx, r.ID); err == nil {
		return fmt.Errorf("%w: request %s exists", domain.ErrVersionConflict, r.ID)
	}
	tx.requests[r.ID] = r
	return nil
}

func (tx *memoryTx) UpdateRequest(ctx context.Context, r domain.ServiceRequest) (domain.ServiceRequest, error) {
	current, err := tx.GetRequest(ctx, r.ID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if current.Version != r.Version {
		return domain.ServiceRequest{}, fmt.Errorf("%w: request %s", domain.ErrVersionConflict, r.ID)
	}
	r.Version++
	tx.requests[r.ID] = r
	return r, nil
}

func (tx *memoryTx) AppendEvent(_ context.Context, e domain.RequestEvent) error {
	tx.events[e.RequestID] = append(tx.events[e.RequestID], e)
	return nil
}

func (tx *memoryTx) InsertProvider(ctx context.Context, p domain.Provider) error {
	if _, err := tx.ProviderByOwner(ctx, p.OwnerID, p.Kind); err == nil {
		return fmt.Errorf("%w: %s profile exists for owner %s", domain.ErrVersionConflict, p.Kind, p.OwnerID)
	}
	tx.providers[p.ID] = cloneProvider(p)
	tx.owners[ownerKey{owner: p.OwnerID, kind: p.Kind}] = p.ID
	return nil
}

func (tx *memoryTx) UpdateProvider(ctx context.Context, p domain.Provider) (domain.Provider, error) {
	current, err := tx.GetProvider(ctx, p.ID)
	if err != nil {
		return domain.Provider{}, err
	}
	if current.Version != p.Version {
		return domain.Provider{}, fmt.Errorf("%w: provider %s", domain.ErrVersionConflict, p.ID)
	}
	p.Version++
	tx.providers[p.ID] = cloneProvider(p)
	return p, nil
}

func (tx *memoryTx) InsertWorker(ctx context.Context, w domain.Worker) error {
	if _, err := tx.GetWorker(ctx, w.ID); err == nil {
		return fmt.Errorf("%w: worker %s exists", domain.ErrVersionConflict, w.ID)
	}
	tx.workers[w.ID] = w
	return nil
}

func (tx *memoryTx) UpdateWorker(ctx context.Context, w domain.Worker) (domain.Worker, error) {
	current, err := tx.GetWorker(ctx, w.ID)
	if err != nil {
		return domain.Worker{}, err
	}
	if current.Version != w.Version {
		return domain.Worker{}, fmt.Errorf("%w: worker %s", domain.ErrVersionConflict, w.ID)
	}
	w.Version++
	tx.workers[w.ID] = w
	return w, nil
}

func (tx *memoryTx) DeleteWorker(ctx context.Context, id uuid.UUID, version int64) error {
	current, err := tx.GetWorker(ctx, id)
	if err != nil {
		return err
	}
	if current.Version != version {
		return fmt.Errorf("%w: worker %s", domain.ErrVersionConflict, id)
	}
	delete(tx.workers, id)
	tx.deletedWorker[id] = struct{}{}
	return nil
}

func filterRequests(base, staged map[uuid.UUID]domain.ServiceRequest, filter domain.RequestFilter) []domain.ServiceRequest {
	out := make([]domain.ServiceRequest, 0)
	for id, r := range base {
		if s, ok := staged[id]; ok {
			r = s
		}
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	for id, r := range staged {
		if _, ok := base[id]; !ok && filter.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func filterWorkers(base, staged map[uuid.UUID]domain.Worker, deleted map[uuid.UUID]struct{}, providerID uuid.UUID) []domain.Worker {
	out := make([]domain.Worker, 0)
	seen := make(map[uuid.UUID]struct{})
	for _, src := range []map[uuid.UUID]domain.Worker{staged, base} {
		for id, w := range src {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if _, gone := deleted[id]; gone {
				continue
			}
			if w.ProviderID == providerID {
				out = append(out, w)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func cloneProvider(p domain.Provider) domain.Provider {
	p.Services = append([]domain.ServiceOffering(nil), p.Services...)
	return p
}
