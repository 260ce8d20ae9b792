package geo

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/roadassist/internal/assist/domain"
)

// Hit is one provider found within the search radius.
type Hit struct {
	ProviderID uuid.UUID
	DistanceKM float64
}

// Index abstracts spatially indexed provider locations. Implementations return
// hits sorted by ascending distance and honour limit when it is positive.
type Index interface {
	Upsert(ctx context.Context, kind domain.ProviderKind, providerID uuid.UUID, point domain.GeoPoint) error
	Remove(ctx context.Context, kind domain.ProviderKind, providerID uuid.UUID) error
	Nearby(ctx context.Context, kind domain.ProviderKind, point domain.GeoPoint, radiusKM float64, limit int) ([]Hit, error)
}

// MemoryIndex is a linear-scan index for tests and single-node runs.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[domain.ProviderKind]map[uuid.UUID]domain.GeoPoint
}

// NewMemoryIndex constructs an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[domain.ProviderKind]map[uuid.UUID]domain.GeoPoint)}
}

func (m *MemoryIndex) Upsert(_ context.Context, kind domain.ProviderKind, providerID uuid.UUID, point domain.GeoPoint) error {
	if err := point.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.points[kind] == nil {
		m.points[kind] = make(map[uuid.UUID]domain.GeoPoint)
	}
	m.points[kind][providerID] = point
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, kind domain.ProviderKind, providerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points[kind], providerID)
	return nil
}

func (m *MemoryIndex) Nearby(_ context.Context, kind domain.ProviderKind, point domain.GeoPoint, radiusKM float64, limit int) ([]Hit, error) {
	if err := point.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	hits := make([]Hit, 0)
	for id, p := range m.points[kind] {
		if d := DistanceKM(point, p); d <= radiusKM {
			hits = append(hits, Hit{ProviderID: id, DistanceKM: d})
		}
	}
	m.mu.RUnlock()
	SortHits(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// SortHits orders hits by distance, breaking ties by id for stable output.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKM != hits[j].DistanceKM {
			return hits[i].DistanceKM < hits[j].DistanceKM
		}
		return hits[i].ProviderID.String() < hits[j].ProviderID.String()
	})
}
