package domain

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects NaN and out of range coordinates.
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("%w: not a number", ErrInvalidCoordinates)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: lat %v out of range", ErrInvalidCoordinates, p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: lng %v out of range", ErrInvalidCoordinates, p.Lng)
	}
	return nil
}

type Location struct {
	Point   GeoPoint `json:"point"`
	Address string   `json:"address"`
}

type ProviderKind string

const (
	KindMechanic   ProviderKind = "mechanic"
	KindPetrolPump ProviderKind = "petrol_pump"
)

func (k ProviderKind) Valid() bool {
	return k == KindMechanic || k == KindPetrolPump
}

// ServiceRequest is a single engagement between a requester and a provider.
type ServiceRequest struct {
	ID             uuid.UUID     `json:"id"`
	RequesterID    uuid.UUID     `json:"requester_id"`
	ProviderID     uuid.UUID     `json:"provider_id"`
	WorkerID       *uuid.UUID    `json:"worker_id,omitempty"`
	ServiceType    string        `json:"service_type"`
	Description    string        `json:"description"`
	Location       Location      `json:"location"`
	EstimatedPrice float64       `json:"estimated_price"`
	ActualPrice    *float64      `json:"actual_price,omitempty"`
	Status         RequestStatus `json:"status"`
	CancelReason   string        `json:"cancel_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	Rating *int   `json:"rating,omitempty"`
	Review string `json:"review,omitempty"`

	Version int64 `json:"version"`
}

// HasWorker reports whether a worker is recorded on the request.
func (r ServiceRequest) HasWorker() bool { return r.WorkerID != nil }

// stamp records the timestamp that belongs to entering status at now.
func (r *ServiceRequest) stamp(status RequestStatus, now time.Time) {
	t := now
	switch status {
	case StatusAccepted:
		r.AcceptedAt = &t
	case StatusAssigned:
		r.AssignedAt = &t
	case StatusInProgress:
		r.StartedAt = &t
	case StatusCompleted:
		r.CompletedAt = &t
	case StatusCancelled, StatusRejected:
		r.CancelledAt = &t
	}
	r.UpdatedAt = now
}

// MoveTo sets the new status and its timestamp. Legality is checked by the engine.
func (r *ServiceRequest) MoveTo(status RequestStatus, now time.Time) {
	r.Status = status
	r.stamp(status, now)
}

// ServiceOffering is one entry of a provider's catalogue.
type ServiceOffering struct {
	Type      string  `json:"type"`
	Price     float64 `json:"price"`
	Available bool    `json:"available"`
}

// Provider is a mechanic shop or petrol pump. Counters are owned by the engine and
// the review flow; profile updates never write them.
type Provider struct {
	ID       uuid.UUID         `json:"id"`
	OwnerID  uuid.UUID         `json:"owner_id"`
	Kind     ProviderKind      `json:"kind"`
	Name     string            `json:"name"`
	Phone    string            `json:"phone"`
	Location Location          `json:"location"`
	Active   bool              `json:"active"`
	Services []ServiceOffering `json:"services"`

	ActiveRequests    int     `json:"active_requests"`
	CompletedServices int     `json:"completed_services"`
	TotalReviews      int     `json:"total_reviews"`
	Rating            float64 `json:"rating"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// Offers reports whether serviceType may be requested. An empty catalogue accepts any type.
func (p Provider) Offers(serviceType string) bool {
	if len(p.Services) == 0 {
		return true
	}
	for _, s := range p.Services {
		if s.Type == serviceType {
			return s.Available
		}
	}
	return false
}

// CounterDelta is the counter side effect of one transition.
type CounterDelta struct {
	Active    int
	Completed int
}

func (d CounterDelta) IsZero() bool { return d.Active == 0 && d.Completed == 0 }

// ApplyCounters adds delta, flooring each counter at zero.
func (p *Provider) ApplyCounters(d CounterDelta) {
	p.ActiveRequests += d.Active
	if p.ActiveRequests < 0 {
		p.ActiveRequests = 0
	}
	p.CompletedServices += d.Completed
	if p.CompletedServices < 0 {
		p.CompletedServices = 0
	}
}

// AddReview folds a new rating into the running mean.
func (p *Provider) AddReview(rating int) {
	total := float64(p.TotalReviews)
	p.Rating = (p.Rating*total + float64(rating)) / (total + 1)
	p.TotalReviews++
}

// CountersFor returns the provider counter change for moving a request from one status to another.
func CountersFor(from, to RequestStatus) CounterDelta {
	var d CounterDelta
	if !from.CountsAsActive() && to.CountsAsActive() {
		d.Active = 1
	}
	if from.CountsAsActive() && !to.CountsAsActive() {
		d.Active = -1
	}
	if to == StatusCompleted {
		d.Completed = 1
	}
	return d
}

type WorkerStatus string

const (
	WorkerActive    WorkerStatus = "active"
	WorkerInWorking WorkerStatus = "in_working"
	WorkerInactive  WorkerStatus = "inactive"
)

func (s WorkerStatus) Valid() bool {
	return s == WorkerActive || s == WorkerInWorking || s == WorkerInactive
}

// Worker is a field technician employed by a provider.
type Worker struct {
	ID             uuid.UUID    `json:"id"`
	ProviderID     uuid.UUID    `json:"provider_id"`
	Name           string       `json:"name"`
	Phone          string       `json:"phone"`
	Specialization string       `json:"specialization"`
	Status         WorkerStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Version        int64        `json:"version"`
}

// Actor is the authenticated caller of an engine or registry operation.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// RequestFilter narrows ListRequests. Zero fields are ignored.
type RequestFilter struct {
	RequesterID *uuid.UUID
	ProviderID  *uuid.UUID
	WorkerID    *uuid.UUID
	Statuses    []RequestStatus
	Limit       int
}

// Matches applies the filter in memory.
func (f RequestFilter) Matches(r ServiceRequest) bool {
	if f.RequesterID != nil && r.RequesterID != *f.RequesterID {
		return false
	}
	if f.ProviderID != nil && r.ProviderID != *f.ProviderID {
		return false
	}
	if f.WorkerID != nil && (r.WorkerID == nil || *r.WorkerID != *f.WorkerID) {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if r.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// Reader exposes the read side of the store.
type Reader interface {
	GetRequest(ctx context.Context, id uuid.UUID) (ServiceRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]ServiceRequest, error)
	RequestEvents(ctx context.Context, requestID uuid.UUID) ([]RequestEvent, error)
	GetProvider(ctx context.Context, id uuid.UUID) (Provider, error)
	ProviderByOwner(ctx context.Context, ownerID uuid.UUID, kind ProviderKind) (Provider, error)
	GetWorker(ctx context.Context, id uuid.UUID) (Worker, error)
	ListWorkers(ctx context.Context, providerID uuid.UUID) ([]Worker, error)
}

// Tx is one atomic unit of work. Update methods compare the Version of the
// passed entity with the stored one and fail with ErrVersionConflict on mismatch;
// on success they return the entity with its version bumped.
type Tx interface {
	Reader
	InsertRequest(ctx context.Context, r ServiceRequest) error
	UpdateRequest(ctx context.Context, r ServiceRequest) (ServiceRequest, error)
	AppendEvent(ctx context.Context, e RequestEvent) error
	InsertProvider(ctx context.Context, p Provider) error
	UpdateProvider(ctx context.Context, p Provider) (Provider, error)
	InsertWorker(ctx context.Context, w Worker) error
	UpdateWorker(ctx context.Context, w Worker) (Worker, error)
	DeleteWorker(ctx context.Context, id uuid.UUID, version int64) error
}

// Store persists requests, providers and workers. Atomically commits everything fn
// wrote when fn returns nil and discards it otherwise.
type Store interface {
	Reader
	Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// IdempotencyRepository remembers which request an idempotency key created.
// Reserve claims key for id before the request exists; when the key is already
// held it reports the holder's id and won is false. Release drops a claim that
// is still held by id, so a failed create can be retried under the same key.
type IdempotencyRepository interface {
	Reserve(ctx context.Context, key string, id uuid.UUID) (winner uuid.UUID, won bool, err error)
	Release(ctx context.Context, key string, id uuid.UUID) error
}

// AssignmentGuard serialises assignment attempts for one worker across instances.
type AssignmentGuard interface {
	TryAcquire(ctx context.Context, workerID, requestID uuid.UUID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, workerID, requestID uuid.UUID) error
}
