package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/roadassist/internal/assist/domain"
	"github.com/example/roadassist/internal/assist/geo"
)

// ProviderConfig tunes nearby search and write retries.
type ProviderConfig struct {
	DefaultRadiusKM float64
	MaxResults      int
	SpeedKMH        float64
	MaxRetries      int
}

// ProviderRegistry owns provider profiles, their visibility in the geo index and
// the review flow.
type ProviderRegistry struct {
	store    domain.Store
	index    geo.Index
	notifier domain.Notifier
	clock    domain.Clock
	logger   *zap.Logger
	cfg      ProviderConfig
}

func NewProviderRegistry(store domain.Store, index geo.Index, notifier domain.Notifier, clock domain.Clock, logger *zap.Logger, cfg ProviderConfig) *ProviderRegistry {
	if cfg.DefaultRadiusKM <= 0 {
		cfg.DefaultRadiusKM = 10
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 20
	}
	if cfg.SpeedKMH <= 0 {
		cfg.SpeedKMH = geo.DefaultSpeedKMH
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderRegistry{
		store:    store,
		index:    index,
		notifier: notifier,
		clock:    clock,
		logger:   logger.Named("providers"),
		cfg:      cfg,
	}
}

// ProfileInput holds the caller writable fields of a provider profile.
type ProfileInput struct {
	Name     string
	Phone    string
	Location domain.Location
	Services []domain.ServiceOffering
}

func (in ProfileInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("name is required: %w", domain.ErrInvalidInput)
	}
	if err := in.Location.Point.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(in.Services))
	for _, s := range in.Services {
		if strings.TrimSpace(s.Type) == "" {
			return fmt.Errorf("service type is required: %w", domain.ErrInvalidInput)
		}
		if s.Price < 0 {
			return fmt.Errorf("service %q has negative price: %w", s.Type, domain.ErrInvalidInput)
		}
		if _, dup := seen[s.Type]; dup {
			return fmt.Errorf("service %q listed twice: %w", s.Type, domain.ErrInvalidInput)
		}
		seen[s.Type] = struct{}{}
	}
	return nil
}

// UpsertProfile creates or fully replaces the actor's profile of the given kind.
// Counters and rating are never taken from the caller.
func (r *ProviderRegistry) UpsertProfile(ctx context.Context, actor domain.Actor, kind domain.ProviderKind, in ProfileInput) (domain.Provider, error) {
	if actor.Role != domain.RoleProvider {
		return domain.Provider{}, fmt.Errorf("upsert profile as %s: %w", actor.Role, domain.ErrForbidden)
	}
	if !kind.Valid() {
		return domain.Provider{}, fmt.Errorf("provider kind %q: %w", kind, domain.ErrInvalidInput)
	}
	if err := in.validate(); err != nil {
		return domain.Provider{}, err
	}

	var saved domain.Provider
	err := domain.RetryAtomically(ctx, r.store, r.cfg.MaxRetries, func(ctx context.Context, tx domain.Tx) error {
		now := r.clock.Now()
		current, err := tx.ProviderByOwner(ctx, actor.ID, kind)
		switch {
		case errors.Is(err, domain.ErrProviderNotFound):
			p := domain.Provider{
				ID:        uuid.New(),
				OwnerID:   actor.ID,
				Kind:      kind,
				Active:    true,
				CreatedAt: now,
				Version:   1,
			}
			applyProfile(&p, in, now)
			if err := tx.InsertProvider(ctx, p); err != nil {
				return err
			}
			saved = p
			return nil
		case err != nil:
			return err
		}
		applyProfile(&current, in, now)
		updated, err := tx.UpdateProvider(ctx, current)
		if err != nil {
			return err
		}
		saved = updated
		return nil
	})
	if err != nil {
		return domain.Provider{}, err
	}
	r.syncIndex(ctx, saved)
	return saved, nil
}

func applyProfile(p *domain.Provider, in ProfileInput, now time.Time) {
	p.Name = strings.TrimSpace(in.Name)
	p.Phone = strings.TrimSpace(in.Phone)
	p.Location = in.Location
	p.Services = append([]domain.ServiceOffering(nil), in.Services...)
	p.UpdatedAt = now
}

// ToggleActive gates future requests and nearby visibility. In-flight requests are untouched.
func (r *ProviderRegistry) ToggleActive(ctx context.Context, actor domain.Actor, providerID uuid.UUID, active bool) (domain.Provider, error) {
	var saved domain.Provider
	err := domain.RetryAtomically(ctx, r.store, r.cfg.MaxRetries, func(ctx context.Context, tx domain.Tx) error {
		p, err := ownedProvider(ctx, tx, actor, providerID)
		if err != nil {
			return err
		}
		if p.Active == active {
			saved = p
			return nil
		}
		p.Active = active
		p.UpdatedAt = r.clock.Now()
		saved, err = tx.UpdateProvider(ctx, p)
		return err
	})
	if err != nil {
		return domain.Provider{}, err
	}
	r.syncIndex(ctx, saved)
	return saved, nil
}

// Get returns a provider profile by id.
func (r *ProviderRegistry) Get(ctx context.Context, providerID uuid.UUID) (domain.Provider, error) {
	return r.store.GetProvider(ctx, providerID)
}

// syncIndex mirrors the provider's visibility into the geo index. Failures are
// logged, the profile write stands.
func (r *ProviderRegistry) syncIndex(ctx context.Context, p domain.Provider) {
	if r.index == nil {
		return
	}
	var err error
	if p.Active {
		err = r.index.Upsert(ctx, p.Kind, p.ID, p.Location.Point)
	} else {
		err = r.index.Remove(ctx, p.Kind, p.ID)
	}
	if err != nil {
		r.logger.Warn("geo index sync failed", zap.Error(err), zap.String("provider_id", p.ID.String()), zap.Bool("active", p.Active))
	}
}

// NearbyQuery selects providers around a point. Zero radius and limit use the
// registry defaults.
type NearbyQuery struct {
	Point    domain.GeoPoint
	Kind     domain.ProviderKind
	RadiusKM float64
	Limit    int
}

// NearbyProvider is one search result with its great-circle distance and an
// advisory arrival estimate.
type NearbyProvider struct {
	Provider   domain.Provider
	DistanceKM float64
	ETA        time.Duration
}

// Nearby returns active providers of a kind within the radius, closest first.
func (r *ProviderRegistry) Nearby(ctx context.Context, q NearbyQuery) ([]NearbyProvider, error) {
	if err := q.Point.Validate(); err != nil {
		return nil, err
	}
	if !q.Kind.Valid() {
		return nil, fmt.Errorf("provider kind %q: %w", q.Kind, domain.ErrInvalidInput)
	}
	if q.RadiusKM < 0 {
		return nil, fmt.Errorf("radius %v: %w", q.RadiusKM, domain.ErrInvalidInput)
	}
	if q.RadiusKM == 0 {
		q.RadiusKM = r.cfg.DefaultRadiusKM
	}
	if q.Limit <= 0 || q.Limit > r.cfg.MaxResults {
		q.Limit = r.cfg.MaxResults
	}
	if r.index == nil {
		return []NearbyProvider{}, nil
	}

	// Unbounded within the radius: inactive or stale entries are dropped below.
	hits, err := r.index.Nearby(ctx, q.Kind, q.Point, q.RadiusKM, 0)
	if err != nil {
		return nil, fmt.Errorf("geo nearby: %w: %v", domain.ErrUpstream, err)
	}
	out := make([]NearbyProvider, 0, len(hits))
	for _, hit := range hits {
		p, err := r.store.GetProvider(ctx, hit.ProviderID)
		if errors.Is(err, domain.ErrProviderNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !p.Active {
			continue
		}
		d := geo.DistanceKM(q.Point, p.Location.Point)
		if d > q.RadiusKM {
			continue
		}
		out = append(out, NearbyProvider{Provider: p, DistanceKM: d, ETA: geo.EstimateArrival(d, r.cfg.SpeedKMH)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKM != out[j].DistanceKM {
			return out[i].DistanceKM < out[j].DistanceKM
		}
		return out[i].Provider.ID.String() < out[j].Provider.ID.String()
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// RecordReview stores the requester's rating on a completed request and folds it
// into the provider's running mean in the same atomic unit.
func (r *ProviderRegistry) RecordReview(ctx context.Context, actor domain.Actor, requestID uuid.UUID, rating int, text string) (domain.ServiceRequest, error) {
	if rating < 1 || rating > 5 {
		return domain.ServiceRequest{}, fmt.Errorf("rating %d: %w", rating, domain.ErrInvalidRating)
	}
	if actor.Role != domain.RoleRequester {
		return domain.ServiceRequest{}, fmt.Errorf("review as %s: %w", actor.Role, domain.ErrForbidden)
	}

	var (
		reviewed domain.ServiceRequest
		ownerID  uuid.UUID
	)
	err := domain.RetryAtomically(ctx, r.store, r.cfg.MaxRetries, func(ctx context.Context, tx domain.Tx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.RequesterID != actor.ID {
			return fmt.Errorf("request %s: %w", req.ID, domain.ErrForbidden)
		}
		if req.Status != domain.StatusCompleted {
			return fmt.Errorf("request %s is %s: %w", req.ID, req.Status, domain.ErrNotCompleted)
		}
		if req.Rating != nil {
			return fmt.Errorf("request %s: %w", req.ID, domain.ErrAlreadyReviewed)
		}

		now := r.clock.Now()
		score := rating
		req.Rating = &score
		req.Review = strings.TrimSpace(text)
		req.UpdatedAt = now
		updated, err := tx.UpdateRequest(ctx, req)
		if err != nil {
			return err
		}

		provider, err := tx.GetProvider(ctx, req.ProviderID)
		if err != nil {
			return err
		}
		provider.AddReview(rating)
		provider.UpdatedAt = now
		if _, err := tx.UpdateProvider(ctx, provider); err != nil {
			return fmt.Errorf("update provider rating: %w", err)
		}

		events, err := tx.RequestEvents(ctx, req.ID)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, domain.RequestEvent{
			RequestID: req.ID,
			Seq:       len(events) + 1,
			Type:      domain.EventRequestReviewed,
			From:      domain.StatusCompleted,
			To:        domain.StatusCompleted,
			ActorRole: actor.Role,
			ActorID:   actor.ID,
			WorkerID:  req.WorkerID,
			At:        now,
		}); err != nil {
			return err
		}
		reviewed, ownerID = updated, provider.OwnerID
		return nil
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}

	if r.notifier != nil {
		n := domain.Notification{RecipientID: ownerID, EventType: domain.EventRequestReviewed, RequestID: reviewed.ID, At: r.clock.Now()}
		if err := r.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
			r.logger.Warn("notification dropped", zap.Error(err), zap.String("request_id", reviewed.ID.String()))
		}
	}
	return reviewed, nil
}

// ownedProvider loads a provider and checks that actor owns it.
func ownedProvider(ctx context.Context, r domain.Reader, actor domain.Actor, providerID uuid.UUID) (domain.Provider, error) {
	if actor.Role != domain.RoleProvider {
		return domain.Provider{}, fmt.Errorf("role %s: %w", actor.Role, domain.ErrForbidden)
	}
	p, err := r.GetProvider(ctx, providerID)
	if err != nil {
		return domain.Provider{}, err
	}
	if p.OwnerID != actor.ID {
		return domain.Provider{}, fmt.Errorf("provider %s: %w", providerID, domain.ErrForbidden)
	}
	return p, nil
}
