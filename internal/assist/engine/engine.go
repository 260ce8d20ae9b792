package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/roadassist/internal/assist/domain"
	assignguard "github.com/example/roadassist/internal/assist/guard"
)

const (
	maxListLimit = 100
	// replayAttempts bounds how long a create waits on a key held by another create.
	replayAttempts = 40
)

// Config tunes retry and guard behaviour.
type Config struct {
	MaxRetries int
	GuardTTL   time.Duration
}

// Engine drives service requests through the status graph. Every mutation is one
// atomic unit covering the request, the provider counters, the worker status and the
// event log.
type Engine struct {
	store    domain.Store
	guard    domain.AssignmentGuard
	notifier domain.Notifier
	clock    domain.Clock
	idem     domain.IdempotencyRepository
	logger   *zap.Logger
	tracer   trace.Tracer
	cfg      Config
}

// New constructs an Engine. A nil guard falls back to an in-process guard, a nil
// notifier drops notifications.
func New(store domain.Store, guard domain.AssignmentGuard, notifier domain.Notifier, clock domain.Clock, idem domain.IdempotencyRepository, logger *zap.Logger, cfg Config) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = domain.DefaultMaxRetries
	}
	if cfg.GuardTTL <= 0 {
		cfg.GuardTTL = 5 * time.Second
	}
	if guard == nil {
		guard = assignguard.NewMemoryGuard()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		guard:    guard,
		notifier: notifier,
		clock:    clock,
		idem:     idem,
		logger:   logger.Named("engine"),
		tracer:   otel.Tracer("assist.engine"),
		cfg:      cfg,
	}
}

// CreateInput is the requester supplied part of a new request.
type CreateInput struct {
	ProviderID     uuid.UUID
	ServiceType    string
	Description    string
	Location       domain.Location
	EstimatedPrice float64
}

// Extra carries the optional payload of a transition.
type Extra struct {
	// ActualPrice is only accepted on completion and defaults to the estimate.
	ActualPrice *float64
	// Reason is recorded on cancellation and rejection.
	Reason string
}

// CreateRequest opens a pending request against an active provider. A repeated
// idempotency key from the same requester returns the request it created first.
func (e *Engine) CreateRequest(ctx context.Context, actor domain.Actor, in CreateInput, idempotencyKey string) (_ domain.ServiceRequest, err error) {
	ctx, span, done := e.begin(ctx, "create", uuid.Nil)
	defer func() { done(err) }()

	if actor.Role != domain.RoleRequester {
		return domain.ServiceRequest{}, fmt.Errorf("create request as %s: %w", actor.Role, domain.ErrForbidden)
	}
	if err := validateCreate(in); err != nil {
		return domain.ServiceRequest{}, err
	}

	id := uuid.New()
	key := scopedKey(actor.ID, idempotencyKey)
	if key != "" && e.idem != nil {
		existing, won, claimErr := e.claimKey(ctx, key, id)
		if claimErr != nil {
			return domain.ServiceRequest{}, claimErr
		}
		if !won {
			return existing, nil
		}
		defer func() {
			if err == nil {
				return
			}
			if relErr := e.idem.Release(context.WithoutCancel(ctx), key, id); relErr != nil {
				e.logger.Warn("idempotency release failed", zap.Error(relErr), zap.String("request_id", id.String()))
			}
		}()
	}
	span.SetAttributes(attribute.String("request.id", id.String()))
	var (
		created domain.ServiceRequest
		ownerID uuid.UUID
	)
	err = e.run(ctx, "create", func(ctx context.Context, tx domain.Tx) error {
		provider, err := tx.GetProvider(ctx, in.ProviderID)
		if err != nil {
			return err
		}
		if !provider.Active {
			return fmt.Errorf("provider %s is inactive: %w", provider.ID, domain.ErrProviderUnavailable)
		}
		if !provider.Offers(in.ServiceType) {
			return fmt.Errorf("provider %s does not offer %q: %w", provider.ID, in.ServiceType, domain.ErrProviderUnavailable)
		}
		now := e.clock.Now()
		req := domain.ServiceRequest{
			ID:             id,
			RequesterID:    actor.ID,
			ProviderID:     provider.ID,
			ServiceType:    in.ServiceType,
			Description:    strings.TrimSpace(in.Description),
			Location:       in.Location,
			EstimatedPrice: in.EstimatedPrice,
			Status:         domain.StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
			Version:        1,
		}
		if req.EstimatedPrice == 0 {
			req.EstimatedPrice = catalogPrice(provider, in.ServiceType)
		}
		if err := tx.InsertRequest(ctx, req); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, domain.RequestEvent{
			RequestID: req.ID,
			Seq:       1,
			Type:      domain.EventRequestCreated,
			To:        domain.StatusPending,
			ActorRole: actor.Role,
			ActorID:   actor.ID,
			At:        now,
		}); err != nil {
			return err
		}
		created, ownerID = req, provider.OwnerID
		return nil
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}

	e.notify(ctx, actor, domain.EventRequestCreated, created.ID, ownerID)
	return created, nil
}

// claimKey reserves key for id. When another create holds the key it waits for
// that request to become visible and returns it. A claim whose create failed is
// released by its owner, after which the next attempt wins it.
func (e *Engine) claimKey(ctx context.Context, key string, id uuid.UUID) (domain.ServiceRequest, bool, error) {
	for attempt := 1; attempt <= replayAttempts; attempt++ {
		winner, won, err := e.idem.Reserve(ctx, key, id)
		if err != nil {
			e.logger.Warn("idempotency reserve failed", zap.Error(err))
			return domain.ServiceRequest{}, true, nil
		}
		if won {
			return domain.ServiceRequest{}, true, nil
		}
		req, err := e.store.GetRequest(ctx, winner)
		if err == nil {
			return req, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.ServiceRequest{}, false, err
		}
		backoff := time.Duration(min(attempt, 20)) * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return domain.ServiceRequest{}, false, ctx.Err()
		}
	}
	return domain.ServiceRequest{}, false, fmt.Errorf("idempotency key still pending: %w", domain.ErrConcurrency)
}

// Transition moves a request along one edge of the status graph on behalf of actor.
func (e *Engine) Transition(ctx context.Context, actor domain.Actor, requestID uuid.UUID, to domain.RequestStatus, extra Extra) (_ domain.ServiceRequest, err error) {
	ctx, _, done := e.begin(ctx, "transition", requestID)
	defer func() { done(err) }()

	if !to.Valid() {
		return domain.ServiceRequest{}, fmt.Errorf("%q: %w", to, domain.ErrInvalidStatus)
	}
	if err := validateExtra(to, extra); err != nil {
		return domain.ServiceRequest{}, err
	}

	var change committed
	err = e.run(ctx, "transition", func(ctx context.Context, tx domain.Tx) error {
		c, err := e.applyTransition(ctx, tx, actor, requestID, to, extra)
		if err != nil {
			return err
		}
		change = c
		return nil
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	e.commitDone(ctx, actor, change)
	return change.request, nil
}

// Cancel is the requester's cancellation of their own request.
func (e *Engine) Cancel(ctx context.Context, actor domain.Actor, requestID uuid.UUID, reason string) (domain.ServiceRequest, error) {
	if actor.Role != domain.RoleRequester {
		return domain.ServiceRequest{}, fmt.Errorf("cancel as %s: %w", actor.Role, domain.ErrForbidden)
	}
	return e.Transition(ctx, actor, requestID, domain.StatusCancelled, Extra{Reason: reason})
}

// AssignWorker hands an accepted request to one of the provider's active workers.
// providerID may be uuid.Nil, in which case only the actor's ownership is checked.
func (e *Engine) AssignWorker(ctx context.Context, actor domain.Actor, requestID, workerID, providerID uuid.UUID) (_ domain.ServiceRequest, err error) {
	ctx, span, done := e.begin(ctx, "assign", requestID)
	defer func() {
		assignmentAttempts.WithLabelValues(assignResult(err)).Inc()
		done(err)
	}()
	span.SetAttributes(attribute.String("worker.id", workerID.String()))

	if actor.Role != domain.RoleProvider {
		return domain.ServiceRequest{}, fmt.Errorf("assign as %s: %w", actor.Role, domain.ErrForbidden)
	}

	acquired, guardErr := e.guard.TryAcquire(ctx, workerID, requestID, e.cfg.GuardTTL)
	switch {
	case guardErr != nil:
		// The store still rejects a double booking, the guard only makes it fail fast.
		e.logger.Warn("assignment guard unavailable", zap.Error(guardErr), zap.String("worker_id", workerID.String()))
	case !acquired:
		return domain.ServiceRequest{}, fmt.Errorf("worker %s is being assigned elsewhere: %w", workerID, domain.ErrWorkerUnavailable)
	default:
		defer func() {
			if err := e.guard.Release(context.WithoutCancel(ctx), workerID, requestID); err != nil {
				e.logger.Warn("assignment guard release failed", zap.Error(err), zap.String("worker_id", workerID.String()))
			}
		}()
	}

	var change committed
	err = e.run(ctx, "assign", func(ctx context.Context, tx domain.Tx) error {
		c, err := e.applyAssignment(ctx, tx, actor, requestID, workerID, providerID)
		if err != nil {
			return err
		}
		change = c
		return nil
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	e.commitDone(ctx, actor, change)
	return change.request, nil
}

// GetRequest returns a request to one of its parties.
func (e *Engine) GetRequest(ctx context.Context, actor domain.Actor, requestID uuid.UUID) (domain.ServiceRequest, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	provider, err := e.store.GetProvider(ctx, req.ProviderID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if !isParty(actor, req, provider) {
		return domain.ServiceRequest{}, fmt.Errorf("request %s: %w", requestID, domain.ErrForbidden)
	}
	return req, nil
}

// History returns the event log of a request, oldest first.
func (e *Engine) History(ctx context.Context, actor domain.Actor, requestID uuid.UUID) ([]domain.RequestEvent, error) {
	if _, err := e.GetRequest(ctx, actor, requestID); err != nil {
		return nil, err
	}
	return e.store.RequestEvents(ctx, requestID)
}

// ListRequests lists the requests the actor is a party to, newest first. The
// party fields of filter are overridden by the actor's own scope.
func (e *Engine) ListRequests(ctx context.Context, actor domain.Actor, filter domain.RequestFilter) ([]domain.ServiceRequest, error) {
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	switch actor.Role {
	case domain.RoleRequester:
		filter.RequesterID = &actor.ID
		return e.store.ListRequests(ctx, filter)
	case domain.RoleWorker:
		filter.WorkerID = &actor.ID
		return e.store.ListRequests(ctx, filter)
	case domain.RoleProvider:
	default:
		return nil, fmt.Errorf("list as %q: %w", actor.Role, domain.ErrForbidden)
	}

	owned, err := e.ownedProviders(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if filter.ProviderID != nil {
		if _, ok := owned[*filter.ProviderID]; !ok {
			return nil, fmt.Errorf("provider %s: %w", *filter.ProviderID, domain.ErrForbidden)
		}
		return e.store.ListRequests(ctx, filter)
	}
	out := make([]domain.ServiceRequest, 0)
	for id := range owned {
		pid := id
		filter.ProviderID = &pid
		part, err := e.store.ListRequests(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (e *Engine) ownedProviders(ctx context.Context, ownerID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	owned := make(map[uuid.UUID]struct{})
	for _, kind := range []domain.ProviderKind{domain.KindMechanic, domain.KindPetrolPump} {
		p, err := e.store.ProviderByOwner(ctx, ownerID, kind)
		if errors.Is(err, domain.ErrProviderNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		owned[p.ID] = struct{}{}
	}
	return owned, nil
}

// committed describes a change that made it to the store.
type committed struct {
	request domain.ServiceRequest
	from    domain.RequestStatus
	ownerID uuid.UUID
}

func (e *Engine) applyTransition(ctx context.Context, tx domain.Tx, actor domain.Actor, requestID uuid.UUID, to domain.RequestStatus, extra Extra) (committed, error) {
	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return committed{}, err
	}
	provider, err := tx.GetProvider(ctx, req.ProviderID)
	if err != nil {
		return committed{}, err
	}
	if !isParty(actor, req, provider) {
		return committed{}, fmt.Errorf("request %s: %w", req.ID, domain.ErrForbidden)
	}
	edge, ok := req.Status.EdgeTo(to)
	if !ok || edge.AssignOnly {
		return committed{}, fmt.Errorf("%s -> %s: %w", req.Status, to, domain.ErrIllegalTransition)
	}
	if err := authorize(actor, edge, req); err != nil {
		return committed{}, err
	}

	from := req.Status
	now := e.clock.Now()
	req.MoveTo(to, now)
	switch to {
	case domain.StatusCompleted:
		price := req.EstimatedPrice
		if extra.ActualPrice != nil {
			price = *extra.ActualPrice
		}
		req.ActualPrice = &price
	case domain.StatusCancelled, domain.StatusRejected:
		req.CancelReason = strings.TrimSpace(extra.Reason)
	}

	updated, err := tx.UpdateRequest(ctx, req)
	if err != nil {
		return committed{}, err
	}
	if err := applyCounters(ctx, tx, provider, from, to, now); err != nil {
		return committed{}, err
	}
	if to.Terminal() && updated.HasWorker() {
		if err := releaseWorker(ctx, tx, *updated.WorkerID, now); err != nil {
			return committed{}, err
		}
	}
	if err := appendEvent(ctx, tx, updated, from, actor, now); err != nil {
		return committed{}, err
	}
	return committed{request: updated, from: from, ownerID: provider.OwnerID}, nil
}

func (e *Engine) applyAssignment(ctx context.Context, tx domain.Tx, actor domain.Actor, requestID, workerID, providerID uuid.UUID) (committed, error) {
	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return committed{}, err
	}
	if providerID != uuid.Nil && providerID != req.ProviderID {
		return committed{}, fmt.Errorf("request %s belongs to another provider: %w", req.ID, domain.ErrForbidden)
	}
	provider, err := tx.GetProvider(ctx, req.ProviderID)
	if err != nil {
		return committed{}, err
	}
	if provider.OwnerID != actor.ID {
		return committed{}, fmt.Errorf("provider %s: %w", provider.ID, domain.ErrForbidden)
	}
	if req.HasWorker() {
		return committed{}, fmt.Errorf("request %s has worker %s: %w", req.ID, *req.WorkerID, domain.ErrAlreadyAssigned)
	}
	edge, ok := req.Status.EdgeTo(domain.StatusAssigned)
	if !ok {
		return committed{}, fmt.Errorf("%s -> %s: %w", req.Status, domain.StatusAssigned, domain.ErrIllegalTransition)
	}
	if !edge.Allows(actor.Role) {
		return committed{}, fmt.Errorf("role %s: %w", actor.Role, domain.ErrForbidden)
	}
	worker, err := tx.GetWorker(ctx, workerID)
	if err != nil {
		return committed{}, err
	}
	if worker.ProviderID != req.ProviderID {
		return committed{}, fmt.Errorf("worker %s belongs to another provider: %w", worker.ID, domain.ErrForbidden)
	}
	if worker.Status != domain.WorkerActive {
		return committed{}, fmt.Errorf("worker %s is %s: %w", worker.ID, worker.Status, domain.ErrWorkerUnavailable)
	}

	from := req.Status
	now := e.clock.Now()
	req.WorkerID = &worker.ID
	req.MoveTo(domain.StatusAssigned, now)
	updated, err := tx.UpdateRequest(ctx, req)
	if err != nil {
		return committed{}, err
	}
	worker.Status = domain.WorkerInWorking
	worker.UpdatedAt = now
	if _, err := tx.UpdateWorker(ctx, worker); err != nil {
		return committed{}, fmt.Errorf("mark worker busy: %w", err)
	}
	if err := applyCounters(ctx, tx, provider, from, domain.StatusAssigned, now); err != nil {
		return committed{}, err
	}
	if err := appendEvent(ctx, tx, updated, from, actor, now); err != nil {
		return committed{}, err
	}
	return committed{request: updated, from: from, ownerID: provider.OwnerID}, nil
}

func applyCounters(ctx context.Context, tx domain.Tx, provider domain.Provider, from, to domain.RequestStatus, now time.Time) error {
	delta := domain.CountersFor(from, to)
	if delta.IsZero() {
		return nil
	}
	provider.ApplyCounters(delta)
	provider.UpdatedAt = now
	if _, err := tx.UpdateProvider(ctx, provider); err != nil {
		return fmt.Errorf("update provider counters: %w", err)
	}
	return nil
}

func releaseWorker(ctx context.Context, tx domain.Tx, workerID uuid.UUID, now time.Time) error {
	worker, err := tx.GetWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("release worker: %w", err)
	}
	if worker.Status != domain.WorkerInWorking {
		return nil
	}
	worker.Status = domain.WorkerActive
	worker.UpdatedAt = now
	if _, err := tx.UpdateWorker(ctx, worker); err != nil {
		return fmt.Errorf("release worker: %w", err)
	}
	return nil
}

func appendEvent(ctx context.Context, tx domain.Tx, req domain.ServiceRequest, from domain.RequestStatus, actor domain.Actor, now time.Time) error {
	events, err := tx.RequestEvents(ctx, req.ID)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, domain.RequestEvent{
		RequestID: req.ID,
		Seq:       len(events) + 1,
		Type:      domain.EventFor(req.Status),
		From:      from,
		To:        req.Status,
		ActorRole: actor.Role,
		ActorID:   actor.ID,
		WorkerID:  req.WorkerID,
		At:        now,
	})
}

// isParty reports whether actor takes part in req in the role it claims.
func isParty(actor domain.Actor, req domain.ServiceRequest, provider domain.Provider) bool {
	switch actor.Role {
	case domain.RoleRequester:
		return req.RequesterID == actor.ID
	case domain.RoleProvider:
		return provider.OwnerID == actor.ID
	case domain.RoleWorker:
		return req.WorkerID != nil && *req.WorkerID == actor.ID
	default:
		return false
	}
}

func authorize(actor domain.Actor, edge domain.Edge, req domain.ServiceRequest) error {
	if edge.WorkerDriven && req.HasWorker() {
		if actor.Role != domain.RoleWorker {
			return fmt.Errorf("%s -> %s is driven by the assigned worker: %w", edge.From, edge.To, domain.ErrForbidden)
		}
		return nil
	}
	if !edge.Allows(actor.Role) {
		return fmt.Errorf("role %s may not move %s -> %s: %w", actor.Role, edge.From, edge.To, domain.ErrForbidden)
	}
	return nil
}

func validateCreate(in CreateInput) error {
	if in.ProviderID == uuid.Nil {
		return fmt.Errorf("provider_id is required: %w", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(in.ServiceType) == "" {
		return fmt.Errorf("service_type is required: %w", domain.ErrInvalidInput)
	}
	if invalidAmount(in.EstimatedPrice) {
		return fmt.Errorf("estimated_price %v: %w", in.EstimatedPrice, domain.ErrInvalidInput)
	}
	return in.Location.Point.Validate()
}

func validateExtra(to domain.RequestStatus, extra Extra) error {
	if extra.ActualPrice == nil {
		return nil
	}
	if to != domain.StatusCompleted {
		return fmt.Errorf("actual_price only applies to completion: %w", domain.ErrInvalidInput)
	}
	if invalidAmount(*extra.ActualPrice) {
		return fmt.Errorf("actual_price %v: %w", *extra.ActualPrice, domain.ErrInvalidInput)
	}
	return nil
}

func invalidAmount(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0) || v < 0
}

func catalogPrice(p domain.Provider, serviceType string) float64 {
	for _, s := range p.Services {
		if s.Type == serviceType {
			return s.Price
		}
	}
	return 0
}

func scopedKey(actorID uuid.UUID, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return actorID.String() + ":" + key
}

func assignResult(err error) string {
	switch {
	case err == nil:
		return "assigned"
	case errors.Is(err, domain.ErrWorkerUnavailable):
		return "worker_unavailable"
	case errors.Is(err, domain.ErrAlreadyAssigned):
		return "already_assigned"
	default:
		return domain.KindOf(err).String()
	}
}

func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context, tx domain.Tx) error) error {
	attempts := 0
	err := domain.RetryAtomically(ctx, e.store, e.cfg.MaxRetries, func(ctx context.Context, tx domain.Tx) error {
		attempts++
		return fn(ctx, tx)
	})
	if attempts > 1 {
		versionRetries.WithLabelValues(op).Add(float64(attempts - 1))
	}
	return err
}

func (e *Engine) begin(ctx context.Context, op string, requestID uuid.UUID) (context.Context, trace.Span, func(error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine."+op)
	if requestID != uuid.Nil {
		span.SetAttributes(attribute.String("request.id", requestID.String()))
	}
	return ctx, span, func(err error) {
		result := "ok"
		if err != nil {
			result = domain.KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if domain.KindOf(err) == domain.KindInternal {
				e.logger.Error("engine operation failed", zap.String("op", op), zap.Error(err))
			}
		}
		operationDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
		span.End()
	}
}

func (e *Engine) commitDone(ctx context.Context, actor domain.Actor, change committed) {
	req := change.request
	transitionsTotal.WithLabelValues(string(change.from), string(req.Status)).Inc()
	e.logger.Debug("request transitioned",
		zap.String("request_id", req.ID.String()),
		zap.String("from", string(change.from)),
		zap.String("to", string(req.Status)),
		zap.String("actor_role", string(actor.Role)))

	recipients := []uuid.UUID{req.RequesterID, change.ownerID}
	if req.WorkerID != nil {
		recipients = append(recipients, *req.WorkerID)
	}
	e.notify(ctx, actor, domain.EventFor(req.Status), req.ID, recipients...)
}

// notify hands one notification per recipient to the sink. The actor is skipped and
// sink failures are only logged.
func (e *Engine) notify(ctx context.Context, actor domain.Actor, event domain.EventType, requestID uuid.UUID, recipients ...uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	at := e.clock.Now()
	seen := make(map[uuid.UUID]struct{}, len(recipients))
	for _, r := range recipients {
		if r == uuid.Nil || r == actor.ID {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		n := domain.Notification{RecipientID: r, EventType: event, RequestID: requestID, At: at}
		if err := e.notifier.Notify(ctx, n); err != nil {
			notifyFailures.Inc()
			e.logger.Warn("notification dropped",
				zap.Error(err),
				zap.String("event", string(event)),
				zap.String("request_id", requestID.String()),
				zap.String("recipient_id", r.String()))
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, domain.Notification) error { return nil }
