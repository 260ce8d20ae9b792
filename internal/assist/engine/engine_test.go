package engine_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/roadassist/internal/assist/domain"
	"github.com/example/roadassist/internal/assist/engine"
	"github.com/example/roadassist/internal/assist/repository"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) events() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.EventType)
	}
	return out
}

type fixture struct {
	store     *repository.MemoryStore
	engine    *engine.Engine
	notifier  *recordingNotifier
	provider  domain.Provider
	owner     domain.Actor
	requester domain.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	notifier := &recordingNotifier{}
	f := &fixture{
		store:     store,
		notifier:  notifier,
		owner:     domain.Actor{ID: uuid.New(), Role: domain.RoleProvider},
		requester: domain.Actor{ID: uuid.New(), Role: domain.RoleRequester},
	}
	f.provider = f.addProvider(t, f.owner.ID, true)
	f.engine = engine.New(store, nil, notifier, stubClock{t: time.Unix(1_700_000_000, 0).UTC()}, repository.NewMemoryIdempotencyRepo(), zap.NewNop(), engine.Config{})
	return f
}

func (f *fixture) addProvider(t *testing.T, ownerID uuid.UUID, active bool) domain.Provider {
	t.Helper()
	now := time.Unix(0, 0).UTC()
	p := domain.Provider{
		ID:       uuid.New(),
		OwnerID:  ownerID,
		Kind:     domain.KindMechanic,
		Name:     "Central Garage",
		Active:   active,
		Location: domain.Location{Point: domain.GeoPoint{Lat: 35.7, Lng: 51.4}},
		Services: []domain.ServiceOffering{
			{Type: "tow", Price: 50, Available: true},
			{Type: "battery", Price: 20, Available: false},
		},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	require.NoError(t, f.store.Atomically(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		return tx.InsertProvider(ctx, p)
	}))
	return p
}

func (f *fixture) addWorker(t *testing.T, providerID uuid.UUID) domain.Actor {
	t.Helper()
	w := domain.Worker{ID: uuid.New(), ProviderID: providerID, Name: "Reza", Status: domain.WorkerActive, Version: 1}
	require.NoError(t, f.store.Atomically(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		return tx.InsertWorker(ctx, w)
	}))
	return domain.Actor{ID: w.ID, Role: domain.RoleWorker}
}

func (f *fixture) create(t *testing.T) domain.ServiceRequest {
	t.Helper()
	req, err := f.engine.CreateRequest(context.Background(), f.requester, engine.CreateInput{
		ProviderID:  f.provider.ID,
		ServiceType: "tow",
		Location:    domain.Location{Point: domain.GeoPoint{Lat: 35.71, Lng: 51.41}, Address: "Azadi St"},
	}, "")
	require.NoError(t, err)
	return req
}

func (f *fixture) move(t *testing.T, actor domain.Actor, id uuid.UUID, to domain.RequestStatus) domain.ServiceRequest {
	t.Helper()
	req, err := f.engine.Transition(context.Background(), actor, id, to, engine.Extra{})
	require.NoError(t, err)
	require.Equal(t, to, req.Status)
	return req
}

func (f *fixture) providerState(t *testing.T) domain.Provider {
	t.Helper()
	p, err := f.store.GetProvider(context.Background(), f.provider.ID)
	require.NoError(t, err)
	return p
}

func (f *fixture) workerStatus(t *testing.T, id uuid.UUID) domain.WorkerStatus {
	t.Helper()
	w, err := f.store.GetWorker(context.Background(), id)
	require.NoError(t, err)
	return w.Status
}

func TestDirectFlowUpdatesCounters(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)
	require.Equal(t, domain.StatusPending, req.Status)
	require.Equal(t, 50.0, req.EstimatedPrice)

	f.move(t, f.owner, req.ID, domain.StatusAccepted)
	require.Equal(t, 1, f.providerState(t).ActiveRequests)

	f.move(t, f.owner, req.ID, domain.StatusOnTheWay)
	f.move(t, f.owner, req.ID, domain.StatusInProgress)
	done := f.move(t, f.owner, req.ID, domain.StatusCompleted)
	require.NotNil(t, done.ActualPrice)
	require.Equal(t, 50.0, *done.ActualPrice)
	require.NotNil(t, done.CompletedAt)

	p := f.providerState(t)
	require.Zero(t, p.ActiveRequests)
	require.Equal(t, 1, p.CompletedServices)

	history, err := f.engine.History(context.Background(), f.requester, req.ID)
	require.NoError(t, err)
	require.Len(t, history, 5)
	status, err := domain.Replay(history)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, status)

	require.Equal(t, []domain.EventType{
		domain.EventRequestCreated,
		domain.EventRequestAccepted,
		domain.EventProviderOnTheWay,
		domain.EventServiceStarted,
		domain.EventRequestCompleted,
	}, f.notifier.events())
	for _, n := range f.notifier.sent[1:] {
		require.Equal(t, f.requester.ID, n.RecipientID, "the acting provider is not notified")
	}
}

func TestCompletionWithExplicitPrice(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)
	f.move(t, f.owner, req.ID, domain.StatusAccepted)
	f.move(t, f.owner, req.ID, domain.StatusOnTheWay)
	f.move(t, f.owner, req.ID, domain.StatusInProgress)

	price := 75.5
	_, err := f.engine.Transition(context.Background(), f.owner, req.ID, domain.StatusInProgress, engine.Extra{ActualPrice: &price})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	done, err := f.engine.Transition(context.Background(), f.owner, req.ID, domain.StatusCompleted, engine.Extra{ActualPrice: &price})
	require.NoError(t, err)
	require.Equal(t, 75.5, *done.ActualPrice)
}

func TestAssignWorkerThenAlreadyAssigned(t *testing.T) {
	f := newFixture(t)
	w1 := f.addWorker(t, f.provider.ID)
	w2 := f.addWorker(t, f.provider.ID)
	req := f.create(t)
	f.move(t, f.owner, req.ID, domain.StatusAccepted)

	assigned, err := f.engine.AssignWorker(context.Background(), f.owner, req.ID, w1.ID, f.provider.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAssigned, assigned.Status)
	require.Equal(t, w1.ID, *assigned.WorkerID)
	require.NotNil(t, assigned.AssignedAt)
	require.Equal(t, domain.WorkerInWorking, f.workerStatus(t, w1.ID))
	require.Equal(t, 1, f.providerState(t).ActiveRequests)

	_, err = f.engine.AssignWorker(context.Background(), f.owner, req.ID, w2.ID, f.provider.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyAssigned)
	require.Equal(t, domain.WorkerActive, f.workerStatus(t, w2.ID))
}

func TestWorkerDrivesAssignedRequestToCompletion(t *testing.T) {
	f := newFixture(t)
	w := f.addWorker(t, f.provider.ID)
	req := f.create(t)
	f.move(t, f.owner, req.ID, domain.StatusAccepted)
	_, err := f.engine.AssignWorker(context.Background(), f.owner, req.ID, w.ID, uuid.Nil)
	require.NoError(t, err)

	_, err = f.engine.Transition(context.Background(), f.owner, req.ID, domain.StatusInProgress, engine.Extra{})
	require.ErrorIs(t, err, domain.ErrForbidden)
	f.move(t, w, req.ID, domain.StatusInProgress)

	_, err = f.engine.Transition(context.Background(), f.owner, req.ID, domain.StatusCompleted, engine.Extra{})
	require.ErrorIs(t, err, domain.ErrForbidden)
	f.move(t, w, req.ID, domain.StatusCompleted)

	require.Equal(t, domain.WorkerActive, f.workerStatus(t, w.ID))
	p := f.providerState(t)
	require.Zero(t, p.ActiveRequests)
	require.Equal(t, 1, p.CompletedServices)

	mine, err := f.engine.ListRequests(context.Background(), w, domain.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
}

func TestAssignWorkerPreconditions(t *testing.T) {
	f := newFixture(t)
	w := f.addWorker(t, f.provider.ID)
	req := f.create(t)
	ctx := context.Background()

	_, err := f.engine.AssignWorker(ctx, f.owner, req.ID, w.ID, f.provider.ID)
	require.ErrorIs(t, err, domain.ErrIllegalTransition, "pending requests cannot be assigned")

	f.move(t, f.owner, req.ID, domain.StatusAccepted)

	_, err = f.engine.AssignWorker(ctx, f.requester, req.ID, w.ID, f.provider.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	other := f.addProvider(t, uuid.New(), true)
	foreign := f.addWorker(t, other.ID)
	_, err = f.engine.AssignWorker(ctx, f.owner, req.ID, foreign.ID, f.provider.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.engine.AssignWorker(ctx, f.owner, req.ID, w.ID, other.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.engine.AssignWorker(ctx, f.owner, req.ID, uuid.New(), f.provider.ID)
	require.ErrorIs(t, err, domain.ErrWorkerNotFound)

	_, err = f.engine.Transition(ctx, f.owner, req.ID, domain.StatusAssigned, engine.Extra{})
	require.ErrorIs(t, err, domain.ErrIllegalTransition, "assignment only goes through AssignWorker")
}

func TestConcurrentAssignmentOfOneWorker(t *testing.T) {
	requireSingleAssignment(t, newFixture(t))
}

// failingGuard errors on every acquire, leaving the store as the only arbiter.
type failingGuard struct{}

func (failingGuard) TryAcquire(context.Context, uuid.UUID, uuid.UUID, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (failingGuard) Release(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func TestConcurrentAssignmentWhenGuardFails(t *testing.T) {
	f := newFixture(t)
	f.engine = engine.New(f.store, failingGuard{}, f.notifier, stubClock{t: time.Unix(1_700_000_000, 0).UTC()}, repository.NewMemoryIdempotencyRepo(), zap.NewNop(), engine.Config{})
	requireSingleAssignment(t, f)
}

func requireSingleAssignment(t *testing.T, f *fixture) {
	t.Helper()
	w := f.addWorker(t, f.provider.ID)
	r1 := f.create(t)
	r2 := f.create(t)
	f.move(t, f.owner, r1.ID, domain.StatusAccepted)
	f.move(t, f.owner, r2.ID, domain.StatusAccepted)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, 2)
	)
	for i, id := range []uuid.UUID{r1.ID, r2.ID} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			<-start
			_, errs[i] = f.engine.AssignWorker(context.Background(), f.owner, id, w.ID, f.provider.ID)
		}(i, id)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, domain.ErrWorkerUnavailable)
	}
	require.Equal(t, 1, succeeded)

	holding, err := f.store.ListRequests(context.Background(), domain.RequestFilter{WorkerID: &w.ID})
	require.NoError(t, err)
	require.Len(t, holding, 1)
}

func TestConcurrentTransitionsCountOnce(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Transition(context.Background(), f.owner, req.ID, domain.StatusAccepted, engine.Extra{})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			require.Equal(t, domain.KindConflict, domain.KindOf(err))
		}()
	}
	wg.Wait()
	require.Equal(t, 1, success)
	require.Equal(t, 1, f.providerState(t).ActiveRequests)
}

func TestReissuedTransitionIsConflict(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)
	f.move(t, f.owner, req.ID, domain.StatusAccepted)

	_, err := f.engine.Transition(context.Background(), f.owner, req.ID, domain.StatusAccepted, engine.Extra{})
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
	require.Equal(t, domain.KindConflict, domain.KindOf(err))
	require.Equal(t, 1, f.providerState(t).ActiveRequests)
}

func TestCancelInProgressThenAgain(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)
	f.move(t, f.owner, req.ID, domain.StatusAccepted)
	f.move(t, f.owner, req.ID, domain.StatusOnTheWay)
	f.move(t, f.owner, req.ID, domain.StatusInProgress)

	cancelled, err := f.engine.Cancel(context.Background(), f.requester, req.ID, " flat tyre fixed ")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.Equal(t, "flat tyre fixed", cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledAt)
	require.Zero(t, f.providerState(t).ActiveRequests)

	_, err = f.engine.Cancel(context.Background(), f.requester, req.ID, "")
	require.Equal(t, domain.KindConflict, domain.KindOf(err))
	require.Zero(t, f.providerState(t).ActiveRequests)
}

func TestCancelAssignedReleasesWorker(t *testing.T) {
	f := newFixture(t)
	w := f.addWorker(t, f.provider.ID)
	req := f.create(t)
	f.move(t, f.owner, req.ID, domain.StatusAccepted)
	_, err := f.engine.AssignWorker(context.Background(), f.owner, req.ID, w.ID, f.provider.ID)
	require.NoError(t, err)

	cancelled := f.move(t, f.owner, req.ID, domain.StatusCancelled)
	require.Equal(t, w.ID, *cancelled.WorkerID, "worker stays on record")
	require.Equal(t, domain.WorkerActive, f.workerStatus(t, w.ID))
	require.Zero(t, f.providerState(t).ActiveRequests)
}

func TestPendingCancelAndReject(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t)
	r2 := f.create(t)

	_, err := f.engine.Cancel(context.Background(), f.owner, r1.ID, "")
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.engine.Transition(context.Background(), f.owner, r1.ID, domain.StatusCancelled, engine.Extra{})
	require.ErrorIs(t, err, domain.ErrForbidden, "only the requester cancels a pending request")

	_, err = f.engine.Cancel(context.Background(), f.requester, r1.ID, "changed my mind")
	require.NoError(t, err)

	rejected, err := f.engine.Transition(context.Background(), f.owner, r2.ID, domain.StatusRejected, engine.Extra{Reason: "too far"})
	require.NoError(t, err)
	require.Equal(t, "too far", rejected.CancelReason)

	p := f.providerState(t)
	require.Zero(t, p.ActiveRequests)
	require.Zero(t, p.CompletedServices)
}

func TestForbiddenActors(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)
	ctx := context.Background()

	stranger := domain.Actor{ID: uuid.New(), Role: domain.RoleProvider}
	_, err := f.engine.Transition(ctx, stranger, req.ID, domain.StatusAccepted, engine.Extra{})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.engine.Transition(ctx, f.requester, req.ID, domain.StatusAccepted, engine.Extra{})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.engine.GetRequest(ctx, domain.Actor{ID: uuid.New(), Role: domain.RoleRequester}, req.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.engine.History(ctx, stranger, req.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.engine.Transition(ctx, f.owner, uuid.New(), domain.StatusAccepted, engine.Extra{})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.engine.Transition(ctx, f.owner, req.ID, domain.RequestStatus("archived"), engine.Extra{})
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestCreateRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inactive := f.addProvider(t, uuid.New(), false)
	base := engine.CreateInput{
		ProviderID:  f.provider.ID,
		ServiceType: "tow",
		Location:    domain.Location{Point: domain.GeoPoint{Lat: 35.7, Lng: 51.4}},
	}

	cases := []struct {
		name   string
		actor  domain.Actor
		mutate func(in *engine.CreateInput)
		want   error
	}{
		{"provider role", f.owner, func(*engine.CreateInput) {}, domain.ErrForbidden},
		{"missing provider", f.requester, func(in *engine.CreateInput) { in.ProviderID = uuid.New() }, domain.ErrProviderNotFound},
		{"inactive provider", f.requester, func(in *engine.CreateInput) { in.ProviderID = inactive.ID }, domain.ErrProviderUnavailable},
		{"unavailable service", f.requester, func(in *engine.CreateInput) { in.ServiceType = "battery" }, domain.ErrProviderUnavailable},
		{"unknown service", f.requester, func(in *engine.CreateInput) { in.ServiceType = "paint" }, domain.ErrProviderUnavailable},
		{"blank service", f.requester, func(in *engine.CreateInput) { in.ServiceType = "  " }, domain.ErrInvalidInput},
		{"negative price", f.requester, func(in *engine.CreateInput) { in.EstimatedPrice = -1 }, domain.ErrInvalidInput},
		{"bad latitude", f.requester, func(in *engine.CreateInput) { in.Location.Point.Lat = 120 }, domain.ErrInvalidCoordinates},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := base
			tc.mutate(&in)
			_, err := f.engine.CreateRequest(ctx, tc.actor, in, "")
			require.ErrorIs(t, err, tc.want)
		})
	}

	all, err := f.store.ListRequests(ctx, domain.RequestFilter{})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestCreateRequestIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := engine.CreateInput{ProviderID: f.provider.ID, ServiceType: "tow", EstimatedPrice: 10}

	first, err := f.engine.CreateRequest(ctx, f.requester, in, "key-1")
	require.NoError(t, err)
	again, err := f.engine.CreateRequest(ctx, f.requester, in, "key-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	other := domain.Actor{ID: uuid.New(), Role: domain.RoleRequester}
	theirs, err := f.engine.CreateRequest(ctx, other, in, "key-1")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, theirs.ID, "keys are scoped per requester")

	mine, err := f.engine.ListRequests(ctx, f.requester, domain.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
}

// slowCommit holds every transaction open a little longer so concurrent creates overlap.
type slowCommit struct {
	*repository.MemoryStore
}

func (s slowCommit) Atomically(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	return s.MemoryStore.Atomically(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	})
}

func TestConcurrentCreateWithSameKey(t *testing.T) {
	f := newFixture(t)
	f.engine = engine.New(slowCommit{f.store}, nil, f.notifier, stubClock{t: time.Unix(1_700_000_000, 0).UTC()}, repository.NewMemoryIdempotencyRepo(), zap.NewNop(), engine.Config{})
	in := engine.CreateInput{ProviderID: f.provider.ID, ServiceType: "tow"}

	const callers = 4
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		ids   = make([]uuid.UUID, callers)
		errs  = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			req, err := f.engine.CreateRequest(context.Background(), f.requester, in, "retry-me")
			ids[i], errs[i] = req.ID, err
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	all, err := f.store.ListRequests(context.Background(), domain.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestFailedCreateFreesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := engine.CreateInput{ProviderID: f.provider.ID, ServiceType: "tow"}

	require.NoError(t, f.store.Atomically(ctx, func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.GetProvider(ctx, f.provider.ID)
		if err != nil {
			return err
		}
		p.Active = false
		_, err = tx.UpdateProvider(ctx, p)
		return err
	}))
	_, err := f.engine.CreateRequest(ctx, f.requester, in, "key-1")
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)

	require.NoError(t, f.store.Atomically(ctx, func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.GetProvider(ctx, f.provider.ID)
		if err != nil {
			return err
		}
		p.Active = true
		_, err = tx.UpdateProvider(ctx, p)
		return err
	}))
	req, err := f.engine.CreateRequest(ctx, f.requester, in, "key-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, req.Status)
}

func TestNotifierFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)
	f.notifier.err = errors.New("sink down")

	accepted, err := f.engine.Transition(context.Background(), f.owner, req.ID, domain.StatusAccepted, engine.Extra{})
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, accepted.Status)

	stored, err := f.store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, stored.Status)
}

// brokenCounters fails every provider write inside a transaction.
type brokenCounters struct {
	*repository.MemoryStore
}

type brokenCountersTx struct {
	domain.Tx
}

func (s brokenCounters) Atomically(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	return s.MemoryStore.Atomically(ctx, func(ctx context.Context, tx domain.Tx) error {
		return fn(ctx, brokenCountersTx{Tx: tx})
	})
}

func (brokenCountersTx) UpdateProvider(context.Context, domain.Provider) (domain.Provider, error) {
	return domain.Provider{}, errors.New("disk full")
}

func TestCounterFailureAbortsTransition(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)
	broken := engine.New(brokenCounters{f.store}, nil, nil, nil, nil, zap.NewNop(), engine.Config{})

	_, err := broken.Transition(context.Background(), f.owner, req.ID, domain.StatusAccepted, engine.Extra{})
	require.Error(t, err)

	stored, err := f.store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, stored.Status)
	events, err := f.store.RequestEvents(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

// alwaysStale loses every optimistic version check.
type alwaysStale struct {
	*repository.MemoryStore
}

func (alwaysStale) Atomically(context.Context, func(ctx context.Context, tx domain.Tx) error) error {
	return domain.ErrVersionConflict
}

func TestRetriesExhaustedIsConcurrencyConflict(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)
	stale := engine.New(alwaysStale{f.store}, nil, nil, nil, nil, zap.NewNop(), engine.Config{MaxRetries: 2})

	_, err := stale.Transition(context.Background(), f.owner, req.ID, domain.StatusAccepted, engine.Extra{})
	require.ErrorIs(t, err, domain.ErrConcurrency)
	require.Equal(t, domain.KindConflict, domain.KindOf(err))
}

func TestProviderListsOnlyOwnRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t)
	f.create(t)

	otherOwner := domain.Actor{ID: uuid.New(), Role: domain.RoleProvider}
	other := f.addProvider(t, otherOwner.ID, true)
	_, err := f.engine.CreateRequest(ctx, f.requester, engine.CreateInput{ProviderID: other.ID, ServiceType: "tow"}, "")
	require.NoError(t, err)

	mine, err := f.engine.ListRequests(ctx, f.owner, domain.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, mine, 2)

	_, err = f.engine.ListRequests(ctx, f.owner, domain.RequestFilter{ProviderID: &other.ID})
	require.ErrorIs(t, err, domain.ErrForbidden)

	pending, err := f.engine.ListRequests(ctx, f.requester, domain.RequestFilter{Statuses: []domain.RequestStatus{domain.StatusPending}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

// TestRandomWalkKeepsInvariants drives requests along random legal edges and then
// checks the counters, the worker statuses and the event logs against each other.
func TestRandomWalkKeepsInvariants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	workers := []domain.Actor{f.addWorker(t, f.provider.ID), f.addWorker(t, f.provider.ID)}

	var ids []uuid.UUID
	for i := 0; i < 6; i++ {
		ids = append(ids, f.create(t).ID)
	}

	for step := 0; step < 200; step++ {
		id := ids[rng.Intn(len(ids))]
		req, err := f.engine.GetRequest(ctx, f.requester, id)
		require.NoError(t, err)
		next := req.Status.Successors()
		if len(next) == 0 {
			continue
		}
		to := next[rng.Intn(len(next))]
		edge, _ := req.Status.EdgeTo(to)

		if edge.AssignOnly {
			w := workers[rng.Intn(len(workers))]
			_, err := f.engine.AssignWorker(ctx, f.owner, id, w.ID, f.provider.ID)
			if err != nil {
				require.ErrorIs(t, err, domain.ErrWorkerUnavailable)
			}
			continue
		}

		var actor domain.Actor
		switch {
		case edge.WorkerDriven && req.HasWorker():
			actor = domain.Actor{ID: *req.WorkerID, Role: domain.RoleWorker}
		default:
			switch edge.Roles[rng.Intn(len(edge.Roles))] {
			case domain.RoleRequester:
				actor = f.requester
			case domain.RoleProvider:
				actor = f.owner
			case domain.RoleWorker:
				actor = domain.Actor{ID: *req.WorkerID, Role: domain.RoleWorker}
			}
		}
		f.move(t, actor, id, to)
	}

	active, completed := 0, 0
	busy := map[uuid.UUID]int{}
	for _, id := range ids {
		req, err := f.store.GetRequest(ctx, id)
		require.NoError(t, err)
		events, err := f.store.RequestEvents(ctx, id)
		require.NoError(t, err)
		replayed, err := domain.Replay(events)
		require.NoError(t, err)
		require.Equal(t, req.Status, replayed)

		if req.Status.CountsAsActive() {
			active++
		}
		if req.Status == domain.StatusCompleted {
			completed++
		}
		if req.HasWorker() && !req.Status.Terminal() {
			busy[*req.WorkerID]++
		}
	}
	p := f.providerState(t)
	require.Equal(t, active, p.ActiveRequests)
	require.Equal(t, completed, p.CompletedServices)
	for _, w := range workers {
		require.LessOrEqual(t, busy[w.ID], 1)
		if busy[w.ID] == 1 {
			require.Equal(t, domain.WorkerInWorking, f.workerStatus(t, w.ID))
		} else {
			require.Equal(t, domain.WorkerActive, f.workerStatus(t, w.ID))
		}
	}
}
