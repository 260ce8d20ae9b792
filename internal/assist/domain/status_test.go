package domain_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/roadassist/internal/assist/domain"
)

func TestTransitionGraph(t *testing.T) {
	cases := []struct {
		from, to domain.RequestStatus
		ok       bool
	}{
		{domain.StatusPending, domain.StatusAccepted, true},
		{domain.StatusPending, domain.StatusRejected, true},
		{domain.StatusPending, domain.StatusCancelled, true},
		{domain.StatusPending, domain.StatusCompleted, false},
		{domain.StatusAccepted, domain.StatusOnTheWay, true},
		{domain.StatusAccepted, domain.StatusAssigned, true},
		{domain.StatusAccepted, domain.StatusRejected, false},
		{domain.StatusOnTheWay, domain.StatusInProgress, true},
		{domain.StatusAssigned, domain.StatusInProgress, true},
		{domain.StatusAssigned, domain.StatusOnTheWay, false},
		{domain.StatusInProgress, domain.StatusCompleted, true},
		{domain.StatusInProgress, domain.StatusCancelled, true},
		{domain.StatusAccepted, domain.StatusAccepted, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatusesHaveNoSuccessors(t *testing.T) {
	for _, s := range domain.AllStatuses {
		if s.Terminal() {
			require.Empty(t, s.Successors(), s)
			for _, next := range domain.AllStatuses {
				require.False(t, s.CanTransitionTo(next))
			}
		} else {
			require.NotEmpty(t, s.Successors(), s)
		}
	}
}

func TestEveryEdgeHasAnAuthorizedRole(t *testing.T) {
	for _, e := range domain.Edges() {
		require.NotEmpty(t, e.Roles, "%s -> %s", e.From, e.To)
		for _, r := range e.Roles {
			require.True(t, r.Valid())
		}
	}
	edge, ok := domain.StatusPending.EdgeTo(domain.StatusCancelled)
	require.True(t, ok)
	require.True(t, edge.Allows(domain.RoleRequester))
	require.False(t, edge.Allows(domain.RoleProvider))
}

func TestParseStatus(t *testing.T) {
	s, err := domain.ParseStatus(" In_Progress ")
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, s)

	_, err = domain.ParseStatus("archived")
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestCountersFor(t *testing.T) {
	require.Equal(t, domain.CounterDelta{Active: 1}, domain.CountersFor(domain.StatusPending, domain.StatusAccepted))
	require.True(t, domain.CountersFor(domain.StatusPending, domain.StatusRejected).IsZero())
	require.True(t, domain.CountersFor(domain.StatusPending, domain.StatusCancelled).IsZero())
	require.True(t, domain.CountersFor(domain.StatusAccepted, domain.StatusAssigned).IsZero())
	require.Equal(t, domain.CounterDelta{Active: -1, Completed: 1}, domain.CountersFor(domain.StatusInProgress, domain.StatusCompleted))
	require.Equal(t, domain.CounterDelta{Active: -1}, domain.CountersFor(domain.StatusAssigned, domain.StatusCancelled))
}

func TestProviderCountersNeverNegative(t *testing.T) {
	p := domain.Provider{}
	p.ApplyCounters(domain.CounterDelta{Active: -1, Completed: -3})
	require.Zero(t, p.ActiveRequests)
	require.Zero(t, p.CompletedServices)
}

func TestProviderRunningMean(t *testing.T) {
	p := domain.Provider{Rating: 4, TotalReviews: 3}
	p.AddReview(5)
	require.InDelta(t, 4.25, p.Rating, 1e-9)
	require.Equal(t, 4, p.TotalReviews)
}

func TestGeoPointValidate(t *testing.T) {
	require.NoError(t, domain.GeoPoint{Lat: 35.7, Lng: 51.4}.Validate())
	for _, p := range []domain.GeoPoint{{Lat: 91}, {Lng: -181}, {Lat: math.NaN()}} {
		require.ErrorIs(t, p.Validate(), domain.ErrInvalidCoordinates)
	}
}

func TestErrorKinds(t *testing.T) {
	wrapped := errors.Join(errors.New("ctx"), domain.ErrWorkerUnavailable)
	require.Equal(t, domain.KindConflict, domain.KindOf(wrapped))
	require.Equal(t, "worker_unavailable", domain.CodeOf(wrapped))
	require.Equal(t, domain.KindInternal, domain.KindOf(errors.New("boom")))
}

func TestReplay(t *testing.T) {
	id := uuid.New()
	now := time.Unix(0, 0).UTC()
	log := []domain.RequestEvent{
		{RequestID: id, Seq: 1, Type: domain.EventRequestCreated, To: domain.StatusPending, At: now},
		{RequestID: id, Seq: 2, Type: domain.EventRequestAccepted, From: domain.StatusPending, To: domain.StatusAccepted, At: now},
		{RequestID: id, Seq: 3, Type: domain.EventWorkerAssigned, From: domain.StatusAccepted, To: domain.StatusAssigned, At: now},
		{RequestID: id, Seq: 4, Type: domain.EventServiceStarted, From: domain.StatusAssigned, To: domain.StatusInProgress, At: now},
		{RequestID: id, Seq: 5, Type: domain.EventRequestCompleted, From: domain.StatusInProgress, To: domain.StatusCompleted, At: now},
		{RequestID: id, Seq: 6, Type: domain.EventRequestReviewed, From: domain.StatusCompleted, To: domain.StatusCompleted, At: now},
	}
	status, err := domain.Replay(log)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, status)

	bad := append([]domain.RequestEvent(nil), log[:2]...)
	bad = append(bad, domain.RequestEvent{RequestID: id, Seq: 3, Type: domain.EventRequestCompleted, From: domain.StatusAccepted, To: domain.StatusCompleted})
	_, err = domain.Replay(bad)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
}
