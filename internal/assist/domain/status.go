package domain

import "strings"

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusAccepted   RequestStatus = "accepted"
	StatusRejected   RequestStatus = "rejected"
	StatusOnTheWay   RequestStatus = "on_the_way"
	StatusAssigned   RequestStatus = "assigned"
	StatusInProgress RequestStatus = "in_progress"
	StatusCompleted  RequestStatus = "completed"
	StatusCancelled  RequestStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []RequestStatus{
	StatusPending, StatusAccepted, StatusRejected, StatusOnTheWay,
	StatusAssigned, StatusInProgress, StatusCompleted, StatusCancelled,
}

// ParseStatus normalizes and validates a status string.
func ParseStatus(in string) (RequestStatus, error) {
	status := RequestStatus(strings.ToLower(strings.TrimSpace(in)))
	if status.Valid() {
		return status, nil
	}
	return "", ErrInvalidStatus
}

func (s RequestStatus) Valid() bool {
	for _, candidate := range AllStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func (s RequestStatus) String() string { return string(s) }

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

// CountsAsActive reports whether a request in this status is included in the
// provider's activeRequests counter.
func (s RequestStatus) CountsAsActive() bool {
	switch s {
	case StatusAccepted, StatusOnTheWay, StatusAssigned, StatusInProgress:
		return true
	default:
		return false
	}
}

// Role is the capability an actor holds when calling the engine.
type Role string

const (
	RoleRequester Role = "requester"
	RoleProvider  Role = "provider"
	RoleWorker    Role = "worker"
)

func (r Role) Valid() bool {
	return r == RoleRequester || r == RoleProvider || r == RoleWorker
}

// Edge describes one legal transition and who may drive it.
type Edge struct {
	From  RequestStatus
	To    RequestStatus
	Roles []Role
	// AssignOnly edges are traversed by worker assignment, never by a plain transition.
	AssignOnly bool
	// WorkerDriven edges switch to the attached worker when the request has one.
	WorkerDriven bool
}

// Allows reports whether role may traverse the edge.
func (e Edge) Allows(role Role) bool {
	for _, r := range e.Roles {
		if r == role {
			return true
		}
	}
	return false
}

var edges = []Edge{
	{From: StatusPending, To: StatusAccepted, Roles: []Role{RoleProvider}},
	{From: StatusPending, To: StatusRejected, Roles: []Role{RoleProvider}},
	{From: StatusPending, To: StatusCancelled, Roles: []Role{RoleRequester}},

	{From: StatusAccepted, To: StatusOnTheWay, Roles: []Role{RoleProvider}},
	{From: StatusAccepted, To: StatusAssigned, Roles: []Role{RoleProvider}, AssignOnly: true},
	{From: StatusAccepted, To: StatusCancelled, Roles: []Role{RoleRequester}},

	{From: StatusOnTheWay, To: StatusInProgress, Roles: []Role{RoleProvider}},
	{From: StatusOnTheWay, To: StatusCancelled, Roles: []Role{RoleRequester, RoleProvider}},

	{From: StatusAssigned, To: StatusInProgress, Roles: []Role{RoleWorker}},
	{From: StatusAssigned, To: StatusCancelled, Roles: []Role{RoleRequester, RoleProvider}},

	{From: StatusInProgress, To: StatusCompleted, Roles: []Role{RoleProvider}, WorkerDriven: true},
	{From: StatusInProgress, To: StatusCancelled, Roles: []Role{RoleRequester, RoleProvider}},
}

var edgeIndex = func() map[RequestStatus]map[RequestStatus]Edge {
	idx := make(map[RequestStatus]map[RequestStatus]Edge)
	for _, e := range edges {
		if idx[e.From] == nil {
			idx[e.From] = make(map[RequestStatus]Edge)
		}
		idx[e.From][e.To] = e
	}
	return idx
}()

// EdgeTo returns the edge from s to next, if the graph has one.
func (s RequestStatus) EdgeTo(next RequestStatus) (Edge, bool) {
	e, ok := edgeIndex[s][next]
	return e, ok
}

// CanTransitionTo reports whether next is a legal successor of s. Self edges are illegal.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	_, ok := s.EdgeTo(next)
	return ok
}

// Successors lists the statuses reachable from s in one hop.
func (s RequestStatus) Successors() []RequestStatus {
	var out []RequestStatus
	for _, e := range edges {
		if e.From == s {
			out = append(out, e.To)
		}
	}
	return out
}

// Edges returns a copy of the transition table.
func Edges() []Edge {
	return append([]Edge(nil), edges...)
}
