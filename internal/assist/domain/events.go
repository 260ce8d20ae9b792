package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventRequestCreated   EventType = "RequestCreated"
	EventRequestAccepted  EventType = "RequestAccepted"
	EventRequestRejected  EventType = "RequestRejected"
	EventProviderOnTheWay EventType = "ProviderOnTheWay"
	EventWorkerAssigned   EventType = "WorkerAssigned"
	EventServiceStarted   EventType = "ServiceStarted"
	EventRequestCompleted EventType = "RequestCompleted"
	EventRequestCancelled EventType = "RequestCancelled"
	EventRequestReviewed  EventType = "RequestReviewed"
)

// EventFor names the event emitted when a request enters status.
func EventFor(status RequestStatus) EventType {
	switch status {
	case StatusPending:
		return EventRequestCreated
	case StatusAccepted:
		return EventRequestAccepted
	case StatusRejected:
		return EventRequestRejected
	case StatusOnTheWay:
		return EventProviderOnTheWay
	case StatusAssigned:
		return EventWorkerAssigned
	case StatusInProgress:
		return EventServiceStarted
	case StatusCompleted:
		return EventRequestCompleted
	case StatusCancelled:
		return EventRequestCancelled
	default:
		return EventType("Unknown")
	}
}

// RequestEvent is one entry of a request's append-only status log. From is empty
// for the creation event; review events keep From == To.
type RequestEvent struct {
	RequestID uuid.UUID     `json:"request_id"`
	Seq       int           `json:"seq"`
	Type      EventType     `json:"type"`
	From      RequestStatus `json:"from,omitempty"`
	To        RequestStatus `json:"to"`
	ActorRole Role          `json:"actor_role"`
	ActorID   uuid.UUID     `json:"actor_id"`
	WorkerID  *uuid.UUID    `json:"worker_id,omitempty"`
	At        time.Time     `json:"at"`
}

// Replay folds a request's log into its current status, verifying every hop
// against the transition graph.
func Replay(events []RequestEvent) (RequestStatus, error) {
	var current RequestStatus
	for i, ev := range events {
		if ev.Seq != i+1 {
			return "", fmt.Errorf("event %d: sequence gap, got seq %d", i, ev.Seq)
		}
		if i == 0 {
			if ev.Type != EventRequestCreated || ev.To != StatusPending {
				return "", fmt.Errorf("event 1: log must start with creation, got %s", ev.Type)
			}
			current = StatusPending
			continue
		}
		if ev.From != current {
			return "", fmt.Errorf("event %d: from %s does not match current %s", ev.Seq, ev.From, current)
		}
		if ev.Type == EventRequestReviewed {
			if ev.To != current || current != StatusCompleted {
				return "", fmt.Errorf("event %d: review outside completed request", ev.Seq)
			}
			continue
		}
		if !current.CanTransitionTo(ev.To) {
			return "", fmt.Errorf("event %d: %w: %s -> %s", ev.Seq, ErrIllegalTransition, current, ev.To)
		}
		current = ev.To
	}
	if current == "" {
		return "", fmt.Errorf("empty event log")
	}
	return current, nil
}

// Notification is the tuple handed to the notification sink.
type Notification struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	EventType   EventType `json:"event_type"`
	RequestID   uuid.UUID `json:"request_id"`
	At          time.Time `json:"at"`
}

// Notifier delivers notifications best-effort. Errors are logged by callers and
// never undo the committed change that produced the notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
