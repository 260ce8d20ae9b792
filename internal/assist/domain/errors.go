package domain

import "errors"

// ErrorKind classifies failures so transports can map them without string matching.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindForbidden
	KindUpstream
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error is a classified domain failure. Sentinels below are compared with errors.Is,
// callers add context with fmt.Errorf("...: %w", ErrX).
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrInvalidInput       = newError(KindValidation, "invalid_input", "invalid input")
	ErrInvalidCoordinates = newError(KindValidation, "invalid_coordinates", "invalid coordinates")
	ErrInvalidRating      = newError(KindValidation, "invalid_rating", "rating must be between 1 and 5")
	ErrInvalidStatus      = newError(KindValidation, "invalid_status", "unknown request status")

	ErrNotFound         = newError(KindNotFound, "not_found", "request not found")
	ErrProviderNotFound = newError(KindNotFound, "provider_not_found", "provider not found")
	ErrWorkerNotFound   = newError(KindNotFound, "worker_not_found", "worker not found")

	ErrProviderUnavailable = newError(KindConflict, "provider_unavailable", "provider is not accepting requests")
	ErrIllegalTransition   = newError(KindConflict, "illegal_transition", "illegal request status transition")
	ErrWorkerUnavailable   = newError(KindConflict, "worker_unavailable", "worker is not available")
	ErrAlreadyAssigned     = newError(KindConflict, "already_assigned", "request already has a worker")
	ErrNotCompleted        = newError(KindConflict, "not_completed", "request is not completed")
	ErrAlreadyReviewed     = newError(KindConflict, "already_reviewed", "request already reviewed")
	ErrWorkerBusy          = newError(KindConflict, "worker_busy", "worker is on an active request")
	ErrConcurrency         = newError(KindConflict, "concurrency_conflict", "concurrent update, retry")

	ErrForbidden = newError(KindForbidden, "forbidden", "actor is not allowed to perform this action")

	ErrUpstream = newError(KindUpstream, "upstream", "upstream dependency failed")
)

// ErrVersionConflict is returned by stores when an optimistic version check fails.
// The engine retries on it and surfaces ErrConcurrency once retries are exhausted.
var ErrVersionConflict = errors.New("version conflict")

// KindOf reports the classification of err, KindInternal when err is not a domain error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CodeOf returns the machine readable code of err.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "internal"
}
