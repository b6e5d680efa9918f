package dispatcher

import (
	"errors"
	"fmt"
)

// Kind classifies a failed request. The gateway maps kinds to transport
// status codes; the dispatcher never decides those.
type Kind string

const (
	// KindUnauthorized means the identity assertion was missing or invalid.
	KindUnauthorized Kind = "Unauthorized"
	// KindBadRequest means the request envelope was malformed.
	KindBadRequest Kind = "BadRequest"
	// KindInvalidMode means chatbot_type named no known pipeline.
	KindInvalidMode Kind = "InvalidMode"
	// KindUpstreamTimeout means the executor ran out of time.
	KindUpstreamTimeout Kind = "UpstreamTimeout"
	// KindStoreUnavailable means the history store failed after retries.
	KindStoreUnavailable Kind = "StoreUnavailable"
	// KindUnknownUpstream is any other executor failure, an empty reply included.
	KindUnknownUpstream Kind = "UnknownUpstreamError"
	// KindRateLimited means the caller exceeded its request budget.
	KindRateLimited Kind = "RateLimited"
	// KindInternal is an unclassified failure.
	KindInternal Kind = "InternalError"
)

// Transient reports whether retrying the whole request may succeed.
func (k Kind) Transient() bool {
	switch k {
	case KindUpstreamTimeout, KindStoreUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}

// Error is a classified request failure. Details is a machine-readable
// payload for diagnostics and is safe to show to the requesting client.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified error.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// WithDetail adds a diagnostic field and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of err. Errors that were never classified are
// KindInternal; a nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
