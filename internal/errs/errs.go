// Package errs defines the discriminated error taxonomy used across the
// ingress datapath. Every boundary returns a *Error carrying a Kind instead
// of panicking or using sentinel strings, so callers can branch on
// semantics without string matching.
package errs

import "fmt"

// Kind classifies why an operation failed.
type Kind int

const (
	// KindUnknown is the zero value; never constructed intentionally.
	KindUnknown Kind = iota
	// KindInitializationFailure covers capability-missing, interface-not-found,
	// UMEM-mapping-rejected, and bind-rejected failures. Fatal for the
	// kernel-bypass path; the runtime falls back to ordinary sockets.
	KindInitializationFailure
	// KindVerifierRejection means the generated filter program failed
	// in-kernel verification.
	KindVerifierRejection
	// KindRegisterTargetFull means the redirect-target map has no free slot.
	KindRegisterTargetFull
	// KindRingTransient covers RX-empty, TX-full, and fill-exhausted
	// conditions. Non-fatal; surfaced only via statistics.
	KindRingTransient
	// KindClassificationUnknown means the destination port had no flow
	// mapping; not necessarily an error, just routed to the unknown handler.
	KindClassificationUnknown
	// KindCacheMiss means get() found nothing; not an error condition.
	KindCacheMiss
	// KindDurableIOFailure means writeback could not persist an entry.
	KindDurableIOFailure
	// KindIntegrityMismatch means a stored hash did not match recomputed data.
	KindIntegrityMismatch
	// KindParseMalformed covers truncated headers and unsupported protocols.
	KindParseMalformed
)

func (k Kind) String() string {
	switch k {
	case KindInitializationFailure:
		return "initialization_failure"
	case KindVerifierRejection:
		return "verifier_rejection"
	case KindRegisterTargetFull:
		return "register_target_full"
	case KindRingTransient:
		return "ring_transient"
	case KindClassificationUnknown:
		return "classification_unknown"
	case KindCacheMiss:
		return "cache_miss"
	case KindDurableIOFailure:
		return "durable_io_failure"
	case KindIntegrityMismatch:
		return "integrity_mismatch"
	case KindParseMalformed:
		return "parse_malformed"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and free-form context fields,
// so callers downstream of a component boundary can log with enough detail
// to diagnose without the component needing to know about logging.
type Error struct {
	Kind    Kind
	Op      string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds an *Error around an existing error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// With attaches a context field and returns the receiver for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return false
	}
	return e.Kind == kind
}
