// Package nexus holds the leaf types shared by every Nexus component:
// the error taxonomy of spec §7, chunk identity value types, and the
// single retry utility referenced by the keyring store and the hoard
// cache.
package nexus

import (
	"errors"
	"fmt"
)

// Kind is the closed error taxonomy from spec §7. Every failure that
// crosses a component boundary is classified as exactly one Kind.
type Kind int

const (
	// KindUnknown is never constructed directly; it exists so the zero
	// value of Kind is not mistaken for a valid classification.
	KindUnknown Kind = iota
	// KindBadInput marks invalid arguments to an API call.
	KindBadInput
	// KindNotFound marks a chunk index unknown to the keyring.
	KindNotFound
	// KindIoError marks a backing-store I/O failure, including short reads.
	KindIoError
	// KindCorruption marks a tag mismatch after decrypt, or truncated ciphertext.
	KindCorruption
	// KindResourceExhausted marks failure to reserve a cache entry or
	// allocate transform state.
	KindResourceExhausted
	// KindShutdown marks that the device is being torn down.
	KindShutdown
	// KindUserGone marks that the keeper process has disappeared.
	KindUserGone
	// KindBusy marks a transient condition; retried internally with
	// backoff and never surfaced past the request boundary.
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindBadInput:
		return "bad_input"
	case KindNotFound:
		return "not_found"
	case KindIoError:
		return "io_error"
	case KindCorruption:
		return "corruption"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindShutdown:
		return "shutdown"
	case KindUserGone:
		return "user_gone"
	case KindBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with its §7 classification. Callers
// inspect the classification with errors.As, never by string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, NewError("", KindNotFound, nil)) matches any error of
// that Kind regardless of its Op or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewError constructs a classified error at the given operation.
func NewError(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind of err, or KindUnknown if err is not (or
// does not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// severity ranks Kind values for the request coalescer's "most severe
// error wins" aggregation (spec §4.F). Higher is more severe. Busy
// never reaches this ranking in practice — it is retried internally by
// nexus.Do before a fragment result is reported — but is ranked lowest
// for completeness. The ordering favors data-integrity failures
// (Corruption) over availability failures (IoError, UserGone,
// Shutdown) over request-shape failures (ResourceExhausted, NotFound,
// BadInput), on the basis that a caller must never mistake silent data
// loss for a retryable condition.
var severity = map[Kind]int{
	KindCorruption:        7,
	KindIoError:           6,
	KindUserGone:          5,
	KindShutdown:          4,
	KindResourceExhausted: 3,
	KindNotFound:          2,
	KindBadInput:          1,
	KindBusy:              0,
	KindUnknown:           0,
}

// MostSevere returns whichever of a, b ranks higher in the §4.F
// severity order, treating nil as lowest. Ties keep a.
func MostSevere(a, b error) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if severity[KindOf(b)] > severity[KindOf(a)] {
		return b
	}
	return a
}

// Sentinel errors for conditions that have no further context to
// attach beyond their Kind; components wrap these with NewError at the
// point of use rather than constructing ad hoc strings everywhere.
var (
	ErrBadInput          = errors.New("invalid argument")
	ErrNotFound          = errors.New("chunk index unknown to keyring")
	ErrCorruption        = errors.New("tag mismatch or truncated ciphertext")
	ErrResourceExhausted = errors.New("cannot reserve cache entry")
	ErrShutdown          = errors.New("device is shutting down")
	ErrUserGone          = errors.New("keeper process has disappeared")
)
