package lending

import (
	"errors"
	"fmt"
)

// Kind classifies a lending failure. The coordinator's retry decision
// dispatches on Kind, never on error text.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindExhausted
	KindConflict
	KindTimeout
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindExhausted:
		return "RESOURCE_EXHAUSTED"
	case KindConflict:
		return "CONFLICT"
	case KindTimeout:
		return "TIMEOUT"
	case KindPersistence:
		return "PERSISTENCE"
	default:
		return "UNKNOWN"
	}
}

// Error is the failure type returned by the stores and the coordinator.
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

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is transient write contention that the
// retry policy may spend budget on. Business rejections (exhausted,
// not-found, validation) and storage faults are final.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConflict
}
