// Package errors defines the failure taxonomy shared by every marquee
// component. Operations that degrade instead of failing still return an
// *Error so callers can branch on its Kind rather than on message text.
package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTimeout             = errors.New("timeout")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrQueueFull           = errors.New("queue full")
	ErrStopped             = errors.New("stopped")
	ErrNotReady            = errors.New("backend not ready")
	ErrUnrecognizedBackend = errors.New("unrecognized backend")
	ErrLockHeld            = errors.New("lock held elsewhere")
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is reported for nil errors and errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindTransient marks a backend that is temporarily unreachable. The
	// operation degraded to its safe default.
	KindTransient
	// KindCapacity marks a rejected submission on a full queue.
	KindCapacity
	// KindContention marks a lock held by someone else. It is a routine
	// outcome, not a fault.
	KindContention
	// KindPartialBatch marks a bulk operation where some items failed.
	KindPartialBatch
	// KindFatal marks a component that cannot operate for the rest of the
	// process lifetime, e.g. an unrecognized connection string.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCapacity:
		return "capacity"
	case KindContention:
		return "contention"
	case KindPartialBatch:
		return "partial_batch"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries the operation name and kind of a failure.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with op and kind. It returns nil when err is nil.
func E(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Transient wraps a backend failure, normalizing context deadlines to
// ErrTimeout.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return &Error{Op: op, Kind: KindTransient, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
