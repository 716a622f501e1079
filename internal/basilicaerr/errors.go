// Package basilicaerr defines the flat error taxonomy shared by the
// verification core. Every failure that crosses a package boundary is wrapped
// into one of five kinds, each with a fixed propagation policy.
package basilicaerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by its propagation policy.
type Kind int

const (
	// KindTransient covers recoverable I/O failures: gRPC dials, SSH
	// handshakes, DB busy conditions, subprocess timeouts. The current step
	// is marked failed and the task continues on other executors.
	KindTransient Kind = iota

	// KindInvariant covers input and invariant violations: malformed
	// endpoint URLs, grpc address conflicts between miners. The specific
	// operation fails; the task is not aborted.
	KindInvariant

	// KindStrategyMismatch marks a selector decision that disagrees with the
	// pipeline's intended strategy. Non-fatal, counted as a completed step.
	KindStrategyMismatch

	// KindSecurity covers rejected GPU-UUID claims and duplicate endpoint
	// claims by a different miner. The record is rejected and flagged; no
	// state is mutated.
	KindSecurity

	// KindFatal covers unrecoverable configuration or schema problems. The
	// current task aborts; the process does not crash.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindInvariant:
		return "invariant"
	case KindStrategyMismatch:
		return "strategy_mismatch"
	case KindSecurity:
		return "security"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a kind, the failing operation and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf wraps a formatted message with the given kind and operation name.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Transient wraps err as a transient I/O failure.
func Transient(op string, err error) *Error { return New(KindTransient, op, err) }

// Invariant wraps err as an input/invariant violation.
func Invariant(op string, err error) *Error { return New(KindInvariant, op, err) }

// Security wraps err as a security rejection.
func Security(op string, err error) *Error { return New(KindSecurity, op, err) }

// Fatal wraps err as a fatal condition.
func Fatal(op string, err error) *Error { return New(KindFatal, op, err) }

// KindOf extracts the kind of err, walking the wrap chain. Errors that never
// passed through this package report KindTransient, the safest default for a
// caller deciding whether to continue.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Sentinel conditions shared across packages.
var (
	// ErrSessionHeld is returned when an SSH broker lease is requested for an
	// executor that already has an active holder.
	ErrSessionHeld = errors.New("executor session already held")

	// ErrInvalidEndpoint is returned for endpoints that fail to parse, point
	// at a loopback or zero address, or are missing a host.
	ErrInvalidEndpoint = errors.New("invalid miner endpoint")

	// ErrGPUClaimRejected is returned when a GPU-UUID claim conflicts with an
	// active owner.
	ErrGPUClaimRejected = errors.New("gpu uuid claimed by an active owner")

	// ErrEndpointConflict is returned when an executor grpc address is
	// already registered to a different miner.
	ErrEndpointConflict = errors.New("grpc address registered to another miner")

	// ErrHotkeyConflict is returned when a miner UID migration targets a slot
	// already occupied by an unrelated hotkey.
	ErrHotkeyConflict = errors.New("target uid occupied by a different hotkey")

	// ErrStrategyMismatch is returned when the selector decision disagrees
	// with the pipeline's intended strategy.
	ErrStrategyMismatch = errors.New("validation strategy mismatch")
)
