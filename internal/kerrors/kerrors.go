// Package kerrors implements the kernel's error taxonomy: a closed set of
// kinds (not Go types) that every subsystem classifies failures into, so
// retry/propagation policy is decided in one place instead of per-caller
// type switches.
package kerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the five error kinds the kernel recognizes. Closed set:
// new kinds are a spec change, not an extension point.
type Kind string

const (
	// KindTransient covers network, rate-limit and timeout failures.
	// Eligible for retry with exponential backoff + jitter.
	KindTransient Kind = "transient"
	// KindPermanent covers auth, validation and malformed-input failures.
	// Never retried; surfaced to the caller/envelope as-is.
	KindPermanent Kind = "permanent"
	// KindResource covers memory/disk/connection exhaustion. Retried with
	// doubled delay and triggers governor degrade.
	KindResource Kind = "resource"
	// KindPolicy covers a failed compliance check on a tool call. Never
	// raised up the call stack; fed into the error-feedback channel.
	KindPolicy Kind = "policy"
	// KindCancelled covers cooperative cancellation. Terminal; produces a
	// partial envelope.
	KindCancelled Kind = "cancelled"
)

// Error wraps an underlying error with a kind and optional structured
// context used when an error surfaces in an envelope's stderr.failures.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "tool.call", "dag.node"
	TaskID  string
	Err     error
	Retries int
}

func (e *Error) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s[%s]: %s (task=%s)", e.Op, e.Kind, e.Err, e.TaskID)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kind-tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithTask attaches a task id, returning a new *Error (does not mutate e).
func (e *Error) WithTask(taskID string) *Error {
	cp := *e
	cp.TaskID = taskID
	return &cp
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error; otherwise returns KindPermanent as the conservative default
// (never retry an unclassified failure).
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindPermanent
}

// Retryable reports whether the kernel's retry loops should reattempt an
// operation that failed with err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindResource:
		return true
	default:
		return false
	}
}
