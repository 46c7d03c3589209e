// Package failure classifies pipeline errors, isolates failing services
// behind per-key circuit breakers, and dispatches recovery strategies.
//
// Import alias convention: callers outside this package refer to it as
// failure, and compare errors with errors.Is against the sentinels below.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the pipeline's error taxonomy.
type Kind uint8

const (
	// KindUnknown is for errors created without a kind.
	KindUnknown Kind = iota
	// KindModelLoad means a model asset is missing or malformed. Fatal.
	KindModelLoad
	// KindCorruptedFrame means a frame failed validation. Transient.
	KindCorruptedFrame
	// KindTooManyCorruptedFrames is the fatal escalation of KindCorruptedFrame.
	KindTooManyCorruptedFrames
	// KindInference is a per-call inference failure. Transient.
	KindInference
	// KindUninitialized means a method was called before required setup.
	KindUninitialized
	// KindResource covers memory, battery and other resource exhaustion.
	KindResource
	// KindTimeout means an operation exceeded its deadline.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindModelLoad:
		return "model_load"
	case KindCorruptedFrame:
		return "corrupted_frame"
	case KindTooManyCorruptedFrames:
		return "too_many_corrupted_frames"
	case KindInference:
		return "inference"
	case KindUninitialized:
		return "uninitialized"
	case KindResource:
		return "resource"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind must not be retried.
func (k Kind) Fatal() bool {
	return k == KindModelLoad || k == KindTooManyCorruptedFrames
}

// Error is the structured pipeline error. msg is developer facing; op names
// the failing operation; orig is the wrapped cause.
type Error struct {
	kind Kind
	op   string
	msg  string
	orig error
}

// Sentinels for errors.Is. Any *Error matches the sentinel of its kind.
var (
	ErrModelLoad              = &Error{kind: KindModelLoad, msg: "model load failed"}
	ErrCorruptedFrame         = &Error{kind: KindCorruptedFrame, msg: "corrupted frame"}
	ErrTooManyCorruptedFrames = &Error{kind: KindTooManyCorruptedFrames, msg: "too many corrupted frames"}
	ErrInference              = &Error{kind: KindInference, msg: "inference failed"}
	ErrUninitialized          = &Error{kind: KindUninitialized, msg: "not initialized"}
	ErrResource               = &Error{kind: KindResource, msg: "resource exhausted"}
	ErrTimeout                = &Error{kind: KindTimeout, msg: "timed out"}
)

// New creates an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{kind: kind, op: op, msg: msg}
}

// Wrap creates an error of the given kind around err.
func Wrap(kind Kind, op string, err error, msg string) *Error {
	return &Error{kind: kind, op: op, msg: msg, orig: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	return Wrap(kind, op, err, fmt.Sprintf(format, args...))
}

// Error implements error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := e.msg
	if e.op != "" {
		s = e.op + ": " + s
	}
	if e.orig != nil {
		s += ": " + e.orig.Error()
	}
	return s
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.orig }

// Is matches any *Error of the same kind, so errors.Is(err, ErrModelLoad)
// works for every model load failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return e.kind == t.kind
}

// Kind returns the error kind.
func (e *Error) Kind() Kind { return e.kind }

// Op returns the operation label.
func (e *Error) Op() string { return e.op }

// Fatal reports whether the error must not be retried.
func (e *Error) Fatal() bool { return e.kind.Fatal() }

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.kind
	}
	return KindUnknown
}

// IsFatal reports whether any error in err's chain is fatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrModelLoad) || errors.Is(err, ErrTooManyCorruptedFrames)
}

// Convenience constructors for the taxonomy.

// ModelLoadError reports a missing or malformed model asset at path.
func ModelLoadError(path string, err error) *Error {
	return Wrapf(KindModelLoad, "load", err, "model asset %q unusable", path)
}

// CorruptedFrameError reports a frame rejected by validation.
func CorruptedFrameError(reason string, consecutive int) *Error {
	return New(KindCorruptedFrame, "validate", fmt.Sprintf("corrupted frame (%s), %d consecutive", reason, consecutive))
}

// TooManyCorruptedFramesError reports the escalation threshold being hit.
func TooManyCorruptedFramesError(consecutive, limit int) *Error {
	return New(KindTooManyCorruptedFrames, "validate",
		fmt.Sprintf("%d consecutive corrupted frames (limit %d)", consecutive, limit))
}

// InferenceError reports a failed inference call.
func InferenceError(op string, err error) *Error {
	return Wrap(KindInference, op, err, "inference failed")
}

// UninitializedError reports a call made before setup.
func UninitializedError(op string) *Error {
	return New(KindUninitialized, op, "not initialized")
}
