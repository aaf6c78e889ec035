package apperrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide how to react to it
// (retry, surface to the user, skip an item) without inspecting driver errors.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindTransient
	KindNotFound
	KindTimeout
	KindDataCorruption
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindDataCorruption:
		return "data_corruption"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Reason narrows down a transient error.
type Reason string

const (
	ReasonUnavailable      Reason = "unavailable"
	ReasonDeadlineExceeded Reason = "deadline_exceeded"
	ReasonConnectionLost   Reason = "connection_lost"
	ReasonAborted          Reason = "aborted"
	ReasonUnknown          Reason = "unknown"
)

type Error struct {
	Kind   Kind
	Reason Reason
	Op     string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.Msg != "" && e.Err != nil:
		msg = fmt.Sprintf("%s: %s", e.Msg, e.Err)
	case e.Msg != "":
		msg = e.Msg
	case e.Err != nil:
		msg = e.Err.Error()
	default:
		msg = e.Kind.String()
	}
	if e.Op == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: [%s] %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, &Error{Kind: k}) match any error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Authentication(op, msg string) error {
	return newError(KindAuthentication, op, msg, nil)
}

func Authorization(op, msg string) error {
	return newError(KindAuthorization, op, msg, nil)
}

func Validation(op, msg string) error {
	return newError(KindValidation, op, msg, nil)
}

func ValidationWrap(op string, err error) error {
	return newError(KindValidation, op, "", err)
}

func NotFound(op, msg string) error {
	return newError(KindNotFound, op, msg, nil)
}

func Timeout(op string, err error) error {
	return newError(KindTimeout, op, "", err)
}

func DataCorruption(op, msg string, err error) error {
	return newError(KindDataCorruption, op, msg, err)
}

func Transient(op string, reason Reason, err error) error {
	e := newError(KindTransient, op, "", err)
	e.Reason = reason
	return e
}

// Context classifies the error of a done context: a caller that cancelled
// gets KindCanceled, an exceeded deadline is transient.
func Context(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return newError(KindCanceled, op, "", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(op, ReasonDeadlineExceeded, err)
	default:
		return Wrap(KindTransient, op, err)
	}
}

// Wrap attaches a kind to an arbitrary error. Errors that already carry a kind
// keep it, only the op is added as context.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return &Error{Kind: appErr.Kind, Reason: appErr.Reason, Op: op, Err: err}
	}
	return newError(kind, op, "", err)
}

// KindOf returns the kind of the first *Error in the chain. Context errors
// are classified as well, since they are what every blocking call returns.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

func ReasonOf(err error) Reason {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Reason != "" {
		return appErr.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDeadlineExceeded
	}
	return ReasonUnknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err is worth another attempt. Only transient
// store errors are; a caller cancelling its own context never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindTransient
}
