package governance

import (
	"errors"
	"fmt"
)

// ErrorKind classifies governance errors so callers can distinguish a bad
// request from a stale reference or an illegal transition.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindNotFound
	KindStateConflict
	KindScopeViolation
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindScopeViolation:
		return "scope_violation"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by all governance operations.
type Error struct {
	Kind    ErrorKind
	Subject string
	Message string
}

func (e *Error) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Subject, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches two governance errors by kind, so sentinel-style checks with
// errors.Is(err, &Error{Kind: KindNotFound}) work.
func (e *Error) Is(target error) bool {
	var ge *Error
	if !errors.As(target, &ge) {
		return false
	}
	return ge.Kind == e.Kind
}

// ErrValidation reports malformed input. Never applied after partial mutation.
func ErrValidation(subject, format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound reports an unknown version, rollout, test or trigger id.
func ErrNotFound(subject, format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

// ErrStateConflict reports an operation illegal in the current state.
func ErrStateConflict(subject, format string, args ...interface{}) error {
	return &Error{Kind: KindStateConflict, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

// ErrScopeViolation reports a computed action outside the allow list.
func ErrScopeViolation(subject, format string, args ...interface{}) error {
	return &Error{Kind: KindScopeViolation, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a governance error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ge *Error
	if !errors.As(err, &ge) {
		return false
	}
	return ge.Kind == kind
}
