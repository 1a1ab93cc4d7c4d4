package types

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies failures for HTTP mapping and retry decisions
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindNotFound    ErrorKind = "not_found"
	KindNoCapacity  ErrorKind = "no_capacity"
	KindUnreachable ErrorKind = "unreachable"
	KindConflict    ErrorKind = "conflict"
	KindInternal    ErrorKind = "internal"
)

// Error is the one error type crossing component boundaries. Component and
// Op identify where the failure happened; Err preserves the original cause.
type Error struct {
	Kind      ErrorKind
	Component string
	Op        string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %s", e.Component, e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs an Error with a formatted message
func NewError(kind ErrorKind, component, op, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Op:        op,
		Message:   fmt.Sprintf(format, args...),
	}
}

// WrapError preserves cause while attaching component and operation
func WrapError(kind ErrorKind, component, op string, err error) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Op:        op,
		Err:       err,
	}
}

// KindOf extracts the kind from an error chain; unclassified errors are Internal
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error kind to its response status
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNoCapacity:
		return http.StatusServiceUnavailable
	case KindUnreachable:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// IsNetworkTimeout reports whether err is a timeout-class network failure.
// Only this class is eligible for the single CreateAgent forwarding retry.
func IsNetworkTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
