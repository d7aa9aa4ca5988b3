// Package errs defines the error taxonomy shared across the daemon: a
// kebab-case code, a human message, optional contextual fields and an
// optional cause, matching the error shape the JSON-RPC layer serializes
// into a response's error.data.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a category of error. Values are kebab-case per the
// daemon's external contract.
type Code string

const (
	DaemonNotRunning     Code = "daemon-not-running"
	DaemonAlreadyRunning Code = "daemon-already-running"

	ProcessNotFound      Code = "process-not-found"
	ProcessAlreadyExists Code = "process-already-exists"
	ProcessStartFailed   Code = "process-start-failed"
	ProcessStopFailed    Code = "process-stop-failed"
	ProcessInvalidConfig Code = "process-invalid-config"

	ConfigNotFound   Code = "config-not-found"
	ConfigInvalid    Code = "config-invalid"
	ConfigValidation Code = "config-validation"
	ConfigParse      Code = "config-parse"

	PluginNotFound            Code = "plugin-not-found"
	PluginAlreadyRegistered   Code = "plugin-already-registered"
	PluginMissingDependency   Code = "plugin-missing-dependency"
	PluginCircularDependency  Code = "plugin-circular-dependency"
	PluginConflict            Code = "plugin-conflict"
	PluginInvalid             Code = "plugin-invalid"
	PluginInitializationFailed Code = "plugin-initialization-failed"

	HealthCheckFailed  Code = "health-check-failed"
	HealthCheckTimeout Code = "health-check-timeout"

	TransportTimeout  Code = "transport-timeout"
	TransportError    Code = "transport-error"
	ConnectionRefused Code = "connection-refused"
	MessageTooLarge   Code = "message-too-large"

	Timeout         Code = "timeout"
	InvalidArgument Code = "invalid-argument"
	Unknown         Code = "unknown"
)

// Error is the daemon's concrete error type, carrying a code, a message,
// free-form context and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Context map[string]any
	Cause   error
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithContext attaches a contextual field and returns the same error for
// chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithCause attaches the underlying cause and returns the same error for
// chaining.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if len(e.Context) > 0 {
		b.WriteString(" (")
		first := true
		for k, v := range e.Context {
			if !first {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, v)
			first = false
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code of err if it is (or wraps) an *Error, else
// returns Unknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
