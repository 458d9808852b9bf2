package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingRequestID indicates that a next-invocation response carried no request id
	ErrMissingRequestID = errors.New("missing Lambda-Runtime-Aws-Request-Id header")

	// ErrInitialization indicates that the handler failed to initialize
	ErrInitialization = errors.New("handler initialization failed")

	// ErrPollFailed indicates that the next invocation could not be retrieved
	ErrPollFailed = errors.New("next invocation poll failed")

	// ErrReportFailed indicates that a result could not be delivered to the control plane
	ErrReportFailed = errors.New("invocation report failed")

	// ErrContainerFailure indicates that the Runtime API answered 500 and the environment is unusable
	ErrContainerFailure = errors.New("container error, non-recoverable state")

	// ErrSerialization indicates that a handler output could not be encoded
	ErrSerialization = errors.New("failed to serialize handler output")

	// ErrInvalidConfig indicates that the runtime configuration is incomplete
	ErrInvalidConfig = errors.New("invalid runtime configuration")
)

// Error types reported to the Runtime API in the errorType field.
const (
	ErrorTypeInit          = "Runtime.InitError"
	ErrorTypeSerialization = "Runtime.SerializationError"
	ErrorTypeHandlerPanic  = "Runtime.HandlerPanic"
	ErrorTypeUnhandled     = "Unhandled"
)

// Error represents a structured runtime error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Phase names the runtime state in which a fatal error happened.
type Phase string

const (
	PhaseInit    Phase = "init"
	PhasePoll    Phase = "poll"
	PhaseContext Phase = "context"
	PhaseReport  Phase = "report"
)

// FatalError is a process-scoped failure. The runtime loop stops when it
// returns one and the process is expected to exit with ExitCode.
type FatalError struct {
	Phase Phase
	Err   error
}

// NewFatalError wraps err as a fatal error raised during phase.
func NewFatalError(phase Phase, err error) *FatalError {
	return &FatalError{Phase: phase, Err: err}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal runtime error during %s: %v", e.Phase, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// ExitCode is the process exit status for this failure.
func (e *FatalError) ExitCode() int {
	return 1
}

// IsFatal checks if an error terminates the runtime
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsMissingRequestID checks if an error is caused by a missing request id
func IsMissingRequestID(err error) bool {
	return errors.Is(err, ErrMissingRequestID)
}

// IsContainerFailure checks if an error is a non-recoverable control plane failure
func IsContainerFailure(err error) bool {
	return errors.Is(err, ErrContainerFailure)
}

// ErrorType returns the category reported for err. Errors that implement
// ErrorType() string choose their own category, everything else is Unhandled.
func ErrorType(err error) string {
	var typed interface{ ErrorType() string }
	if errors.As(err, &typed) {
		if kind := typed.ErrorType(); kind != "" {
			return kind
		}
	}
	return ErrorTypeUnhandled
}

type typedError struct {
	kind string
	err  error
}

func (e *typedError) Error() string     { return e.err.Error() }
func (e *typedError) Unwrap() error     { return e.err }
func (e *typedError) ErrorType() string { return e.kind }

// WithType attaches an errorType to err without changing its message.
func WithType(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &typedError{kind: kind, err: err}
}
