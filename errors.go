package prefork

import (
	"errors"
	"fmt"
)

// Common errors returned by prefork operations
var (
	// ErrDecode indicates a received line is not a valid message
	ErrDecode = errors.New("prefork: message decode")

	// ErrChannelClosed indicates the peer closed its end of the channel
	ErrChannelClosed = errors.New("prefork: channel closed")

	// ErrUnknownMethod indicates a call to a method with no registered handler
	ErrUnknownMethod = errors.New("prefork: unknown method")

	// ErrHandler indicates a registered handler failed
	ErrHandler = errors.New("prefork: handler failed")

	// ErrHandlerTimeout indicates a handler exceeded the call timeout
	ErrHandlerTimeout = errors.New("prefork: handler timeout")

	// ErrSpawn indicates a worker process could not be created
	ErrSpawn = errors.New("prefork: spawn failed")

	// ErrNotWorker indicates worker-only functionality was used outside a worker process
	ErrNotWorker = errors.New("prefork: not running as a worker")

	// ErrReservedMethod indicates a handler was registered under a reserved name
	ErrReservedMethod = errors.New("prefork: reserved method name")

	// ErrInvalidConfig indicates the manager was constructed with invalid options
	ErrInvalidConfig = errors.New("prefork: invalid configuration")

	// ErrAlreadyRunning indicates Run was called while a loop is active
	ErrAlreadyRunning = errors.New("prefork: manager already running")
)

// OpError represents an error from a prefork operation
type OpError struct {
	// Op is the operation that failed
	Op Operation
	// Worker is the worker involved, zero when none
	Worker WorkerID
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	if e.Worker == 0 {
		return fmt.Sprintf("prefork %s: %v", e.Op.String(), e.Err)
	}
	return fmt.Sprintf("prefork %s worker %s: %v", e.Op.String(), e.Worker, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// ErrorCode classifies an error reply on the wire
type ErrorCode string

// Error codes carried in the error_code field
const (
	CodeUnknownMethod ErrorCode = "unknown_method"
	CodeTimeout       ErrorCode = "timeout"
	CodeHandler       ErrorCode = "handler"
)

// sentinel maps a wire code back to the matching sentinel error
func (c ErrorCode) sentinel() error {
	switch c {
	case CodeUnknownMethod:
		return ErrUnknownMethod
	case CodeTimeout:
		return ErrHandlerTimeout
	case CodeHandler:
		return ErrHandler
	default:
		return nil
	}
}

// CallError is returned to a worker when the manager answered a call with an
// error reply.
type CallError struct {
	// Method is the method that was called
	Method string
	// Code classifies the failure, empty if the manager sent none
	Code ErrorCode
	// Message is the error text sent by the manager
	Message string
}

// Error returns a formatted error message
func (e *CallError) Error() string {
	return fmt.Sprintf("prefork call %q: %s", e.Method, e.Message)
}

// Is reports whether target is the sentinel matching the error code, so
// callers can write errors.Is(err, ErrHandlerTimeout).
func (e *CallError) Is(target error) bool {
	s := e.Code.sentinel()
	return s != nil && s == target
}

// MultiError aggregates multiple errors from bulk operations
type MultiError struct {
	// Errors contains all accumulated errors
	Errors []error
}

// Error returns a summary of the accumulated errors
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred", len(m.Errors))
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Unwrap exposes the accumulated errors to errors.Is and errors.As
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}
