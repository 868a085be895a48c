package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOperation is returned when the requested tool is not in the
	// supported set.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrInvalidArguments marks structurally malformed tool arguments.
	// Handlers wrap it so the dispatcher can classify the failure.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrCancelled is the cause carried by an activated Signal.
	ErrCancelled = errors.New("request cancelled")
	// ErrDuplicateRequestID is returned when a request id is registered
	// while another request with the same id is still in flight.
	ErrDuplicateRequestID = errors.New("duplicate request id")
	// ErrDuplicateProgressToken is returned when a progress token is already
	// bound to another in-flight request.
	ErrDuplicateProgressToken = errors.New("duplicate progress token")
	// ErrCoordinatorClosed is returned for invocations arriving after Close.
	ErrCoordinatorClosed = errors.New("coordinator closed")
)

// InvalidArgumentsf builds an error wrapping ErrInvalidArguments.
func InvalidArgumentsf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArguments, fmt.Sprintf(format, a...))
}

// UnknownOperationError names the tool that could not be resolved.
type UnknownOperationError struct {
	Name string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

func (e *UnknownOperationError) Unwrap() error { return ErrUnknownOperation }

// HandlerError reports a handler failure that is not attributable to
// cancellation. The underlying cause is preserved.
type HandlerError struct {
	Operation string
	Cause     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }
