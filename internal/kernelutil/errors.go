package kernelutil

import (
	"errors"
	"fmt"
)

// Kind is the closed taxonomy of error kinds the core surfaces,
// matching the external interface contract: callers can errors.Is
// against one of these sentinels while the wrapped message stays
// human-readable.
type Kind error

var (
	ErrNoFreeSlot            Kind = errors.New("no free slot")
	ErrOutOfMemory           Kind = errors.New("out of memory")
	ErrMailboxFull           Kind = errors.New("mailbox full")
	ErrMessagePoolExhausted  Kind = errors.New("message pool exhausted")
	ErrUnknownID             Kind = errors.New("unknown id")
	ErrInvalidState          Kind = errors.New("invalid state for operation")
	ErrInvalidImage          Kind = errors.New("invalid module image")
	ErrAlreadyLoaded         Kind = errors.New("module already loaded")
	ErrInUse                 Kind = errors.New("module in use")
	ErrDependencyUnsatisfied Kind = errors.New("dependency unsatisfied")
	ErrCapabilityDenied      Kind = errors.New("capability denied")
	ErrResourceExceeded      Kind = errors.New("resource limit exceeded")
	ErrMemoryAccessDenied    Kind = errors.New("memory access denied")
	ErrExecutionDenied       Kind = errors.New("execution denied")
	ErrCorruption            Kind = errors.New("corruption")
)

// Wrap attaches operation context to a sentinel kind while keeping it
// matchable with errors.Is.
func Wrap(kind Kind, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// WrapError wraps an arbitrary error with additional context.
func WrapError(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// TimeoutError creates a timeout error for an operation.
func TimeoutError(operation string) error {
	return fmt.Errorf("%s: operation timed out", operation)
}
