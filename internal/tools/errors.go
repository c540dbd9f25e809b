package tools

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes tool failures for logging and metrics.
type ErrorKind string

const (
	// ErrNotFound indicates the named tool is not registered.
	ErrNotFound ErrorKind = "not_found"

	// ErrValidation indicates the arguments failed schema validation.
	ErrValidation ErrorKind = "validation"

	// ErrTimeout indicates the execution exceeded its deadline.
	ErrTimeout ErrorKind = "timeout"

	// ErrPanic indicates the tool panicked during execution.
	ErrPanic ErrorKind = "panic"

	// ErrExecution indicates a runtime failure inside the tool.
	ErrExecution ErrorKind = "execution"
)

// ToolError is a structured tool failure. It always ends up folded into an
// error Result so the model sees the failure, but keeps its classification
// for logs and metrics on the way there.
type ToolError struct {
	Tool string
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s [%s]: %v", e.Tool, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool %s [%s]", e.Tool, e.Kind)
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Err
}

// AsToolError extracts a ToolError from an error chain.
func AsToolError(err error) (*ToolError, bool) {
	var terr *ToolError
	if errors.As(err, &terr) {
		return terr, true
	}
	return nil, false
}
