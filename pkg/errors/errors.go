package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates that a flow definition is invalid
	ErrValidation = errors.New("flow validation failed")

	// ErrToolExecution indicates that a tool raised an error while executing a node
	ErrToolExecution = errors.New("tool execution failed")

	// ErrTimeout indicates that a line or node exceeded its time budget
	ErrTimeout = errors.New("execution timed out")

	// ErrCache indicates a cache store I/O, lock or decode failure
	ErrCache = errors.New("cache operation failed")

	// ErrWorkerCrash indicates that a worker died while executing a line
	ErrWorkerCrash = errors.New("worker crashed")

	// ErrCanceled indicates that execution was cancelled before completion
	ErrCanceled = errors.New("execution canceled")

	// ErrUpstreamFailed indicates that a node was bypassed because a dependency failed
	ErrUpstreamFailed = errors.New("upstream node failed")

	// ErrNoNodeExecuted indicates the scheduler could not make progress
	ErrNoNodeExecuted = errors.New("no node could be executed")

	// ErrAggregation indicates a batch-level aggregation failure
	ErrAggregation = errors.New("aggregation failed")

	// ErrBatchTimeout indicates that the batch time budget ran out
	ErrBatchTimeout = errors.New("batch timed out")

	// ErrNotInitialized indicates that the executor has not been initialized
	ErrNotInitialized = errors.New("executor not initialized")
)

// Error codes carried by Error and by serialized error payloads.
const (
	CodeValidation     = "ValidationError"
	CodeToolExecution  = "ToolExecutionError"
	CodeTimeout        = "TimeoutError"
	CodeCache          = "CacheError"
	CodeWorkerCrash    = "WorkerCrashError"
	CodeCanceled       = "CanceledError"
	CodeUpstreamFailed = "UpstreamFailedError"
	CodeNoNodeExecuted = "NoNodeExecutedError"
	CodeAggregation    = "AggregationError"
	CodeBatchTimeout   = "BatchTimeoutError"
	CodeNotInitialized = "NotInitializedError"
	CodeUnexpected     = "UnexpectedError"
)

var codeSentinels = map[string]error{
	CodeValidation:     ErrValidation,
	CodeToolExecution:  ErrToolExecution,
	CodeTimeout:        ErrTimeout,
	CodeCache:          ErrCache,
	CodeWorkerCrash:    ErrWorkerCrash,
	CodeCanceled:       ErrCanceled,
	CodeUpstreamFailed: ErrUpstreamFailed,
	CodeNoNodeExecuted: ErrNoNodeExecuted,
	CodeAggregation:    ErrAggregation,
	CodeBatchTimeout:   ErrBatchTimeout,
	CodeNotInitialized: ErrNotInitialized,
}

// Error represents a structured engine error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Node is the originating node name, if any
	Node string

	// Line is the line number the error belongs to, -1 when not line scoped
	Line int

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	prefix := "[" + e.Code + "]"
	if e.Node != "" {
		prefix += " node '" + e.Node + "'"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that belongs to the error code.
func (e *Error) Is(target error) bool {
	if sentinel, ok := codeSentinels[e.Code]; ok && sentinel == target {
		return true
	}
	return false
}

// NewError creates a new engine error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Line:    -1,
		Err:     err,
	}
}

// WithNode returns the error annotated with the originating node.
func (e *Error) WithNode(node string) *Error {
	e.Node = node
	return e
}

// WithLine returns the error annotated with a line number.
func (e *Error) WithLine(line int) *Error {
	e.Line = line
	return e
}

// Validation creates a flow validation error
func Validation(format string, args ...any) *Error {
	return NewError(CodeValidation, fmt.Sprintf(format, args...), nil)
}

// ToolExecution wraps an error raised by tool code
func ToolExecution(node, toolID string, err error) *Error {
	return NewError(CodeToolExecution, fmt.Sprintf("execution failure in tool '%s'", toolID), err).WithNode(node)
}

// NodeTimeout creates a node-scoped timeout error
func NodeTimeout(node string, after fmt.Stringer) *Error {
	return NewError(CodeTimeout, fmt.Sprintf("node execution timeout after %s", after), nil).WithNode(node)
}

// LineTimeout creates a line-scoped timeout error
func LineTimeout(line int, after fmt.Stringer) *Error {
	return NewError(CodeTimeout, fmt.Sprintf("line %d execution timeout after %s", line, after), nil).WithLine(line)
}

// Cache wraps a cache store failure
func Cache(op string, err error) *Error {
	return NewError(CodeCache, "cache "+op+" failed", err)
}

// WorkerCrash creates a worker crash error for the in-flight line
func WorkerCrash(line int, cause error) *Error {
	return NewError(CodeWorkerCrash, fmt.Sprintf("worker crashed while executing line %d", line), cause).WithLine(line)
}

// Canceled creates a cancellation error
func Canceled(message string) *Error {
	return NewError(CodeCanceled, message, nil)
}

// UpstreamFailed creates the error propagated to dependents of a failed node
func UpstreamFailed(node, upstream string) *Error {
	return NewError(CodeUpstreamFailed, fmt.Sprintf("bypassed because upstream node '%s' failed", upstream), nil).WithNode(node)
}

// Code returns the code of a structured error, or CodeUnexpected.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnexpected
}

// NodeOf returns the originating node of a structured error, if any.
func NodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Node
	}
	return ""
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsValidation checks if an error is a flow validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsCanceled checks if an error is a cancellation error
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// IsWorkerCrash checks if an error is a worker crash error
func IsWorkerCrash(err error) bool {
	return errors.Is(err, ErrWorkerCrash)
}
