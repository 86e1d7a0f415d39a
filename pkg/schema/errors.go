package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeParse             = "PARSE_ERROR"
	ErrCodeGraph             = "GRAPH_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecutor          = "EXECUTOR_ERROR"
	ErrCodeApproval          = "APPROVAL_ERROR"
	ErrCodeConcurrency       = "CONCURRENCY_ERROR"
	ErrCodeState             = "STATE_ERROR"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeNotify            = "NOTIFY_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// GantryError is the structured error type for all gantry operations.
type GantryError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *GantryError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GantryError) Unwrap() error {
	return e.Cause
}

// NewError creates a new GantryError.
func NewError(code, message string) *GantryError {
	return &GantryError{Code: code, Message: message}
}

// NewErrorf creates a new GantryError with a formatted message.
func NewErrorf(code, format string, args ...any) *GantryError {
	return &GantryError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *GantryError) WithNode(nodeID string) *GantryError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *GantryError) WithCause(err error) *GantryError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GantryError) WithDetails(details map[string]any) *GantryError {
	e.Details = details
	return e
}

// CodeOf returns the GantryError code of err, or "" when err is not a GantryError.
func CodeOf(err error) string {
	if ge, ok := err.(*GantryError); ok {
		return ge.Code
	}
	return ""
}
