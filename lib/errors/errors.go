// Package errors provides structured error types for the nowlink radio
// link. All errors are designed to be safe to surface on the admin web
// API without exposing internal implementation details.
//
// This package provides:
//   - Sentinel errors for common error conditions
//   - Error codes for admin API response categorization
//   - Error wrapping with context preservation
//   - Safe error messages that don't leak sensitive information
package errors

import (
	"errors"
	"fmt"
)

// Error codes for categorizing errors in admin API responses. They track
// HTTP status codes, which is what the web surface maps them to.
const (
	CodeInvalidRequest = 400
	CodeNotFound       = 404
	CodeConflict       = 409
	CodeValidation     = 422
	CodeRateLimited    = 429
	CodeInternal       = 500
	CodeUnavailable    = 503
	CodeTimeout        = 504
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a resource already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnavailable indicates a service is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrRateLimited indicates a rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrNotOpen indicates a resource is not open.
	ErrNotOpen = errors.New("not open")

	// ErrAlreadyOpen indicates a resource is already open.
	ErrAlreadyOpen = errors.New("already open")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrConnection indicates a link error.
	ErrConnection = errors.New("connection error")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")
)

// Link errors
var (
	// ErrNotConnected indicates no peer link is established.
	ErrNotConnected = fmt.Errorf("link: %w", ErrConnection)

	// ErrPeerNotRegistered indicates a peer is not registered.
	ErrPeerNotRegistered = errors.New("link: peer not registered")

	// ErrQueueFull indicates the outbound queue is full.
	ErrQueueFull = errors.New("link: outbound queue full")

	// ErrDiscoveryTimeout indicates channel discovery gave up.
	ErrDiscoveryTimeout = fmt.Errorf("link: discovery %w", ErrTimeout)
)

// Config sync errors
var (
	// ErrSyncStaleVersion indicates a received version is not newer.
	ErrSyncStaleVersion = errors.New("configsync: stale version")

	// ErrSyncNoSnapshot indicates no snapshot has been received yet.
	ErrSyncNoSnapshot = fmt.Errorf("configsync: snapshot %w", ErrNotFound)

	// ErrSyncInProgress indicates a snapshot transfer is already running.
	ErrSyncInProgress = fmt.Errorf("configsync: transfer %w", ErrAlreadyExists)
)

// Uplink errors
var (
	// ErrCircuitOpen indicates the uplink circuit breaker is rejecting work.
	ErrCircuitOpen = fmt.Errorf("uplink: circuit open: %w", ErrUnavailable)
)

// Node errors
var (
	// ErrNodeConfigRequired indicates a configuration is required.
	ErrNodeConfigRequired = fmt.Errorf("node: config %w", ErrInvalidInput)

	// ErrNodeInvalidConfig indicates an invalid configuration.
	ErrNodeInvalidConfig = fmt.Errorf("node: %w", ErrConfiguration)

	// ErrNodeInvalidState indicates an invalid node state.
	ErrNodeInvalidState = fmt.Errorf("node: %w", ErrInvalidState)
)

// Error is a structured error with a code and safe message.
// It implements the error interface and provides methods for
// error handling and response generation.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage returns a client-safe error message without internal details.
func (e *Error) SafeMessage() string {
	return e.Message
}

// New creates a new structured error with the given code and message.
// The message should be safe to return to clients.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and safe message.
// The original error is preserved for debugging but not exposed to clients.
func Wrap(code int, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapInternal wraps an internal error with a generic message.
// Use this when the original error contains sensitive information.
func WrapInternal(err error) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// FromSentinel creates a structured error from a sentinel error.
// It automatically assigns an appropriate error code based on the error type.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    codeFromError(err),
		Message: err.Error(),
		Err:     err,
	}
}

// codeFromError maps sentinel errors to error codes.
func codeFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return CodeConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrConfiguration):
		return CodeValidation
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrNotOpen), errors.Is(err, ErrConnection):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidState):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// IsNotFound returns true if the error indicates a resource was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout returns true if the error indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable returns true if the error indicates a service is unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRateLimited returns true if the error indicates rate limiting.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsInvalidInput returns true if the error indicates invalid input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsInvalidState returns true if the error indicates an invalid state.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
