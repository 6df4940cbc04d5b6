package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the platform.
type ErrorCode string

// Platform error codes
const (
	ErrValidation        ErrorCode = "VALIDATION_ERROR"
	ErrTransientExternal ErrorCode = "TRANSIENT_EXTERNAL"
	ErrPermanentNode     ErrorCode = "PERMANENT_NODE"
	ErrCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrCacheUnavailable  ErrorCode = "CACHE_UNAVAILABLE"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrConflict          ErrorCode = "CONFLICT"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// HTTP surface error codes
const (
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrRateLimited  ErrorCode = "RATE_LIMITED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Target     string    `json:"target,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithTarget records the external target (model endpoint, data source, node) involved.
func (e *Error) WithTarget(target string) *Error {
	e.Target = target
	return e
}

// AsError extracts *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// =============================================================================
// 常用错误构造
// =============================================================================

// NewValidationError 输入校验错误，同步返回给调用方
func NewValidationError(format string, args ...any) *Error {
	return NewError(ErrValidation, fmt.Sprintf(format, args...)).
		WithHTTPStatus(http.StatusBadRequest)
}

// NewNotFoundError 资源不存在
func NewNotFoundError(kind, id string) *Error {
	return NewError(ErrNotFound, fmt.Sprintf("%s %q not found", kind, id)).
		WithHTTPStatus(http.StatusNotFound)
}

// NewInvalidTransitionError 状态机非法迁移
func NewInvalidTransitionError(kind, id string, from, to any) *Error {
	return NewError(ErrInvalidTransition, fmt.Sprintf("%s %q cannot move from %v to %v", kind, id, from, to)).
		WithHTTPStatus(http.StatusConflict)
}

// NewTransientError 外部依赖暂时失败，可重试
func NewTransientError(target string, cause error) *Error {
	return NewError(ErrTransientExternal, "external call failed").
		WithCause(cause).
		WithTarget(target).
		WithRetryable(true).
		WithHTTPStatus(http.StatusBadGateway)
}

// NewPermanentError 节点逻辑不可恢复的失败，不重试
func NewPermanentError(message string, cause error) *Error {
	return NewError(ErrPermanentNode, message).
		WithCause(cause).
		WithHTTPStatus(http.StatusUnprocessableEntity)
}

// NewTimeoutError 超时
func NewTimeoutError(message string) *Error {
	return NewError(ErrTimeout, message).
		WithRetryable(true).
		WithHTTPStatus(http.StatusGatewayTimeout)
}

// NewInternalError 内部错误
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternalError, message).
		WithCause(cause).
		WithHTTPStatus(http.StatusInternalServerError)
}

// Classify maps an arbitrary error to a platform error code.
// Context deadline errors become TIMEOUT, unknown errors become TRANSIENT_EXTERNAL.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if code := GetErrorCode(err); code != "" {
		return code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrTransientExternal
}
