// Package errors provides the standard error taxonomy shared by the cache,
// the write pipeline, the background workers and the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeAdmissionDenied   ErrorCode = "ADMISSION_DENIED"
	ErrCodeContractViolation ErrorCode = "CONTRACT_VIOLATION"
	ErrCodeRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrCodeCapacityExceeded  ErrorCode = "CAPACITY_EXCEEDED"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodePersistenceFailed ErrorCode = "PERSISTENCE_FAILED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// Sentinels returned by components and wrapped with fmt.Errorf("%w: ...").
// A StandardError with the same code matches them under errors.Is.
var (
	ErrAdmissionDenied   = stderrors.New(string(ErrCodeAdmissionDenied))
	ErrContractViolation = stderrors.New(string(ErrCodeContractViolation))
	ErrRemoteUnavailable = stderrors.New(string(ErrCodeRemoteUnavailable))
	ErrCapacityExceeded  = stderrors.New(string(ErrCodeCapacityExceeded))
	ErrNotFound          = stderrors.New(string(ErrCodeNotFound))
	ErrUnauthorized      = stderrors.New(string(ErrCodeUnauthorized))
	ErrForbidden         = stderrors.New(string(ErrCodeForbidden))
	ErrBadRequest        = stderrors.New(string(ErrCodeBadRequest))
	ErrConflict          = stderrors.New(string(ErrCodeConflict))
	ErrPersistenceFailed = stderrors.New(string(ErrCodePersistenceFailed))
)

var sentinels = map[ErrorCode]error{
	ErrCodeAdmissionDenied:   ErrAdmissionDenied,
	ErrCodeContractViolation: ErrContractViolation,
	ErrCodeRemoteUnavailable: ErrRemoteUnavailable,
	ErrCodeCapacityExceeded:  ErrCapacityExceeded,
	ErrCodeNotFound:          ErrNotFound,
	ErrCodeUnauthorized:      ErrUnauthorized,
	ErrCodeForbidden:         ErrForbidden,
	ErrCodeBadRequest:        ErrBadRequest,
	ErrCodeConflict:          ErrConflict,
	ErrCodePersistenceFailed: ErrPersistenceFailed,
}

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Is lets errors.Is match a StandardError against the sentinel of its code.
func (e *StandardError) Is(target error) bool {
	if s, ok := sentinels[e.Code]; ok {
		return s == target
	}
	return false
}

// WithMetadata returns e with key set in its metadata.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	e.Metadata[key] = value
	return e
}

// ==========================
// 2. Error Constructors
// ==========================

// NewAdmissionDeniedError reports a request refused by the rate limiter.
func NewAdmissionDeniedError(client string) *StandardError {
	return &StandardError{
		Code:      ErrCodeAdmissionDenied,
		Message:   "Rate limit exceeded",
		Details:   fmt.Sprintf("client: %s", client),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewContractViolationError reports a payload rejected by validation.
// reason is the machine readable rejection, e.g. "missing_required:id".
func NewContractViolationError(reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodeContractViolation,
		Message:   "Payload rejected by contract",
		Details:   reason,
		Retryable: false,
		Metadata:  map[string]interface{}{"reason": reason},
		Timestamp: time.Now().UTC(),
	}
}

func NewRemoteUnavailableError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRemoteUnavailable,
		Message:   "Remote sheet unavailable",
		Details:   details,
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewCapacityExceededError reports a bulk payload over the item ceiling.
func NewCapacityExceededError(count, max int) *StandardError {
	return &StandardError{
		Code:      ErrCodeCapacityExceeded,
		Message:   "Too many items",
		Details:   fmt.Sprintf("items: %d, max: %d", count, max),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewNotFoundError(resource, id string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotFound,
		Message:   fmt.Sprintf("%s not found", resource),
		Details:   id,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewUnauthorizedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnauthorized,
		Message:   "Unauthorized",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewForbiddenError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeForbidden,
		Message:   "Forbidden",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewBadRequestError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeBadRequest,
		Message:   "Bad request",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewConflictError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeConflict,
		Message:   "Operation already in progress",
		Details:   details,
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewPersistenceFailedError reports a failure of the local store itself.
// These are the only failures fatal to a write request.
func NewPersistenceFailedError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodePersistenceFailed,
		Message:   "Local store failure",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

func NewInternalError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Utility Functions
// ==========================

// Normalize ensures we always have a StandardError. Wrapped sentinels keep
// their code and the wrapping message becomes the details.
func Normalize(err error) *StandardError {
	if err == nil {
		return nil
	}
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	for code, sentinel := range sentinels {
		if stderrors.Is(err, sentinel) {
			return &StandardError{
				Code:      code,
				Message:   defaultMessages[code],
				Details:   err.Error(),
				Retryable: IsRetryableErrorCode(code),
				Timestamp: time.Now().UTC(),
			}
		}
	}
	return NewInternalError(err)
}

var defaultMessages = map[ErrorCode]string{
	ErrCodeAdmissionDenied:   "Rate limit exceeded",
	ErrCodeContractViolation: "Payload rejected by contract",
	ErrCodeRemoteUnavailable: "Remote sheet unavailable",
	ErrCodeCapacityExceeded:  "Too many items",
	ErrCodeNotFound:          "Not found",
	ErrCodeUnauthorized:      "Unauthorized",
	ErrCodeForbidden:         "Forbidden",
	ErrCodeBadRequest:        "Bad request",
	ErrCodeConflict:          "Operation already in progress",
	ErrCodePersistenceFailed: "Local store failure",
}

// HTTPStatus maps an error code to its response status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeAdmissionDenied:
		return http.StatusTooManyRequests
	case ErrCodeContractViolation:
		return http.StatusUnprocessableEntity
	case ErrCodeRemoteUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeCapacityExceeded:
		return http.StatusRequestEntityTooLarge
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryableErrorCode checks if a client may retry the same request later.
func IsRetryableErrorCode(code ErrorCode) bool {
	switch code {
	case ErrCodeAdmissionDenied, ErrCodeRemoteUnavailable, ErrCodeConflict, ErrCodePersistenceFailed:
		return true
	default:
		return false
	}
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	switch code {
	case ErrCodeAdmissionDenied, ErrCodeCapacityExceeded:
		return "ADMISSION"
	case ErrCodeContractViolation, ErrCodeBadRequest:
		return "VALIDATION"
	case ErrCodeUnauthorized, ErrCodeForbidden:
		return "AUTH"
	case ErrCodeRemoteUnavailable:
		return "REMOTE"
	case ErrCodePersistenceFailed:
		return "STORAGE"
	default:
		return "OTHER"
	}
}
