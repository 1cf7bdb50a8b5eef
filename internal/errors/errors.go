package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/token-gate/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryConnection represents wallet connection failures and rejections
	CategoryConnection ErrorCategory = "connection"
	// CategoryChainMismatch represents a wallet on the wrong network
	CategoryChainMismatch ErrorCategory = "chain_mismatch"
	// CategoryRead represents balance read failures
	CategoryRead ErrorCategory = "read"
	// CategoryIssuer represents invite link issuer failures
	CategoryIssuer ErrorCategory = "issuer"
	// CategoryPersistence represents identity store write failures
	CategoryPersistence ErrorCategory = "persistence"
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// Error codes surfaced to clients
const (
	CodeConnection          = "CONNECTION_ERROR"
	CodeChainMismatch       = "CHAIN_MISMATCH"
	CodeRead                = "READ_ERROR"
	CodeIssuer              = "ISSUER_ERROR"
	CodePersistence         = "PERSISTENCE_ERROR"
	CodeOperationInProgress = "OPERATION_IN_PROGRESS"
	CodeInvalidState        = "INVALID_STATE"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

func isTimeout(err error) bool {
	return stderrors.Is(err, context.DeadlineExceeded)
}

// Workflow Errors

// NewConnectionError creates a wallet connection error carrying the connector's message
func NewConnectionError(message string, cause error) *CategorizedError {
	status := http.StatusBadGateway
	if isTimeout(cause) {
		status = http.StatusGatewayTimeout
		message = "wallet connection timed out"
	}
	return &CategorizedError{
		Category:   CategoryConnection,
		StatusCode: status,
		Code:       CodeConnection,
		Message:    message,
		Cause:      cause,
	}
}

// NewConnectionRejectedError creates a connection error caused by the client's own input,
// such as a bad signature or a cancelled approval
func NewConnectionRejectedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConnection,
		StatusCode: http.StatusBadRequest,
		Code:       CodeConnection,
		Message:    message,
	}
}

// NewChainMismatchError creates a chain mismatch error
func NewChainMismatchError(current, required types.ChainID) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryChainMismatch,
		StatusCode: http.StatusConflict,
		Code:       CodeChainMismatch,
		Message:    "Please switch to the required network first",
		Details: map[string]interface{}{
			"currentChainId":  current.Hex(),
			"requiredChainId": required.Hex(),
		},
	}
}

// NewReadError creates a balance read error
func NewReadError(cause error) *CategorizedError {
	e := &CategorizedError{
		Category:   CategoryRead,
		StatusCode: http.StatusBadGateway,
		Code:       CodeRead,
		Message:    "failed to read token balance",
		Cause:      cause,
	}
	if isTimeout(cause) {
		e.StatusCode = http.StatusGatewayTimeout
		e.Message = "token balance read timed out"
	}
	return e
}

// NewIssuerError creates an invite link issuer error
func NewIssuerError(message string, cause error) *CategorizedError {
	if isTimeout(cause) {
		message = "invite link request timed out"
	}
	return &CategorizedError{
		Category:   CategoryIssuer,
		StatusCode: http.StatusBadGateway,
		Code:       CodeIssuer,
		Message:    message,
		Cause:      cause,
	}
}

// NewPersistenceError creates an identity store write error
func NewPersistenceError(cause error) *CategorizedError {
	message := "failed to save identity"
	if isTimeout(cause) {
		message = "saving identity timed out"
	}
	return &CategorizedError{
		Category:   CategoryPersistence,
		StatusCode: http.StatusBadGateway,
		Code:       CodePersistence,
		Message:    message,
		Cause:      cause,
	}
}

// NewOperationInProgressError is returned when an operation overlaps an in-flight one
func NewOperationInProgressError(operation string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeOperationInProgress,
		Message:    fmt.Sprintf("%s is already in progress", operation),
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInvalidStateError is returned when an operation is not legal in the current phase
func NewInvalidStateError(phase string, message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeInvalidState,
		Message:    message,
		Details: map[string]interface{}{
			"phase": phase,
		},
	}
}

// User Input Errors (4xx)

// NewInvalidAddressError creates an invalid address error
func NewInvalidAddressError(address string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_ADDRESS",
		Message:    fmt.Sprintf("invalid address format: %s", address),
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
	}
}

// NewForbiddenError creates a forbidden error
func NewForbiddenError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewSessionNotFoundError is returned for unknown, ended or expired sessions
func NewSessionNotFoundError(id string) *CategorizedError {
	e := NewNotFoundError("session", id)
	e.Code = "SESSION_NOT_FOUND"
	return e
}

// NewGateNotFoundError is returned for gate ids that are not enabled
func NewGateNotFoundError(id string) *CategorizedError {
	e := NewNotFoundError("gate", id)
	e.Code = "GATE_NOT_FOUND"
	return e
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewSessionLimitError reports that the process holds as many live sessions as it allows
func NewSessionLimitError(limit int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "SESSION_LIMIT_REACHED",
		Message:    "too many active sessions, try again later",
		Details: map[string]interface{}{
			"limit": limit,
		},
	}
}

// System Errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       "CACHE_ERROR",
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	// If already categorized (possibly wrapped), return it
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	// Default to internal error
	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	category, status := CategorySystem, http.StatusInternalServerError
	switch err.Code {
	case "INVALID_ADDRESS", "INVALID_PARAMETER":
		category, status = CategoryUserInput, http.StatusBadRequest
	case "NOT_FOUND", "SESSION_NOT_FOUND", "GATE_NOT_FOUND":
		category, status = CategoryNotFound, http.StatusNotFound
	case "UNAUTHORIZED":
		category, status = CategoryAuthorization, http.StatusUnauthorized
	case CodeChainMismatch, CodeOperationInProgress, CodeInvalidState:
		category, status = CategoryConflict, http.StatusConflict
	}
	return &CategorizedError{
		Category:   category,
		StatusCode: status,
		Code:       err.Code,
		Message:    err.Message,
		Details:    err.Details,
	}
}

// IsCategory reports whether err carries the given category
func IsCategory(err error, category ErrorCategory) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Category == category
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 500
}
