package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeRateLimit    ErrorType = "rate_limit"
	ErrorTypeInternal     ErrorType = "internal"

	// Pipeline stage failures. These never reach the wire as-is; the
	// streaming orchestrator turns them into an error frame.
	ErrorTypeEmbedding  ErrorType = "embedding"
	ErrorTypeSearch     ErrorType = "search"
	ErrorTypeGeneration ErrorType = "generation"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches on error type only.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

var (
	ErrNotFound = NewDomainError(ErrorTypeNotFound, "resource not found", nil)

	ErrUnknownProvider = NewDomainError(ErrorTypeValidation, "unknown provider", nil)

	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrTokenExpired = NewDomainError(ErrorTypeUnauthorized, "authentication token expired", nil)

	ErrDatabaseError = NewDomainError(ErrorTypeInternal, "database error", nil)

	ErrEmbeddingFailed  = NewDomainError(ErrorTypeEmbedding, "embedding failed", nil)
	ErrSearchFailed     = NewDomainError(ErrorTypeSearch, "search failed", nil)
	ErrGenerationFailed = NewDomainError(ErrorTypeGeneration, "generation failed", nil)
)

func isType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return isType(err, ErrorTypeUnauthorized) }

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool { return isType(err, ErrorTypeRateLimit) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return isType(err, ErrorTypeInternal) }


// IsEmbeddingError reports whether err came from the embedding step.
func IsEmbeddingError(err error) bool { return isType(err, ErrorTypeEmbedding) }

// IsSearchError reports whether err came from the search step.
func IsSearchError(err error) bool { return isType(err, ErrorTypeSearch) }

// IsGenerationError reports whether err came from answer generation.
func IsGenerationError(err error) bool { return isType(err, ErrorTypeGeneration) }

// IsStageError reports whether err is any of the pipeline stage failures.
func IsStageError(err error) bool {
	return IsEmbeddingError(err) || IsSearchError(err) || IsGenerationError(err)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}
