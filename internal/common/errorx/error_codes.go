package errorx

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryInternal       ErrorCategory = "internal"
	CategoryUnavailable    ErrorCategory = "unavailable"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// APIError represents a structured API error
type APIError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Category   ErrorCategory  `json:"category"`
	Severity   Severity       `json:"severity"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Category, e.Message)
}

// JSON returns the error as a JSON string
func (e *APIError) JSON() string {
	out, _ := json.Marshal(e)
	return string(out)
}

// WithDetail returns a copy of the error carrying one more detail. The
// predefined errors below are never modified.
func (e *APIError) WithDetail(key string, value any) *APIError {
	out := e.clone()
	out.Details[key] = value
	return out
}

func (e *APIError) clone() *APIError {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+1)
	maps.Copy(out.Details, e.Details)
	return &out
}

// Common error codes and messages
var (
	// Validation Errors (E1000-E1999)
	ErrInvalidInput = &APIError{
		Code:       "E1001",
		Message:    "Invalid input provided",
		Category:   CategoryValidation,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	}

	// Authentication Errors (E2000-E2999)
	ErrMissingToken = &APIError{
		Code:       "E2001",
		Message:    "Widget token required",
		Category:   CategoryAuthentication,
		Severity:   SeverityInfo,
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrInvalidToken = &APIError{
		Code:       "E2002",
		Message:    "Invalid widget token",
		Category:   CategoryAuthentication,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusUnauthorized,
	}

	// Not Found Errors (E4000-E4999)
	ErrResourceNotFound = &APIError{
		Code:       "E4001",
		Message:    "Resource not found",
		Category:   CategoryNotFound,
		Severity:   SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	}

	// Internal Errors (E5000-E5999)
	ErrInternal = &APIError{
		Code:       "E5001",
		Message:    "Internal server error occurred",
		Category:   CategoryInternal,
		Severity:   SeverityCritical,
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrBackendUnavailable = &APIError{
		Code:       "E5003",
		Message:    "State backend unavailable",
		Category:   CategoryUnavailable,
		Severity:   SeverityError,
		HTTPStatus: http.StatusServiceUnavailable,
	}
)
