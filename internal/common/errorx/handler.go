package errorx

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
)

// TraceIDHeader lets a caller correlate an error response with the worker logs
const TraceIDHeader = "X-Trace-Id"

// ErrorHandler provides unified error handling capabilities
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
	}
}

// HandleError converts any error to APIError and aborts with the matching
// HTTP response
func (h *ErrorHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	apiErr := ConvertToAPIError(err).clone()
	apiErr.TraceID = ExtractTraceID(c)
	apiErr.Timestamp = time.Now().UTC().Format(time.RFC3339)

	h.logError(c, apiErr, err)

	c.AbortWithStatusJSON(apiErr.HTTPStatus, gin.H{
		"error": apiErr,
	})
}

// ConvertToAPIError maps state layer errors to their API counterpart
func ConvertToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, cnst.ErrBackendUnavailable), errors.Is(err, cnst.ErrBackendClosed):
		return ErrBackendUnavailable.WithDetail("original_error", err.Error())
	case errors.Is(err, cnst.ErrEmptyID):
		return ErrInvalidInput.WithDetail("reason", err.Error())
	}
	return ErrInternal.WithDetail("original_error", err.Error())
}

// logError logs the error with appropriate context and stack trace
func (h *ErrorHandler) logError(c *gin.Context, apiErr *APIError, originalErr error) {
	fields := []zap.Field{
		zap.String("trace_id", apiErr.TraceID),
		zap.String("error_code", apiErr.Code),
		zap.String("category", string(apiErr.Category)),
		zap.Int("http_status", apiErr.HTTPStatus),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
		zap.String("client_ip", c.ClientIP()),
	}
	var known *APIError
	if !errors.As(originalErr, &known) {
		fields = append(fields, zap.Error(originalErr))
	}
	if len(apiErr.Details) > 0 {
		fields = append(fields, zap.Any("details", apiErr.Details))
	}
	if apiErr.Severity == SeverityCritical {
		buf := make([]byte, 1024*4)
		n := runtime.Stack(buf, false)
		fields = append(fields, zap.String("stack_trace", string(buf[:n])))
	}

	switch apiErr.Severity {
	case SeverityInfo:
		h.logger.Debug(apiErr.Message, fields...)
	case SeverityWarning:
		h.logger.Warn(apiErr.Message, fields...)
	default:
		h.logger.Error(apiErr.Message, fields...)
	}
}

// RecoveryMiddleware returns a gin middleware for panic recovery
func (h *ErrorHandler) RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				h.HandleError(c, ErrInternal.WithDetail("panic", fmt.Sprintf("%v", r)))
			}
		}()
		c.Next()
	}
}

// NotFoundError creates a not found error for a specific resource
func NotFoundError(resourceType string, identifier string) *APIError {
	return ErrResourceNotFound.
		WithDetail("resource_type", resourceType).
		WithDetail("identifier", identifier)
}

// ExtractTraceID returns the caller supplied trace id or generates one
func ExtractTraceID(c *gin.Context) string {
	if traceID := c.GetString("trace_id"); traceID != "" {
		return traceID
	}
	traceID := c.GetHeader(TraceIDHeader)
	if traceID == "" {
		traceID = uuid.New().String()
	}
	c.Set("trace_id", traceID)
	return traceID
}
