package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"licensehub/internal/infrastructure"
	"licensehub/internal/license"
)

// Problem types following RFC 7807
const (
	TypeValidation      = "/errors/validation"
	TypeNotFound        = "/errors/not-found"
	TypeUnauthorized    = "/errors/unauthorized"
	TypeForbidden       = "/errors/forbidden"
	TypeRateLimit       = "/errors/rate-limit"
	TypeInternal        = "/errors/internal"
	TypeServiceDown     = "/errors/service-unavailable"
	TypeTimeout         = "/errors/timeout"
	TypeConflict        = "/errors/conflict"
	TypePayloadTooLarge = "/errors/payload-too-large"
	TypeMethodNotAllow  = "/errors/method-not-allowed"
)

// CodeInternal is reported for failures that carry no stable code
const CodeInternal = "INTERNAL_ERROR"

// licenseStatus maps every license error code to its HTTP status
var licenseStatus = map[string]int{
	license.CodeTokenInvalid:        http.StatusUnauthorized,
	license.CodeTokenExpired:        http.StatusUnauthorized,
	license.CodeDeviceMismatch:      http.StatusForbidden,
	license.CodeLicenseRevoked:      http.StatusForbidden,
	license.CodeLicenseSuspended:    http.StatusForbidden,
	license.CodeLicenseExpired:      http.StatusForbidden,
	license.CodeFraudBlocked:        http.StatusForbidden,
	license.CodeLicenseNotFound:     http.StatusNotFound,
	license.CodeActivationNotFound:  http.StatusNotFound,
	license.CodeDeviceLimitExceeded: http.StatusConflict,
	license.CodeInvalidTransition:   http.StatusConflict,
	license.CodeInvalidRequest:      http.StatusBadRequest,
	license.CodeLicenseInvalid:      http.StatusBadRequest,
	license.CodeUnavailable:         http.StatusServiceUnavailable,
}

// StatusForCode returns the HTTP status for a license error code
func StatusForCode(code string) int {
	if status, ok := licenseStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	problem := h.ErrorToProblem(err, r)
	traceID := RequestTraceID(r)
	problem.WithExtension("trace_id", traceID)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.LogAttrs(r.Context(), level, "request failed",
		slog.String("error", err.Error()),
		slog.String("code", problem.Code()),
		slog.Int("status", problem.Status),
		slog.String("request_id", traceID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	render.Render(w, r, problem)
}

// ErrorToProblem converts an error to RFC 7807 Problem Details
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	var le *license.Error
	if errors.As(err, &le) {
		return licenseErrorToProblem(le, r)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErrorToProblem(apiErr, r)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled",
			r.URL.Path,
		).WithExtension("code", license.CodeUnavailable)
	}

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred while processing your request",
		r.URL.Path,
	).WithExtension("code", CodeInternal)
	if h.includeStack {
		problem.WithExtension("error", err.Error())
	}
	return problem
}

// licenseErrorToProblem keeps the wrapped cause out of the response; only
// the code, message and details are client facing.
func licenseErrorToProblem(le *license.Error, r *http.Request) *ProblemDetails {
	status := StatusForCode(le.Code)
	problem := NewProblemDetails(
		status,
		"/errors/license/"+strings.ToLower(strings.ReplaceAll(le.Code, "_", "-")),
		http.StatusText(status),
		le.Message,
		r.URL.Path,
	).WithExtension("code", le.Code)

	for k, v := range le.Details {
		problem.WithExtension(k, v)
	}
	return problem
}

func apiErrorToProblem(apiErr *APIError, r *http.Request) *ProblemDetails {
	problemType := TypeInternal
	switch apiErr.StatusCode {
	case http.StatusBadRequest:
		problemType = TypeValidation
	case http.StatusUnauthorized:
		problemType = TypeUnauthorized
	case http.StatusForbidden:
		problemType = TypeForbidden
	case http.StatusNotFound:
		problemType = TypeNotFound
	case http.StatusConflict:
		problemType = TypeConflict
	case http.StatusRequestEntityTooLarge:
		problemType = TypePayloadTooLarge
	case http.StatusTooManyRequests:
		problemType = TypeRateLimit
	case http.StatusServiceUnavailable:
		problemType = TypeServiceDown
	}

	problem := NewProblemDetails(
		apiErr.StatusCode,
		problemType,
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		r.URL.Path,
	).WithExtension("code", apiErr.ErrorCode)

	if apiErr.Details != nil {
		problem.WithExtension("errors", apiErr.Details)
	}
	return problem
}

// HandlePanic recovers from panics and returns RFC 7807 error
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	traceID := RequestTraceID(r)

	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("request_id", traceID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	).WithExtension("code", CodeInternal).
		WithExtension("trace_id", traceID)

	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
	}

	render.Render(w, r, problem)
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusNotFound,
		TypeNotFound,
		"Not Found",
		"The requested resource was not found",
		r.URL.Path,
	).WithExtension("code", "NOT_FOUND").
		WithExtension("trace_id", RequestTraceID(r))

	render.Render(w, r, problem)
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusMethodNotAllowed,
		TypeMethodNotAllow,
		"Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method),
		r.URL.Path,
	).WithExtension("code", "METHOD_NOT_ALLOWED").
		WithExtension("trace_id", RequestTraceID(r))

	render.Render(w, r, problem)
}

// RequestTraceID returns the request id set by the request-id middleware,
// falling back to chi's id and then the active span.
func RequestTraceID(r *http.Request) string {
	ctx := r.Context()
	if id := infrastructure.GetTraceID(ctx); id != "" {
		return id
	}
	if id := middleware.GetReqID(ctx); id != "" {
		return id
	}
	return infrastructure.TraceIDFromContext(ctx)
}
