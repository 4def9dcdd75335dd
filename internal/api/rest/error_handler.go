package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	domainErrors "github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
)

// ErrorHandler maps errors to HTTP responses.
type ErrorHandler struct {
	logger *slog.Logger
}

func NewErrorHandler(logger *slog.Logger) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{logger: logger}
}

// Classify converts err into a status and response body.
func (h *ErrorHandler) Classify(err error) (int, *ErrorResponse) {
	var appErr *domainErrors.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode, &ErrorResponse{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Details:   appErr.Details,
			Retryable: appErr.Retryable,
		}
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		fields := make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields[fieldName(fe)] = describe(fe)
		}
		return http.StatusBadRequest, &ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "request validation failed",
			Fields:  fields,
		}
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return http.StatusBadRequest, &ErrorResponse{
			Code:    "INVALID_JSON",
			Message: fmt.Sprintf("invalid JSON at position %d", syntaxErr.Offset),
		}
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return http.StatusBadRequest, &ErrorResponse{
			Code:    "TYPE_MISMATCH",
			Message: fmt.Sprintf("invalid type for field '%s'", typeErr.Field),
		}
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge, &ErrorResponse{
			Code:    "BODY_TOO_LARGE",
			Message: fmt.Sprintf("request body exceeds %d bytes", maxBytes.Limit),
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusRequestTimeout, &ErrorResponse{
			Code: "REQUEST_TIMEOUT", Message: "request timed out", Retryable: true,
		}
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusRequestTimeout, &ErrorResponse{
			Code: "REQUEST_CANCELED", Message: "request was canceled",
		}
	}

	return http.StatusInternalServerError, &ErrorResponse{
		Code:      "INTERNAL_ERROR",
		Message:   "an internal error occurred",
		Retryable: true,
	}
}

// Write sends the error response. Server errors are logged with the cause.
func (h *ErrorHandler) Write(w http.ResponseWriter, r *http.Request, err error) {
	status, body := h.Classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err)
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, r, status, ResponseEnvelope{Error: body, Meta: meta(r)})
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "numeric":
		return "must be numeric"
	}
	return "failed " + fe.Tag()
}
