package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/synopsis/internal/api/shared"
	"github.com/phrazzld/synopsis/internal/domain"
	"github.com/phrazzld/synopsis/internal/generation"
	"github.com/phrazzld/synopsis/internal/store"
	"github.com/phrazzld/synopsis/internal/task"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking internal error types to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, store.ErrJobInProgress),
		errors.Is(err, store.ErrJobFinished),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrEmptySourceRef),
		errors.Is(err, domain.ErrNoTemplates),
		errors.Is(err, domain.ErrDuplicateTemplate),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, task.ErrEnqueueFailed):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return "Job not found"
	case errors.Is(err, store.ErrJobInProgress):
		return "Job is already being processed"
	case errors.Is(err, store.ErrJobFinished):
		return "Job already finished"
	case errors.Is(err, generation.ErrUnknownTemplate):
		return "Unknown template"
	case errors.Is(err, generation.ErrUnknownProvider):
		return "Unknown provider"
	case errors.Is(err, domain.ErrEmptySourceRef):
		return "Source reference is required"
	case errors.Is(err, domain.ErrNoTemplates):
		return "At least one template is required"
	case errors.Is(err, domain.ErrDuplicateTemplate):
		return "Template IDs must be unique"
	case errors.Is(err, domain.ErrInvalidID):
		return "Invalid ID"
	case errors.Is(err, domain.ErrValidation):
		return "Validation error"
	case errors.Is(err, task.ErrEnqueueFailed):
		return "Job could not be queued, try again later"
	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError turns validator errors into a short message
// naming the first failing field.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Validation error"
	}
	fe := verrs[0]
	return fmt.Sprintf("Invalid %s: %s", fe.Field(), validationTagMessage(fe.Tag()))
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	case "unique":
		return "duplicate values"
	case "url", "uri":
		return "invalid URL"
	default:
		return "validation failed"
	}
}

// HandleAPIError writes the status and safe message for err and logs the
// redacted error. A non-empty message overrides the mapped one.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := MapErrorToStatusCode(err)
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}
