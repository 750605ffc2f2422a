// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/warocol/purchasing/internal/shared"
)

// TransitionDetail is implemented by errors that carry state-machine diagnostics.
type TransitionDetail interface {
	CurrentStatus() string
	AttemptedStatus() string
	AllowedStatuses() []string
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var detail TransitionDetail
	switch {
	case errors.As(err, &detail):
		writeProblem(w, ProblemDetail{
			Title:   "Invalid Transition",
			Status:  http.StatusConflict,
			Detail:  err.Error(),
			Current: detail.CurrentStatus(),
			Target:  detail.AttemptedStatus(),
			Allowed: detail.AllowedStatuses(),
		})
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", "resource not found")
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrUnauthenticated):
		Problem(w, http.StatusUnauthorized, "Unauthorized", "")
	case errors.Is(err, shared.ErrInvalidTransition), errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// Fail responds with err and logs it when it maps to an internal error.
func Fail(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if !isClientError(err) && logger != nil {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	RespondError(w, err)
}

func isClientError(err error) bool {
	for _, target := range []error{
		shared.ErrNotFound, shared.ErrValidation, shared.ErrUnauthenticated,
		shared.ErrInvalidTransition, shared.ErrConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
