package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/sleepless/internal/models"
	"github.com/fentz26/sleepless/internal/runner"
)

// ErrInvalidJSON is returned for request bodies that do not decode.
var ErrInvalidJSON = errors.New("invalid json")

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidJSON), errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrStore), errors.Is(err, runner.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
