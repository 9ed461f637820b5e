package server

import (
	"errors"
	"net/http"

	"github.com/jonathan/probe-orchestrator/internal/types"
)

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var validation *types.ValidationError
	var notFound *types.NotFoundError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// toErrorBody hides internal error detail behind a generic message
func toErrorBody(err error) errorBody {
	var validation *types.ValidationError
	if errors.As(err, &validation) {
		return errorBody{Error: validation.Message, Field: validation.Field}
	}
	if HTTPStatus(err) == http.StatusInternalServerError {
		return errorBody{Error: "internal server error"}
	}
	return errorBody{Error: err.Error()}
}
