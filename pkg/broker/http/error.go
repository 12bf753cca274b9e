package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Error type in API response.
type errorType string

// Error response.
type apiError struct {
	typ errorType
	err error
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.typ, e.err)
}

// List of predefined errors.
const (
	errorNone         errorType = ""
	errorUnauthorized errorType = "unauthorized"
	errorForbidden    errorType = "forbidden"
	errorTimeout      errorType = "timeout"
	errorCanceled     errorType = "canceled"
	errorExec         errorType = "execution"
	errorBadData      errorType = "bad_data"
	errorInternal     errorType = "internal"
	errorUnavailable  errorType = "unavailable"
	errorNotFound     errorType = "not_found"
)

// Custom error codes.
const (
	// Non-standard status code (originally introduced by nginx) for the case when a client closes
	// the connection while the server is still processing the request.
	statusClientClosedConnection = 499
)

// Custom errors.
var (
	errNoUser            = errors.New("no user identified")
	errNoPrivs           = errors.New("current user does not have admin privileges")
	errInvalidRequest    = errors.New("invalid request")
	errNoAuth            = errors.New("user does not have permissions on the resource")
	errJobTerminal       = errors.New("job already reached a terminal state")
	errNoDecision        = errors.New("no routing decision recorded yet")
	errMissingReason     = errors.New("dispute reason missing in the request")
	errMissingResolution = errors.New("dispute resolution missing in the request")
)

// Seconds the client should wait before retrying a request that hit an
// unavailable backend.
const retryAfterSeconds = "30"

// Return error response for by setting errorString and errorType in response.
func errorResponse[T any](w http.ResponseWriter, apiErr *apiError, logger *slog.Logger, data []T) {
	var code int

	switch apiErr.typ { //nolint:exhaustive
	case errorBadData:
		code = http.StatusBadRequest
	case errorUnauthorized:
		code = http.StatusUnauthorized
	case errorForbidden:
		code = http.StatusForbidden
	case errorExec:
		code = http.StatusUnprocessableEntity
	case errorCanceled:
		code = statusClientClosedConnection
	case errorTimeout:
		code = http.StatusServiceUnavailable
	case errorUnavailable:
		code = http.StatusServiceUnavailable
	case errorInternal:
		code = http.StatusInternalServerError
	case errorNotFound:
		code = http.StatusNotFound
	default:
		code = http.StatusInternalServerError
	}

	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	w.WriteHeader(code)

	response := Response[T]{
		Status:    "error",
		ErrorType: apiErr.typ,
		Error:     apiErr.err.Error(),
		Data:      data,
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}
