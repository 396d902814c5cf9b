package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ServerError is a declared fault: an error raised intentionally by an
// endpoint or component, carrying the HTTP-style status code that every
// transport maps onto its own error shape. Errors that are not declared
// faults are treated as internal (500) at the transport boundary.
type ServerError struct {
	StatusCode int    `json:"code"`
	Message    string `json:"message"`
}

// Error implements the error interface
func (e *ServerError) Error() string {
	return e.Message
}

// New creates a declared fault with the default status code 400.
func New(message string) *ServerError {
	return &ServerError{StatusCode: http.StatusBadRequest, Message: message}
}

// NewWithStatus creates a declared fault with an explicit status code.
func NewWithStatus(statusCode int, message string) *ServerError {
	return &ServerError{StatusCode: statusCode, Message: message}
}

// Errorf creates a declared fault with a formatted message.
func Errorf(statusCode int, format string, args ...any) *ServerError {
	return &ServerError{StatusCode: statusCode, Message: fmt.Sprintf(format, args...)}
}

// Predefined faults for common scenarios
var (
	// 400 Bad Request
	ErrInvalidRequest = NewWithStatus(http.StatusBadRequest, "Invalid request")
	ErrMalformedJSON  = NewWithStatus(http.StatusBadRequest, "Malformed Json Request")

	// 401 Unauthorized
	ErrUnauthorized = NewWithStatus(http.StatusUnauthorized, "Unauthorized")

	// 403 Forbidden
	ErrForbidden = NewWithStatus(http.StatusForbidden, "Forbidden")

	// 404 Not Found
	ErrNotFound = NewWithStatus(http.StatusNotFound, "Not Found")

	// 503 Service Unavailable
	ErrServiceUnavailable = NewWithStatus(http.StatusServiceUnavailable, "Service Unavailable")
)

// StatusOf reports the HTTP status code an error maps to. Declared faults
// carry their own code; anything else is an internal error.
func StatusOf(err error) int {
	var se *ServerError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return http.StatusInternalServerError
}

// IsStatus reports whether err is a declared fault with the given code.
func IsStatus(err error, statusCode int) bool {
	var se *ServerError
	if errors.As(err, &se) {
		return se.StatusCode == statusCode
	}
	return false
}
