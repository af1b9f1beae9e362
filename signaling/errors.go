package signaling

import (
	"errors"
	"net/http"
)

// Class separates caller mistakes from relay faults.
type Class int

const (
	ClassClient Class = iota + 1
	ClassServer
)

// Error is the relay's error taxonomy. Client errors map to HTTP 400 and
// server errors to 500.
type Error struct {
	Class   Class
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "signaling: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status for the error class.
func (e *Error) StatusCode() int {
	if e.Class == ClassClient {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// IsClientError reports whether err is a relay client error.
func IsClientError(err error) bool {
	var relayErr *Error
	return errors.As(err, &relayErr) && relayErr.Class == ClassClient
}

func clientError(message, details string) *Error {
	return &Error{Class: ClassClient, Message: message, Details: details}
}

func serverError(message string, err error) *Error {
	return &Error{Class: ClassServer, Message: message, Err: err}
}
