// Package apperr defines the error kinds shared by the messaging core.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotAParticipant = errors.New("not a participant")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
)

// Code returns the wire code used in websocket acks for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNotAParticipant):
		return "not_a_participant"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "unauthenticated":
		return http.StatusUnauthorized
	case "not_a_participant", "unauthorized":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "invalid_argument":
		return http.StatusBadRequest
	case "conflict":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Message returns a client-safe description. Internal errors are not exposed.
func Message(err error) string {
	if Code(err) == "internal" {
		return "internal error"
	}
	return err.Error()
}
