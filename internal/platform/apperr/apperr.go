// Package apperr defines the error classes shared by every workflow. Each
// error returned by a domain service wraps exactly one of the sentinels below
// so callers can classify it with errors.Is.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation: required input missing or malformed. Rejected before any
	// remote call.
	ErrValidation = errors.New("validation failed")
	// ErrAuthorization: the actor lacks the role the action needs.
	ErrAuthorization = errors.New("not authorized")
	// ErrConflict: the target is already in the requested state, or another
	// action on the same entity is still in flight.
	ErrConflict = errors.New("conflict")
	// ErrNotFound: a referenced team, member or patient is absent from the
	// store.
	ErrNotFound = errors.New("not found")
	// ErrRemote: a collaborating service failed.
	ErrRemote = errors.New("remote service failure")
)

// Kind is the wire name of an error class.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindRemote        Kind = "remote"
	KindInternal      Kind = "internal"
)

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAuthorization):
		return KindAuthorization
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRemote):
		return KindRemote
	default:
		return KindInternal
	}
}

// HTTPStatus maps err to the status code the API answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
