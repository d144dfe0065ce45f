package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{fmt.Errorf("%w: name is required", ErrValidation), KindValidation},
		{fmt.Errorf("%w: not admin", ErrAuthorization), KindAuthorization},
		{fmt.Errorf("wrapped twice: %w", fmt.Errorf("%w: busy", ErrConflict)), KindConflict},
		{fmt.Errorf("%w: team t1", ErrNotFound), KindNotFound},
		{fmt.Errorf("%w: timeout", ErrRemote), KindRemote},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrValidation, http.StatusBadRequest},
		{ErrAuthorization, http.StatusForbidden},
		{ErrConflict, http.StatusConflict},
		{ErrNotFound, http.StatusNotFound},
		{ErrRemote, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
