package validate

import (
	"errors"
	"strings"
	"testing"

	"github.com/carelink/carelink/internal/platform/apperr"
)

type sample struct {
	Name  string `validate:"required"`
	Email string `validate:"omitempty,email"`
	Low   float64
	High  float64 `validate:"gtfield=Low"`
}

func TestStruct_Valid(t *testing.T) {
	if err := Struct(sample{Name: "CHU", Low: 1, High: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStruct_CollectsFields(t *testing.T) {
	err := Struct(sample{Email: "nope", Low: 3, High: 2})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, want := range []string{"Name is required", "Email must be an email address", "High must be greater than Low"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}
}

func TestVar(t *testing.T) {
	if err := Var("email", "a@b.co", "required,email"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Var("email", "", "required,email"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStruct_NotBlank(t *testing.T) {
	type named struct {
		Name string `validate:"notblank"`
	}
	if err := Struct(named{Name: " CHU "}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{"", "  ", "\t"} {
		err := Struct(named{Name: name})
		if !errors.Is(err, apperr.ErrValidation) || !strings.Contains(err.Error(), "Name is required") {
			t.Errorf("name %q: expected a required error, got %v", name, err)
		}
	}
}
