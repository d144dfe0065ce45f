// Package validate wraps go-playground/validator so that every struct check
// in the domain fails with apperr.ErrValidation and a readable field list.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/carelink/carelink/internal/platform/apperr"
)

var v = newValidator()

// newValidator adds notblank, which rejects whitespace-only strings that
// required lets through.
func newValidator() *validator.Validate {
	nv := validator.New(validator.WithRequiredStructEnabled())
	if err := nv.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return nv
}

// Struct validates s against its `validate` tags.
func Struct(s interface{}) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", apperr.ErrValidation, strings.Join(msgs, "; "))
}

// Var validates a single value against tag, naming it field in the error.
func Var(field string, value interface{}, tag string) error {
	if err := v.Var(value, tag); err != nil {
		return fmt.Errorf("%w: %s is invalid", apperr.ErrValidation, field)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	name := fe.Namespace()
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	switch fe.Tag() {
	case "required", "notblank":
		return name + " is required"
	case "email":
		return name + " must be an email address"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", name, fe.Param())
	case "gtfield", "ltfield":
		return fmt.Sprintf("%s must be %s %s", name, map[string]string{"gtfield": "greater than", "ltfield": "less than"}[fe.Tag()], fe.Param())
	default:
		return fmt.Sprintf("%s failed %s=%s", name, fe.Tag(), fe.Param())
	}
}
