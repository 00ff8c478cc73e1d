package query

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports a malformed filter, patch or setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}

	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError for a single field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var vErr *ValidationError

	return errors.As(err, &vErr)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}

		return name
	})

	return v
}

// Struct runs tag validation on v and converts failures to a
// ValidationError naming the first offending field.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}

	first := fieldErrs[0]

	msg := "failed " + first.Tag()
	if first.Param() != "" {
		msg += "=" + first.Param()
	}

	if len(fieldErrs) > 1 {
		others := make([]string, 0, len(fieldErrs)-1)
		for _, fe := range fieldErrs[1:] {
			others = append(others, fieldName(fe))
		}

		msg += fmt.Sprintf(" (also: %s)", strings.Join(others, ", "))
	}

	return &ValidationError{Field: fieldName(first), Message: msg}
}

// fieldName strips the root struct name from the namespace so nested
// fields read as page.limit.
func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}

	return ns
}
