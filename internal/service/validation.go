package service

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrUnknownJob = errors.New("unknown job: totalClients is required on the first report")
)

const maxIdentifierLength = 128

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]+$`)

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	_ = validate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		return len(value) <= maxIdentifierLength && identifierPattern.MatchString(value)
	})
	return validate
}

// validationError flattens validator output into one ErrValidation.
func validationError(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		messages = append(messages, describeFieldError(fieldError))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(messages, "; "))
}

func describeFieldError(fieldError validator.FieldError) string {
	field := strings.TrimPrefix(fieldError.Namespace(), "ReportInput.")
	switch fieldError.Tag() {
	case "required":
		return field + " is required"
	case "identifier":
		return fmt.Sprintf("%s must match %s and be at most %d characters", field, identifierPattern, maxIdentifierLength)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fieldError.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fieldError.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", field, fieldError.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fieldError.Tag())
	}
}
