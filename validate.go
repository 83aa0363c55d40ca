package jianwen

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// validateInput runs the struct tags of s and maps violations to an
// ErrInvalidInput *Error naming each offending field.
func (c *Coordinator) validateInput(s any) error {
	err := c.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return newError(CodeInvalidInput, ErrInvalidInput, "", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s %s", strings.ToLower(fe.Field()), msgForTag(fe)))
	}
	return newError(CodeInvalidInput, ErrInvalidInput, strings.Join(msgs, "; "), err)
}

func msgForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email|numeric":
		return "must be an email address or a phone number"
	case "min":
		return fmt.Sprintf("must be at least %s long", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s long", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed on %q", fe.Tag())
	}
}
