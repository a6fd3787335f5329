package rbac

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	slugPattern           = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)
	permissionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)
)

var validate = validator.New()

func init() {
	validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("permname", func(fl validator.FieldLevel) bool {
		return permissionNamePattern.MatchString(fl.Field().String())
	})
}

// validateParams runs struct validation and converts failures to ErrInvalidFormat
func validateParams(op string, params interface{}) error {
	err := validate.Struct(params)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Kind: KindInternal, Op: op, Message: "validation failed", Err: err}
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "permname":
			msgs = append(msgs, fmt.Sprintf("%s must look like resource.action", strings.ToLower(fe.Field())))
		case "slug":
			msgs = append(msgs, fmt.Sprintf("%s must be lowercase letters, digits, hyphens or underscores", strings.ToLower(fe.Field())))
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
		}
	}
	return newError(op, ErrInvalidFormat, "%s", strings.Join(msgs, "; "))
}
