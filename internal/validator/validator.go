package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"devdispatch/internal/types"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// Validator represents a validator instance
type Validator struct {
	validate *validator.Validate
}

// New creates a new validator instance
func New() *Validator {
	once.Do(func() {
		validate = validator.New()

		// Register custom validation functions
		_ = validate.RegisterValidation("command_type", validateCommandType)
		_ = validate.RegisterValidation("outcome", validateOutcome)
		_ = validate.RegisterValidation("printable", validatePrintable)

		// Use JSON tag names in error messages
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})

	return &Validator{
		validate: validate,
	}
}

// Struct validates a struct. Failures match types.ErrValidation.
func (v *Validator) Struct(s any) error {
	if err := v.validate.Struct(s); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return fmt.Errorf("invalid validation error: %w", err)
		}

		var errMsgs []string
		for _, err := range err.(validator.ValidationErrors) {
			errMsgs = append(errMsgs, formatError(err))
		}
		return types.Validation("%s", strings.Join(errMsgs, "; "))
	}
	return nil
}

// Var validates a single variable. Failures match types.ErrValidation.
func (v *Validator) Var(field any, name, tag string) error {
	if err := v.validate.Var(field, tag); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return types.Validation("%s", formatField(name, fieldErrs[0]))
		}
		return types.Validation("%s is invalid", name)
	}
	return nil
}

// formatError formats a validation error
func formatError(err validator.FieldError) string {
	return formatField(err.Field(), err)
}

func formatField(field string, err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must not be less than %s", field, err.Param())
	case "max":
		switch err.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return fmt.Sprintf("%s must not be greater than %s", field, err.Param())
		}
		return fmt.Sprintf("%s must be at most %s characters", field, err.Param())
	case "command_type":
		return fmt.Sprintf("%s must be one of %s", field, joinTypes())
	case "outcome":
		return fmt.Sprintf("%s must be one of %s, %s", field, types.OutcomeSucceeded, types.OutcomeFailed)
	case "printable":
		return fmt.Sprintf("%s must contain printable characters only", field)
	default:
		return fmt.Sprintf("%s failed on tag %s", field, err.Tag())
	}
}

func joinTypes() string {
	names := make([]string, 0, len(types.CommandTypes()))
	for _, t := range types.CommandTypes() {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}

// Custom validation functions
func validateCommandType(fl validator.FieldLevel) bool {
	return types.CommandType(fl.Field().String()).Valid()
}

func validateOutcome(fl validator.FieldLevel) bool {
	return types.Outcome(fl.Field().String()).Valid()
}

func validatePrintable(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
