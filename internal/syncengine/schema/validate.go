package schema

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"

	"github.com/signalcast/signalsync/internal/fault"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once

	folder = cases.Fold()
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
		_ = v.RegisterValidation("labelname", func(fl validator.FieldLevel) bool {
			return IsValidLabelName(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// validateStruct runs tag validation and converts the result into a fault.
func validateStruct(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return validationf("%s %s", fe.Namespace(), describeTag(fe))
	}
	return fault.WrapValidation("invalid record", err)
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "notblank", "required":
		return "is required"
	case "min":
		return fmt.Sprintf("needs at least %s entries", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s] (got %q)", fe.Param(), fe.Value())
	case "labelname":
		return "must not contain whitespace, '~' or '#'"
	default:
		return "failed " + fe.Tag()
	}
}

func validationf(format string, args ...any) error {
	return fault.Validation(format, args...)
}

// NormalizeName returns the case-folded form used for case-insensitive uniqueness.
func NormalizeName(s string) string {
	return folder.String(s)
}

// IsValidLabelName reports whether name is usable as a label name.
func IsValidLabelName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if unicode.IsSpace(r) || r == '~' || r == '#' {
			return false
		}
	}
	return true
}
