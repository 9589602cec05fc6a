package server

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"clinicguard/internal/demo"
)

// registerValidation reports failing fields by their JSON names and adds
// the custom tags request types use. gin's validator is process wide, so
// the date check follows the clock of the last server built.
func registerValidation(now func() time.Time) error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("server: gin validator is not go-playground/validator")
	}
	v.RegisterTagNameFunc(jsonFieldName)
	return demo.RegisterValidators(v, now)
}

func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}

func fieldErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		out[fe.Field()] = describe(fe)
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gte":
		return "must be at least " + fe.Param()
	case "email":
		return "invalid email address"
	case "phone":
		return "invalid phone number"
	case "ip":
		return "invalid IP address"
	case "datetime":
		return "expected YYYY-MM-DD"
	case "notpast":
		return "must not be in the past"
	}
	return "failed " + fe.Tag() + " check"
}
