package huddle

import (
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

// translation registers an english message for a validation tag.
// The message may reference the field as {0} and the tag parameter as {1}.
func translation(trans ut.Translator, tag, msg string) {
	validate.RegisterTranslation(tag, trans, func(ut ut.Translator) error {
		return ut.Add(tag, msg, true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T(tag, fieldPath(fe), fe.Param())
		return t
	})
}

// fieldPath is the dotted path of the field without the root struct,
// e.g. auth.secret.
func fieldPath(fe validator.FieldError) string {
	_, path, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		return fe.Field()
	}
	return path
}

func init() {
	validate = validator.New()
	en := en.New()
	uniTrans = ut.New(en, en)
	enTrans, _ := uniTrans.GetTranslator("en")

	// lowercase first letter of the field
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		return strings.ToLower(field.Name)
	})

	validate.RegisterValidation("port", func(fl validator.FieldLevel) bool {
		port, ok := fl.Field().Interface().(int)
		if !ok {
			return false
		}
		return port > 0 && port <= 65535
	})

	translation(enTrans, "required", "{0} is a required field")
	translation(enTrans, "hostname", "{0} must be a valid hostname")
	translation(enTrans, "port", "{0} must be a valid port number")
	translation(enTrans, "oneof", "{0} must be one of [{1}]")
	translation(enTrans, "gt", "{0} must be greater than {1}")
	translation(enTrans, "gte", "{0} must be at least {1}")
	translation(enTrans, "min", "{0} must be at least {1}")
	translation(enTrans, "required_with", "{0} is required when {1} is set")
}
