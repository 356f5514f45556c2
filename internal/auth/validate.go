package auth

import (
	"errors"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return passwordStrongEnough(fl.Field().String())
	})
	return v
}

// passwordStrongEnough requires at least one letter and one digit.
func passwordStrongEnough(pw string) bool {
	var letter, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return letter && digit
}

// RegisterInput is the registration payload.
type RegisterInput struct {
	Email        string `json:"email" validate:"required,email,max=254"`
	Password     string `json:"password" validate:"required,min=8,max=128,password"`
	FirstName    string `json:"first_name" validate:"required,max=100"`
	LastName     string `json:"last_name" validate:"required,max=100"`
	PracticeName string `json:"practice_name" validate:"max=200"`
	Phone        string `json:"phone" validate:"max=40"`
}

type newPasswordInput struct {
	Password string `json:"new_password" validate:"required,min=8,max=128,password"`
}

// validateStruct converts validator failures into a *ValidationError.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	return &ValidationError{Fields: fields}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "password":
		return "must contain at least one letter and one digit"
	default:
		return "is invalid"
	}
}

func validatePassword(field, pw string) error {
	err := validateStruct(newPasswordInput{Password: pw})
	var verr *ValidationError
	if errors.As(err, &verr) {
		return fieldError(field, verr.Fields["new_password"])
	}
	return err
}
