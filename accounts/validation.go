package accounts

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

	upperPattern   = regexp.MustCompile(`[A-Z]`)
	lowerPattern   = regexp.MustCompile(`[a-z]`)
	letterPattern  = regexp.MustCompile(`[A-Za-z]`)
	numberPattern  = regexp.MustCompile(`[0-9]`)
	specialPattern = regexp.MustCompile(`[^a-zA-Z0-9]`)

	emailCaser = cases.Lower(language.Und)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names so messages line up with the request body
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("account_email", func(fl validator.FieldLevel) bool {
		return validEmail(fl.Field().String())
	})

	return v
}

func validEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// normalizeEmail trims and lower-cases an address before storage or lookup.
func normalizeEmail(email string) string {
	return emailCaser.String(strings.TrimSpace(email))
}

// validateStruct runs the struct tags of input and converts failures into a
// ValidationError keyed by JSON field name.
func (a *AccountService) validateStruct(input any) *ValidationError {
	verr := &ValidationError{}
	err := a.validator.Struct(input)
	if err == nil {
		return verr
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		verr.Add("__all__", err.Error())
		return verr
	}

	for _, fe := range fieldErrors {
		verr.Add(fe.Field(), validationMessage(fe))
	}
	return verr
}

// validationMessage formats a single validator failure
func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email", "account_email":
		return "Enter a valid email address"
	case "username":
		return "Username may only contain letters, digits and underscores"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters long", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters long", fe.Field(), fe.Param())
	case "eqfield":
		return "Passwords do not match"
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// validatePasswordStrength returns every policy rule password breaks.
func validatePasswordStrength(password string, config SecurityConfig) []string {
	var problems []string

	if len(password) < config.PasswordMinLength {
		problems = append(problems, fmt.Sprintf("Password must be at least %d characters long", config.PasswordMinLength))
	}

	if !letterPattern.MatchString(password) {
		problems = append(problems, "Password must contain at least one letter")
	}

	if config.PasswordRequireNumber && !numberPattern.MatchString(password) {
		problems = append(problems, "Password must contain at least one digit")
	}

	if config.PasswordRequireSpecial && !specialPattern.MatchString(password) {
		problems = append(problems, "Password must contain at least one special character")
	}

	if config.PasswordRequireUpper && !upperPattern.MatchString(password) {
		problems = append(problems, "Password must contain at least one uppercase letter")
	}

	if config.PasswordRequireLower && !lowerPattern.MatchString(password) {
		problems = append(problems, "Password must contain at least one lowercase letter")
	}

	return problems
}

// ValidatePassword checks password against the configured policy.
func (a *AccountService) ValidatePassword(password string) error {
	verr := &ValidationError{}
	for _, msg := range validatePasswordStrength(password, a.securityConfig) {
		verr.Add("password", msg)
	}
	return verr.OrNil()
}
