package middleware

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// validate reports fields by their JSON name, falling back to the Go name.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type BadRequestErrorResponse struct {
	Message string            `json:"message"`
	Details []ValidationError `json:"details"`
}

// tagMessages renders a message for a failed validation tag from its parameter.
var tagMessages = map[string]func(param string) string{
	"required":  func(string) string { return "This field is required" },
	"min":       func(p string) string { return "Value must be at least " + p },
	"max":       func(p string) string { return "Value must be at most " + p },
	"gt":        func(p string) string { return "Value must be greater than " + p },
	"gte":       func(p string) string { return "Value must be greater than or equal to " + p },
	"oneof":     func(p string) string { return "Value must be one of: " + p },
	"len":       func(p string) string { return "Value must be exactly " + p + " characters" },
	"uppercase": func(string) string { return "Value must be upper case" },
	"ip":        func(string) string { return "Invalid IP address" },
}

// ValidateRequest runs the struct's validate tags and returns one
// ValidationError per failing field, or nil.
func ValidateRequest(obj any) []ValidationError {
	err := validate.Struct(obj)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return []ValidationError{{Message: err.Error(), Type: "invalid"}}
	}
	out := make([]ValidationError, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Message: messageFor(fe),
			Type:    fe.Tag(),
		})
	}
	return out
}

func messageFor(fe validator.FieldError) string {
	if render, ok := tagMessages[fe.Tag()]; ok {
		return render(fe.Param())
	}
	return "Invalid value"
}

func RespondWithValidationError(c *gin.Context, validationErrors []ValidationError) {
	c.JSON(http.StatusBadRequest, BadRequestErrorResponse{
		Message: "Invalid request data",
		Details: validationErrors,
	})
}

func RespondWithError(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"message": message})
}
