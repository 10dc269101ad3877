package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/BradenHooton/aegis/internal/models"
	"github.com/go-playground/validator/v10"
)

const maxRequestBodyBytes = 64 << 10

// ValidationErrorResponse represents a validation error with field-level details
type ValidationErrorResponse struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Global validator instance (reused across all handlers)
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("biometric_type", func(fl validator.FieldLevel) bool {
		return models.BiometricType(fl.Field().String()).Valid()
	})
	return v
}

// ValidateRequest validates a request struct using go-playground/validator
// Returns a user-friendly error message if validation fails
func ValidateRequest(req interface{}) error {
	if err := validate.Struct(req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return fmt.Errorf("validation failed: %s: %s", ve[0].Field(), formatValidationError(ve[0]))
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// decodeRequest reads a bounded JSON body into dst and validates it. An
// empty body decodes as the zero value.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("Invalid request body")
	}
	return ValidateRequest(dst)
}

// formatValidationError converts a validator FieldError to a user-friendly message
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must have a minimum of %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must have a maximum of %s characters", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "numeric":
		return "must contain only digits"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "biometric_type":
		return "must be one of: face, fingerprint, voice, platform"
	case "base64rawurl":
		return "must be unpadded base64url"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
