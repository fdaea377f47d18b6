package request

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Decode unmarshals the request body into v and runs struct validation.
// Validation failures are flattened into a single field-level message safe
// to return to the caller.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if ok := isValidationErrors(err, &fieldErrs); ok {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("validation error: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

func isValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}

// RequireID rejects empty path id segments before they reach a service.
func RequireID(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("missing required ID")
	}
	return s, nil
}
