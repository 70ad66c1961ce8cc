package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
)

// Error codes returned in the error envelope
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeDomainExists       = "DOMAIN_EXISTS"
	CodeDomainNotFound     = "DOMAIN_NOT_FOUND"
	CodeDomainNotVerified  = "DOMAIN_NOT_VERIFIED"
	CodeRuleNotFound       = "RULE_NOT_FOUND"
	CodeThrottleNotFound   = "THROTTLE_NOT_FOUND"
	CodeNotEligible        = "NOT_ELIGIBLE"
	CodeCertNotFound       = "CERTIFICATE_NOT_FOUND"
	CodeCertExists         = "ACTIVE_CERTIFICATE_EXISTS"
	CodeInvalidState       = "INVALID_STATE"
	CodeForbiddenAddress   = "FORBIDDEN_ADDRESS"
	CodeChallengeFailed    = "CHALLENGE_FAILED"
	CodeProviderError      = "PROVIDER_ERROR"
	CodeRenewalsExhausted  = "RENEWALS_EXHAUSTED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeMissingCertificate = "MISSING_CERTIFICATE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// writeSuccess writes a successful JSON response
func writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// writeError writes an error JSON response
func writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// validationDetails flattens validator errors into the details map
func validationDetails(err error) map[string][]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}

	details := make(map[string][]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = append(details[fe.Field()], fe.Tag())
	}
	return details
}
