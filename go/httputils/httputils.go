// Package httputils provides HTTP response helpers shared by all handlers.
package httputils

import (
	"encoding/json"
	"net/http"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/cslog"
)

// ErrorResponse is the compact JSON envelope agents see on failure.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// ReportError formats an HTTP error response and also logs the detailed error
// message. The message is what the agent sees; err is only logged.
func ReportError(w http.ResponseWriter, err error, message string, code int) {
	cslog.Errorf("HTTP %d: %s: %s", code, message, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message}); err != nil {
		cslog.Errorf("Failed to write error response: %s", err)
	}
}

// ReportErrorWithDetails is ReportError with field-level detail messages,
// used for 422 validation responses.
func ReportErrorWithDetails(w http.ResponseWriter, err error, message string, details []string, code int) {
	cslog.Errorf("HTTP %d: %s: %s", code, message, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message, Details: details}); err != nil {
		cslog.Errorf("Failed to write error response: %s", err)
	}
}

// StatusFor maps an error kind onto the HTTP status code defined by the wire
// contract.
func StatusFor(err error) int {
	switch cserr.KindOf(err) {
	case cserr.NotFound:
		return http.StatusNotFound
	case cserr.InvalidTransition, cserr.Validation:
		return http.StatusUnprocessableEntity
	case cserr.Auth:
		return http.StatusUnauthorized
	case cserr.Conflict:
		return http.StatusConflict
	case cserr.Timeout:
		return http.StatusGatewayTimeout
	case cserr.Dependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ReportKindedError translates a service error into the wire contract using
// the error's kind for the status code and its message for the envelope.
func ReportKindedError(w http.ResponseWriter, err error) {
	ReportError(w, err, err.Error(), StatusFor(err))
}

// SendJSONResponse sends a JSON representation of any data structure as an
// HTTP response. If the conversion to JSON has an error, the error is logged.
func SendJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		cslog.Errorf("Failed to write response: %s", err)
	}
}

// SendJSONResponseWithCode sends a JSON body with an explicit status code.
func SendJSONResponseWithCode(w http.ResponseWriter, data interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		cslog.Errorf("Failed to write response: %s", err)
	}
}
