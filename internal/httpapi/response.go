package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/paulgrammer/apifyjobs/internal/apify"
)

// respondWithJSON writes the given payload as JSON with the provided status code.
// If encoding fails, it falls back to http.Error.
func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

type errorPayload struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
}

// respondWithError writes a standardized JSON error payload.
func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, errorPayload{Error: message})
}

// respondWithRunError reports a failed remote job, passing the remote status
// code and raw body through untouched.
func respondWithRunError(w http.ResponseWriter, err error) {
	kind := apify.ErrorKind(err)
	payload := errorPayload{Error: err.Error(), Kind: kind}
	if code, body, ok := apify.RemoteDetails(err); ok {
		payload.StatusCode = code
		payload.Body = body
	}
	respondWithJSON(w, statusForKind(kind), payload)
}

func statusForKind(kind string) int {
	switch kind {
	case "invalid_request":
		return http.StatusBadRequest
	case "submission", "status_query", "fetch", "malformed_response", "job_failed":
		return http.StatusBadGateway
	case "poll_timeout":
		return http.StatusGatewayTimeout
	case "cancelled":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
