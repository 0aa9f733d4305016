// Package httpx holds small JSON response helpers shared by the
// demonstration server commands.
package httpx

import (
	"encoding/json"
	"log"
	"net/http"
)

// ErrorResponse is the JSON shape returned for non-2xx responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondJSON writes data as a JSON body with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("httpx: failed to encode JSON response: %v", err)
	}
}

// RespondError writes err's message as an ErrorResponse body.
func RespondError(w http.ResponseWriter, status int, err error) {
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	})
}

// RespondErrorString writes message as an ErrorResponse body.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
