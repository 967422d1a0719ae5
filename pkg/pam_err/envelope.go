// pkg/pam_err/envelope.go

package pam_err

import (
	"encoding/json"
	"net/http"
)

// Envelope is the error body returned by every REST endpoint.
type Envelope struct {
	Errors []string `json:"errors"`
}

// Write renders err as a JSON envelope with its HTTP status.
func Write(w http.ResponseWriter, err error) {
	WriteStatus(w, Status(err), Messages(err)...)
}

// WriteStatus renders the given messages with an explicit status.
func WriteStatus(w http.ResponseWriter, status int, messages ...string) {
	if len(messages) == 0 {
		messages = []string{http.StatusText(status)}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Errors: messages})
}
