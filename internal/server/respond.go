package server

import (
	"encoding/json"
	"io"
	"net/http"

	"hapanel/internal/haapi"
)

const maxRequestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, haapi.Envelope{Success: false, Error: message})
}

func writeMessage(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, haapi.Envelope{Success: true, Message: message})
}

// writeEnvelope relays env with its own status, defaulting to 200 for
// success and 400 for failure.
func writeEnvelope(w http.ResponseWriter, env haapi.Envelope) {
	status := env.Status
	if status == 0 {
		status = http.StatusOK
		if !env.Success {
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, env)
}

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(dst)
}
