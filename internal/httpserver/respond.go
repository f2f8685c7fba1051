package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the gateway's JSON error envelope (spec.md §7):
// {"error": "<kind>", "request_id": "<id>", "detail": "<optional>"}.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
	Detail    string `json:"detail,omitempty"`
}

// RespondError writes the gateway's standard JSON error envelope.
func RespondError(w http.ResponseWriter, status int, requestID, errKind, detail string) {
	Respond(w, status, ErrorResponse{
		Error:     errKind,
		RequestID: requestID,
		Detail:    detail,
	})
}
