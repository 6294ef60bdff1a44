// Package handler implements the HTTP API surface.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/classpilot/agent-platform/internal/agent"
	"github.com/classpilot/agent-platform/internal/service"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeAgentError maps a categorized agent error to a status code and a
// non-leaking body.
func writeAgentError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch agent.CategoryOf(err) {
	case agent.CategoryValidation:
		status = http.StatusBadRequest
	case agent.CategoryConfiguration:
		status = http.StatusUnprocessableEntity
	case agent.CategoryTransient:
		status = http.StatusServiceUnavailable
	}
	if errors.Is(err, service.ErrConversationNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{
		"error": agent.UserMessage(err),
		"code":  string(agent.CategoryOf(err)),
	})
}

// sendSSEEvent writes one server-sent event and flushes it.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
