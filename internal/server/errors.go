package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dreamware/secchiware/internal/signatures"
)

// writeJSON encodes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError emits the error envelope shared by every failure path.
func writeError(w http.ResponseWriter, status int, message string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", signatures.Scheme+` realm="Access to C2"`)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNoContent)
}

// Gateway error messages, phrased from the coordinator's point of view.
func unreachableError(w http.ResponseWriter) {
	writeError(w, http.StatusGatewayTimeout,
		"The requested environment could not be reached")
}

func unexpectedNodeError(w http.ResponseWriter, ip string, port int) {
	writeError(w, http.StatusBadGateway,
		fmt.Sprintf("Unexpected response from node at %s:%d", ip, port))
}

func coordinatorError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError,
		"Something went wrong when handling the request")
}

func notRegisteredError(w http.ResponseWriter, ip string, port int) {
	writeError(w, http.StatusNotFound,
		fmt.Sprintf("No environment registered at %s:%d", ip, port))
}
