package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/Fantasim/chainsync/internal/models"
)

// respondJSON writes a success payload in the standard envelope.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.APIResponse{Data: data})
}

// respondError writes an error payload in the standard envelope.
func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.APIError{
		Error: models.APIErrorDetail{Code: code, Message: message},
	})
}
