package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

type payload map[string]interface{}

// writeJSON renders p with success defaulting to true.
func writeJSON(w http.ResponseWriter, status int, p payload) {
	if _, ok := p["success"]; !ok {
		p["success"] = true
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
