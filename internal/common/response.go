package common

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type errorBody struct {
	Error string `json:"error"`
}

func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, errorBody{Error: message})
}

// RespondWithJSON encodes payload before writing the header so an encoding
// failure still yields a well-formed 500.
func RespondWithJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		slog.Error("encode response", "err", err)
		code, body = http.StatusInternalServerError, []byte(`{"error":"failed to encode response"}`)
	}
	w.WriteHeader(code)
	w.Write(body)
}
