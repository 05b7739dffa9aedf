package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// RespondWithJSON writes data as JSON in the response body, with status 200.
func RespondWithJSON(w http.ResponseWriter, r *http.Request, data any) {
	RespondWithJSONStatus(w, r, http.StatusOK, data)
}

// RespondWithJSONStatus writes data as JSON in the response body, with the given status code.
func RespondWithJSONStatus(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set(HeaderContentType, ContentTypeJson)
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	err := enc.Encode(data)
	if err != nil {
		slog.WarnContext(r.Context(), "Error writing JSON response", slog.Any("error", err))
	}
}
