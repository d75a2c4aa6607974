package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"pagemeter/internal/api/v1/dto"
	"pagemeter/internal/apperr"

	"github.com/rs/zerolog"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto its stable code and HTTP status. Internal
// errors are logged and never echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := apperr.HTTPStatus(code)
	body := dto.ErrorResponseDTO{Code: string(code), Message: err.Error()}

	var qe *apperr.QuotaExceededError
	if errors.As(err, &qe) {
		usage := qe.Usage
		body.Usage = &usage
	}
	if status >= http.StatusInternalServerError && code != apperr.CodeTransient {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}
