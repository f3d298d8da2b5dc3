package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps the application error taxonomy to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	errType := apperrors.TypeOf(err)

	status := http.StatusInternalServerError
	switch errType {
	case apperrors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrorTypeValidation:
		status = http.StatusBadRequest
	case apperrors.ErrorTypeConflict:
		status = http.StatusConflict
	case apperrors.ErrorTypeUnavailable:
		status = http.StatusServiceUnavailable
	case apperrors.ErrorTypeTimeout:
		status = http.StatusGatewayTimeout
	case apperrors.ErrorTypeProtocol, apperrors.ErrorTypeExternal:
		status = http.StatusBadGateway
	}

	writeJSON(w, status, errorBody{Error: err.Error(), Code: string(errType)})
}
