package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/internal/stream"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeMessage writes a JSON error response with a stable code.
func writeMessage(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, model.ErrorResponse{
		Message:  message,
		Metadata: map[string]any{"code": code},
	})
}

// writeError maps a service error to its HTTP status. Unexpected errors
// are logged and hidden from the client.
func writeError(w http.ResponseWriter, log *logger.Logger, err error) {
	var quota *service.QuotaError
	switch {
	case errors.As(err, &quota):
		meta := quota.Metadata()
		meta["code"] = "quota_exceeded"
		writeJSON(w, http.StatusForbidden, model.ErrorResponse{Message: err.Error(), Metadata: meta})
	case errors.Is(err, service.ErrQuotaExceeded):
		writeMessage(w, http.StatusForbidden, "quota_exceeded", err.Error())
	case errors.Is(err, service.ErrInvalidRequest):
		writeMessage(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, service.ErrAlreadyStreaming):
		writeMessage(w, http.StatusBadRequest, "already_streaming", err.Error())
	case errors.Is(err, service.ErrNotAuthorized):
		writeMessage(w, http.StatusForbidden, "not_authorized", err.Error())
	case errors.Is(err, service.ErrThreadNotFound):
		writeMessage(w, http.StatusNotFound, "thread_not_found", err.Error())
	case errors.Is(err, service.ErrStreamNotFound), errors.Is(err, stream.ErrStreamNotFound):
		writeMessage(w, http.StatusNotFound, "stream_not_found", "stream not found")
	case errors.Is(err, service.ErrModelNotFound):
		writeMessage(w, http.StatusNotFound, "model_not_found", err.Error())
	default:
		log.Error("request failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}
