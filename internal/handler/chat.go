// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/middleware"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// ChatHandler handles the begin-completion endpoint.
type ChatHandler struct {
	completions *service.CompletionService
	heartbeat   time.Duration
	logger      *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(svc *service.CompletionService, heartbeat time.Duration, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		completions: svc,
		heartbeat:   heartbeat,
		logger:      log,
	}
}

// Chat handles POST /api/v1/chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := middleware.ValidateChatRequest(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeMessage(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	rd, begin, err := h.completions.Start(ctx, service.StartRequest{
		UserID: middleware.GetUserID(ctx),
		Tier:   middleware.GetTier(ctx),
		Chat:   req,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	log := h.logger.ForStream(begin.Thread.ID, begin.StreamHandle).With(
		zap.String(logger.KeyCorrelation, middleware.GetCorrelationID(ctx)),
	)
	flusher := writeSSEHeaders(w)
	pipeSSE(ctx, w, flusher, rd, h.heartbeat, log)
}
