package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/chatstream/internal/middleware"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/internal/stream"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// StreamHandler handles the resume endpoint.
type StreamHandler struct {
	threads   *service.ThreadService
	streams   *stream.Registry
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(threads *service.ThreadService, streams *stream.Registry, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		threads:   threads,
		streams:   streams,
		heartbeat: heartbeat,
		logger:    log,
	}
}

// Resume handles GET /api/v1/thread/{threadID}/stream
// It replays the current stream of the thread from its first chunk and
// follows it live. It never changes thread state.
func (h *StreamHandler) Resume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := chi.URLParam(r, "threadID")

	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeMessage(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	handle, err := h.threads.StreamHandle(ctx, threadID, middleware.GetUserID(ctx))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	rd, err := h.streams.Attach(ctx, handle)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	flusher := writeSSEHeaders(w)
	pipeSSE(ctx, w, flusher, rd, h.heartbeat, h.logger.ForStream(threadID, handle))
}
