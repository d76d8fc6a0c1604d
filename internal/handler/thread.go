package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/chatstream/internal/middleware"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// ThreadHandler handles thread endpoints.
type ThreadHandler struct {
	threads *service.ThreadService
	logger  *logger.Logger
}

// NewThreadHandler creates a new thread handler.
func NewThreadHandler(threads *service.ThreadService, log *logger.Logger) *ThreadHandler {
	return &ThreadHandler{threads: threads, logger: log}
}

// Stop handles POST /api/v1/thread/{threadID}/stop
func (h *ThreadHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := chi.URLParam(r, "threadID")

	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := h.threads.Abort(ctx, threadID, middleware.GetUserID(ctx)); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.ThreadStatus{"status": model.ThreadStatusReady})
}

// Get handles GET /api/v1/thread/{threadID}
func (h *ThreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := chi.URLParam(r, "threadID")

	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	detail, err := h.threads.Detail(ctx, threadID, middleware.GetUserID(ctx))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// List handles GET /api/v1/threads
func (h *ThreadHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	resp, err := h.threads.List(ctx, middleware.GetUserID(ctx), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
