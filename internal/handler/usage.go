package handler

import (
	"net/http"

	"github.com/capitalize-ai/chatstream/internal/llm"
	"github.com/capitalize-ai/chatstream/internal/middleware"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// AccountHandler serves the usage and model catalog endpoints.
type AccountHandler struct {
	quota  *service.QuotaLedger
	models *llm.Registry
	logger *logger.Logger
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(quota *service.QuotaLedger, models *llm.Registry, log *logger.Logger) *AccountHandler {
	return &AccountHandler{quota: quota, models: models, logger: log}
}

// Usage handles GET /api/v1/usage
func (h *AccountHandler) Usage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tier := middleware.GetTier(ctx)

	usage, err := h.quota.Usage(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, &model.UsageResponse{
		Tier:   tier,
		Usage:  usage,
		Limits: model.LimitsFor(tier),
	})
}

// Models handles GET /api/v1/models
func (h *AccountHandler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]llm.ModelInfo{"models": h.models.Models()})
}
