package handler

import (
	"context"
	"log/slog"
	"net/http"

	"gg_jobs_agent/internal/api/middleware"
	"gg_jobs_agent/internal/app/agent"
	"gg_jobs_agent/internal/common"
	"gg_jobs_agent/internal/common/security"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
)

type AgentService interface {
	Status() agent.Status
	RequestNextJob(ctx context.Context) error
}

type AgentHandler struct {
	agentService AgentService
	logger       *slog.Logger
}

func NewAgentHandler(as AgentService, logger *slog.Logger) *AgentHandler {
	return &AgentHandler{agentService: as, logger: logger}
}

func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.getStatus)

	if security.TokenAuth == nil {
		return
	}
	r.Group(func(op chi.Router) {
		op.Use(jwtauth.Verifier(security.TokenAuth))
		op.Use(middleware.RequireOperator)
		op.Post("/start-next", h.requestNextJob)
	})
}

func (h *AgentHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	common.RespondWithJSON(w, http.StatusOK, h.agentService.Status())
}

func (h *AgentHandler) requestNextJob(w http.ResponseWriter, r *http.Request) {
	operator := middleware.OperatorFromContext(r.Context())
	if err := h.agentService.RequestNextJob(r.Context()); err != nil {
		h.logger.Warn("operator start-next refused", "operator", operator, "err", err)
		common.RespondWithError(w, common.HTTPStatusFromError(err), err.Error())
		return
	}
	h.logger.Info("operator requested next job", "operator", operator)
	common.RespondWithJSON(w, http.StatusAccepted, map[string]string{"message": "start-next requested"})
}
