package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/dispatch"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// AgentHandlers serves the agent registry and the dispatch surface.
type AgentHandlers struct {
	svc    *dispatch.Service
	logger *logger.Logger
}

func NewAgentHandlers(svc *dispatch.Service, log *logger.Logger) *AgentHandlers {
	return &AgentHandlers{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "agent-handlers")),
	}
}

func (h *AgentHandlers) register(c *gin.Context) {
	var req v1.RegisterAgentRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	agent, err := h.svc.RegisterManual(&req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *AgentHandlers) list(c *gin.Context) {
	agents := h.svc.List()
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
	})
}

func (h *AgentHandlers) get(c *gin.Context) {
	agent, err := h.svc.Get(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *AgentHandlers) dispatch(c *gin.Context) {
	var req v1.DispatchRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	resp, decision, err := h.svc.Dispatch(c.Param("id"), c.ClientIP(), req.Content, req.Context)
	setRateHeaders(c, decision)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AgentHandlers) followup(c *gin.Context) {
	var req v1.FollowupRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	resp, decision, err := h.svc.Followup(c.Param("id"), c.ClientIP(), req.Content, req.Context)
	setRateHeaders(c, decision)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AgentHandlers) task(c *gin.Context) {
	status, err := h.svc.TaskStatus(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
