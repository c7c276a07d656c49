package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/simulation"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// SimulationHandlers serves the tick engine lifecycle.
type SimulationHandlers struct {
	engine *simulation.Engine
	logger *logger.Logger
}

func NewSimulationHandlers(eng *simulation.Engine, log *logger.Logger) *SimulationHandlers {
	return &SimulationHandlers{
		engine: eng,
		logger: log.WithFields(zap.String("component", "simulation-handlers")),
	}
}

func (h *SimulationHandlers) init(c *gin.Context) {
	var req v1.SimInitRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	if err := h.engine.Init(&req); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "agents": len(req.Agents)})
}

func (h *SimulationHandlers) graph(c *gin.Context) {
	var req v1.SimGraphRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	if err := h.engine.SetGraph(&req); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SimulationHandlers) start(c *gin.Context) {
	var req v1.SimStartRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	if err := h.engine.Start(&req); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(v1.SimRunning)})
}

func (h *SimulationHandlers) tick(c *gin.Context) {
	summary, err := h.engine.Tick(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *SimulationHandlers) pause(c *gin.Context) {
	if err := h.engine.Pause(); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(v1.SimPaused)})
}

func (h *SimulationHandlers) stop(c *gin.Context) {
	if err := h.engine.Stop(); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(v1.SimStopped)})
}

func (h *SimulationHandlers) reset(c *gin.Context) {
	h.engine.Reset()
	c.JSON(http.StatusOK, gin.H{"status": string(v1.SimIdle)})
}

func (h *SimulationHandlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.State())
}
