// Package api is the HTTP control surface: a REST-style API for agent
// dispatch and simulation control, SSE event streams, and the /bridge
// WebSocket upgrade. Every route except /healthz and /bridge runs
// behind bearer auth; /bridge authenticates inside its own handshake.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/control"
	"github.com/agentmux/agentmux/internal/gateway/websocket"
)

// SetupRoutes mounts the full control surface.
func SetupRoutes(r *gin.Engine, ctrl *control.Context, log *logger.Logger) {
	agents := NewAgentHandlers(ctrl.Dispatch, log)
	events := NewEventHandlers(ctrl.Bus, log)
	sim := NewSimulationHandlers(ctrl.Sim, log)
	bridge := websocket.NewHandler(ctrl.Hub, log)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agentmux"})
	})
	r.GET("/bridge", bridge.HandleBridge)

	api := r.Group("/api/v1", RequireAuth(ctrl.Auth, log))

	api.GET("/control/context", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctrl.Snapshot())
	})

	api.POST("/agents/register", agents.register)
	api.GET("/agents", agents.list)
	api.GET("/agents/:id", agents.get)
	api.POST("/agents/:id/dispatch", agents.dispatch)
	api.POST("/agents/:id/followup", agents.followup)
	api.GET("/agents/:id/task", agents.task)
	api.GET("/agents/:id/events", events.streamForAgent)

	api.GET("/events", events.stream)
	api.GET("/events/recent", events.recent)

	api.POST("/simulation/init", sim.init)
	api.POST("/simulation/graph", sim.graph)
	api.POST("/simulation/start", sim.start)
	api.POST("/simulation/tick", sim.tick)
	api.POST("/simulation/pause", sim.pause)
	api.POST("/simulation/stop", sim.stop)
	api.POST("/simulation/reset", sim.reset)
	api.GET("/simulation/state", sim.state)
}
