// Package control owns the process-wide control context: the single
// in-memory root that holds every other component. It is created once
// at startup and torn down once at shutdown; there is no persistence
// and no multi-tenant separation.
package control

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/dispatch"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/gateway/websocket"
	"github.com/agentmux/agentmux/internal/security"
	"github.com/agentmux/agentmux/internal/simulation"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Context is the composition root. Components are exported so the API
// layer can reach them directly; everything else goes through the
// methods below.
type Context struct {
	ID        string
	CreatedAt time.Time

	Cfg      *config.Config
	Bus      *bus.Bus
	Audit    *security.AuditLog
	Auth     *security.Authenticator
	Governor *security.Governor
	Hub      *websocket.Hub
	Dispatch *dispatch.Service
	Sim      *simulation.Engine

	busCleanup func()
	logger     *logger.Logger
}

// New builds the full component graph in dependency order: event bus
// (plus the optional NATS mirror), audit sink, governor, authenticator,
// bridge hub, dispatch service, and simulation engine.
func New(cfg *config.Config, log *logger.Logger) (*Context, error) {
	b, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, err
	}

	audit := security.NewAuditLog(cfg.Audit, log)
	governor := security.NewGovernor(cfg.Rate, cfg.Cost, b, audit, log)
	auth := security.NewAuthenticator(cfg.Auth, audit, log)

	hub := websocket.NewHub(cfg.Bridge, auth, audit, b, log)
	svc := dispatch.NewService(cfg.Dispatch, hub, governor, audit, b, log)
	hub.SetRouter(svc)

	// A typed nil must not reach the engine as a non-nil interface, so
	// the generator is only assigned when construction succeeded.
	var gen simulation.Generator
	if ag := simulation.NewAnthropicGenerator(cfg.Simulation); ag != nil {
		gen = ag
	}
	sim := simulation.NewEngine(cfg.Simulation, governor.Cost, gen, b, log)

	c := &Context{
		ID:         uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
		Cfg:        cfg,
		Bus:        b,
		Audit:      audit,
		Auth:       auth,
		Governor:   governor,
		Hub:        hub,
		Dispatch:   svc,
		Sim:        sim,
		busCleanup: busCleanup,
		logger:     log.WithFields(zap.String("component", "control")),
	}

	c.logger.Info("control context created",
		zap.String("control_session_id", c.ID),
		zap.Bool("real_llm_available", gen != nil))
	return c, nil
}

// Snapshot reports the context identity and the current spend against
// the configured limits.
func (c *Context) Snapshot() *v1.ControlContextResponse {
	snap := c.Governor.Cost.Snapshot()
	return &v1.ControlContextResponse{
		ControlSessionID: c.ID,
		CreatedAt:        c.CreatedAt,
		Cost: v1.ControlCost{
			ContextTotalUSD: snap.SessionUSD,
			DailyTotalUSD:   snap.DailyUSD,
			Limits: v1.CostLimits{
				SessionLimitUSD: snap.SessionLimitUSD,
				DailyLimitUSD:   snap.DailyLimitUSD,
			},
		},
	}
}

// ResetSimulation clears simulation run state while keeping the
// configured roster, graph, and budgets.
func (c *Context) ResetSimulation() {
	c.Sim.Reset()
}

// Close tears components down in reverse construction order: task
// timers first, then agent sockets, then the event bus and its NATS
// mirror, and the audit sink last so shutdown records still land.
func (c *Context) Close(ctx context.Context) {
	c.Dispatch.Close()
	c.Hub.Shutdown(ctx)
	c.busCleanup()
	c.Audit.Close()
	c.logger.Info("control context closed", zap.String("control_session_id", c.ID))
}
