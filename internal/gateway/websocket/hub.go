// Package websocket is the bridge gateway: it upgrades /bridge
// connections, runs the register handshake, and pumps protocol frames
// between remote agent bridges and the dispatch layer.
package websocket

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/security"
	"github.com/agentmux/agentmux/pkg/bridge"
)

const sendBufferSize = 256

// Disconnect reasons that never appear in a close frame, only in
// events and audit records.
const (
	reasonConnectionClosed = "connection_closed"
	reasonServerShutdown   = "server_shutdown"
)

// AgentInfo describes a bridge that completed the register handshake.
type AgentInfo struct {
	AgentID      string
	SessionID    string
	DisplayName  string
	Capabilities []string
	Workdir      string
	RemoteAddr   string
}

// Router receives connection lifecycle and task traffic from the hub.
// The dispatch service implements it.
type Router interface {
	AgentConnected(info AgentInfo)
	AgentDisconnected(agentID, reason string)
	AgentHeartbeat(agentID string)
	AgentProgress(agentID string, frame *bridge.ProgressFrame)
	AgentResponse(agentID string, frame *bridge.ResponseFrame)
}

// Hub tracks at most one live connection per agent id and fans
// dispatches out to them.
type Hub struct {
	cfg    config.BridgeConfig
	auth   *security.Authenticator
	audit  *security.AuditLog
	bus    *bus.Bus
	router Router

	mu    sync.RWMutex
	conns map[string]*Conn

	logger *logger.Logger
}

// NewHub creates the bridge hub. SetRouter must be called before the
// first connection arrives.
func NewHub(cfg config.BridgeConfig, auth *security.Authenticator, audit *security.AuditLog, b *bus.Bus, log *logger.Logger) *Hub {
	return &Hub{
		cfg:    cfg,
		auth:   auth,
		audit:  audit,
		bus:    b,
		conns:  make(map[string]*Conn),
		logger: log.WithFields(zap.String("component", "bridge_hub")),
	}
}

// SetRouter wires the dispatch layer in after construction, breaking
// the hub/dispatch constructor cycle.
func (h *Hub) SetRouter(r Router) {
	h.router = r
}

// Connected reports whether an agent has a live bridge connection.
func (h *Hub) Connected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[agentID]
	return ok
}

// ConnectionCount returns the number of live bridge connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SessionID returns the session id of an agent's live connection.
func (h *Hub) SessionID(agentID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[agentID]; ok {
		return c.sessionID
	}
	return ""
}

// SendDispatch delivers a dispatch or follow-up frame to an agent's
// bridge. Callers check connection state first; this lookup is the
// race-safe backstop.
func (h *Hub) SendDispatch(agentID string, frame *bridge.DispatchFrame) error {
	h.mu.RLock()
	c, ok := h.conns[agentID]
	h.mu.RUnlock()
	if !ok {
		return errors.NotFound("bridge connection", agentID)
	}
	data, err := bridge.Marshal(frame)
	if err != nil {
		return errors.InternalError("failed to marshal dispatch frame", err)
	}
	return c.enqueue(data)
}

// Kick closes an agent's connection with the given close code and
// reason. No-op when the agent is not connected.
func (h *Hub) Kick(agentID string, code int, reason string) {
	h.mu.RLock()
	c, ok := h.conns[agentID]
	h.mu.RUnlock()
	if ok {
		c.closeWith(code, reason)
	}
}

// Shutdown closes every connection with a going-away close. Connection
// drops still flow through the router so in-flight tasks fail cleanly.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, reasonServerShutdown)
	}
	h.logger.Info("bridge hub shut down", zap.Int("connections_closed", len(conns)))
}

// activate installs a freshly registered connection, closing any
// previous connection for the same agent id first.
func (h *Hub) activate(c *Conn) {
	h.mu.Lock()
	old := h.conns[c.agentID]
	h.conns[c.agentID] = c
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("replacing existing bridge connection",
			zap.String("agent_id", c.agentID),
			zap.String("old_session_id", old.sessionID))
		old.closeWith(bridge.CloseAgentReplaced, bridge.ReasonAgentReplaced)
		h.audit.Record(security.AuditAgentDisconnect, security.OutcomePass,
			zap.String("agent_id", c.agentID),
			zap.String("reason", bridge.ReasonAgentReplaced))
		h.bus.Publish(bus.New(events.AgentDisconnected,
			"agent "+c.agentID+" replaced by a new connection").
			WithAgent(c.agentID).
			WithMetadata(map[string]interface{}{
				"reason":     bridge.ReasonAgentReplaced,
				"session_id": old.sessionID,
			}))
		if h.router != nil {
			h.router.AgentDisconnected(c.agentID, bridge.ReasonAgentReplaced)
		}
	}

	c.setState(StateActive)
}

// drop removes a dead connection. A connection that was already
// replaced is only cleaned up locally; the replacement owns the agent
// now and no disconnect is reported.
func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	current, registered := h.conns[c.agentID]
	if registered && current == c {
		delete(h.conns, c.agentID)
	}
	h.mu.Unlock()

	// Wake the write pump so it closes the socket and exits.
	c.closeWith(websocket.CloseNormalClosure, reasonConnectionClosed)

	if !registered || current != c {
		return
	}

	reason := c.closeReason(reasonConnectionClosed)
	h.logger.Info("bridge disconnected",
		zap.String("agent_id", c.agentID),
		zap.String("reason", reason))
	h.audit.Record(security.AuditAgentDisconnect, security.OutcomePass,
		zap.String("agent_id", c.agentID),
		zap.String("reason", reason))
	h.bus.Publish(bus.New(events.AgentDisconnected,
		"agent "+c.agentID+" disconnected").
		WithAgent(c.agentID).
		WithMetadata(map[string]interface{}{
			"reason":     reason,
			"session_id": c.sessionID,
		}))
	if h.router != nil {
		h.router.AgentDisconnected(c.agentID, reason)
	}
}
