package websocket

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/security"
	"github.com/agentmux/agentmux/pkg/bridge"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin validates the Origin header for WebSocket
// connections. This prevents cross-site WebSocket hijacking attacks.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No origin header - allow (could be a non-browser client)
		return true
	}

	// Allow localhost origins for development
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	// Check same-origin: Origin should match the Host header
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	// Compare hosts (ignoring port for flexibility)
	originHost := originURL.Hostname()
	requestHost := host
	if colonIdx := strings.LastIndex(requestHost, ":"); colonIdx != -1 {
		// Strip port from host if present (but be careful with IPv6)
		if !strings.Contains(requestHost, "]") || colonIdx > strings.Index(requestHost, "]") {
			requestHost = requestHost[:colonIdx]
		}
	}

	return originHost == requestHost
}

// Handler upgrades /bridge requests and runs the register handshake.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a bridge connection handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "bridge_handler")),
	}
}

// HandleBridge upgrades the connection and waits for a register frame.
// The bridge gets one handshake window to identify itself; anything
// else closes the socket with an application close code.
func (h *Handler) HandleBridge(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade bridge connection", zap.Error(err))
		return
	}

	remoteAddr := c.Request.RemoteAddr
	writeWait := h.hub.cfg.WriteTimeoutDuration()

	ws.SetReadLimit(int64(h.hub.cfg.MaxMessageBytes))
	ws.SetReadDeadline(time.Now().Add(h.hub.cfg.HandshakeTimeoutDuration()))

	_, data, err := ws.ReadMessage()
	if err != nil {
		h.logger.Warn("no register frame within handshake window",
			zap.String("remote_addr", remoteAddr),
			zap.Error(err))
		h.refuse(ws, remoteAddr, "", bridge.CloseProtocolError, bridge.ReasonProtocolError, writeWait)
		return
	}

	frameType, err := bridge.PeekType(data)
	if err != nil || frameType != bridge.FrameRegister {
		h.logger.Warn("first frame was not register",
			zap.String("remote_addr", remoteAddr))
		h.refuse(ws, remoteAddr, "", bridge.CloseProtocolError, bridge.ReasonProtocolError, writeWait)
		return
	}

	var reg bridge.RegisterFrame
	if err := bridge.Decode(data, &reg); err != nil {
		h.refuse(ws, remoteAddr, "", bridge.CloseProtocolError, bridge.ReasonProtocolError, writeWait)
		return
	}

	if err := security.ValidateAgentID(reg.AgentID); err != nil {
		h.logger.Warn("register with invalid agent id",
			zap.String("remote_addr", remoteAddr),
			zap.Error(err))
		h.refuse(ws, remoteAddr, reg.AgentID, bridge.CloseProtocolError, bridge.ReasonProtocolError, writeWait)
		return
	}

	if err := security.ValidateWorkdir(reg.Workdir); err != nil {
		h.logger.Warn("register with invalid workdir",
			zap.String("agent_id", reg.AgentID),
			zap.String("workdir", reg.Workdir),
			zap.Error(err))
		h.hub.audit.Record(security.AuditPathViolation, security.OutcomeDenied,
			zap.String("agent_id", reg.AgentID),
			zap.String("workdir", reg.Workdir),
			zap.String("peer_address", remoteAddr))
		h.hub.bus.Publish(bus.New(events.PathViolation,
			"agent "+reg.AgentID+" registered an unsafe workdir").
			WithAgent(reg.AgentID).
			WithMetadata(map[string]interface{}{
				"workdir":     reg.Workdir,
				"remote_addr": remoteAddr,
			}))
		h.refuse(ws, remoteAddr, reg.AgentID, bridge.CloseProtocolError, bridge.ReasonProtocolError, writeWait)
		return
	}

	if _, err := h.hub.auth.Validate(reg.AuthToken, remoteAddr); err != nil {
		h.hub.bus.Publish(bus.New(events.AuthFailure,
			"bridge authentication failed for agent "+reg.AgentID).
			WithAgent(reg.AgentID).
			WithMetadata(map[string]interface{}{
				"credential_fingerprint": security.Fingerprint(reg.AuthToken),
				"remote_addr":            remoteAddr,
			}))
		h.refuse(ws, remoteAddr, reg.AgentID, bridge.CloseAuthFailure, bridge.ReasonAuthFailure, writeWait)
		return
	}

	sessionID := uuid.New().String()
	conn := newConn(reg.AgentID, sessionID, remoteAddr, ws, h.hub, h.logger)

	// Acknowledge before the pumps start so the registered frame is
	// always the first thing the bridge receives.
	ack, err := bridge.Marshal(bridge.NewRegisteredFrame(sessionID))
	if err == nil {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		err = ws.WriteMessage(gorillaws.TextMessage, ack)
	}
	if err != nil {
		h.logger.Warn("failed to send registered frame", zap.Error(err))
		ws.Close()
		return
	}

	h.hub.activate(conn)

	h.hub.audit.Record(security.AuditAgentRegister, security.OutcomePass,
		zap.String("agent_id", reg.AgentID),
		zap.String("session_id", sessionID),
		zap.String("peer_address", remoteAddr))
	h.hub.bus.Publish(bus.New(events.AgentRegistered,
		"agent "+reg.AgentID+" registered").
		WithAgent(reg.AgentID).
		WithMetadata(map[string]interface{}{
			"session_id":   sessionID,
			"display_name": reg.DisplayName,
			"capabilities": reg.Capabilities,
			"workdir":      reg.Workdir,
			"remote_addr":  remoteAddr,
		}))
	if h.hub.router != nil {
		h.hub.router.AgentConnected(AgentInfo{
			AgentID:      reg.AgentID,
			SessionID:    sessionID,
			DisplayName:  reg.DisplayName,
			Capabilities: reg.Capabilities,
			Workdir:      reg.Workdir,
			RemoteAddr:   remoteAddr,
		})
	}

	h.logger.Info("bridge registered",
		zap.String("agent_id", reg.AgentID),
		zap.String("session_id", sessionID),
		zap.String("remote_addr", remoteAddr))

	go conn.writePump()
	conn.readPump()
}

// refuse rejects a handshake: close frame, close message, socket close.
// Registration failures are audited with the attempted agent id when
// one was supplied.
func (h *Handler) refuse(ws *gorillaws.Conn, remoteAddr, agentID string, code int, reason string, writeWait time.Duration) {
	if agentID != "" {
		h.hub.audit.Record(security.AuditAgentRegister, security.OutcomeFail,
			zap.String("agent_id", agentID),
			zap.String("reason", reason),
			zap.String("peer_address", remoteAddr))
	}
	deadline := time.Now().Add(writeWait)
	ws.SetWriteDeadline(deadline)
	if data, err := bridge.Marshal(bridge.NewCloseFrame(reason)); err == nil {
		ws.WriteMessage(gorillaws.TextMessage, data)
	}
	ws.WriteControl(gorillaws.CloseMessage, gorillaws.FormatCloseMessage(code, reason), deadline)
	ws.Close()
}
