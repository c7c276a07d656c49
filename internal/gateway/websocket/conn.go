package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/pkg/bridge"
)

// ConnState tracks a bridge connection through its lifecycle.
type ConnState string

const (
	StateHandshaking ConnState = "HANDSHAKING"
	StateActive      ConnState = "ACTIVE"
	StateClosing     ConnState = "CLOSING"
	StateClosed      ConnState = "CLOSED"
)

// closeRequest carries the code and reason for an orderly close. The
// write pump performs the actual socket writes so the close frame never
// races a concurrent outbound message.
type closeRequest struct {
	code   int
	reason string
}

// Conn is one registered bridge connection. All outbound traffic goes
// through the buffered send channel; the read pump owns the socket's
// read side and the write pump its write side.
type Conn struct {
	agentID    string
	sessionID  string
	remoteAddr string

	ws   *websocket.Conn
	hub  *Hub
	send chan []byte

	closing   chan closeRequest
	closeOnce sync.Once

	mu     sync.Mutex
	state  ConnState
	reason string

	logger *logger.Logger
}

func newConn(agentID, sessionID, remoteAddr string, ws *websocket.Conn, hub *Hub, log *logger.Logger) *Conn {
	return &Conn{
		agentID:    agentID,
		sessionID:  sessionID,
		remoteAddr: remoteAddr,
		ws:         ws,
		hub:        hub,
		send:       make(chan []byte, sendBufferSize),
		closing:    make(chan closeRequest, 1),
		state:      StateHandshaking,
		logger: log.WithFields(
			zap.String("agent_id", agentID),
			zap.String("session_id", sessionID)),
	}
}

// State returns the connection's lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// closeReason returns the recorded close reason, or the fallback when
// the connection dropped without an orderly close.
func (c *Conn) closeReason(fallback string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" {
		return fallback
	}
	return c.reason
}

// enqueue queues a frame for the write pump. A full buffer means the
// bridge has stopped draining; the caller decides what to do about it.
func (c *Conn) enqueue(data []byte) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateClosing || state == StateClosed {
		return errors.Conflict("connection is closing")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.InternalError("bridge send buffer full", nil)
	}
}

// closeWith starts an orderly close: an application close frame with
// the reason, then a WebSocket close message with the code. Safe to
// call from any goroutine; only the first call wins.
func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		c.reason = reason
		c.mu.Unlock()
		select {
		case c.closing <- closeRequest{code: code, reason: reason}:
		default:
		}
	})
}

// readPump consumes frames until the socket dies or the deadline
// passes. Every inbound application frame pushes the read deadline out
// by three heartbeat intervals; transport pongs do not, so a bridge
// that stops sending frames times out even behind a keepalive-happy
// proxy.
func (c *Conn) readPump() {
	defer func() {
		c.hub.drop(c)
	}()

	deadline := 3 * c.hub.cfg.HeartbeatIntervalDuration()
	c.ws.SetReadLimit(int64(c.hub.cfg.MaxMessageBytes))
	c.ws.SetReadDeadline(time.Now().Add(deadline))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				c.logger.Warn("bridge heartbeat timeout")
				c.closeWith(bridge.CloseHeartbeatTimeout, bridge.ReasonHeartbeatTimeout)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("bridge read error", zap.Error(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(deadline))

		frameType, err := bridge.PeekType(data)
		if err != nil {
			c.logger.Warn("undecodable frame from bridge", zap.Error(err))
			c.sendFrame(bridge.NewErrorFrame("bad_frame", "frame is not valid JSON or has no type"))
			continue
		}

		switch frameType {
		case bridge.FrameHeartbeat:
			// Deadline already extended above.
			c.hub.router.AgentHeartbeat(c.agentID)

		case bridge.FrameProgress:
			var frame bridge.ProgressFrame
			if err := bridge.Decode(data, &frame); err != nil {
				c.sendFrame(bridge.NewErrorFrame("bad_frame", err.Error()))
				continue
			}
			c.hub.router.AgentProgress(c.agentID, &frame)

		case bridge.FrameResponse:
			var frame bridge.ResponseFrame
			if err := bridge.Decode(data, &frame); err != nil {
				c.sendFrame(bridge.NewErrorFrame("bad_frame", err.Error()))
				continue
			}
			c.hub.router.AgentResponse(c.agentID, &frame)

		case bridge.FrameRegister:
			// Re-registering on an active connection is a protocol
			// violation.
			c.logger.Warn("duplicate register frame on active connection")
			c.closeWith(bridge.CloseProtocolError, bridge.ReasonProtocolError)
			return

		default:
			c.sendFrame(bridge.NewErrorFrame("unknown_frame", "unrecognized frame type: "+string(frameType)))
		}
	}
}

// writePump owns all socket writes: queued frames, keepalive pings and
// the final close handshake.
func (c *Conn) writePump() {
	interval := c.hub.cfg.HeartbeatIntervalDuration()
	pingPeriod := interval * 9 / 10
	writeWait := c.hub.cfg.WriteTimeoutDuration()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.setState(StateClosed)
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("bridge write error", zap.Error(err))
				return
			}

		case req := <-c.closing:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if data, err := bridge.Marshal(bridge.NewCloseFrame(req.reason)); err == nil {
				c.ws.WriteMessage(websocket.TextMessage, data)
			}
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(req.code, req.reason))
			return

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendFrame marshals and queues a frame, logging instead of failing
// when the buffer is full.
func (c *Conn) sendFrame(v interface{}) {
	data, err := bridge.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	if err := c.enqueue(data); err != nil {
		c.logger.Warn("dropping outbound frame", zap.Error(err))
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	te, ok := err.(timeout)
	return ok && te.Timeout()
}
