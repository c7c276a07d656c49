package websocket

import (
	"context"
	stderrors "errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/security"
	"github.com/agentmux/agentmux/pkg/bridge"
)

const testToken = "bridge-secret"

type routerRecorder struct {
	mu           sync.Mutex
	connected    []AgentInfo
	disconnected []string // "agentID:reason"
	heartbeats   int
	progress     []*bridge.ProgressFrame
	responses    []*bridge.ResponseFrame
}

func (r *routerRecorder) AgentConnected(info AgentInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, info)
}

func (r *routerRecorder) AgentDisconnected(agentID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, agentID+":"+reason)
}

func (r *routerRecorder) AgentHeartbeat(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
}

func (r *routerRecorder) AgentProgress(agentID string, frame *bridge.ProgressFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, frame)
}

func (r *routerRecorder) AgentResponse(agentID string, frame *bridge.ResponseFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, frame)
}

func (r *routerRecorder) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected)
}

func (r *routerRecorder) disconnects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.disconnected...)
}

func (r *routerRecorder) progressCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.progress)
}

func (r *routerRecorder) responseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses)
}

type bridgeFixture struct {
	hub *Hub
	rec *routerRecorder
	bus *bus.Bus
	url string
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	b := bus.NewBus(64, 32, log)
	audit := security.NewAuditLog(config.AuditConfig{
		Path:     filepath.Join(t.TempDir(), "audit.log"),
		MaxBytes: 1 << 20,
		Backups:  1,
	}, log)
	auth := security.NewAuthenticator(config.AuthConfig{Tokens: testToken}, audit, log)

	hub := NewHub(config.BridgeConfig{
		HandshakeTimeout:  1,
		HeartbeatInterval: 1,
		WriteTimeout:      2,
		MaxMessageBytes:   512 * 1024,
	}, auth, audit, b, log)
	rec := &routerRecorder{}
	hub.SetRouter(rec)

	r := gin.New()
	r.GET("/bridge", NewHandler(hub, log).HandleBridge)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		hub.Shutdown(context.Background())
		srv.Close()
		audit.Close()
		b.Close()
	})

	return &bridgeFixture{
		hub: hub,
		rec: rec,
		bus: b,
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/bridge",
	}
}

func dialBridge(t *testing.T, url string) *gorillaws.Conn {
	t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *gorillaws.Conn, v interface{}) {
	t.Helper()
	data, err := bridge.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *gorillaws.Conn, timeout time.Duration) (bridge.FrameType, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	ft, err := bridge.PeekType(data)
	if err != nil {
		t.Fatalf("peek frame type: %v", err)
	}
	return ft, data
}

// expectClose reads until the socket closes and checks the close code,
// skipping any application frames (like the close announcement) that
// arrive first.
func expectClose(t *testing.T, conn *gorillaws.Conn, wantCode int, timeout time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *gorillaws.CloseError
		if !stderrors.As(err, &ce) {
			t.Fatalf("expected close error, got %v", err)
		}
		if ce.Code != wantCode {
			t.Fatalf("close code = %d, want %d", ce.Code, wantCode)
		}
		return
	}
}

func register(t *testing.T, conn *gorillaws.Conn, agentID, token string) string {
	t.Helper()
	writeFrame(t, conn, bridge.NewRegisterFrame(agentID, token, []string{"code"}, "/work/"+agentID))
	ft, data := readFrame(t, conn, 2*time.Second)
	if ft != bridge.FrameRegistered {
		t.Fatalf("first frame = %s, want %s", ft, bridge.FrameRegistered)
	}
	var rf bridge.RegisteredFrame
	if err := bridge.Decode(data, &rf); err != nil {
		t.Fatalf("decode registered: %v", err)
	}
	if rf.SessionID == "" {
		t.Fatal("registered frame has empty session_id")
	}
	return rf.SessionID
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBridgeRegisterHandshake(t *testing.T) {
	fx := newBridgeFixture(t)
	conn := dialBridge(t, fx.url)

	sessionID := register(t, conn, "agent-1", testToken)

	waitFor(t, time.Second, "router callback", func() bool {
		return fx.rec.connectedCount() == 1
	})
	if !fx.hub.Connected("agent-1") {
		t.Error("hub should report agent-1 connected")
	}
	if got := fx.hub.SessionID("agent-1"); got != sessionID {
		t.Errorf("hub session id = %q, want %q", got, sessionID)
	}
	if fx.hub.ConnectionCount() != 1 {
		t.Errorf("connection count = %d, want 1", fx.hub.ConnectionCount())
	}

	fx.rec.mu.Lock()
	info := fx.rec.connected[0]
	fx.rec.mu.Unlock()
	if info.AgentID != "agent-1" || info.Workdir != "/work/agent-1" {
		t.Errorf("unexpected agent info: %+v", info)
	}
}

func TestBridgeRejectsBadToken(t *testing.T) {
	fx := newBridgeFixture(t)
	conn := dialBridge(t, fx.url)

	writeFrame(t, conn, bridge.NewRegisterFrame("agent-1", "wrong-token", nil, ""))

	ft, data := readFrame(t, conn, 2*time.Second)
	if ft != bridge.FrameClose {
		t.Fatalf("expected close frame, got %s", ft)
	}
	var cf bridge.CloseFrame
	if err := bridge.Decode(data, &cf); err != nil {
		t.Fatalf("decode close frame: %v", err)
	}
	if cf.Reason != bridge.ReasonAuthFailure {
		t.Errorf("close reason = %q, want %q", cf.Reason, bridge.ReasonAuthFailure)
	}
	expectClose(t, conn, bridge.CloseAuthFailure, 2*time.Second)

	if fx.hub.Connected("agent-1") {
		t.Error("agent must not be connected after auth failure")
	}
}

func TestBridgeRejectsInvalidAgentID(t *testing.T) {
	fx := newBridgeFixture(t)
	conn := dialBridge(t, fx.url)

	writeFrame(t, conn, bridge.NewRegisterFrame("bad/slash", testToken, nil, ""))
	expectClose(t, conn, bridge.CloseProtocolError, 2*time.Second)
}

func TestBridgeRejectsUnsafeWorkdir(t *testing.T) {
	fx := newBridgeFixture(t)
	sub := fx.bus.Subscribe()
	defer fx.bus.Unsubscribe(sub)

	conn := dialBridge(t, fx.url)
	writeFrame(t, conn, bridge.NewRegisterFrame("agent-1", testToken, nil, "/work/../../etc"))
	expectClose(t, conn, bridge.CloseProtocolError, 2*time.Second)

	waitFor(t, time.Second, "path violation event", func() bool {
		select {
		case e := <-sub.Events():
			return e.Type == events.PathViolation
		default:
			return false
		}
	})
}

func TestBridgeRejectsNonRegisterFirstFrame(t *testing.T) {
	fx := newBridgeFixture(t)
	conn := dialBridge(t, fx.url)

	writeFrame(t, conn, bridge.NewHeartbeatFrame())
	expectClose(t, conn, bridge.CloseProtocolError, 2*time.Second)
}

func TestBridgeHandshakeTimeout(t *testing.T) {
	fx := newBridgeFixture(t)
	conn := dialBridge(t, fx.url)

	// Send nothing; the 1s handshake window must expire.
	expectClose(t, conn, bridge.CloseProtocolError, 3*time.Second)
}

func TestBridgeReplacement(t *testing.T) {
	fx := newBridgeFixture(t)

	first := dialBridge(t, fx.url)
	firstSession := register(t, first, "agent-1", testToken)

	second := dialBridge(t, fx.url)
	secondSession := register(t, second, "agent-1", testToken)

	if firstSession == secondSession {
		t.Fatal("replacement must mint a new session id")
	}

	// The first connection is told why, then closed with 4004.
	ft, data := readFrame(t, first, 2*time.Second)
	if ft != bridge.FrameClose {
		t.Fatalf("expected close frame on replaced connection, got %s", ft)
	}
	var cf bridge.CloseFrame
	if err := bridge.Decode(data, &cf); err != nil {
		t.Fatalf("decode close frame: %v", err)
	}
	if cf.Reason != bridge.ReasonAgentReplaced {
		t.Errorf("close reason = %q, want %q", cf.Reason, bridge.ReasonAgentReplaced)
	}
	expectClose(t, first, bridge.CloseAgentReplaced, 2*time.Second)

	if got := fx.hub.SessionID("agent-1"); got != secondSession {
		t.Errorf("hub session = %q, want the replacement %q", got, secondSession)
	}
	if fx.hub.ConnectionCount() != 1 {
		t.Errorf("connection count = %d, want 1", fx.hub.ConnectionCount())
	}

	waitFor(t, time.Second, "replacement disconnect", func() bool {
		for _, d := range fx.rec.disconnects() {
			if d == "agent-1:"+bridge.ReasonAgentReplaced {
				return true
			}
		}
		return false
	})
}

func TestBridgeDispatchRoundTrip(t *testing.T) {
	fx := newBridgeFixture(t)
	conn := dialBridge(t, fx.url)
	register(t, conn, "agent-1", testToken)

	err := fx.hub.SendDispatch("agent-1", bridge.NewDispatchFrame("msg-1", "write a test", map[string]string{"repo": "demo"}, false))
	if err != nil {
		t.Fatalf("SendDispatch: %v", err)
	}

	ft, data := readFrame(t, conn, 2*time.Second)
	if ft != bridge.FrameDispatch {
		t.Fatalf("expected dispatch frame, got %s", ft)
	}
	var df bridge.DispatchFrame
	if err := bridge.Decode(data, &df); err != nil {
		t.Fatalf("decode dispatch: %v", err)
	}
	if df.MessageID != "msg-1" || df.Content != "write a test" || df.IsFollowup {
		t.Errorf("unexpected dispatch frame: %+v", df)
	}

	writeFrame(t, conn, bridge.NewProgressFrame("msg-1", "working on it"))
	writeFrame(t, conn, bridge.NewResponseFrame("msg-1", "done", &bridge.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}, ""))

	waitFor(t, time.Second, "routed frames", func() bool {
		return fx.rec.progressCount() == 1 && fx.rec.responseCount() == 1
	})

	fx.rec.mu.Lock()
	resp := fx.rec.responses[0]
	fx.rec.mu.Unlock()
	if resp.Usage == nil || resp.Usage.TotalTokens != 30 {
		t.Errorf("usage not routed: %+v", resp)
	}
}

func TestBridgeDispatchToUnknownAgent(t *testing.T) {
	fx := newBridgeFixture(t)
	err := fx.hub.SendDispatch("ghost", bridge.NewDispatchFrame("msg-1", "hello", nil, false))
	if err == nil {
		t.Fatal("expected an error dispatching to an unconnected agent")
	}
}

func TestBridgeUnknownFrameGetsError(t *testing.T) {
	fx := newBridgeFixture(t)
	conn := dialBridge(t, fx.url)
	register(t, conn, "agent-1", testToken)

	if err := conn.WriteMessage(gorillaws.TextMessage, []byte(`{"type":"wat"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	ft, data := readFrame(t, conn, 2*time.Second)
	if ft != bridge.FrameError {
		t.Fatalf("expected error frame, got %s", ft)
	}
	var ef bridge.ErrorFrame
	if err := bridge.Decode(data, &ef); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if ef.Code != "unknown_frame" {
		t.Errorf("error code = %q, want unknown_frame", ef.Code)
	}
}

func TestBridgeHeartbeatKeepsConnectionAlive(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	fx := newBridgeFixture(t)
	conn := dialBridge(t, fx.url)
	register(t, conn, "agent-1", testToken)

	// The read deadline is 3x the 1s heartbeat interval. Heartbeat past
	// that window and verify the connection survives.
	for i := 0; i < 8; i++ {
		writeFrame(t, conn, bridge.NewHeartbeatFrame())
		time.Sleep(450 * time.Millisecond)
	}
	if !fx.hub.Connected("agent-1") {
		t.Error("heartbeating bridge should still be connected")
	}
	fx.rec.mu.Lock()
	hb := fx.rec.heartbeats
	fx.rec.mu.Unlock()
	if hb == 0 {
		t.Error("router should have observed the heartbeats")
	}
}

func TestBridgeHeartbeatTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	fx := newBridgeFixture(t)
	conn := dialBridge(t, fx.url)
	register(t, conn, "agent-1", testToken)

	// Go silent. After 3 missed 1s heartbeats the hub must close with
	// 4003 and report the disconnect.
	expectClose(t, conn, bridge.CloseHeartbeatTimeout, 6*time.Second)

	waitFor(t, time.Second, "heartbeat timeout disconnect", func() bool {
		for _, d := range fx.rec.disconnects() {
			if d == "agent-1:"+bridge.ReasonHeartbeatTimeout {
				return true
			}
		}
		return false
	})
	if fx.hub.Connected("agent-1") {
		t.Error("timed out bridge should be dropped from the hub")
	}
}
