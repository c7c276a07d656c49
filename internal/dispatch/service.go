// Package dispatch owns the agent table and the per-agent task state
// machine: one in-flight task per agent, dispatched over the bridge
// hub and resolved by progress/response frames or timeouts.
package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/gateway/websocket"
	"github.com/agentmux/agentmux/internal/security"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
	"github.com/agentmux/agentmux/pkg/bridge"
)

// Task error reasons recorded in last_error.
const (
	ErrReasonTimeout           = "timeout"
	ErrReasonAgentDisconnected = "agent_disconnected"
	ErrReasonDeliveryFailed    = "delivery_failed"
)

// Sender is the outbound half of the bridge hub.
type Sender interface {
	SendDispatch(agentID string, frame *bridge.DispatchFrame) error
}

// agentRecord is the service's authoritative state for one agent.
type agentRecord struct {
	agentID      string
	displayName  string
	capabilities []string
	workdir      string

	connState  v1.ConnectionState
	sessionID  string
	remoteAddr string

	taskState       v1.TaskState
	activeMessageID string
	lastError       string
	lastResponse    *v1.AgentResponseRecord

	connectedAt     *time.Time
	lastHeartbeatAt *time.Time

	startTimer *time.Timer
	totalTimer *time.Timer
}

func (r *agentRecord) inFlight() bool {
	return r.taskState == v1.TaskDispatched || r.taskState == v1.TaskRunning
}

func (r *agentRecord) stopTimers() {
	if r.startTimer != nil {
		r.startTimer.Stop()
		r.startTimer = nil
	}
	if r.totalTimer != nil {
		r.totalTimer.Stop()
		r.totalTimer = nil
	}
}

func (r *agentRecord) toAPI() *v1.Agent {
	a := &v1.Agent{
		AgentID:         r.agentID,
		DisplayName:     r.displayName,
		Capabilities:    append([]string(nil), r.capabilities...),
		Workdir:         r.workdir,
		ConnectionState: r.connState,
		TaskState:       r.taskState,
		ActiveMessageID: r.activeMessageID,
		SessionID:       r.sessionID,
		RemoteAddr:      r.remoteAddr,
	}
	if r.connectedAt != nil {
		t := *r.connectedAt
		a.ConnectedAt = &t
	}
	if r.lastHeartbeatAt != nil {
		t := *r.lastHeartbeatAt
		a.LastHeartbeatAt = &t
	}
	return a
}

// Service routes operator messages to agents and agent frames back.
// It implements the hub's Router interface.
type Service struct {
	mu     sync.RWMutex
	agents map[string]*agentRecord

	cfg      config.DispatchConfig
	sender   Sender
	governor *security.Governor
	audit    *security.AuditLog
	bus      *bus.Bus

	now    func() time.Time
	logger *logger.Logger
}

// NewService creates the dispatch router.
func NewService(cfg config.DispatchConfig, sender Sender, governor *security.Governor, audit *security.AuditLog, b *bus.Bus, log *logger.Logger) *Service {
	return &Service{
		agents:   make(map[string]*agentRecord),
		cfg:      cfg,
		sender:   sender,
		governor: governor,
		audit:    audit,
		bus:      b,
		now:      time.Now,
		logger:   log.WithFields(zap.String("component", "dispatch")),
	}
}

// RegisterManual records agent metadata before any bridge connects.
// Idempotent: repeating the call updates metadata and changes no state.
func (s *Service) RegisterManual(req *v1.RegisterAgentRequest) (*v1.Agent, error) {
	if err := security.ValidateAgentID(req.AgentID); err != nil {
		return nil, err
	}
	if err := security.ValidateWorkdir(req.Workdir); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.agents[req.AgentID]
	if !exists {
		rec = &agentRecord{
			agentID:   req.AgentID,
			connState: v1.ConnectionUnregistered,
			taskState: v1.TaskIdle,
		}
		s.agents[req.AgentID] = rec
	}
	if req.DisplayName != "" {
		rec.displayName = req.DisplayName
	}
	if len(req.Capabilities) > 0 {
		rec.capabilities = append([]string(nil), req.Capabilities...)
	}
	if req.Workdir != "" {
		rec.workdir = req.Workdir
	}

	s.audit.Record(security.AuditAgentRegister, security.OutcomePass,
		zap.String("agent_id", req.AgentID),
		zap.String("mode", "manual"))
	if !exists {
		s.bus.Publish(bus.New(events.AgentStatusChanged,
			"agent "+req.AgentID+" pre-registered").
			WithAgent(req.AgentID).
			WithMetadata(map[string]interface{}{
				"connection_state": string(v1.ConnectionUnregistered),
			}))
	}
	return rec.toAPI(), nil
}

// AgentConnected is called by the hub once a bridge passes the register
// handshake. The record replaces any prior registration for the id.
func (s *Service) AgentConnected(info websocket.AgentInfo) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[info.AgentID]
	if !ok {
		rec = &agentRecord{
			agentID:   info.AgentID,
			taskState: v1.TaskIdle,
		}
		s.agents[info.AgentID] = rec
	}

	// A reconnecting agent never inherits an in-flight task. The
	// disconnect path normally settles this; a leftover here means the
	// old task can no longer complete.
	if rec.inFlight() {
		s.failTaskLocked(rec, ErrReasonAgentDisconnected)
	}

	rec.connState = v1.ConnectionConnected
	rec.sessionID = info.SessionID
	rec.remoteAddr = info.RemoteAddr
	rec.connectedAt = &now
	rec.lastHeartbeatAt = &now
	if info.DisplayName != "" {
		rec.displayName = info.DisplayName
	}
	if len(info.Capabilities) > 0 {
		rec.capabilities = append([]string(nil), info.Capabilities...)
	}
	if info.Workdir != "" {
		rec.workdir = info.Workdir
	}
}

// AgentDisconnected marks the agent offline and fails any in-flight
// task with reason agent_disconnected. last_response keeps whatever was
// last received.
func (s *Service) AgentDisconnected(agentID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[agentID]
	if !ok {
		return
	}
	rec.connState = v1.ConnectionDisconnected
	rec.sessionID = ""
	if rec.inFlight() {
		s.failTaskLocked(rec, ErrReasonAgentDisconnected)
	}
}

// AgentHeartbeat records bridge liveness.
func (s *Service) AgentHeartbeat(agentID string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.agents[agentID]; ok {
		rec.lastHeartbeatAt = &now
	}
}

// Dispatch starts a new task on an idle agent. The returned rate
// decision carries the window headers even when admission denies.
func (s *Service) Dispatch(agentID, peerIP, content string, context map[string]string) (*v1.DispatchResponse, security.Decision, error) {
	if content == "" {
		return nil, security.Decision{}, errors.ValidationError("content", "is required")
	}
	if err := security.ValidateContent(content); err != nil {
		return nil, security.Decision{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[agentID]
	if !ok {
		return nil, security.Decision{}, errors.NotFound("agent", agentID)
	}
	if rec.connState != v1.ConnectionConnected {
		return nil, security.Decision{}, errors.Conflict("agent is not connected").WithCode("not_connected")
	}
	if !rec.taskState.Dispatchable() {
		return nil, security.Decision{}, errors.Conflict("agent has a task in flight").WithCode("busy")
	}

	decision, err := s.governor.AdmitDispatch(agentID, peerIP, content)
	if err != nil {
		return nil, decision, err
	}

	messageID := uuid.New().String()
	prev := rec.taskState
	rec.taskState = v1.TaskDispatched
	rec.activeMessageID = messageID
	rec.lastError = ""

	if err := s.sender.SendDispatch(agentID, bridge.NewDispatchFrame(messageID, content, context, false)); err != nil {
		s.logger.Error("dispatch delivery failed",
			zap.String("agent_id", agentID),
			zap.String("message_id", messageID),
			zap.Error(err))
		rec.taskState = v1.TaskError
		rec.lastError = ErrReasonDeliveryFailed
		s.publishStatusChange(rec, prev, ErrReasonDeliveryFailed)
		return nil, decision, errors.Conflict("agent bridge is unavailable").WithCode("not_connected")
	}

	s.armTimersLocked(rec, messageID)

	s.audit.Record(security.AuditTaskDispatch, security.OutcomePass,
		zap.String("agent_id", agentID),
		zap.String("message_id", messageID),
		zap.Int("content_length", len(content)),
		zap.String("peer_address", peerIP))
	s.bus.Publish(bus.New(events.TaskDispatched,
		"task dispatched to "+agentID).
		WithAgent(agentID).
		WithTask(messageID).
		WithMetadata(map[string]interface{}{
			"message_id":     messageID,
			"content_length": len(content),
		}))

	return &v1.DispatchResponse{MessageID: messageID, Status: v1.TaskDispatched}, decision, nil
}

// Followup attaches another operator message to the running task,
// reusing its message id on the wire.
func (s *Service) Followup(agentID, peerIP, content string, context map[string]string) (*v1.FollowupResponse, security.Decision, error) {
	if err := security.ValidateContent(content); err != nil {
		return nil, security.Decision{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[agentID]
	if !ok {
		return nil, security.Decision{}, errors.NotFound("agent", agentID)
	}
	if rec.connState != v1.ConnectionConnected {
		return nil, security.Decision{}, errors.Conflict("agent is not connected").WithCode("not_connected")
	}
	if rec.taskState != v1.TaskRunning {
		return nil, security.Decision{}, errors.Conflict("no active task to follow up on").WithCode("no_active_task")
	}

	decision, err := s.governor.AdmitDispatch(agentID, peerIP, content)
	if err != nil {
		return nil, decision, err
	}

	messageID := rec.activeMessageID
	if err := s.sender.SendDispatch(agentID, bridge.NewDispatchFrame(messageID, content, context, true)); err != nil {
		s.logger.Error("follow-up delivery failed",
			zap.String("agent_id", agentID),
			zap.String("message_id", messageID),
			zap.Error(err))
		prev := rec.taskState
		rec.taskState = v1.TaskError
		rec.lastError = ErrReasonDeliveryFailed
		rec.stopTimers()
		s.publishStatusChange(rec, prev, ErrReasonDeliveryFailed)
		return nil, decision, errors.Conflict("agent bridge is unavailable").WithCode("not_connected")
	}

	s.audit.Record(security.AuditTaskFollowup, security.OutcomePass,
		zap.String("agent_id", agentID),
		zap.String("message_id", messageID),
		zap.Int("content_length", len(content)),
		zap.String("peer_address", peerIP))
	s.bus.Publish(bus.New(events.FollowupSent,
		"follow-up sent to "+agentID).
		WithAgent(agentID).
		WithTask(messageID).
		WithMetadata(map[string]interface{}{
			"message_id":     messageID,
			"content_length": len(content),
		}))

	return &v1.FollowupResponse{MessageID: messageID, Status: v1.TaskRunning}, decision, nil
}

// AgentProgress handles a progress frame. The first one moves the task
// to RUNNING; stale or mismatched frames are ignored with a warning and
// never touch last_response.
func (s *Service) AgentProgress(agentID string, frame *bridge.ProgressFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[agentID]
	if !ok || !rec.inFlight() || frame.MessageID != rec.activeMessageID {
		s.logger.Warn("dropping stale progress frame",
			zap.String("agent_id", agentID),
			zap.String("message_id", frame.MessageID))
		return
	}

	if rec.taskState == v1.TaskDispatched {
		rec.taskState = v1.TaskRunning
		if rec.startTimer != nil {
			rec.startTimer.Stop()
			rec.startTimer = nil
		}
	}

	s.bus.Publish(bus.New(events.AgentProgress,
		"progress from "+agentID).
		WithAgent(agentID).
		WithTask(frame.MessageID).
		WithMetadata(map[string]interface{}{
			"content":        frame.Content,
			"content_length": len(frame.Content),
		}))
}

// AgentResponse latches the final answer, settles the task state, and
// charges reported usage to the cost ledgers. Stale responses are
// dropped with an audit entry.
func (s *Service) AgentResponse(agentID string, frame *bridge.ResponseFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[agentID]
	if !ok || !rec.inFlight() || frame.MessageID != rec.activeMessageID {
		s.logger.Warn("dropping stale response frame",
			zap.String("agent_id", agentID),
			zap.String("message_id", frame.MessageID))
		s.audit.Record(security.AuditResponseStale, security.OutcomeDenied,
			zap.String("agent_id", agentID),
			zap.String("message_id", frame.MessageID))
		return
	}

	rec.stopTimers()

	record := &v1.AgentResponseRecord{
		MessageID: frame.MessageID,
		Content:   frame.Content,
		Error:     frame.Error,
		Timestamp: s.now().UTC(),
	}
	if frame.Usage != nil {
		record.Usage = &v1.Usage{
			PromptTokens:     frame.Usage.PromptTokens,
			CompletionTokens: frame.Usage.CompletionTokens,
			TotalTokens:      frame.Usage.TotalTokens,
		}
	}
	rec.lastResponse = record

	if frame.Error != "" {
		rec.taskState = v1.TaskError
		rec.lastError = frame.Error
	} else {
		rec.taskState = v1.TaskCompleted
		rec.lastError = ""
	}

	meta := map[string]interface{}{
		"content":        frame.Content,
		"content_length": len(frame.Content),
		"status":         string(rec.taskState),
	}
	if frame.Error != "" {
		meta["error"] = frame.Error
	}
	var charged float64
	if frame.Usage != nil {
		meta["usage"] = map[string]interface{}{
			"prompt_tokens":     frame.Usage.PromptTokens,
			"completion_tokens": frame.Usage.CompletionTokens,
			"total_tokens":      frame.Usage.TotalTokens,
		}
		charged = s.governor.ChargeTokens(agentID, frame.Usage.TotalTokens)
		if charged > 0 {
			meta["cost_usd"] = charged
		}
	}
	s.bus.Publish(bus.New(events.AgentResponse,
		"response from "+agentID).
		WithAgent(agentID).
		WithTask(frame.MessageID).
		WithMetadata(meta))
}

// Get returns one agent's snapshot.
func (s *Service) Get(agentID string) (*v1.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return nil, errors.NotFound("agent", agentID)
	}
	return rec.toAPI(), nil
}

// List returns all agents in stable agent_id order.
func (s *Service) List() []*v1.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*v1.Agent, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, rec.toAPI())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// TaskStatus returns the task view of one agent.
func (s *Service) TaskStatus(agentID string) (*v1.TaskStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return nil, errors.NotFound("agent", agentID)
	}
	st := &v1.TaskStatus{
		AgentID:         rec.agentID,
		TaskState:       rec.taskState,
		ActiveMessageID: rec.activeMessageID,
		LastError:       rec.lastError,
	}
	if rec.lastResponse != nil {
		cp := *rec.lastResponse
		st.LastResponse = &cp
	}
	return st, nil
}

// Close stops all outstanding task timers.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.agents {
		rec.stopTimers()
	}
}

// armTimersLocked starts the no-progress and no-response deadlines for
// a freshly dispatched task.
func (s *Service) armTimersLocked(rec *agentRecord, messageID string) {
	agentID := rec.agentID
	if d := s.cfg.StartTimeoutDuration(); d > 0 {
		rec.startTimer = time.AfterFunc(d, func() {
			s.expire(agentID, messageID, "start")
		})
	}
	if d := s.cfg.TotalTimeoutDuration(); d > 0 {
		rec.totalTimer = time.AfterFunc(d, func() {
			s.expire(agentID, messageID, "total")
		})
	}
}

// expire fires when a task misses its start or total deadline. Late
// timers for settled or superseded tasks are ignored.
func (s *Service) expire(agentID, messageID, phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[agentID]
	if !ok || rec.activeMessageID != messageID || !rec.inFlight() {
		return
	}
	if phase == "start" && rec.taskState != v1.TaskDispatched {
		return
	}

	s.logger.Warn("task deadline expired",
		zap.String("agent_id", agentID),
		zap.String("message_id", messageID),
		zap.String("phase", phase))
	s.failTaskLocked(rec, ErrReasonTimeout)
}

// failTaskLocked settles an in-flight task as ERROR with the given
// reason and announces the transition.
func (s *Service) failTaskLocked(rec *agentRecord, reason string) {
	prev := rec.taskState
	rec.stopTimers()
	rec.taskState = v1.TaskError
	rec.lastError = reason
	s.publishStatusChange(rec, prev, reason)
}

func (s *Service) publishStatusChange(rec *agentRecord, from v1.TaskState, reason string) {
	s.bus.Publish(bus.New(events.AgentStatusChanged,
		"agent "+rec.agentID+" task "+string(from)+" -> "+string(rec.taskState)).
		WithAgent(rec.agentID).
		WithTask(rec.activeMessageID).
		WithMetadata(map[string]interface{}{
			"from":       string(from),
			"to":         string(rec.taskState),
			"reason":     reason,
			"message_id": rec.activeMessageID,
		}))
}
