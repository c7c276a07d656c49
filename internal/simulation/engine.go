// Package simulation implements the tick-based multi-agent flow: a
// roster of simulated agents, a directed graph authorizing deliveries,
// and a FIFO message queue advanced one tick at a time. Replies come
// from a deterministic stub or from a model backend, under the same
// cost ledgers as real dispatches.
package simulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/security"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// conversationWindowCap bounds each agent's conversation memory;
// oldest entries are dropped first.
const conversationWindowCap = 20

// userAgent is the pseudo-agent that seeds a run. It bypasses graph
// validation as a source and cannot appear in the roster.
const userAgent = "user"

// Block reasons carried by MESSAGE_BLOCKED_BY_GRAPH events.
const (
	blockNoEdge        = "no edge"
	blockUnknownSource = "unknown source"
	blockUnknownTarget = "unknown target"
)

// TickStatusOK and TickStatusBudgetExceeded are the two TickSummary
// statuses.
const (
	TickStatusOK             = "ok"
	TickStatusBudgetExceeded = "budget_exceeded"
)

type queuedMessage struct {
	from         string
	to           string
	content      string
	enqueuedTick int
	isStub       bool
}

// Engine drives the simulation. All operations, including state reads,
// serialize on one mutex: a tick is atomic with respect to snapshots.
type Engine struct {
	mu sync.Mutex

	cfg    config.SimulationConfig
	cost   *security.CostTracker
	gen    Generator
	bus    *bus.Bus
	now    func() time.Time
	logger *logger.Logger

	status     v1.SimStatus
	tick       int
	lastTickAt time.Time

	roster        []v1.SimAgent
	byID          map[string]v1.SimAgent
	edges         map[string]map[string]bool
	edgeList      []v1.Edge
	queue         []queuedMessage
	conversations map[string][]v1.ConversationEntry

	initialPrompt string
	firstAgentID  string

	useRealLLM   bool
	defaultModel string
	defaultTemp  float64
	budgets      v1.SimBudgets
	costUSD      float64
}

// NewEngine creates an idle engine. gen may be nil, in which case the
// engine only ever produces stub replies.
func NewEngine(cfg config.SimulationConfig, cost *security.CostTracker, gen Generator, b *bus.Bus, log *logger.Logger) *Engine {
	return &Engine{
		cfg:           cfg,
		cost:          cost,
		gen:           gen,
		bus:           b,
		now:           time.Now,
		logger:        log.WithFields(zap.String("component", "simulation")),
		status:        v1.SimIdle,
		byID:          make(map[string]v1.SimAgent),
		edges:         make(map[string]map[string]bool),
		conversations: make(map[string][]v1.ConversationEntry),
		defaultModel:  cfg.DefaultModel,
		defaultTemp:   cfg.DefaultTemperature,
		budgets: v1.SimBudgets{
			MaxCostUSD:      cfg.MaxCostUSD,
			TickRateLimitMS: cfg.TickRateLimitMS,
			TickBudget:      cfg.TickBudget,
		},
	}
}

func validRole(role v1.SimRole) bool {
	switch role {
	case v1.RoleOrchestrator, v1.RoleWorker, v1.RoleReviewer, v1.RoleFixer, v1.RoleForeman:
		return true
	}
	return false
}

// Init replaces the roster and engine settings. It discards any prior
// graph and run state, so it is refused while a run is active.
func (e *Engine) Init(req *v1.SimInitRequest) error {
	if len(req.Agents) == 0 {
		return errors.ValidationError("agents", "at least one agent is required")
	}

	roster := make([]v1.SimAgent, 0, len(req.Agents))
	byID := make(map[string]v1.SimAgent, len(req.Agents))
	for _, a := range req.Agents {
		if err := security.ValidateAgentID(a.AgentID); err != nil {
			return err
		}
		if a.AgentID == userAgent {
			return errors.ValidationError("agents", fmt.Sprintf("%q is reserved", userAgent))
		}
		if _, dup := byID[a.AgentID]; dup {
			return errors.ValidationError("agents", "duplicate agent_id "+a.AgentID)
		}
		if a.Role == "" {
			a.Role = v1.RoleWorker
		}
		if !validRole(a.Role) {
			return errors.ValidationError("agents", fmt.Sprintf("unknown role %q", a.Role))
		}
		roster = append(roster, a)
		byID[a.AgentID] = a
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == v1.SimRunning || e.status == v1.SimPaused {
		return errors.Conflict("simulation is active; stop it before reconfiguring")
	}

	e.roster = roster
	e.byID = byID
	e.edges = make(map[string]map[string]bool)
	e.edgeList = nil
	e.resetRunLocked()

	if req.DefaultModel != "" {
		e.defaultModel = req.DefaultModel
	}
	if req.DefaultTemperature != nil {
		e.defaultTemp = *req.DefaultTemperature
	}
	e.useRealLLM = req.UseRealLLM != nil && *req.UseRealLLM
	if e.useRealLLM && e.gen == nil {
		e.logger.Warn("real model mode requested without a configured backend; replies will be stubbed")
		e.useRealLLM = false
	}

	e.budgets = v1.SimBudgets{
		MaxCostUSD:      e.cfg.MaxCostUSD,
		TickRateLimitMS: e.cfg.TickRateLimitMS,
		TickBudget:      e.cfg.TickBudget,
	}
	if req.Budgets != nil {
		if req.Budgets.MaxCostUSD > 0 {
			e.budgets.MaxCostUSD = req.Budgets.MaxCostUSD
		}
		if req.Budgets.TickRateLimitMS > 0 {
			e.budgets.TickRateLimitMS = req.Budgets.TickRateLimitMS
		}
		if req.Budgets.TickBudget > 0 {
			e.budgets.TickBudget = req.Budgets.TickBudget
		}
	}

	e.logger.Info("simulation initialized",
		zap.Int("agents", len(roster)),
		zap.Bool("use_real_llm", e.useRealLLM))
	return nil
}

// SetGraph replaces the flow graph. Bidirectional request edges expand
// into two directed edges; every endpoint must be a roster agent.
func (e *Engine) SetGraph(req *v1.SimGraphRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == v1.SimRunning || e.status == v1.SimPaused {
		return errors.Conflict("simulation is active; stop it before reconfiguring")
	}
	if len(e.roster) == 0 {
		return errors.Conflict("roster is not configured")
	}

	edges := make(map[string]map[string]bool)
	var edgeList []v1.Edge
	add := func(from, to string) {
		if edges[from] == nil {
			edges[from] = make(map[string]bool)
		}
		if !edges[from][to] {
			edges[from][to] = true
			edgeList = append(edgeList, v1.Edge{SourceAgentID: from, TargetAgentID: to})
		}
	}
	for _, edge := range req.Edges {
		if _, ok := e.byID[edge.SourceAgentID]; !ok {
			return errors.ValidationError("edges", "unknown agent_id "+edge.SourceAgentID)
		}
		if _, ok := e.byID[edge.TargetAgentID]; !ok {
			return errors.ValidationError("edges", "unknown agent_id "+edge.TargetAgentID)
		}
		add(edge.SourceAgentID, edge.TargetAgentID)
		if edge.Bidirectional {
			add(edge.TargetAgentID, edge.SourceAgentID)
		}
	}

	e.edges = edges
	e.edgeList = edgeList
	return nil
}

// Start begins a run from IDLE by enqueuing the single seed message,
// or resumes a paused run.
func (e *Engine) Start(req *v1.SimStartRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case v1.SimPaused:
		e.status = v1.SimRunning
		return nil
	case v1.SimRunning:
		return errors.Conflict("simulation is already running")
	case v1.SimStopped:
		return errors.Conflict("simulation is stopped; reset it before starting")
	}

	if len(e.roster) == 0 {
		return errors.Conflict("roster is not configured")
	}
	if len(e.edgeList) == 0 {
		return errors.Conflict("flow graph is not configured")
	}
	if req.InitialPrompt == "" {
		return errors.ValidationError("initial_prompt", "is required")
	}
	if _, ok := e.byID[req.FirstAgentID]; !ok {
		return errors.ValidationError("first_agent_id", "is not a roster agent")
	}

	e.initialPrompt = req.InitialPrompt
	e.firstAgentID = req.FirstAgentID
	e.queue = []queuedMessage{{
		from:         userAgent,
		to:           req.FirstAgentID,
		content:      req.InitialPrompt,
		enqueuedTick: 0,
	}}
	e.status = v1.SimRunning

	e.logger.Info("simulation started",
		zap.String("first_agent_id", req.FirstAgentID))
	return nil
}

// Pause suspends a running simulation.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != v1.SimRunning {
		return errors.Conflict("simulation is not running")
	}
	e.status = v1.SimPaused
	return nil
}

// Stop ends the run. A stopped simulation only leaves STOPPED via
// Reset.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.status {
	case v1.SimRunning, v1.SimPaused, v1.SimStopped:
		e.status = v1.SimStopped
		return nil
	}
	return errors.Conflict("simulation has not been started")
}

// Reset clears all run state back to IDLE. Roster, graph, model
// settings, and budgets survive.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetRunLocked()
}

func (e *Engine) resetRunLocked() {
	e.status = v1.SimIdle
	e.tick = 0
	e.lastTickAt = time.Time{}
	e.queue = nil
	e.conversations = make(map[string][]v1.ConversationEntry)
	e.initialPrompt = ""
	e.firstAgentID = ""
	e.costUSD = 0
}

// EnqueueRaw appends a message to the queue tail without graph
// validation; delivery validates. Used as an operations hook to
// inject traffic into an active run.
func (e *Engine) EnqueueRaw(from, to, content string) error {
	if content == "" {
		return errors.ValidationError("content", "is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != v1.SimRunning && e.status != v1.SimPaused {
		return errors.Conflict("simulation is not active")
	}
	e.queue = append(e.queue, queuedMessage{
		from:         from,
		to:           to,
		content:      content,
		enqueuedTick: e.tick,
	})
	return nil
}

// Tick advances the simulation by one tick: it processes the messages
// queued at tick start, delivering at most one per sender, and
// enqueues generated replies for the next tick. A graph block or a
// sender hitting its per-tick cap ends processing early; the capped
// message is requeued at the tail, the blocked one is consumed.
func (e *Engine) Tick(ctx context.Context) (*v1.TickSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != v1.SimRunning {
		return nil, errors.Conflict("simulation is not running")
	}
	if lim := time.Duration(e.budgets.TickRateLimitMS) * time.Millisecond; lim > 0 && !e.lastTickAt.IsZero() {
		if elapsed := e.now().Sub(e.lastTickAt); elapsed < lim {
			return nil, errors.RateLimited(fmt.Sprintf(
				"tick rate limit: %dms between ticks", e.budgets.TickRateLimitMS)).
				WithCode("engine_busy")
		}
	}
	if e.budgetExhaustedLocked() {
		return &v1.TickSummary{
			Status:    TickStatusBudgetExceeded,
			OldTick:   e.tick,
			NewTick:   e.tick,
			QueueSize: len(e.queue),
		}, nil
	}

	oldTick := e.tick
	activity := make(map[string]int)
	sent := 0

	batch := len(e.queue)
	for i := 0; i < batch && len(e.queue) > 0; i++ {
		msg := e.queue[0]
		e.queue = e.queue[1:]

		if reason := e.blockReasonLocked(msg.from, msg.to); reason != "" {
			e.bus.Publish(bus.New(events.MessageBlockedByGraph,
				fmt.Sprintf("blocked %s -> %s: %s", msg.from, msg.to, reason)).
				WithTick(oldTick).
				WithMetadata(map[string]interface{}{
					"from":       msg.from,
					"to":         msg.to,
					"reason":     reason,
					"tick_index": oldTick,
				}))
			break
		}
		if activity[msg.from] >= 1 {
			e.queue = append(e.queue, msg)
			break
		}

		activity[msg.from]++
		sent++
		e.deliverLocked(ctx, msg, oldTick)
	}

	e.tick = oldTick + 1
	e.lastTickAt = e.now()
	e.bus.Publish(bus.New(events.TickAdvanced,
		fmt.Sprintf("tick %d -> %d", oldTick, e.tick)).
		WithTick(e.tick).
		WithMetadata(map[string]interface{}{
			"old_tick":      oldTick,
			"new_tick":      e.tick,
			"messages_sent": sent,
			"queue_size":    len(e.queue),
		}))

	return &v1.TickSummary{
		Status:       TickStatusOK,
		OldTick:      oldTick,
		NewTick:      e.tick,
		MessagesSent: sent,
		QueueSize:    len(e.queue),
	}, nil
}

func (e *Engine) budgetExhaustedLocked() bool {
	if e.budgets.TickBudget > 0 && e.tick >= e.budgets.TickBudget {
		return true
	}
	if e.budgets.MaxCostUSD > 0 && e.costUSD >= e.budgets.MaxCostUSD {
		return true
	}
	return false
}

// blockReasonLocked validates a delivery. The user pseudo-agent is
// exempt from source and edge checks.
func (e *Engine) blockReasonLocked(from, to string) string {
	if from != userAgent {
		if _, ok := e.byID[from]; !ok {
			return blockUnknownSource
		}
	}
	if _, ok := e.byID[to]; !ok {
		return blockUnknownTarget
	}
	if from == userAgent {
		return ""
	}
	if !e.edges[from][to] {
		return blockNoEdge
	}
	return ""
}

// deliverLocked emits the delivery event, updates both conversation
// windows, and enqueues the recipient's replies for the next tick.
func (e *Engine) deliverLocked(ctx context.Context, msg queuedMessage, tick int) {
	role, model := e.senderMetaLocked(msg.from)
	e.bus.Publish(bus.New(events.MessageSent,
		fmt.Sprintf("%s -> %s", msg.from, msg.to)).
		WithTick(tick).
		WithMetadata(map[string]interface{}{
			"from":       msg.from,
			"to":         msg.to,
			"content":    msg.content,
			"tick_index": tick,
			"role":       role,
			"model":      model,
			"is_stub":    msg.isStub,
		}))

	window := append([]v1.ConversationEntry(nil), e.conversations[msg.to]...)
	e.appendWindowLocked(msg.from, "assistant", msg.content)
	e.appendWindowLocked(msg.to, "user", msg.content)

	recipient, ok := e.byID[msg.to]
	if !ok {
		return
	}
	for _, agent := range e.roster {
		if !e.edges[msg.to][agent.AgentID] {
			continue
		}
		content, isStub := e.replyLocked(ctx, recipient, agent.AgentID, tick, msg.content, window)
		e.queue = append(e.queue, queuedMessage{
			from:         msg.to,
			to:           agent.AgentID,
			content:      content,
			enqueuedTick: tick + 1,
			isStub:       isStub,
		})
	}
}

func (e *Engine) senderMetaLocked(from string) (string, string) {
	if from == userAgent {
		return userAgent, ""
	}
	agent, ok := e.byID[from]
	if !ok {
		return "", ""
	}
	model := agent.ModelLabel
	if model == "" {
		model = e.defaultModel
	}
	return string(agent.Role), model
}

// replyLocked produces one reply, preferring the model backend when
// real mode is on. A cost rejection skips the model call entirely;
// any backend failure falls back to the stub. Neither aborts the tick.
func (e *Engine) replyLocked(ctx context.Context, agent v1.SimAgent, target string, tick int, incoming string, window []v1.ConversationEntry) (string, bool) {
	if !e.useRealLLM || e.gen == nil {
		return stubReply(agent.AgentID, target, tick, incoming), true
	}

	projected := e.cost.ProjectContent(incoming)
	if err := e.cost.Check(projected); err != nil {
		e.bus.Publish(bus.New(events.CostLimitExceeded,
			"simulation reply for "+agent.AgentID+" skipped: cost limit").
			WithAgent(agent.AgentID).
			WithTick(tick).
			WithMetadata(map[string]interface{}{
				"agent_id":      agent.AgentID,
				"target":        target,
				"tick_index":    tick,
				"projected_usd": projected,
			}))
		return stubReply(agent.AgentID, target, tick, incoming), true
	}

	reply, usage, err := e.gen.Generate(ctx, agent, window, incoming)
	if err != nil {
		e.logger.Warn("model backend failed; falling back to stub",
			zap.String("agent_id", agent.AgentID),
			zap.Error(err))
		e.bus.Publish(bus.New(events.AgentResponse,
			"model backend failed for "+agent.AgentID).
			WithAgent(agent.AgentID).
			WithTick(tick).
			WithMetadata(map[string]interface{}{
				"agent_id":   agent.AgentID,
				"target":     target,
				"error":      err.Error(),
				"tick_index": tick,
				"fallback":   "stub",
			}))
		return stubReply(agent.AgentID, target, tick, incoming), true
	}

	if usage != nil {
		charged := e.cost.FromTokens(usage.TotalTokens)
		if charged > 0 {
			e.cost.Charge(charged, agent.AgentID)
			e.costUSD += charged
		}
	}
	return reply, false
}

func (e *Engine) appendWindowLocked(agentID, role, content string) {
	window := append(e.conversations[agentID], v1.ConversationEntry{
		Role:    role,
		Content: content,
	})
	if len(window) > conversationWindowCap {
		window = window[len(window)-conversationWindowCap:]
	}
	e.conversations[agentID] = window
}

// State returns a deep snapshot of the engine.
func (e *Engine) State() *v1.SimStateResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	queue := make([]v1.QueuedMessage, len(e.queue))
	for i, m := range e.queue {
		queue[i] = v1.QueuedMessage{
			From:         m.from,
			To:           m.to,
			Content:      m.content,
			EnqueuedTick: m.enqueuedTick,
		}
	}
	conversations := make(map[string][]v1.ConversationEntry, len(e.conversations))
	for id, window := range e.conversations {
		conversations[id] = append([]v1.ConversationEntry(nil), window...)
	}

	return &v1.SimStateResponse{
		Status:        e.status,
		TickIndex:     e.tick,
		Agents:        append([]v1.SimAgent(nil), e.roster...),
		Edges:         append([]v1.Edge(nil), e.edgeList...),
		InitialPrompt: e.initialPrompt,
		FirstAgentID:  e.firstAgentID,
		Queue:         queue,
		Conversations: conversations,
		Budgets:       e.budgets,
		CostUSD:       e.costUSD,
		UseRealLLM:    e.useRealLLM,
		DefaultModel:  e.defaultModel,
	}
}
