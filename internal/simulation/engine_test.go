package simulation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/security"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

type engineFixture struct {
	eng  *Engine
	bus  *bus.Bus
	cost *security.CostTracker
}

func newEngineFixture(t *testing.T, simCfg config.SimulationConfig, costCfg config.CostConfig, gen Generator) *engineFixture {
	t.Helper()
	log := newTestLogger(t)
	b := bus.NewBus(256, 256, log)
	t.Cleanup(b.Close)
	cost := security.NewCostTracker(costCfg, b, log)
	return &engineFixture{
		eng:  NewEngine(simCfg, cost, gen, b, log),
		bus:  b,
		cost: cost,
	}
}

func newStubFixture(t *testing.T) *engineFixture {
	return newEngineFixture(t, config.SimulationConfig{}, config.CostConfig{
		SessionLimitUSD: 1000.0,
		DailyLimitUSD:   5000.0,
		WarnFraction:    0.8,
		Per1KTokensUSD:  5.0,
	}, nil)
}

// initChain configures roster {a,b,c} with edges a->b and b->c.
func initChain(t *testing.T, eng *Engine) {
	t.Helper()
	require.NoError(t, eng.Init(&v1.SimInitRequest{Agents: []v1.SimAgent{
		{AgentID: "a", Role: v1.RoleOrchestrator},
		{AgentID: "b", Role: v1.RoleWorker},
		{AgentID: "c", Role: v1.RoleReviewer},
	}}))
	require.NoError(t, eng.SetGraph(&v1.SimGraphRequest{Edges: []v1.Edge{
		{SourceAgentID: "a", TargetAgentID: "b"},
		{SourceAgentID: "b", TargetAgentID: "c"},
	}}))
}

func drainEvents(sub *bus.Subscriber) []bus.Event {
	var out []bus.Event
	for {
		select {
		case e := <-sub.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventsOfType(evts []bus.Event, eventType string) []bus.Event {
	var out []bus.Event
	for _, e := range evts {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	reply    string
	usage    *v1.Usage
	err      error
	lastArgs struct {
		agent    v1.SimAgent
		window   []v1.ConversationEntry
		incoming string
	}
}

func (g *fakeGenerator) Generate(_ context.Context, agent v1.SimAgent, window []v1.ConversationEntry, incoming string) (string, *v1.Usage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.lastArgs.agent = agent
	g.lastArgs.window = append([]v1.ConversationEntry(nil), window...)
	g.lastArgs.incoming = incoming
	if g.err != nil {
		return "", nil, g.err
	}
	return g.reply, g.usage, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestInitValidation(t *testing.T) {
	f := newStubFixture(t)

	err := f.eng.Init(&v1.SimInitRequest{})
	require.Error(t, err)

	err = f.eng.Init(&v1.SimInitRequest{Agents: []v1.SimAgent{
		{AgentID: "a"}, {AgentID: "a"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	err = f.eng.Init(&v1.SimInitRequest{Agents: []v1.SimAgent{
		{AgentID: "user"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")

	err = f.eng.Init(&v1.SimInitRequest{Agents: []v1.SimAgent{
		{AgentID: "a", Role: "manager"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role")

	// An omitted role defaults to worker.
	require.NoError(t, f.eng.Init(&v1.SimInitRequest{Agents: []v1.SimAgent{
		{AgentID: "a"},
	}}))
	assert.Equal(t, v1.RoleWorker, f.eng.State().Agents[0].Role)
}

func TestSetGraphValidation(t *testing.T) {
	f := newStubFixture(t)

	// No roster yet.
	err := f.eng.SetGraph(&v1.SimGraphRequest{Edges: []v1.Edge{
		{SourceAgentID: "a", TargetAgentID: "b"},
	}})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	require.NoError(t, f.eng.Init(&v1.SimInitRequest{Agents: []v1.SimAgent{
		{AgentID: "a"}, {AgentID: "b"},
	}}))

	err = f.eng.SetGraph(&v1.SimGraphRequest{Edges: []v1.Edge{
		{SourceAgentID: "a", TargetAgentID: "ghost"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")

	// Bidirectional sugar expands to two directed edges.
	require.NoError(t, f.eng.SetGraph(&v1.SimGraphRequest{Edges: []v1.Edge{
		{SourceAgentID: "a", TargetAgentID: "b", Bidirectional: true},
	}}))
	state := f.eng.State()
	require.Len(t, state.Edges, 2)
	assert.Equal(t, "a", state.Edges[0].SourceAgentID)
	assert.Equal(t, "b", state.Edges[0].TargetAgentID)
	assert.Equal(t, "b", state.Edges[1].SourceAgentID)
	assert.Equal(t, "a", state.Edges[1].TargetAgentID)
}

func TestStartPreconditions(t *testing.T) {
	f := newStubFixture(t)

	err := f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	require.NoError(t, f.eng.Init(&v1.SimInitRequest{Agents: []v1.SimAgent{
		{AgentID: "a"}, {AgentID: "b"},
	}}))
	err = f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	require.NoError(t, f.eng.SetGraph(&v1.SimGraphRequest{Edges: []v1.Edge{
		{SourceAgentID: "a", TargetAgentID: "b"},
	}}))
	err = f.eng.Start(&v1.SimStartRequest{FirstAgentID: "a"})
	require.Error(t, err)

	err = f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "ghost"})
	require.Error(t, err)

	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"}))
	state := f.eng.State()
	assert.Equal(t, v1.SimRunning, state.Status)
	require.Len(t, state.Queue, 1)
	assert.Equal(t, "user", state.Queue[0].From)
	assert.Equal(t, "a", state.Queue[0].To)
	assert.Equal(t, "go", state.Queue[0].Content)
	assert.Equal(t, 0, state.Queue[0].EnqueuedTick)
}

func TestLifecycleTransitions(t *testing.T) {
	f := newStubFixture(t)
	initChain(t, f.eng)

	// Tick outside RUNNING is refused.
	_, err := f.eng.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"}))
	require.Error(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"}))

	require.NoError(t, f.eng.Pause())
	assert.Equal(t, v1.SimPaused, f.eng.State().Status)
	_, err = f.eng.Tick(context.Background())
	require.Error(t, err)

	// Start on a paused run resumes it.
	require.NoError(t, f.eng.Start(&v1.SimStartRequest{}))
	assert.Equal(t, v1.SimRunning, f.eng.State().Status)

	require.NoError(t, f.eng.Stop())
	assert.Equal(t, v1.SimStopped, f.eng.State().Status)
	err = f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"})
	require.Error(t, err)

	// Reset returns to IDLE with configuration intact.
	f.eng.Reset()
	state := f.eng.State()
	assert.Equal(t, v1.SimIdle, state.Status)
	assert.Equal(t, 0, state.TickIndex)
	assert.Empty(t, state.Queue)
	assert.Len(t, state.Agents, 3)
	assert.Len(t, state.Edges, 2)
	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "again", FirstAgentID: "a"}))

	// Init is refused while the new run is active.
	err = f.eng.Init(&v1.SimInitRequest{Agents: []v1.SimAgent{{AgentID: "x"}}})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	err = f.eng.SetGraph(&v1.SimGraphRequest{})
	require.Error(t, err)

	// Pause in IDLE and stop in IDLE are refused.
	f.eng.Reset()
	require.Error(t, f.eng.Pause())
	require.Error(t, f.eng.Stop())
}

func TestTickChainDeliveries(t *testing.T) {
	f := newStubFixture(t)
	initChain(t, f.eng)
	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"}))

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	// Tick 0: seed delivered user->a, a's stub reply to b enqueued.
	sum, err := f.eng.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickStatusOK, sum.Status)
	assert.Equal(t, 0, sum.OldTick)
	assert.Equal(t, 1, sum.NewTick)
	assert.Equal(t, 1, sum.MessagesSent)
	assert.Equal(t, 1, sum.QueueSize)

	evts := drainEvents(sub)
	sent := eventsOfType(evts, events.MessageSent)
	require.Len(t, sent, 1)
	assert.Equal(t, "user", sent[0].Metadata["from"])
	assert.Equal(t, "a", sent[0].Metadata["to"])
	assert.Equal(t, "go", sent[0].Metadata["content"])
	assert.Equal(t, "user", sent[0].Metadata["role"])
	assert.Equal(t, false, sent[0].Metadata["is_stub"])
	ticks := eventsOfType(evts, events.TickAdvanced)
	require.Len(t, ticks, 1)
	assert.Equal(t, 0, ticks[0].Metadata["old_tick"])
	assert.Equal(t, 1, ticks[0].Metadata["new_tick"])
	assert.Equal(t, 1, ticks[0].Metadata["messages_sent"])
	assert.Equal(t, 1, ticks[0].Metadata["queue_size"])

	state := f.eng.State()
	require.Len(t, state.Queue, 1)
	assert.Equal(t, "a", state.Queue[0].From)
	assert.Equal(t, "b", state.Queue[0].To)
	assert.Equal(t, 1, state.Queue[0].EnqueuedTick)
	assert.Regexp(t, regexp.MustCompile(`^\[STUB\] a -> b @ tick 0 \([0-9a-f]{8}\)$`), state.Queue[0].Content)

	// The delivery landed in both conversation windows.
	assert.Equal(t, []v1.ConversationEntry{{Role: "assistant", Content: "go"}}, state.Conversations["user"])
	assert.Equal(t, []v1.ConversationEntry{{Role: "user", Content: "go"}}, state.Conversations["a"])

	// Tick 1: a->b delivered, b's stub reply to c enqueued.
	sum, err = f.eng.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.MessagesSent)
	evts = drainEvents(sub)
	sent = eventsOfType(evts, events.MessageSent)
	require.Len(t, sent, 1)
	assert.Equal(t, "a", sent[0].Metadata["from"])
	assert.Equal(t, "b", sent[0].Metadata["to"])
	assert.Equal(t, string(v1.RoleOrchestrator), sent[0].Metadata["role"])
	assert.Equal(t, true, sent[0].Metadata["is_stub"])

	// Tick 2: b->c delivered; c has no outbound edge, so no reply and
	// the queue drains.
	sum, err = f.eng.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.MessagesSent)
	assert.Equal(t, 0, sum.QueueSize)

	// Empty queue: the tick still advances with zero deliveries.
	sum, err = f.eng.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.MessagesSent)
	assert.Equal(t, 4, sum.NewTick)
}

func TestGraphBlockConsumesMessage(t *testing.T) {
	f := newStubFixture(t)
	initChain(t, f.eng)
	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"}))

	// Drain the chain: user->a, a->b, b->c.
	for i := 0; i < 3; i++ {
		_, err := f.eng.Tick(context.Background())
		require.NoError(t, err)
	}

	// There is no c->a edge.
	require.NoError(t, f.eng.EnqueueRaw("c", "a", "sneaky"))

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	sum, err := f.eng.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.MessagesSent)
	assert.Equal(t, 0, sum.QueueSize)

	evts := drainEvents(sub)
	assert.Empty(t, eventsOfType(evts, events.MessageSent))
	blocked := eventsOfType(evts, events.MessageBlockedByGraph)
	require.Len(t, blocked, 1)
	assert.Equal(t, "c", blocked[0].Metadata["from"])
	assert.Equal(t, "a", blocked[0].Metadata["to"])
	assert.Equal(t, "no edge", blocked[0].Metadata["reason"])
}

func TestBlockReasons(t *testing.T) {
	f := newStubFixture(t)
	initChain(t, f.eng)
	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"}))

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	// Unknown sender is reported before any edge lookup.
	require.NoError(t, f.eng.EnqueueRaw("ghost", "a", "hello"))
	// The first tick consumes the seed; run until the ghost message is
	// at the head.
	for {
		sum, err := f.eng.Tick(context.Background())
		require.NoError(t, err)
		if blocked := eventsOfType(drainEvents(sub), events.MessageBlockedByGraph); len(blocked) > 0 {
			assert.Equal(t, "unknown source", blocked[0].Metadata["reason"])
			break
		}
		require.Less(t, sum.NewTick, 10, "block event never arrived")
	}

	// Unknown recipient, even from the user pseudo-agent.
	require.NoError(t, f.eng.EnqueueRaw("user", "nobody", "hello"))
	for {
		sum, err := f.eng.Tick(context.Background())
		require.NoError(t, err)
		if blocked := eventsOfType(drainEvents(sub), events.MessageBlockedByGraph); len(blocked) > 0 {
			assert.Equal(t, "unknown target", blocked[0].Metadata["reason"])
			break
		}
		require.Less(t, sum.NewTick, 20, "block event never arrived")
	}
}

func TestPerAgentActivityCap(t *testing.T) {
	f := newStubFixture(t)
	initChain(t, f.eng)
	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "first", FirstAgentID: "a"}))
	require.NoError(t, f.eng.EnqueueRaw("user", "a", "second"))

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	sum, err := f.eng.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.MessagesSent)

	// Exactly one delivery from the user this tick.
	sent := eventsOfType(drainEvents(sub), events.MessageSent)
	require.Len(t, sent, 1)
	assert.Equal(t, "first", sent[0].Metadata["content"])

	// The capped message moved behind a's freshly enqueued reply.
	state := f.eng.State()
	require.Len(t, state.Queue, 2)
	assert.Equal(t, "a", state.Queue[0].From)
	assert.Equal(t, "second", state.Queue[1].Content)
}

func TestTickBudgetSentinel(t *testing.T) {
	f := newStubFixture(t)
	require.NoError(t, f.eng.Init(&v1.SimInitRequest{
		Agents:  []v1.SimAgent{{AgentID: "a"}, {AgentID: "b"}},
		Budgets: &v1.SimBudgets{TickBudget: 2},
	}))
	require.NoError(t, f.eng.SetGraph(&v1.SimGraphRequest{Edges: []v1.Edge{
		{SourceAgentID: "a", TargetAgentID: "b"},
	}}))
	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"}))

	for i := 0; i < 2; i++ {
		sum, err := f.eng.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, TickStatusOK, sum.Status)
	}

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	// The budget is spent: a sentinel, not an error, and no advance.
	sum, err := f.eng.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickStatusBudgetExceeded, sum.Status)
	assert.Equal(t, 2, sum.OldTick)
	assert.Equal(t, 2, sum.NewTick)
	assert.Equal(t, 2, f.eng.State().TickIndex)
	assert.Empty(t, drainEvents(sub))
}

func TestTickRateLimit(t *testing.T) {
	f := newStubFixture(t)
	base := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	f.eng.now = func() time.Time { return clock }

	require.NoError(t, f.eng.Init(&v1.SimInitRequest{
		Agents:  []v1.SimAgent{{AgentID: "a"}, {AgentID: "b"}},
		Budgets: &v1.SimBudgets{TickRateLimitMS: 1000},
	}))
	require.NoError(t, f.eng.SetGraph(&v1.SimGraphRequest{Edges: []v1.Edge{
		{SourceAgentID: "a", TargetAgentID: "b"},
	}}))
	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"}))

	_, err := f.eng.Tick(context.Background())
	require.NoError(t, err)

	// Too soon.
	_, err = f.eng.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRateLimited(err))
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "engine_busy", appErr.Code)

	clock = clock.Add(1100 * time.Millisecond)
	_, err = f.eng.Tick(context.Background())
	require.NoError(t, err)
}

func TestConversationWindowCap(t *testing.T) {
	f := newStubFixture(t)
	require.NoError(t, f.eng.Init(&v1.SimInitRequest{Agents: []v1.SimAgent{
		{AgentID: "a"}, {AgentID: "b"},
	}}))
	require.NoError(t, f.eng.SetGraph(&v1.SimGraphRequest{Edges: []v1.Edge{
		{SourceAgentID: "a", TargetAgentID: "b", Bidirectional: true},
	}}))
	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"}))

	// The a<->b cycle bounces one message forever; every tick appends
	// to both windows.
	for i := 0; i < 30; i++ {
		_, err := f.eng.Tick(context.Background())
		require.NoError(t, err)
	}

	state := f.eng.State()
	for id, window := range state.Conversations {
		assert.LessOrEqual(t, len(window), conversationWindowCap, "window for %s", id)
	}
	assert.Len(t, state.Conversations["a"], conversationWindowCap)
}

func TestStubDeterminism(t *testing.T) {
	run := func() ([]string, *v1.SimStateResponse) {
		f := newStubFixture(t)
		initChain(t, f.eng)
		require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "build the thing", FirstAgentID: "a"}))

		sub := f.bus.Subscribe()
		defer f.bus.Unsubscribe(sub)

		for i := 0; i < 4; i++ {
			_, err := f.eng.Tick(context.Background())
			require.NoError(t, err)
		}

		var trace []string
		for _, e := range drainEvents(sub) {
			trace = append(trace, fmt.Sprintf("%s|%s|%v", e.Type, e.Message, e.Metadata))
		}
		return trace, f.eng.State()
	}

	trace1, state1 := run()
	trace2, state2 := run()
	assert.Equal(t, trace1, trace2)
	assert.Equal(t, state1.Queue, state2.Queue)
	assert.Equal(t, state1.Conversations, state2.Conversations)
	assert.Equal(t, state1.TickIndex, state2.TickIndex)
}

func TestStubReplyFormat(t *testing.T) {
	first := stubReply("a", "b", 3, "payload")
	assert.Equal(t, first, stubReply("a", "b", 3, "payload"))
	assert.Regexp(t, regexp.MustCompile(`^\[STUB\] a -> b @ tick 3 \([0-9a-f]{8}\)$`), first)

	// Any input change moves the digest.
	assert.NotEqual(t, first, stubReply("a", "b", 4, "payload"))
	assert.NotEqual(t, first, stubReply("a", "c", 3, "payload"))
	assert.NotEqual(t, first, stubReply("a", "b", 3, "payload2"))
}

func TestRealModeChargesUsage(t *testing.T) {
	gen := &fakeGenerator{reply: "model says hi", usage: &v1.Usage{
		PromptTokens: 600, CompletionTokens: 400, TotalTokens: 1000,
	}}
	f := newEngineFixture(t, config.SimulationConfig{}, config.CostConfig{
		SessionLimitUSD: 1000.0,
		DailyLimitUSD:   5000.0,
		WarnFraction:    0.8,
		Per1KTokensUSD:  5.0,
	}, gen)

	useReal := true
	require.NoError(t, f.eng.Init(&v1.SimInitRequest{
		Agents:     []v1.SimAgent{{AgentID: "a"}, {AgentID: "b"}},
		UseRealLLM: &useReal,
	}))
	require.NoError(t, f.eng.SetGraph(&v1.SimGraphRequest{Edges: []v1.Edge{
		{SourceAgentID: "a", TargetAgentID: "b"},
	}}))
	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"}))

	// Tick 0 delivers the seed and generates a's reply via the model.
	_, err := f.eng.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, gen.callCount())
	assert.Equal(t, "go", gen.lastArgs.incoming)
	assert.Equal(t, "a", gen.lastArgs.agent.AgentID)

	// 1000 tokens at $5 per 1K.
	state := f.eng.State()
	assert.InDelta(t, 5.0, state.CostUSD, 1e-9)
	assert.InDelta(t, 5.0, f.cost.Snapshot().SessionUSD, 1e-9)
	require.Len(t, state.Queue, 1)
	assert.Equal(t, "model says hi", state.Queue[0].Content)

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	// The delivered model reply is marked as real.
	_, err = f.eng.Tick(context.Background())
	require.NoError(t, err)
	sent := eventsOfType(drainEvents(sub), events.MessageSent)
	require.Len(t, sent, 1)
	assert.Equal(t, false, sent[0].Metadata["is_stub"])
	assert.Equal(t, "model says hi", sent[0].Metadata["content"])
}

func TestRealModeCostRejectionSkipsModelCall(t *testing.T) {
	gen := &fakeGenerator{reply: "never used"}
	f := newEngineFixture(t, config.SimulationConfig{}, config.CostConfig{
		SessionLimitUSD: 0.10,
		DailyLimitUSD:   5000.0,
		WarnFraction:    0.8,
		Per1KTokensUSD:  5.0,
	}, gen)

	useReal := true
	require.NoError(t, f.eng.Init(&v1.SimInitRequest{
		Agents:     []v1.SimAgent{{AgentID: "a"}, {AgentID: "b"}},
		UseRealLLM: &useReal,
	}))
	require.NoError(t, f.eng.SetGraph(&v1.SimGraphRequest{Edges: []v1.Edge{
		{SourceAgentID: "a", TargetAgentID: "b"},
	}}))
	// 400 chars project to 100 tokens = $0.50, over the $0.10 session cap.
	require.NoError(t, f.eng.Start(&v1.SimStartRequest{
		InitialPrompt: strings.Repeat("x", 400),
		FirstAgentID:  "a",
	}))

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	_, err := f.eng.Tick(context.Background())
	require.NoError(t, err)

	// No model call was issued and nothing was charged.
	assert.Equal(t, 0, gen.callCount())
	assert.Equal(t, 0.0, f.cost.Snapshot().SessionUSD)
	assert.Equal(t, 0.0, f.eng.State().CostUSD)

	evts := drainEvents(sub)
	limited := eventsOfType(evts, events.CostLimitExceeded)
	require.Len(t, limited, 1)
	assert.Equal(t, "a", limited[0].AgentID)
	assert.Equal(t, "b", limited[0].Metadata["target"])

	// The reply still exists, as a stub.
	state := f.eng.State()
	require.Len(t, state.Queue, 1)
	assert.Contains(t, state.Queue[0].Content, "[STUB]")
}

func TestRealModeBackendFailureFallsBackToStub(t *testing.T) {
	gen := &fakeGenerator{err: fmt.Errorf("api unreachable")}
	f := newEngineFixture(t, config.SimulationConfig{}, config.CostConfig{
		SessionLimitUSD: 1000.0,
		DailyLimitUSD:   5000.0,
		WarnFraction:    0.8,
		Per1KTokensUSD:  5.0,
	}, gen)

	useReal := true
	require.NoError(t, f.eng.Init(&v1.SimInitRequest{
		Agents:     []v1.SimAgent{{AgentID: "a"}, {AgentID: "b"}},
		UseRealLLM: &useReal,
	}))
	require.NoError(t, f.eng.SetGraph(&v1.SimGraphRequest{Edges: []v1.Edge{
		{SourceAgentID: "a", TargetAgentID: "b"},
	}}))
	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"}))

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	sum, err := f.eng.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickStatusOK, sum.Status)
	assert.Equal(t, 1, gen.callCount())

	evts := drainEvents(sub)
	fallback := eventsOfType(evts, events.AgentResponse)
	require.Len(t, fallback, 1)
	assert.Equal(t, "stub", fallback[0].Metadata["fallback"])
	assert.Equal(t, "api unreachable", fallback[0].Metadata["error"])

	state := f.eng.State()
	require.Len(t, state.Queue, 1)
	assert.Contains(t, state.Queue[0].Content, "[STUB]")
	assert.Equal(t, 0.0, state.CostUSD)
}

func TestCostBudgetStopsTicks(t *testing.T) {
	gen := &fakeGenerator{reply: "pricey", usage: &v1.Usage{TotalTokens: 1000}}
	f := newEngineFixture(t, config.SimulationConfig{}, config.CostConfig{
		SessionLimitUSD: 1000.0,
		DailyLimitUSD:   5000.0,
		WarnFraction:    0.8,
		Per1KTokensUSD:  5.0,
	}, gen)

	useReal := true
	require.NoError(t, f.eng.Init(&v1.SimInitRequest{
		Agents:     []v1.SimAgent{{AgentID: "a"}, {AgentID: "b"}},
		UseRealLLM: &useReal,
		Budgets:    &v1.SimBudgets{MaxCostUSD: 4.0},
	}))
	require.NoError(t, f.eng.SetGraph(&v1.SimGraphRequest{Edges: []v1.Edge{
		{SourceAgentID: "a", TargetAgentID: "b"},
	}}))
	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"}))

	// First tick charges $5, blowing through the $4 ceiling.
	sum, err := f.eng.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickStatusOK, sum.Status)

	sum, err = f.eng.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickStatusBudgetExceeded, sum.Status)
}

func TestEnqueueRawRequiresActiveRun(t *testing.T) {
	f := newStubFixture(t)
	initChain(t, f.eng)

	err := f.eng.EnqueueRaw("user", "a", "too early")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"}))
	require.NoError(t, f.eng.EnqueueRaw("user", "a", "ok now"))
	require.Error(t, f.eng.EnqueueRaw("user", "a", ""))

	require.NoError(t, f.eng.Pause())
	require.NoError(t, f.eng.EnqueueRaw("user", "a", "paused is fine"))
}

func TestStateSnapshotIsACopy(t *testing.T) {
	f := newStubFixture(t)
	initChain(t, f.eng)
	require.NoError(t, f.eng.Start(&v1.SimStartRequest{InitialPrompt: "go", FirstAgentID: "a"}))

	state := f.eng.State()
	state.Queue[0].Content = "tampered"
	state.Agents[0].AgentID = "tampered"

	fresh := f.eng.State()
	assert.Equal(t, "go", fresh.Queue[0].Content)
	assert.Equal(t, "a", fresh.Agents[0].AgentID)
}
