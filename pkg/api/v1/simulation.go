package v1

// SimRole is an agent's role in the simulated multi-agent flow.
type SimRole string

const (
	RoleOrchestrator SimRole = "orchestrator"
	RoleWorker       SimRole = "worker"
	RoleReviewer     SimRole = "reviewer"
	RoleFixer        SimRole = "fixer"
	RoleForeman      SimRole = "foreman"
)

// SimStatus is the simulation engine lifecycle state.
type SimStatus string

const (
	SimIdle    SimStatus = "IDLE"
	SimRunning SimStatus = "RUNNING"
	SimPaused  SimStatus = "PAUSED"
	SimStopped SimStatus = "STOPPED"
)

// SimAgent is one roster entry.
type SimAgent struct {
	AgentID      string  `json:"agent_id"`
	Role         SimRole `json:"role"`
	ModelLabel   string  `json:"model_label,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
}

// Edge authorizes deliveries from source to target. Bidirectional is
// request sugar that expands into two directed edges.
type Edge struct {
	SourceAgentID string `json:"source_agent_id"`
	TargetAgentID string `json:"target_agent_id"`
	Bidirectional bool   `json:"bidirectional,omitempty"`
}

// SimBudgets bounds a simulation run.
type SimBudgets struct {
	MaxCostUSD      float64 `json:"max_cost_usd"`
	TickRateLimitMS int     `json:"tick_rate_limit_ms"`
	TickBudget      int     `json:"tick_budget"`
}

// SimInitRequest configures the roster and optional engine overrides.
type SimInitRequest struct {
	Agents             []SimAgent  `json:"agents"`
	UseRealLLM         *bool       `json:"use_real_llm,omitempty"`
	DefaultModel       string      `json:"default_model,omitempty"`
	DefaultTemperature *float64    `json:"default_temperature,omitempty"`
	Budgets            *SimBudgets `json:"budgets,omitempty"`
}

// SimGraphRequest replaces the flow graph.
type SimGraphRequest struct {
	Edges []Edge `json:"edges"`
}

// SimStartRequest seeds the run.
type SimStartRequest struct {
	InitialPrompt string `json:"initial_prompt"`
	FirstAgentID  string `json:"first_agent_id"`
}

// QueuedMessage is one pending delivery in the simulation queue.
type QueuedMessage struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Content      string `json:"content"`
	EnqueuedTick int    `json:"enqueued_tick"`
}

// ConversationEntry is one turn in an agent's bounded window.
type ConversationEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TickSummary reports the outcome of one tick. Status is "ok" unless a
// budget stopped the engine, in which case it is "budget_exceeded" and
// the tick did not advance.
type TickSummary struct {
	Status       string `json:"status"`
	OldTick      int    `json:"old_tick"`
	NewTick      int    `json:"new_tick"`
	MessagesSent int    `json:"messages_sent"`
	QueueSize    int    `json:"queue_size"`
}

// SimStateResponse is the full engine snapshot.
type SimStateResponse struct {
	Status        SimStatus                      `json:"status"`
	TickIndex     int                            `json:"tick_index"`
	Agents        []SimAgent                     `json:"agents"`
	Edges         []Edge                         `json:"edges"`
	InitialPrompt string                         `json:"initial_prompt,omitempty"`
	FirstAgentID  string                         `json:"first_agent_id,omitempty"`
	Queue         []QueuedMessage                `json:"queue"`
	Conversations map[string][]ConversationEntry `json:"conversations"`
	Budgets       SimBudgets                     `json:"budgets"`
	CostUSD       float64                        `json:"simulation_cost_usd"`
	UseRealLLM    bool                           `json:"use_real_llm"`
	DefaultModel  string                         `json:"default_model,omitempty"`
}
