package v1

import "time"

// ConnectionState tracks whether an agent has a live bridge socket.
type ConnectionState string

const (
	// ConnectionUnregistered means the agent was pre-registered over
	// the control API but no bridge has connected yet.
	ConnectionUnregistered ConnectionState = "UNREGISTERED"
	ConnectionConnected    ConnectionState = "CONNECTED"
	ConnectionDisconnected ConnectionState = "DISCONNECTED"
)

// TaskState is the dispatch lifecycle of an agent's current task.
type TaskState string

const (
	TaskIdle       TaskState = "IDLE"
	TaskDispatched TaskState = "DISPATCHED"
	TaskRunning    TaskState = "RUNNING"
	TaskCompleted  TaskState = "COMPLETED"
	TaskError      TaskState = "ERROR"
)

// Dispatchable reports whether a new task may be dispatched from this
// state. COMPLETED and ERROR are latched terminal states cleared by the
// next dispatch.
func (s TaskState) Dispatchable() bool {
	return s == TaskIdle || s == TaskCompleted || s == TaskError
}

// Agent is one remote agent as seen by the control surface.
type Agent struct {
	AgentID         string          `json:"agent_id"`
	DisplayName     string          `json:"display_name,omitempty"`
	Capabilities    []string        `json:"capabilities,omitempty"`
	Workdir         string          `json:"workdir,omitempty"`
	ConnectionState ConnectionState `json:"connection_state"`
	TaskState       TaskState       `json:"task_state"`
	ActiveMessageID string          `json:"active_message_id,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	RemoteAddr      string          `json:"remote_addr,omitempty"`
	ConnectedAt     *time.Time      `json:"connected_at,omitempty"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
}

// RegisterAgentRequest pre-registers agent metadata before any bridge
// connects. Idempotent on agent_id.
type RegisterAgentRequest struct {
	AgentID      string   `json:"agent_id"`
	DisplayName  string   `json:"display_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Workdir      string   `json:"workdir,omitempty"`
}
