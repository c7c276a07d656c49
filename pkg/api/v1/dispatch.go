package v1

import "time"

// MessageKind distinguishes the first message of a task from messages
// attached to it afterwards.
type MessageKind string

const (
	KindDispatch MessageKind = "DISPATCH"
	KindFollowup MessageKind = "FOLLOWUP"
)

// ControlMessage is one operator-to-agent message.
type ControlMessage struct {
	MessageID string            `json:"message_id"`
	AgentID   string            `json:"agent_id"`
	Kind      MessageKind       `json:"kind"`
	Content   string            `json:"content"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Usage is the token accounting a bridge reports with a final response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AgentResponseRecord is the latched final answer for a task.
type AgentResponseRecord struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Usage     *Usage    `json:"usage,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DispatchRequest is the body of POST /agents/{id}/dispatch.
type DispatchRequest struct {
	Content string            `json:"content"`
	Context map[string]string `json:"context,omitempty"`
}

// DispatchResponse acknowledges an admitted dispatch.
type DispatchResponse struct {
	MessageID string    `json:"message_id"`
	Status    TaskState `json:"status"`
}

// FollowupRequest is the body of POST /agents/{id}/followup.
type FollowupRequest struct {
	Content string            `json:"content"`
	Context map[string]string `json:"context,omitempty"`
}

// FollowupResponse acknowledges a delivered follow-up.
type FollowupResponse struct {
	MessageID string    `json:"message_id"`
	Status    TaskState `json:"status"`
}

// TaskStatus is the body of GET /agents/{id}/task.
type TaskStatus struct {
	AgentID         string               `json:"agent_id"`
	TaskState       TaskState            `json:"task_state"`
	ActiveMessageID string               `json:"active_message_id,omitempty"`
	LastError       string               `json:"last_error,omitempty"`
	LastResponse    *AgentResponseRecord `json:"last_response,omitempty"`
}
