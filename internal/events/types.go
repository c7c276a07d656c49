// Package events defines the closed set of event types emitted by the
// control plane.
package events

import "strings"

// Agent lifecycle events
const (
	AgentRegistered    = "AGENT_REGISTERED"
	AgentDisconnected  = "AGENT_DISCONNECTED"
	AgentStatusChanged = "AGENT_STATUS_CHANGED"
)

// Task events
const (
	TaskDispatched = "TASK_DISPATCHED"
	AgentProgress  = "AGENT_PROGRESS"
	AgentResponse  = "AGENT_RESPONSE"
	FollowupSent   = "FOLLOWUP_SENT"
)

// Simulation events
const (
	MessageSent           = "MESSAGE_SENT"
	MessageBlockedByGraph = "MESSAGE_BLOCKED_BY_GRAPH"
	TickAdvanced          = "TICK_ADVANCED"
)

// Governor events
const (
	CostTracking      = "COST_TRACKING"
	RateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CostLimitExceeded = "COST_LIMIT_EXCEEDED"
)

// Security events
const (
	AuthFailure   = "AUTH_FAILURE"
	PathViolation = "PATH_VIOLATION"
)

// All lists every event type, in a stable order.
var All = []string{
	AgentRegistered,
	AgentDisconnected,
	AgentStatusChanged,
	TaskDispatched,
	AgentProgress,
	AgentResponse,
	FollowupSent,
	MessageSent,
	MessageBlockedByGraph,
	TickAdvanced,
	CostTracking,
	RateLimitExceeded,
	CostLimitExceeded,
	AuthFailure,
	PathViolation,
}

// StreamName returns the lowercase form used as the SSE event name and
// the NATS subject suffix.
func StreamName(eventType string) string {
	return strings.ToLower(eventType)
}

// Valid reports whether the given string is a known event type.
func Valid(eventType string) bool {
	for _, t := range All {
		if t == eventType {
			return true
		}
	}
	return false
}
