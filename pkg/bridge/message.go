// Package bridge defines the wire protocol spoken between the control
// plane and remote agent bridges: JSON text frames over a WebSocket,
// each carrying a "type" field plus type-specific fields at the top
// level.
package bridge

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType discriminates bridge protocol frames.
type FrameType string

const (
	// Bridge → hub.
	FrameRegister  FrameType = "register"
	FrameHeartbeat FrameType = "heartbeat"
	FrameProgress  FrameType = "progress"
	FrameResponse  FrameType = "response"

	// Hub → bridge.
	FrameRegistered FrameType = "registered"
	FrameDispatch   FrameType = "dispatch"
	FrameError      FrameType = "error"
	FrameClose      FrameType = "close"
)

// WebSocket close codes used by the hub. The 4000 range is reserved for
// application use by RFC 6455.
const (
	CloseAuthFailure      = 4001
	CloseProtocolError    = 4002
	CloseHeartbeatTimeout = 4003
	CloseAgentReplaced    = 4004
)

// Close reasons carried in the close frame and the WS close message.
const (
	ReasonAuthFailure      = "auth_failure"
	ReasonProtocolError    = "protocol_error"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonAgentReplaced    = "agent_replaced"
)

// Envelope holds only the discriminator; incoming frames are decoded
// into it first, then into the concrete frame type.
type Envelope struct {
	Type FrameType `json:"type"`
}

// RegisterFrame is the first frame a bridge must send after connecting.
type RegisterFrame struct {
	Type         FrameType `json:"type"`
	AgentID      string    `json:"agent_id"`
	AuthToken    string    `json:"auth_token"`
	DisplayName  string    `json:"display_name,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Workdir      string    `json:"workdir,omitempty"`
}

// RegisteredFrame acknowledges a successful registration.
type RegisteredFrame struct {
	Type       FrameType `json:"type"`
	SessionID  string    `json:"session_id"`
	ServerTime time.Time `json:"server_time"`
}

// HeartbeatFrame keeps the connection alive. Ts is unix milliseconds at
// the bridge.
type HeartbeatFrame struct {
	Type FrameType `json:"type"`
	Ts   int64     `json:"ts"`
}

// DispatchFrame delivers a task (or a follow-up to the active task)
// to the bridge.
type DispatchFrame struct {
	Type       FrameType         `json:"type"`
	MessageID  string            `json:"message_id"`
	Content    string            `json:"content"`
	Context    map[string]string `json:"context,omitempty"`
	IsFollowup bool              `json:"is_followup"`
}

// ProgressFrame relays partial output for the active task.
type ProgressFrame struct {
	Type      FrameType `json:"type"`
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
}

// Usage reports token consumption for a completed task.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseFrame carries the final result for the active task. Error is
// set when the bridge failed to complete the task.
type ResponseFrame struct {
	Type      FrameType `json:"type"`
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Usage     *Usage    `json:"usage,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ErrorFrame notifies the bridge of a protocol-level problem.
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// CloseFrame announces the reason just before the hub closes the
// connection.
type CloseFrame struct {
	Type   FrameType `json:"type"`
	Reason string    `json:"reason"`
}

// NewRegisterFrame builds a register frame.
func NewRegisterFrame(agentID, authToken string, capabilities []string, workdir string) *RegisterFrame {
	return &RegisterFrame{
		Type:         FrameRegister,
		AgentID:      agentID,
		AuthToken:    authToken,
		Capabilities: capabilities,
		Workdir:      workdir,
	}
}

// NewRegisteredFrame builds the registration acknowledgement.
func NewRegisteredFrame(sessionID string) *RegisteredFrame {
	return &RegisteredFrame{
		Type:       FrameRegistered,
		SessionID:  sessionID,
		ServerTime: time.Now().UTC(),
	}
}

// NewHeartbeatFrame builds a heartbeat stamped with the current time.
func NewHeartbeatFrame() *HeartbeatFrame {
	return &HeartbeatFrame{
		Type: FrameHeartbeat,
		Ts:   time.Now().UnixMilli(),
	}
}

// NewDispatchFrame builds an outbound dispatch or follow-up frame.
func NewDispatchFrame(messageID, content string, context map[string]string, isFollowup bool) *DispatchFrame {
	return &DispatchFrame{
		Type:       FrameDispatch,
		MessageID:  messageID,
		Content:    content,
		Context:    context,
		IsFollowup: isFollowup,
	}
}

// NewProgressFrame builds a progress frame.
func NewProgressFrame(messageID, content string) *ProgressFrame {
	return &ProgressFrame{
		Type:      FrameProgress,
		MessageID: messageID,
		Content:   content,
	}
}

// NewResponseFrame builds a final response frame.
func NewResponseFrame(messageID, content string, usage *Usage, errMsg string) *ResponseFrame {
	return &ResponseFrame{
		Type:      FrameResponse,
		MessageID: messageID,
		Content:   content,
		Usage:     usage,
		Error:     errMsg,
	}
}

// NewErrorFrame builds a protocol error notification.
func NewErrorFrame(code, message string) *ErrorFrame {
	return &ErrorFrame{
		Type:    FrameError,
		Code:    code,
		Message: message,
	}
}

// NewCloseFrame builds the pre-close announcement.
func NewCloseFrame(reason string) *CloseFrame {
	return &CloseFrame{
		Type:   FrameClose,
		Reason: reason,
	}
}

// PeekType extracts the frame type without decoding the full frame.
func PeekType(data []byte) (FrameType, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("invalid frame: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("frame missing type")
	}
	return env.Type, nil
}

// Decode unmarshals a raw frame into the given concrete frame struct.
func Decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// Marshal serializes any frame for the wire.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// CloseCodeFor maps a close reason to its WebSocket close code.
func CloseCodeFor(reason string) int {
	switch reason {
	case ReasonAuthFailure:
		return CloseAuthFailure
	case ReasonHeartbeatTimeout:
		return CloseHeartbeatTimeout
	case ReasonAgentReplaced:
		return CloseAgentReplaced
	default:
		return CloseProtocolError
	}
}
