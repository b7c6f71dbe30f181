// Package messaging defines the typed wire envelopes exchanged with remote
// agents and observers, and the channels that carry them.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies the payload carried by an Envelope.
type MessageType string

// Outbound message types.
const (
	TypeApprovalRequest   MessageType = "mcp_approval_request"
	TypeToolCallRequest   MessageType = "mcp_tool_call_request"
	TypeBreakpointHit     MessageType = "breakpoint_hit"
	TypeBreakpointResumed MessageType = "breakpoint_resumed"
	TypeTaskStarted       MessageType = "task_started"
	TypeTaskProgress      MessageType = "task_progress"
	TypeTaskCompleted     MessageType = "task_completed"
	TypeTaskFailed        MessageType = "task_failed"
	TypeMilestoneProgress MessageType = "milestone_progress"
	TypeMilestoneComplete MessageType = "milestone_completed"
	TypeMilestoneFailed   MessageType = "milestone_failed"
	TypeMilestoneRetry    MessageType = "milestone_retry"
	TypePlanModified      MessageType = "plan_modified"
	TypeLLMChunk          MessageType = "llm_chunk"
	TypeError             MessageType = "error"
)

// Inbound message types.
const (
	TypeApprovalResponse   MessageType = "mcp_approval_response"
	TypeToolCallResponse   MessageType = "mcp_tool_call_response"
	TypeBreakpointResume   MessageType = "breakpoint_resume"
	TypeBreakpointOverride MessageType = "breakpoint_override"
	TypeSubscribe          MessageType = "subscribe"
	TypeUnsubscribe        MessageType = "unsubscribe"
)

// ErrEmptyType is returned when an envelope carries no type.
var ErrEmptyType = errors.New("envelope type is required")

// Envelope is the {type, payload} frame used on every channel.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(msgType MessageType, sessionID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      msgType,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Validate checks that the envelope can be routed.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return ErrEmptyType
	}
	return nil
}

// Decode unmarshals the envelope payload into T.
func Decode[T any](e Envelope) (T, error) {
	var v T
	if len(e.Payload) == 0 {
		return v, fmt.Errorf("decode %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return v, nil
}

// ParseEnvelope unmarshals and validates a raw frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
