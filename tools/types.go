// Package tools executes tool calls on behalf of the pipeline: it scores
// each call's risk, applies the server's approval policy, routes the call to
// local or remote execution, and records the outcome to an audit log.
package tools

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RiskLevel is the coarse danger classification of a tool call.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (l RiskLevel) rank() int {
	switch l {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether l is as severe as other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l.rank() >= other.rank()
}

// ApprovalPolicy decides when a human must approve a call.
type ApprovalPolicy string

const (
	// PolicyAlways requires approval for every call.
	PolicyAlways ApprovalPolicy = "always"
	// PolicyNever executes without approval.
	PolicyNever ApprovalPolicy = "never"
	// PolicyConditional requires approval for medium and high risk calls.
	PolicyConditional ApprovalPolicy = "conditional"
)

// IsValid returns true if the policy is known.
func (p ApprovalPolicy) IsValid() bool {
	switch p {
	case PolicyAlways, PolicyNever, PolicyConditional:
		return true
	default:
		return false
	}
}

// RequiresApproval applies the policy to an assessed risk level.
func (p ApprovalPolicy) RequiresApproval(level RiskLevel) bool {
	switch p {
	case PolicyAlways:
		return true
	case PolicyNever:
		return false
	default:
		return level.AtLeast(RiskMedium)
	}
}

// Transport is how a tool server is reached.
type Transport string

const (
	// TransportStdio servers run next to the remote agent; calls are forwarded
	// over the message channel.
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportSSE   Transport = "sse"
)

// IsRemote reports whether calls on this transport are executed by the remote agent.
func (t Transport) IsRemote() bool {
	return t == TransportStdio
}

// ServerDescriptor identifies the tool server that owns a tool.
type ServerDescriptor struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Transport       Transport      `json:"transport"`
	TransportConfig map[string]any `json:"transport_config,omitempty"`
	ApprovalPolicy  ApprovalPolicy `json:"approval_policy,omitempty"`
}

// Call is one tool invocation. Calls are immutable once constructed and map
// to at most one Result.
type Call struct {
	// ID is the correlation id carried on the wire
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	TaskID    string           `json:"task_id,omitempty"`
	ToolName  string           `json:"tool_name"`
	Input     map[string]any   `json:"input"`
	Server    ServerDescriptor `json:"server"`
	CreatedAt time.Time        `json:"created_at"`
}

// NewCall constructs a call with a fresh correlation id.
func NewCall(sessionID, taskID string, server ServerDescriptor, toolName string, input map[string]any) Call {
	return Call{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		TaskID:    taskID,
		ToolName:  toolName,
		Input:     input,
		Server:    server,
		CreatedAt: time.Now(),
	}
}

// Outcome classifies how a call ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeDenied  Outcome = "denied"
	OutcomeTimeout Outcome = "timeout"
)

// Location records where a call was executed.
type Location string

const (
	LocationNone   Location = "none"
	LocationLocal  Location = "local"
	LocationRemote Location = "remote"
)

// Result is produced exactly once per Call.
type Result struct {
	CallID           string          `json:"call_id"`
	Success          bool            `json:"success"`
	Output           json.RawMessage `json:"output,omitempty"`
	Error            string          `json:"error,omitempty"`
	Duration         time.Duration   `json:"duration"`
	Outcome          Outcome         `json:"outcome"`
	Location         Location        `json:"location"`
	Risk             Assessment      `json:"risk"`
	RequiredApproval bool            `json:"required_approval"`
	Approved         bool            `json:"approved"`
}
