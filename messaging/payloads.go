package messaging

import "encoding/json"

// ApprovalRequest asks a human to approve a tool call.
type ApprovalRequest struct {
	RequestID   string         `json:"request_id"`
	ServerName  string         `json:"server_name"`
	ToolName    string         `json:"tool_name"`
	ToolInput   map[string]any `json:"tool_input"`
	RiskLevel   string         `json:"risk_level"`
	RiskReasons []string       `json:"risk_reasons"`
}

// ApprovalResponse carries the human decision for an ApprovalRequest.
type ApprovalResponse struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

// ToolCallRequest asks the remote agent to execute a tool over its own transport.
type ToolCallRequest struct {
	RequestID       string         `json:"request_id"`
	ServerID        string         `json:"server_id"`
	ToolName        string         `json:"tool_name"`
	ToolInput       map[string]any `json:"tool_input"`
	TransportConfig map[string]any `json:"transport_config,omitempty"`
}

// ToolCallResponse is the remote agent's result for a ToolCallRequest.
type ToolCallResponse struct {
	RequestID       string          `json:"request_id"`
	Success         bool            `json:"success"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMs *int64          `json:"execution_time_ms,omitempty"`
}

// BreakpointHit announces that a run suspended at a checkpoint.
type BreakpointHit struct {
	TaskID         string          `json:"task_id"`
	SessionID      string          `json:"session_id"`
	RunID          string          `json:"run_id"`
	CheckpointName string          `json:"checkpoint_name"`
	AgentType      string          `json:"agent_type"`
	CurrentState   json.RawMessage `json:"current_state"`
}

// BreakpointResumed announces that a suspended run received a decision.
type BreakpointResumed struct {
	TaskID         string `json:"task_id"`
	RunID          string `json:"run_id"`
	CheckpointName string `json:"checkpoint_name"`
	Action         string `json:"action"`
}

// BreakpointResume is the inbound decision for a suspended run.
type BreakpointResume struct {
	RunID          string          `json:"run_id"`
	Action         string          `json:"action"`
	Feedback       string          `json:"feedback,omitempty"`
	ModifiedOutput string          `json:"modified_output,omitempty"`
	ModifiedPlan   json.RawMessage `json:"modified_plan,omitempty"`
}

// BreakpointOverride enables or disables a checkpoint for one run.
type BreakpointOverride struct {
	RunID      string `json:"run_id"`
	Checkpoint string `json:"checkpoint"`
	Enabled    bool   `json:"enabled"`
}

// Subscribe attaches a connection to a session's broadcast stream.
type Subscribe struct {
	SessionID string `json:"session_id"`
}

// TaskStarted is sent when a run begins.
type TaskStarted struct {
	TaskID          string `json:"task_id"`
	RunID           string `json:"run_id"`
	Request         string `json:"request,omitempty"`
	TotalMilestones int    `json:"total_milestones"`
}

// TaskProgress reports the fraction of milestones in a terminal state.
type TaskProgress struct {
	TaskID    string  `json:"task_id"`
	Stage     string  `json:"stage"`
	Progress  float64 `json:"progress"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Message   string  `json:"message,omitempty"`
}

// TaskCompleted is sent when a run ends with completed or completed_with_failures.
type TaskCompleted struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Passed   int    `json:"passed"`
	Failed   int    `json:"failed"`
	Total    int    `json:"total"`
	Response string `json:"response,omitempty"`
}

// TaskFailed is sent when a run ends with a structural failure or rejection.
type TaskFailed struct {
	TaskID string `json:"task_id"`
	Stage  string `json:"stage,omitempty"`
	Error  string `json:"error"`
}

// MilestoneUpdate is the payload shared by the milestone_* message types.
type MilestoneUpdate struct {
	TaskID      string `json:"task_id"`
	MilestoneID string `json:"milestone_id"`
	Sequence    int    `json:"sequence_number"`
	Status      string `json:"status"`
	Agent       string `json:"agent,omitempty"`
	Message     string `json:"message,omitempty"`
	RetryCount  int    `json:"retry_count,omitempty"`
}

// PlanModified reports the outcome of a replan.
type PlanModified struct {
	TaskID          string `json:"task_id"`
	ReplanIteration int    `json:"replan_iteration"`
	Applied         int    `json:"applied"`
	Skipped         int    `json:"skipped"`
	TotalMilestones int    `json:"total_milestones"`
	Reason          string `json:"reason,omitempty"`
}

// LLMChunk streams a fragment of generated output.
type LLMChunk struct {
	TaskID      string `json:"task_id"`
	MilestoneID string `json:"milestone_id,omitempty"`
	Agent       string `json:"agent"`
	Chunk       string `json:"chunk"`
}

// ErrorMessage is returned to a connection whose inbound frame was rejected.
type ErrorMessage struct {
	Error string `json:"error"`
}
