package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// MaxRecordedInputLength is the max length for serialized input stored in an audit entry.
const MaxRecordedInputLength = 1000

// MaxRecordedOutputLength is the max length for output stored in an audit entry.
const MaxRecordedOutputLength = 2000

// auditWriteTimeout bounds a single audit write.
const auditWriteTimeout = 5 * time.Second

// AuditEntry is the persisted record of one tool call.
type AuditEntry struct {
	CallID           string    `json:"call_id"`
	SessionID        string    `json:"session_id"`
	TaskID           string    `json:"task_id,omitempty"`
	ServerID         string    `json:"server_id"`
	ServerName       string    `json:"server_name"`
	ToolName         string    `json:"tool_name"`
	Input            string    `json:"input"`
	Output           string    `json:"output,omitempty"`
	Outcome          Outcome   `json:"outcome"`
	Error            string    `json:"error,omitempty"`
	RiskLevel        RiskLevel `json:"risk_level"`
	RiskReasons      []string  `json:"risk_reasons,omitempty"`
	RequiredApproval bool      `json:"required_approval"`
	Approved         bool      `json:"approved"`
	Location         Location  `json:"location"`
	StartedAt        time.Time `json:"started_at"`
	DurationMs       int64     `json:"duration_ms"`
}

// AuditLog persists audit entries.
type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// recorder writes audit entries and absorbs every failure.
type recorder struct {
	log    AuditLog
	logger *slog.Logger
}

// record stores the outcome of call. A failed write is logged and dropped:
// an audit gap never fails an otherwise finished call.
func (r *recorder) record(call Call, result Result, startedAt time.Time) {
	if r.log == nil {
		return // Recording disabled
	}

	entry := AuditEntry{
		CallID:           call.ID,
		SessionID:        call.SessionID,
		TaskID:           call.TaskID,
		ServerID:         call.Server.ID,
		ServerName:       call.Server.Name,
		ToolName:         call.ToolName,
		Input:            truncateJSON(call.Input, MaxRecordedInputLength),
		Output:           truncate(string(result.Output), MaxRecordedOutputLength),
		Outcome:          result.Outcome,
		Error:            result.Error,
		RiskLevel:        result.Risk.Level,
		RiskReasons:      result.Risk.Reasons,
		RequiredApproval: result.RequiredApproval,
		Approved:         result.Approved,
		Location:         result.Location,
		StartedAt:        startedAt,
		DurationMs:       result.Duration.Milliseconds(),
	}

	// Detached from the caller so a cancelled run still leaves a trail.
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Audit log panicked",
				"tool", call.ToolName,
				"call_id", call.ID,
				"panic", p)
		}
	}()

	if err := r.log.Record(ctx, entry); err != nil {
		r.logger.Warn("Failed to record tool call",
			"tool", call.ToolName,
			"call_id", call.ID,
			"error", err)
	}
}

// truncateJSON marshals a map to JSON and truncates to maxLen.
func truncateJSON(m map[string]any, maxLen int) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return truncate(string(data), maxLen)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
