package tools

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type panickingAudit struct{}

func (panickingAudit) Record(context.Context, AuditEntry) error { panic("boom") }

func TestRecorder_BuildsEntry(t *testing.T) {
	audit := &memoryAudit{}
	r := recorder{log: audit, logger: testLogger()}

	call := NewCall("s1", "t1", stdioServer, "read_file", map[string]any{"path": "/tmp/x"})
	result := Result{
		CallID:           call.ID,
		Success:          true,
		Output:           json.RawMessage(`"contents"`),
		Outcome:          OutcomeSuccess,
		Location:         LocationRemote,
		Duration:         150 * time.Millisecond,
		Risk:             Assessment{Level: RiskMedium, Reasons: []string{"path"}},
		RequiredApproval: true,
		Approved:         true,
	}

	r.record(call, result, time.Now())

	if len(audit.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(audit.entries))
	}
	e := audit.entries[0]
	if e.CallID != call.ID || e.ToolName != "read_file" || e.ServerName != "files" {
		t.Errorf("unexpected identity fields: %+v", e)
	}
	if e.DurationMs != 150 {
		t.Errorf("DurationMs = %d, want 150", e.DurationMs)
	}
	if !e.Approved || !e.RequiredApproval {
		t.Error("expected approval flags to be recorded")
	}
	if e.Input != `{"path":"/tmp/x"}` {
		t.Errorf("Input = %s", e.Input)
	}
}

func TestRecorder_NilLogIsNoop(t *testing.T) {
	r := recorder{logger: testLogger()}
	r.record(NewCall("s1", "", httpServer, "x", nil), Result{}, time.Now())
}

func TestRecorder_PanicIsAbsorbed(t *testing.T) {
	r := recorder{log: panickingAudit{}, logger: testLogger()}
	r.record(NewCall("s1", "", httpServer, "x", nil), Result{}, time.Now())
}

func TestTruncateJSON(t *testing.T) {
	tests := []struct {
		name   string
		input  map[string]any
		maxLen int
		want   string
	}{
		{"nil map", nil, 100, "{}"},
		{"short", map[string]any{"a": 1}, 100, `{"a":1}`},
		{"truncated", map[string]any{"key": strings.Repeat("x", 50)}, 10, `{"key":"xx...`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateJSON(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("truncateJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}
