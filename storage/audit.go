package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/blas1n/bsai-sub001/tools"
)

const auditSchema = `CREATE TABLE IF NOT EXISTS tool_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	task_id TEXT,
	server_id TEXT,
	server_name TEXT,
	tool_name TEXT NOT NULL,
	input TEXT,
	output TEXT,
	outcome TEXT NOT NULL,
	error TEXT,
	risk_level TEXT,
	risk_reasons TEXT,
	required_approval INTEGER NOT NULL DEFAULT 0,
	approved INTEGER NOT NULL DEFAULT 0,
	location TEXT,
	started_at INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_audit_session ON tool_audit (session_id, id);
CREATE INDEX IF NOT EXISTS idx_tool_audit_call ON tool_audit (call_id);`

const auditColumns = `call_id, session_id, task_id, server_id, server_name, tool_name, input, output,
	outcome, error, risk_level, risk_reasons, required_approval, approved, location, started_at, duration_ms`

// AuditStore is a tools.AuditLog backed by SQLite.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens (or creates) the audit database at path.
func NewAuditStore(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// Close closes the database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// Record appends an entry.
func (s *AuditStore) Record(ctx context.Context, e tools.AuditEntry) error {
	reasons, err := json.Marshal(e.RiskReasons)
	if err != nil {
		return fmt.Errorf("marshal risk reasons: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_audit (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CallID, e.SessionID, e.TaskID, e.ServerID, e.ServerName, e.ToolName, e.Input, e.Output,
		string(e.Outcome), e.Error, string(e.RiskLevel), string(reasons),
		e.RequiredApproval, e.Approved, string(e.Location), e.StartedAt.UnixMilli(), e.DurationMs)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns a session's entries in the order they were recorded.
func (s *AuditStore) List(ctx context.Context, sessionID string) ([]tools.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM tool_audit WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []tools.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the latest entry for a call, or ErrNotFound.
func (s *AuditStore) Get(ctx context.Context, callID string) (tools.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM tool_audit WHERE call_id = ? ORDER BY id DESC LIMIT 1`, callID)
	e, err := scanAuditEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tools.AuditEntry{}, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(sc scanner) (tools.AuditEntry, error) {
	var (
		e                                tools.AuditEntry
		taskID, serverID, serverName     sql.NullString
		input, output, errText, location sql.NullString
		outcome, riskLevel               string
		reasons                          sql.NullString
		startedAt                        int64
	)
	err := sc.Scan(&e.CallID, &e.SessionID, &taskID, &serverID, &serverName, &e.ToolName, &input, &output,
		&outcome, &errText, &riskLevel, &reasons, &e.RequiredApproval, &e.Approved, &location, &startedAt, &e.DurationMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan audit entry: %w", err)
	}

	e.TaskID = taskID.String
	e.ServerID = serverID.String
	e.ServerName = serverName.String
	e.Input = input.String
	e.Output = output.String
	e.Error = errText.String
	e.Location = tools.Location(location.String)
	e.Outcome = tools.Outcome(outcome)
	e.RiskLevel = tools.RiskLevel(riskLevel)
	e.StartedAt = time.UnixMilli(startedAt)
	if reasons.Valid && reasons.String != "" && reasons.String != "null" {
		if err := json.Unmarshal([]byte(reasons.String), &e.RiskReasons); err != nil {
			return e, fmt.Errorf("unmarshal risk reasons: %w", err)
		}
	}
	return e, nil
}

var _ tools.AuditLog = (*AuditStore)(nil)
