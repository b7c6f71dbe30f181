package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blas1n/bsai-sub001/tools"
)

func newAuditStore(t *testing.T) *AuditStore {
	t.Helper()
	store, err := NewAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAuditStore_RecordAndList(t *testing.T) {
	store := newAuditStore(t)
	ctx := context.Background()
	started := time.Now().Truncate(time.Millisecond)

	entries := []tools.AuditEntry{
		{
			CallID:           "call-1",
			SessionID:        "s1",
			TaskID:           "task-1",
			ServerID:         "fs",
			ServerName:       "files",
			ToolName:         "delete_file",
			Input:            `{"path":"a.txt"}`,
			Outcome:          tools.OutcomeSuccess,
			RiskLevel:        tools.RiskHigh,
			RiskReasons:      []string{"destructive operation"},
			RequiredApproval: true,
			Approved:         true,
			Location:         tools.LocationLocal,
			StartedAt:        started,
			DurationMs:       12,
		},
		{
			CallID:     "call-2",
			SessionID:  "s1",
			ToolName:   "read_file",
			Outcome:    tools.OutcomeFailed,
			Error:      "no such file",
			RiskLevel:  tools.RiskLow,
			Location:   tools.LocationRemote,
			StartedAt:  started.Add(time.Second),
			DurationMs: 3,
		},
		{
			CallID:    "call-3",
			SessionID: "s2",
			ToolName:  "read_file",
			Outcome:   tools.OutcomeSuccess,
			Location:  tools.LocationLocal,
			StartedAt: started,
		},
	}
	for _, e := range entries {
		require.NoError(t, store.Record(ctx, e))
	}

	got, err := store.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, "call-1", first.CallID)
	assert.Equal(t, "task-1", first.TaskID)
	assert.Equal(t, tools.RiskHigh, first.RiskLevel)
	assert.Equal(t, []string{"destructive operation"}, first.RiskReasons)
	assert.True(t, first.RequiredApproval)
	assert.True(t, first.Approved)
	assert.True(t, started.Equal(first.StartedAt))
	assert.Equal(t, int64(12), first.DurationMs)

	second := got[1]
	assert.Equal(t, tools.OutcomeFailed, second.Outcome)
	assert.Equal(t, "no such file", second.Error)
	assert.Nil(t, second.RiskReasons)
	assert.False(t, second.RequiredApproval)

	empty, err := store.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAuditStore_Get(t *testing.T) {
	store := newAuditStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, tools.AuditEntry{CallID: "call-1", SessionID: "s1", ToolName: "t", Outcome: tools.OutcomeDenied}))

	e, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, tools.OutcomeDenied, e.Outcome)

	_, err = store.Get(ctx, "call-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditStore_ReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	store, err := NewAuditStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, tools.AuditEntry{CallID: "call-1", SessionID: "s1", ToolName: "t", Outcome: tools.OutcomeSuccess}))
	require.NoError(t, store.Close())

	store, err = NewAuditStore(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.List(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
