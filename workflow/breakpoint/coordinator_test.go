package breakpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blas1n/bsai-sub001/workflow"
)

func newTestCoordinator(cfg Config) *Coordinator {
	return NewCoordinator(cfg, NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCoordinator_OverrideWinsOverStatic(t *testing.T) {
	c := newTestCoordinator(Config{PlanReview: true})

	assert.True(t, c.ShouldSuspend("run-1", CheckpointPlanReview))
	assert.False(t, c.ShouldSuspend("run-1", CheckpointExecution))

	c.SetOverride("run-1", CheckpointPlanReview, false)
	c.SetOverride("run-1", CheckpointExecution, true)
	assert.False(t, c.ShouldSuspend("run-1", CheckpointPlanReview))
	assert.True(t, c.ShouldSuspend("run-1", CheckpointExecution))

	// Other runs still follow the static flags
	assert.True(t, c.ShouldSuspend("run-2", CheckpointPlanReview))

	// Static reloads do not clobber overrides
	c.SetStatic(Config{PlanReview: true, Execution: false})
	assert.False(t, c.ShouldSuspend("run-1", CheckpointPlanReview))

	c.ClearOverrides("run-1")
	assert.True(t, c.ShouldSuspend("run-1", CheckpointPlanReview))
	assert.False(t, c.ShouldSuspend("run-1", CheckpointExecution))
}

func TestCoordinator_SuspendResume(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(Config{})

	err := c.Suspend(ctx, Suspension{
		RunID:      "run-1",
		SessionID:  "s1",
		Checkpoint: CheckpointPlanReview,
		State:      json.RawMessage(`{"plan_id":"plan-1"}`),
	})
	require.NoError(t, err)

	pending, err := c.Pending(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, CheckpointPlanReview, pending.Checkpoint)
	assert.False(t, pending.CreatedAt.IsZero())

	err = c.Suspend(ctx, Suspension{RunID: "run-1", Checkpoint: CheckpointExecution})
	assert.ErrorIs(t, err, ErrAlreadySuspended)

	s, err := c.Resume(ctx, "run-1", Decision{Action: ActionApprove})
	require.NoError(t, err)
	assert.JSONEq(t, `{"plan_id":"plan-1"}`, string(s.State))

	_, err = c.Resume(ctx, "run-1", Decision{Action: ActionApprove})
	assert.ErrorIs(t, err, ErrNoSuspension)
}

func TestCoordinator_InvalidDecisionKeepsSuspension(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(Config{})
	require.NoError(t, c.Suspend(ctx, Suspension{RunID: "run-1", Checkpoint: CheckpointExecution}))

	_, err := c.Resume(ctx, "run-1", Decision{Action: ActionRevise})
	assert.ErrorIs(t, err, ErrInvalidDecision)

	_, err = c.Pending(ctx, "run-1")
	assert.NoError(t, err, "suspension must survive a rejected decision")
}

func TestCoordinator_ConcurrentResumeConsumesOnce(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(Config{})
	require.NoError(t, c.Suspend(ctx, Suspension{RunID: "run-1", Checkpoint: CheckpointExecution}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Resume(ctx, "run-1", Decision{Action: ActionApprove}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
}

func TestCoordinator_SuspendValidation(t *testing.T) {
	c := newTestCoordinator(Config{})
	assert.Error(t, c.Suspend(context.Background(), Suspension{Checkpoint: CheckpointExecution}))
	assert.Error(t, c.Suspend(context.Background(), Suspension{RunID: "r", Checkpoint: "lunch"}))
}

func TestCoordinator_ListAndDiscard(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(Config{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.Suspend(ctx, Suspension{RunID: "b", Checkpoint: CheckpointExecution, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, c.Suspend(ctx, Suspension{RunID: "a", Checkpoint: CheckpointPlanReview, CreatedAt: base}))

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].RunID)

	c.SetOverride("a", CheckpointExecution, true)
	c.Discard(ctx, "a")
	c.Discard(ctx, "missing")

	_, err = c.Pending(ctx, "a")
	assert.True(t, errors.Is(err, ErrNoSuspension))
	assert.False(t, c.ShouldSuspend("a", CheckpointExecution))
}

func TestDecision_Validate(t *testing.T) {
	validPlan := &workflow.Plan{
		ID:         "plan-1",
		Title:      "Ship it",
		Status:     workflow.PlanStatusDraft,
		Milestones: []workflow.Milestone{{ID: "m1", Description: "do"}},
	}

	tests := []struct {
		name    string
		d       Decision
		wantErr bool
	}{
		{"approve", Decision{Action: ActionApprove}, false},
		{"reject without feedback", Decision{Action: ActionReject}, false},
		{"reject with feedback", Decision{Action: ActionReject, Feedback: "missing tests"}, false},
		{"revise with feedback", Decision{Action: ActionRevise, Feedback: "smaller steps"}, false},
		{"revise without feedback", Decision{Action: ActionRevise}, true},
		{"modify output", Decision{Action: ActionModify, ModifiedOutput: "fixed"}, false},
		{"modify plan", Decision{Action: ActionModify, Plan: validPlan}, false},
		{"modify nothing", Decision{Action: ActionModify}, true},
		{"modify invalid plan", Decision{Action: ActionModify, Plan: &workflow.Plan{}}, true},
		{"unknown", Decision{Action: "skip"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDecision)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
