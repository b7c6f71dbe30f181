// Package breakpoint suspends pipeline runs at named checkpoints and resumes
// them with a typed human decision.
//
// A suspension is persisted as a small snapshot (run id, checkpoint, and the
// state a reviewer needs) so that a run can be resumed after a restart.
package breakpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blas1n/bsai-sub001/workflow"
)

// Checkpoint names a point in the pipeline where a run may be suspended.
type Checkpoint string

const (
	// CheckpointPlanReview suspends after planning, before execution starts.
	CheckpointPlanReview Checkpoint = "plan_review"
	// CheckpointExecution suspends after a milestone is verified.
	CheckpointExecution Checkpoint = "execution"
)

// IsValid returns true if the checkpoint is known.
func (c Checkpoint) IsValid() bool {
	switch c {
	case CheckpointPlanReview, CheckpointExecution:
		return true
	default:
		return false
	}
}

// Action is the reviewer's decision at a breakpoint.
type Action string

const (
	ActionApprove Action = "approve"
	ActionRevise  Action = "revise"
	ActionModify  Action = "modify"
	ActionReject  Action = "reject"
)

// IsValid returns true if the action is known.
func (a Action) IsValid() bool {
	switch a {
	case ActionApprove, ActionRevise, ActionModify, ActionReject:
		return true
	default:
		return false
	}
}

var (
	// ErrNoSuspension is returned when a run has no pending suspension.
	ErrNoSuspension = errors.New("no suspension for run")

	// ErrAlreadySuspended is returned when suspending a run that is already suspended.
	ErrAlreadySuspended = errors.New("run already suspended")

	// ErrInvalidDecision is returned for a decision that cannot be applied.
	ErrInvalidDecision = errors.New("invalid breakpoint decision")
)

// Decision resumes a suspended run.
type Decision struct {
	Action   Action `json:"action"`
	Feedback string `json:"feedback,omitempty"`

	// ModifiedOutput replaces the pending output of the current milestone.
	ModifiedOutput string `json:"modified_output,omitempty"`

	// Plan replaces the draft plan at plan_review.
	Plan *workflow.Plan `json:"plan,omitempty"`
}

// Validate checks that the decision carries the payload its action needs.
func (d Decision) Validate() error {
	if !d.Action.IsValid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, d.Action)
	}
	switch d.Action {
	case ActionRevise:
		if d.Feedback == "" {
			return fmt.Errorf("%w: revise requires feedback", ErrInvalidDecision)
		}
	case ActionModify:
		if d.ModifiedOutput == "" && d.Plan == nil {
			return fmt.Errorf("%w: modify requires modified output or a plan", ErrInvalidDecision)
		}
	}
	if d.Plan != nil {
		if err := d.Plan.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDecision, err)
		}
	}
	return nil
}

// Suspension is the persisted snapshot of a suspended run.
type Suspension struct {
	RunID      string          `json:"run_id"`
	SessionID  string          `json:"session_id"`
	TaskID     string          `json:"task_id,omitempty"`
	Checkpoint Checkpoint      `json:"checkpoint"`
	AgentType  string          `json:"agent_type,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Config holds the static breakpoint flags.
type Config struct {
	PlanReview bool `yaml:"plan_review"`
	Execution  bool `yaml:"execution"`
}

// Enabled reports whether cp is statically enabled.
func (c Config) Enabled(cp Checkpoint) bool {
	switch cp {
	case CheckpointPlanReview:
		return c.PlanReview
	case CheckpointExecution:
		return c.Execution
	default:
		return false
	}
}
