// Package pipelinecontroller drives a run through planning, review,
// execution, verification, and response, suspending at breakpoints and
// replanning when milestones fail.
package pipelinecontroller

import (
	"time"

	"github.com/blas1n/bsai-sub001/workflow"
)

// State is the pipeline stage a run is in.
type State string

const (
	StatePlanning   State = "planning"
	StatePlanReview State = "plan_review"
	StateExecuting  State = "executing"
	StateVerifying  State = "verifying"
	StateCheckpoint State = "checkpoint"
	StateAdvancing  State = "advancing"
	StateResponding State = "responding"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// IsTerminal returns true for done and failed.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransitionTo checks if a transition from s to target is allowed.
// Failed is reachable from every non-terminal state.
func (s State) CanTransitionTo(target State) bool {
	if target == StateFailed {
		return !s.IsTerminal()
	}
	switch s {
	case StatePlanning:
		return target == StatePlanReview
	case StatePlanReview:
		return target == StateExecuting || target == StatePlanning
	case StateExecuting:
		return target == StateVerifying || target == StateResponding || target == StateExecuting
	case StateVerifying:
		return target == StateCheckpoint || target == StateExecuting
	case StateCheckpoint:
		return target == StateAdvancing || target == StateExecuting || target == StatePlanning
	case StateAdvancing:
		return target == StateExecuting
	case StateResponding:
		return target == StateDone
	default:
		return false
	}
}

// Outcome is the final result of a run.
type Outcome string

const (
	OutcomeCompleted             Outcome = "completed"
	OutcomeCompletedWithFailures Outcome = "completed_with_failures"
	OutcomeFailed                Outcome = "failed"
	OutcomeRejected              Outcome = "rejected"
)

// Run is the serialisable state of one pipeline run.
type Run struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	Request   string `json:"request"`

	State State          `json:"state"`
	Plan  *workflow.Plan `json:"plan,omitempty"`

	// CurrentIndex is the plan position being executed in sequential mode
	CurrentIndex int `json:"current_index"`

	// RetryCount counts verification retries of the current milestone
	RetryCount int `json:"retry_count"`

	// ReplanCount counts successful plan mutations
	ReplanCount int `json:"replan_count"`

	// Feedback is carried into the next planning or generation call
	Feedback string `json:"feedback,omitempty"`

	// PendingOutput is the generated output awaiting verification or review
	PendingOutput string `json:"pending_output,omitempty"`

	Passed int `json:"passed"`
	Failed int `json:"failed"`

	Outcome  Outcome `json:"outcome,omitempty"`
	Error    string  `json:"error,omitempty"`
	Response string  `json:"response,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	c := *r
	c.Plan = r.Plan.Clone()
	return &c
}

// resetProgress zeroes execution progress for a return to planning.
func (r *Run) resetProgress() {
	r.CurrentIndex = 0
	r.RetryCount = 0
	r.Passed = 0
	r.Failed = 0
	r.PendingOutput = ""
}
