// Package workflow provides the plan and milestone model driven by the
// orchestration engine, together with the plan-mutation algorithm used during
// replanning.
package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PlanStatus represents the lifecycle state of a plan.
type PlanStatus string

const (
	// PlanStatusDraft indicates the plan has been generated and awaits review.
	PlanStatusDraft PlanStatus = "draft"
	// PlanStatusApproved indicates the plan has been approved for execution.
	PlanStatusApproved PlanStatus = "approved"
	// PlanStatusRejected indicates the plan was rejected during review.
	PlanStatusRejected PlanStatus = "rejected"
	// PlanStatusInProgress indicates milestones are being executed.
	PlanStatusInProgress PlanStatus = "in_progress"
	// PlanStatusCompleted indicates every milestone reached a terminal state.
	PlanStatusCompleted PlanStatus = "completed"
)

// String returns the string representation of the status.
func (s PlanStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known plan status.
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanStatusDraft, PlanStatusApproved, PlanStatusRejected,
		PlanStatusInProgress, PlanStatusCompleted:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s PlanStatus) CanTransitionTo(target PlanStatus) bool {
	switch s {
	case PlanStatusDraft:
		// draft → draft happens when a revision regenerates the plan
		return target == PlanStatusApproved || target == PlanStatusRejected || target == PlanStatusDraft
	case PlanStatusApproved:
		return target == PlanStatusInProgress || target == PlanStatusDraft || target == PlanStatusRejected
	case PlanStatusInProgress:
		// in_progress → draft when a checkpoint revision routes back to planning
		return target == PlanStatusCompleted || target == PlanStatusDraft
	case PlanStatusRejected, PlanStatusCompleted:
		return false // Terminal states
	default:
		return false
	}
}

// MilestoneStatus represents the execution state of a single milestone.
type MilestoneStatus string

const (
	MilestoneStatusPending    MilestoneStatus = "pending"
	MilestoneStatusReady      MilestoneStatus = "ready"
	MilestoneStatusInProgress MilestoneStatus = "in_progress"
	MilestoneStatusPassed     MilestoneStatus = "passed"
	MilestoneStatusFailed     MilestoneStatus = "failed"
	MilestoneStatusBlocked    MilestoneStatus = "blocked"
)

// String returns the string representation of the status.
func (s MilestoneStatus) String() string {
	return string(s)
}

// IsTerminal returns true once the milestone can no longer change state.
func (s MilestoneStatus) IsTerminal() bool {
	return s == MilestoneStatusPassed || s == MilestoneStatusFailed
}

// IsMutable returns true if the plan mutator may still edit the milestone.
func (s MilestoneStatus) IsMutable() bool {
	return s == MilestoneStatusPending || s == MilestoneStatusReady || s == ""
}

// Complexity is the coarse size estimate used to pick a worker model.
type Complexity string

const (
	ComplexityTrivial      Complexity = "trivial"
	ComplexitySimple       Complexity = "simple"
	ComplexityModerate     Complexity = "moderate"
	ComplexityComplex      Complexity = "complex"
	ComplexityContextHeavy Complexity = "context_heavy"
)

// StructureType describes how the planner organised the milestones.
type StructureType string

const (
	StructureFlat         StructureType = "flat"
	StructureGrouped      StructureType = "grouped"
	StructureHierarchical StructureType = "hierarchical"
)

// Milestone is one schedulable unit of work within a plan.
type Milestone struct {
	// ID is stable and human-meaningful (e.g., "1", "1.2")
	ID string `json:"id"`

	// Description is the work to be done
	Description string `json:"description"`

	// Complexity is the planner's size estimate
	Complexity Complexity `json:"complexity,omitempty"`

	// AcceptanceCriteria are checked by the verifier
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`

	// Status is the current execution state
	Status MilestoneStatus `json:"status"`

	// AssignedModel is the worker or model reference chosen for this milestone
	AssignedModel string `json:"assigned_model,omitempty"`

	// Output is the generated work product
	Output string `json:"output,omitempty"`

	// Feedback is the latest validation feedback
	Feedback string `json:"feedback,omitempty"`

	// RetryCount is the number of regeneration attempts so far
	RetryCount int `json:"retry_count"`

	// DependsOn lists milestone IDs that must pass first
	DependsOn []string `json:"depends_on,omitempty"`

	// FailureReason preserves the terminal failure reason verbatim
	FailureReason string `json:"failure_reason,omitempty"`

	// IsModified is set when a replan touched this milestone
	IsModified bool `json:"is_modified,omitempty"`

	// ReplanIteration is the replan iteration that last touched this milestone
	ReplanIteration int `json:"replan_iteration,omitempty"`
}

// NewMilestoneID generates an identifier for a milestone added without one.
func NewMilestoneID() string {
	return fmt.Sprintf("m-%s", uuid.New().String()[:8])
}

// Plan is the ordered collection of milestones for one run.
type Plan struct {
	// ID uniquely identifies the plan
	ID string `json:"id"`

	// SessionID is the session the plan belongs to
	SessionID string `json:"session_id"`

	// Title is the human-readable title
	Title string `json:"title"`

	// Overview summarises the approach
	Overview string `json:"overview,omitempty"`

	// StructureType describes how milestones are organised
	StructureType StructureType `json:"structure_type,omitempty"`

	// Status is the plan lifecycle status
	Status PlanStatus `json:"status"`

	// Milestones are executed in order, subject to dependencies
	Milestones []Milestone `json:"milestones"`

	// TotalMilestones mirrors len(Milestones) for observers
	TotalMilestones int `json:"total_milestones"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPlanID generates a plan identifier.
func NewPlanID() string {
	return fmt.Sprintf("plan-%s", uuid.New().String()[:8])
}
