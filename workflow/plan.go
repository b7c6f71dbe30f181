package workflow

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for plan operations.
var (
	ErrTitleRequired      = errors.New("title is required")
	ErrNoMilestones       = errors.New("plan has no milestones")
	ErrDuplicateMilestone = errors.New("duplicate milestone id")
	ErrUnknownDependency  = errors.New("milestone depends on unknown milestone")
	ErrMilestoneNotFound  = errors.New("milestone not found")
	ErrInvalidTransition  = errors.New("invalid plan status transition")
)

// Validate checks the structural integrity of a plan: unique milestone IDs
// and dependencies that reference milestones in the same plan.
func (p *Plan) Validate() error {
	if p.Title == "" {
		return ErrTitleRequired
	}
	if len(p.Milestones) == 0 {
		return ErrNoMilestones
	}

	seen := make(map[string]bool, len(p.Milestones))
	for _, m := range p.Milestones {
		if seen[m.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateMilestone, m.ID)
		}
		seen[m.ID] = true
	}
	for _, m := range p.Milestones {
		for _, dep := range m.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, m.ID, dep)
			}
		}
	}
	return nil
}

func (p *Plan) transition(target PlanStatus) error {
	if !p.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, target)
	}
	p.Status = target
	p.UpdatedAt = time.Now()
	return nil
}

// Approve marks a draft plan as approved for execution.
func (p *Plan) Approve() error { return p.transition(PlanStatusApproved) }

// Reject marks the plan as rejected.
func (p *Plan) Reject() error { return p.transition(PlanStatusRejected) }

// Revise reverts the plan to draft so it can be regenerated.
func (p *Plan) Revise() error { return p.transition(PlanStatusDraft) }

// Start moves an approved plan into execution.
func (p *Plan) Start() error { return p.transition(PlanStatusInProgress) }

// Complete marks an executing plan as completed.
func (p *Plan) Complete() error { return p.transition(PlanStatusCompleted) }

// Index returns the position of the milestone with the given ID, or -1.
func (p *Plan) Index(id string) int {
	for i := range p.Milestones {
		if p.Milestones[i].ID == id {
			return i
		}
	}
	return -1
}

// Milestone returns a pointer to the milestone with the given ID.
func (p *Plan) Milestone(id string) (*Milestone, error) {
	i := p.Index(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMilestoneNotFound, id)
	}
	return &p.Milestones[i], nil
}

// SetMilestones replaces the milestone list and keeps the totals in sync.
func (p *Plan) SetMilestones(items []Milestone) {
	p.Milestones = items
	p.TotalMilestones = len(items)
	p.UpdatedAt = time.Now()
}

// CountByStatus returns the number of milestones per status.
func (p *Plan) CountByStatus() map[MilestoneStatus]int {
	counts := make(map[MilestoneStatus]int)
	for _, m := range p.Milestones {
		counts[m.Status]++
	}
	return counts
}

// ResetProgress returns every milestone to pending and clears execution
// artifacts. Used when a revision routes the run back to planning.
func (p *Plan) ResetProgress() {
	for i := range p.Milestones {
		m := &p.Milestones[i]
		m.Status = MilestoneStatusPending
		m.Output = ""
		m.Feedback = ""
		m.RetryCount = 0
		m.FailureReason = ""
	}
	p.UpdatedAt = time.Now()
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Milestones = cloneMilestones(p.Milestones)
	return &c
}

func cloneMilestones(items []Milestone) []Milestone {
	if items == nil {
		return nil
	}
	out := make([]Milestone, len(items))
	for i, m := range items {
		out[i] = m.clone()
	}
	return out
}

func (m Milestone) clone() Milestone {
	c := m
	if m.AcceptanceCriteria != nil {
		c.AcceptanceCriteria = append([]string(nil), m.AcceptanceCriteria...)
	}
	if m.DependsOn != nil {
		c.DependsOn = append([]string(nil), m.DependsOn...)
	}
	return c
}
