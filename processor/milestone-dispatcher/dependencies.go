// Package milestonedispatcher executes plan milestones in dependency order
// with bounded parallelism.
package milestonedispatcher

import (
	"fmt"
	"sync"

	"github.com/blas1n/bsai-sub001/workflow"
)

// DependencyGraph tracks milestone status and dependency edges.
// All methods are safe for concurrent use. Status transitions are monotonic:
// once started, a milestone never returns to pending.
type DependencyGraph struct {
	mu         sync.Mutex
	order      []string
	items      map[string]workflow.Milestone
	status     map[string]workflow.MilestoneStatus
	reasons    map[string]string
	dependents map[string][]string // Milestones that depend on this milestone
}

// NewDependencyGraph creates a dependency graph from a list of milestones.
// Milestones that already passed or failed keep their status; everything
// else starts pending.
func NewDependencyGraph(items []workflow.Milestone) (*DependencyGraph, error) {
	g := &DependencyGraph{
		order:      make([]string, 0, len(items)),
		items:      make(map[string]workflow.Milestone, len(items)),
		status:     make(map[string]workflow.MilestoneStatus, len(items)),
		reasons:    make(map[string]string),
		dependents: make(map[string][]string, len(items)),
	}

	// Index milestones by ID
	for _, m := range items {
		if _, exists := g.items[m.ID]; exists {
			return nil, fmt.Errorf("duplicate milestone id %s", m.ID)
		}
		g.order = append(g.order, m.ID)
		g.items[m.ID] = m
		switch m.Status {
		case workflow.MilestoneStatusPassed, workflow.MilestoneStatusFailed:
			g.status[m.ID] = m.Status
			if m.FailureReason != "" {
				g.reasons[m.ID] = m.FailureReason
			}
		default:
			g.status[m.ID] = workflow.MilestoneStatusPending
		}
	}

	// Build dependency relationships
	for _, m := range items {
		for _, depID := range m.DependsOn {
			if _, exists := g.items[depID]; !exists {
				return nil, fmt.Errorf("milestone %s depends on non-existent milestone %s", m.ID, depID)
			}
			g.dependents[depID] = append(g.dependents[depID], m.ID)
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// detectCycles uses Kahn's algorithm to detect cycles in the dependency graph.
func (g *DependencyGraph) detectCycles() error {
	inDegree := make(map[string]int, len(g.items))
	for _, id := range g.order {
		inDegree[id] = len(g.items[id].DependsOn)
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++

		for _, depID := range g.dependents[id] {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	if processed != len(g.items) {
		return fmt.Errorf("circular dependency detected: %d milestones could not be ordered", len(g.items)-processed)
	}
	return nil
}

// ReadySet returns, in plan order, every milestone whose dependencies have
// all passed and that has not started. Returned milestones are marked ready.
func (g *DependencyGraph) ReadySet() []workflow.Milestone {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []workflow.Milestone
	for _, id := range g.order {
		st := g.status[id]
		if st != workflow.MilestoneStatusPending && st != workflow.MilestoneStatusReady {
			continue
		}
		if !g.depsPassedLocked(id) {
			continue
		}
		g.status[id] = workflow.MilestoneStatusReady
		ready = append(ready, g.snapshotLocked(id))
	}
	return ready
}

// BlockedSet returns, in plan order, every unstarted milestone with at least
// one failed dependency. Returned milestones are marked blocked.
func (g *DependencyGraph) BlockedSet() []workflow.Milestone {
	g.mu.Lock()
	defer g.mu.Unlock()

	var blocked []workflow.Milestone
	for _, id := range g.order {
		switch g.status[id] {
		case workflow.MilestoneStatusPending, workflow.MilestoneStatusReady, workflow.MilestoneStatusBlocked:
		default:
			continue
		}
		if g.failedDepLocked(id) == "" {
			continue
		}
		g.status[id] = workflow.MilestoneStatusBlocked
		blocked = append(blocked, g.snapshotLocked(id))
	}
	return blocked
}

// FailedDependency returns the first failed dependency of id, or "".
func (g *DependencyGraph) FailedDependency(id string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failedDepLocked(id)
}

// MarkInProgress moves a pending or ready milestone to in_progress.
// It returns false, changing nothing, for any other status.
func (g *DependencyGraph) MarkInProgress(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.status[id] {
	case workflow.MilestoneStatusPending, workflow.MilestoneStatusReady:
		g.status[id] = workflow.MilestoneStatusInProgress
		return true
	default:
		return false
	}
}

// MarkCompleted marks a milestone passed. It is a no-op returning false if
// the milestone is unknown or already terminal.
func (g *DependencyGraph) MarkCompleted(id string) bool {
	return g.markTerminal(id, workflow.MilestoneStatusPassed, "")
}

// MarkFailed marks a milestone failed with reason. It is a no-op returning
// false if the milestone is unknown or already terminal.
func (g *DependencyGraph) MarkFailed(id, reason string) bool {
	return g.markTerminal(id, workflow.MilestoneStatusFailed, reason)
}

func (g *DependencyGraph) markTerminal(id string, st workflow.MilestoneStatus, reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.status[id]
	if !ok || current.IsTerminal() {
		return false
	}
	g.status[id] = st
	if reason != "" {
		g.reasons[id] = reason
	}
	return true
}

// AllCompleted returns true iff every milestone is passed or failed.
func (g *DependencyGraph) AllCompleted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, st := range g.status {
		if !st.IsTerminal() {
			return false
		}
	}
	return true
}

// Stats returns the number of milestones per status.
func (g *DependencyGraph) Stats() map[workflow.MilestoneStatus]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := make(map[workflow.MilestoneStatus]int)
	for _, st := range g.status {
		stats[st]++
	}
	return stats
}

// Status returns the current status of a milestone.
func (g *DependencyGraph) Status(id string) workflow.MilestoneStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status[id]
}

// Reason returns the recorded failure reason of a milestone.
func (g *DependencyGraph) Reason(id string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reasons[id]
}

// Pending returns, in plan order, every milestone that is not terminal.
func (g *DependencyGraph) Pending() []workflow.Milestone {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []workflow.Milestone
	for _, id := range g.order {
		if !g.status[id].IsTerminal() {
			out = append(out, g.snapshotLocked(id))
		}
	}
	return out
}

// Len returns the number of milestones in the graph.
func (g *DependencyGraph) Len() int {
	return len(g.order)
}

// TopologicalOrder returns milestone IDs with dependencies first, breaking
// ties by plan order.
func (g *DependencyGraph) TopologicalOrder() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	inDegree := make(map[string]int, len(g.items))
	for _, id := range g.order {
		inDegree[id] = len(g.items[id].DependsOn)
	}

	order := make([]string, 0, len(g.order))
	placed := make(map[string]bool, len(g.order))
	for len(order) < len(g.order) {
		progressed := false
		for _, id := range g.order {
			if placed[id] || inDegree[id] != 0 {
				continue
			}
			placed[id] = true
			order = append(order, id)
			for _, depID := range g.dependents[id] {
				inDegree[depID]--
			}
			progressed = true
			break
		}
		if !progressed {
			break
		}
	}
	return order
}

func (g *DependencyGraph) depsPassedLocked(id string) bool {
	for _, dep := range g.items[id].DependsOn {
		if g.status[dep] != workflow.MilestoneStatusPassed {
			return false
		}
	}
	return true
}

func (g *DependencyGraph) failedDepLocked(id string) string {
	for _, dep := range g.items[id].DependsOn {
		if g.status[dep] == workflow.MilestoneStatusFailed {
			return dep
		}
	}
	return ""
}

func (g *DependencyGraph) snapshotLocked(id string) workflow.Milestone {
	m := g.items[id]
	m.Status = g.status[id]
	return m
}
