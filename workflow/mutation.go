package workflow

import (
	"fmt"
	"slices"
)

// ModificationAction is the kind of structural edit applied during a replan.
type ModificationAction string

const (
	ActionAdd     ModificationAction = "ADD"
	ActionModify  ModificationAction = "MODIFY"
	ActionRemove  ModificationAction = "REMOVE"
	ActionReorder ModificationAction = "REORDER"
)

// IsValid returns true if the action is a known modification action.
func (a ModificationAction) IsValid() bool {
	switch a {
	case ActionAdd, ActionModify, ActionRemove, ActionReorder:
		return true
	default:
		return false
	}
}

// Modification is one structural edit proposed by the replanner.
//
// TargetIndex is resolved against the milestone list as mutated by the
// modifications preceding this one. REORDER moves the milestone whose ID
// equals NewItem.ID to TargetIndex.
type Modification struct {
	Action      ModificationAction `json:"action"`
	TargetIndex *int               `json:"target_index,omitempty"`
	Reason      string             `json:"reason"`
	NewItem     *Milestone         `json:"new_item,omitempty"`
}

// SkippedModification records a modification that was not applied.
type SkippedModification struct {
	// Position is the modification's index in the submitted list
	Position int                `json:"position"`
	Action   ModificationAction `json:"action"`
	Reason   string             `json:"reason"`
}

// MutationReport summarises the outcome of ApplyModifications.
type MutationReport struct {
	Applied int                   `json:"applied"`
	Skipped []SkippedModification `json:"skipped,omitempty"`
}

// ApplyModifications applies mods in order to a copy of items and returns the
// mutated list. Milestones before currentIndex, and milestones that have
// already started, are never touched: modifications targeting them are
// skipped and recorded in the report. An ADD without a target index lands
// after currentIndex; consecutive untargeted ADDs keep their listed order.
func ApplyModifications(items []Milestone, mods []Modification, currentIndex, iteration int) ([]Milestone, MutationReport) {
	out := cloneMilestones(items)
	if out == nil {
		out = []Milestone{}
	}
	if currentIndex < 0 {
		currentIndex = 0
	}

	var report MutationReport
	skip := func(pos int, action ModificationAction, format string, args ...any) {
		report.Skipped = append(report.Skipped, SkippedModification{
			Position: pos,
			Action:   action,
			Reason:   fmt.Sprintf(format, args...),
		})
	}

	// cursor is where the next untargeted ADD lands
	cursor := currentIndex + 1

	for pos, mod := range mods {
		switch mod.Action {
		case ActionAdd:
			if mod.NewItem == nil {
				skip(pos, mod.Action, "missing new_item")
				continue
			}
			idx := min(cursor, len(out))
			targeted := mod.TargetIndex != nil
			if targeted {
				idx = *mod.TargetIndex
				if idx < currentIndex {
					skip(pos, mod.Action, "target index %d precedes current index %d", idx, currentIndex)
					continue
				}
				idx = min(idx, len(out))
			}
			item := mod.NewItem.clone()
			if item.ID == "" {
				item.ID = NewMilestoneID()
			}
			if indexOf(out, item.ID) >= 0 {
				skip(pos, mod.Action, "milestone %s already exists", item.ID)
				continue
			}
			item.Status = MilestoneStatusPending
			markModified(&item, iteration)
			out = slices.Insert(out, idx, item)
			if !targeted || idx < cursor {
				cursor++
			}

		case ActionModify:
			if mod.NewItem == nil {
				skip(pos, mod.Action, "missing new_item")
				continue
			}
			idx, ok := resolveTarget(out, mod, currentIndex, pos, skip)
			if !ok {
				continue
			}
			item := mod.NewItem.clone()
			if item.ID == "" {
				item.ID = out[idx].ID
			}
			if item.ID != out[idx].ID && indexOf(out, item.ID) >= 0 {
				skip(pos, mod.Action, "milestone %s already exists", item.ID)
				continue
			}
			item.Status = MilestoneStatusPending
			item.Output = ""
			item.RetryCount = 0
			markModified(&item, iteration)
			out[idx] = item

		case ActionRemove:
			idx, ok := resolveTarget(out, mod, currentIndex, pos, skip)
			if !ok {
				continue
			}
			removed := out[idx].ID
			out = slices.Delete(out, idx, idx+1)
			dropDependency(out, removed)
			if idx < cursor {
				cursor--
			}

		case ActionReorder:
			if mod.NewItem == nil || mod.NewItem.ID == "" {
				skip(pos, mod.Action, "missing new_item id")
				continue
			}
			if mod.TargetIndex == nil {
				skip(pos, mod.Action, "missing target index")
				continue
			}
			dst := *mod.TargetIndex
			if dst < currentIndex {
				skip(pos, mod.Action, "target index %d precedes current index %d", dst, currentIndex)
				continue
			}
			src := indexOf(out, mod.NewItem.ID)
			if src < 0 {
				skip(pos, mod.Action, "milestone %s not found", mod.NewItem.ID)
				continue
			}
			if src < currentIndex || !out[src].Status.IsMutable() {
				skip(pos, mod.Action, "milestone %s is no longer mutable", mod.NewItem.ID)
				continue
			}
			item := out[src]
			out = slices.Delete(out, src, src+1)
			dst = min(dst, len(out))
			markModified(&item, iteration)
			out = slices.Insert(out, dst, item)

		default:
			skip(pos, mod.Action, "unknown action")
			continue
		}
		report.Applied++
	}

	return out, report
}

// resolveTarget validates the target index of a MODIFY or REMOVE.
func resolveTarget(
	items []Milestone,
	mod Modification,
	currentIndex, pos int,
	skip func(int, ModificationAction, string, ...any),
) (int, bool) {
	if mod.TargetIndex == nil {
		skip(pos, mod.Action, "missing target index")
		return 0, false
	}
	idx := *mod.TargetIndex
	if idx < currentIndex {
		skip(pos, mod.Action, "target index %d precedes current index %d", idx, currentIndex)
		return 0, false
	}
	if idx >= len(items) {
		skip(pos, mod.Action, "target index %d out of range", idx)
		return 0, false
	}
	if !items[idx].Status.IsMutable() {
		skip(pos, mod.Action, "milestone %s is %s", items[idx].ID, items[idx].Status)
		return 0, false
	}
	return idx, true
}

func markModified(m *Milestone, iteration int) {
	m.IsModified = true
	m.ReplanIteration = iteration
}

func indexOf(items []Milestone, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// dropDependency removes edges to a deleted milestone from the milestones
// that can still change.
func dropDependency(items []Milestone, id string) {
	for i := range items {
		if !items[i].Status.IsMutable() {
			continue
		}
		items[i].DependsOn = slices.DeleteFunc(items[i].DependsOn, func(dep string) bool {
			return dep == id
		})
	}
}
