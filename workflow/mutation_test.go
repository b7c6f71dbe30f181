package workflow

import (
	"reflect"
	"testing"
)

func intPtr(i int) *int { return &i }

func samplePlanItems() []Milestone {
	return []Milestone{
		{ID: "1", Description: "scaffold", Status: MilestoneStatusPassed},
		{ID: "2", Description: "models", Status: MilestoneStatusInProgress, DependsOn: []string{"1"}},
		{ID: "3", Description: "handlers", Status: MilestoneStatusPending, DependsOn: []string{"2"}},
		{ID: "4", Description: "docs", Status: MilestoneStatusPending},
	}
}

func ids(items []Milestone) []string {
	out := make([]string, len(items))
	for i, m := range items {
		out[i] = m.ID
	}
	return out
}

func TestApplyModifications_IgnoresTargetsBeforeCurrentIndex(t *testing.T) {
	items := samplePlanItems()
	before := items[0].clone()

	mods := []Modification{
		{Action: ActionRemove, TargetIndex: intPtr(0), Reason: "redo scaffold"},
		{Action: ActionModify, TargetIndex: intPtr(0), NewItem: &Milestone{Description: "changed"}},
	}

	out, report := ApplyModifications(items, mods, 2, 1)

	if !reflect.DeepEqual(out[0], before) {
		t.Errorf("item before current index changed: %+v", out[0])
	}
	if report.Applied != 0 {
		t.Errorf("expected 0 applied, got %d", report.Applied)
	}
	if len(report.Skipped) != 2 {
		t.Fatalf("expected 2 skipped, got %d", len(report.Skipped))
	}
	if report.Skipped[1].Position != 1 {
		t.Errorf("expected skipped position 1, got %d", report.Skipped[1].Position)
	}
}

func TestApplyModifications_UntargetedAddLandsAfterCurrentIndex(t *testing.T) {
	items := samplePlanItems()

	mods := []Modification{
		{Action: ActionAdd, NewItem: &Milestone{ID: "2a", Description: "migration"}},
		{Action: ActionAdd, NewItem: &Milestone{ID: "2b", Description: "seed data"}},
	}

	out, report := ApplyModifications(items, mods, 1, 3)

	want := []string{"1", "2", "2a", "2b", "3", "4"}
	if got := ids(out); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if report.Applied != 2 {
		t.Errorf("expected 2 applied, got %d", report.Applied)
	}
	for _, m := range out[2:4] {
		if !m.IsModified || m.ReplanIteration != 3 {
			t.Errorf("milestone %s not flagged: modified=%v iteration=%d", m.ID, m.IsModified, m.ReplanIteration)
		}
		if m.Status != MilestoneStatusPending {
			t.Errorf("milestone %s status = %s, want pending", m.ID, m.Status)
		}
	}
}

func TestApplyModifications_AddGeneratesID(t *testing.T) {
	out, _ := ApplyModifications(samplePlanItems(), []Modification{
		{Action: ActionAdd, NewItem: &Milestone{Description: "no id"}},
	}, 2, 1)

	if len(out) != 5 {
		t.Fatalf("expected 5 items, got %d", len(out))
	}
	if out[3].ID == "" {
		t.Error("expected generated id")
	}
}

func TestApplyModifications_IndicesResolveAgainstMutatedList(t *testing.T) {
	items := samplePlanItems()

	// After removing index 2 ("3"), index 2 refers to "4".
	mods := []Modification{
		{Action: ActionRemove, TargetIndex: intPtr(2)},
		{Action: ActionModify, TargetIndex: intPtr(2), NewItem: &Milestone{Description: "api docs"}},
	}

	out, report := ApplyModifications(items, mods, 2, 1)

	if got, want := ids(out), []string{"1", "2", "4"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if out[2].Description != "api docs" {
		t.Errorf("expected modify to hit item 4, got %q", out[2].Description)
	}
	if !out[2].IsModified {
		t.Error("expected modified flag on item 4")
	}
	if report.Applied != 2 {
		t.Errorf("expected 2 applied, got %d", report.Applied)
	}
}

func TestApplyModifications_ModifyKeepsIDAndResetsState(t *testing.T) {
	items := samplePlanItems()
	items[3].Output = "stale"
	items[3].RetryCount = 2

	out, _ := ApplyModifications(items, []Modification{
		{Action: ActionModify, TargetIndex: intPtr(3), NewItem: &Milestone{Description: "rewrite docs"}},
	}, 2, 4)

	m := out[3]
	if m.ID != "4" {
		t.Errorf("ID = %q, want 4", m.ID)
	}
	if m.Output != "" || m.RetryCount != 0 {
		t.Errorf("expected cleared output and retries, got %q/%d", m.Output, m.RetryCount)
	}
	if m.ReplanIteration != 4 {
		t.Errorf("ReplanIteration = %d, want 4", m.ReplanIteration)
	}
}

func TestApplyModifications_RemoveDropsDanglingDependencies(t *testing.T) {
	items := samplePlanItems()
	items[3].DependsOn = []string{"3"}

	out, _ := ApplyModifications(items, []Modification{
		{Action: ActionRemove, TargetIndex: intPtr(2)},
	}, 2, 1)

	if len(out[2].DependsOn) != 0 {
		t.Errorf("expected dependency on removed milestone to be dropped, got %v", out[2].DependsOn)
	}
}

func TestApplyModifications_Reorder(t *testing.T) {
	out, report := ApplyModifications(samplePlanItems(), []Modification{
		{Action: ActionReorder, TargetIndex: intPtr(2), NewItem: &Milestone{ID: "4"}},
	}, 2, 2)

	if got, want := ids(out), []string{"1", "2", "4", "3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if !out[2].IsModified || out[2].ReplanIteration != 2 {
		t.Errorf("reordered milestone not flagged: %+v", out[2])
	}
	if report.Applied != 1 {
		t.Errorf("expected 1 applied, got %d", report.Applied)
	}
}

func TestApplyModifications_SkipsInvalid(t *testing.T) {
	tests := []struct {
		name string
		mod  Modification
	}{
		{"add without item", Modification{Action: ActionAdd}},
		{"add duplicate id", Modification{Action: ActionAdd, NewItem: &Milestone{ID: "3"}}},
		{"modify out of range", Modification{Action: ActionModify, TargetIndex: intPtr(9), NewItem: &Milestone{}}},
		{"remove without target", Modification{Action: ActionRemove}},
		{"reorder unknown id", Modification{Action: ActionReorder, TargetIndex: intPtr(3), NewItem: &Milestone{ID: "nope"}}},
		{"reorder started item", Modification{Action: ActionReorder, TargetIndex: intPtr(3), NewItem: &Milestone{ID: "2"}}},
		{"unknown action", Modification{Action: "SPLIT"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := samplePlanItems()
			out, report := ApplyModifications(items, []Modification{tt.mod}, 1, 1)
			if !reflect.DeepEqual(out, items) {
				t.Errorf("items changed: %v", ids(out))
			}
			if len(report.Skipped) != 1 {
				t.Errorf("expected 1 skipped, got %d", len(report.Skipped))
			}
		})
	}
}

func TestApplyModifications_DoesNotMutateInput(t *testing.T) {
	items := samplePlanItems()
	snapshot := cloneMilestones(items)

	ApplyModifications(items, []Modification{
		{Action: ActionModify, TargetIndex: intPtr(2), NewItem: &Milestone{Description: "x"}},
		{Action: ActionRemove, TargetIndex: intPtr(3)},
	}, 2, 1)

	if !reflect.DeepEqual(items, snapshot) {
		t.Error("input slice was mutated")
	}
}
