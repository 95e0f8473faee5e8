package store

import (
	"context"
	"errors"
	"testing"

	"github.com/grcflow/grcflow/core"
)

func sampleWorkflow(id string, status core.WorkflowStatus) *core.Workflow {
	return &core.Workflow{
		ID:     id,
		Status: status,
		Context: core.WorkflowContext{
			RequestID:  "req-" + id,
			Attributes: map[string]interface{}{"department": "finance"},
		},
		Steps: []core.WorkflowStep{
			{ID: id + "-s1", StepNumber: 1, ApproverType: core.ApproverLineManager, Status: core.StepActive},
		},
		MatchedRuleIDs: []string{"baseline-manager"},
		AuditLog:       []core.AuditEntry{{EventID: "e1", EventType: "workflow-submitted"}},
	}
}

func TestSaveAndGet(t *testing.T) {
	s := NewInMemoryWorkflowStore()
	ctx := context.Background()

	original := sampleWorkflow("wf-1", core.WorkflowInProgress)
	if err := s.Save(ctx, original); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "wf-1" || got.Status != core.WorkflowInProgress {
		t.Errorf("got %s/%s", got.ID, got.Status)
	}
	if len(got.Steps) != 1 || got.Steps[0].ID != "wf-1-s1" {
		t.Errorf("steps = %+v", got.Steps)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewInMemoryWorkflowStore()
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, core.ErrWorkflowNotFound) {
		t.Errorf("error = %v, want ErrWorkflowNotFound", err)
	}
}

func TestSaveIsolatesCallerMutations(t *testing.T) {
	s := NewInMemoryWorkflowStore()
	ctx := context.Background()

	original := sampleWorkflow("wf-1", core.WorkflowInProgress)
	if err := s.Save(ctx, original); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Mutate the caller's copy after saving.
	original.Status = core.WorkflowRejected
	original.Steps[0].Status = core.StepRejected
	original.Context.Attributes["department"] = "sales"
	original.MatchedRuleIDs[0] = "tampered"

	got, err := s.Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != core.WorkflowInProgress {
		t.Errorf("stored status = %s, caller mutation leaked", got.Status)
	}
	if got.Steps[0].Status != core.StepActive {
		t.Error("stored step mutated through the caller's slice")
	}
	if got.Context.Attributes["department"] != "finance" {
		t.Error("stored context attributes aliased")
	}
	if got.MatchedRuleIDs[0] != "baseline-manager" {
		t.Error("stored rule ids aliased")
	}

	// And the reverse: mutating a Get result leaves the store untouched.
	got.Steps[0].Status = core.StepApproved
	again, _ := s.Get(ctx, "wf-1")
	if again.Steps[0].Status != core.StepActive {
		t.Error("Get must return an isolated copy")
	}
}

func TestDelete(t *testing.T) {
	s := NewInMemoryWorkflowStore()
	ctx := context.Background()

	if err := s.Save(ctx, sampleWorkflow("wf-1", core.WorkflowInProgress)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, "wf-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "wf-1"); !errors.Is(err, core.ErrWorkflowNotFound) {
		t.Errorf("error after delete = %v", err)
	}

	// Deleting a missing id is not an error.
	if err := s.Delete(ctx, "wf-1"); err != nil {
		t.Errorf("repeat Delete: %v", err)
	}
}

func TestListActiveExcludesTerminal(t *testing.T) {
	s := NewInMemoryWorkflowStore()
	ctx := context.Background()

	for _, w := range []*core.Workflow{
		sampleWorkflow("wf-c", core.WorkflowInProgress),
		sampleWorkflow("wf-a", core.WorkflowWaitingApproval),
		sampleWorkflow("wf-b", core.WorkflowCompleted),
		sampleWorkflow("wf-d", core.WorkflowRejected),
	} {
		if err := s.Save(ctx, w); err != nil {
			t.Fatalf("Save %s: %v", w.ID, err)
		}
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	if active[0].ID != "wf-a" || active[1].ID != "wf-c" {
		t.Errorf("order = [%s %s], want [wf-a wf-c]", active[0].ID, active[1].ID)
	}
}

func TestSaveRespectsContextCancellation(t *testing.T) {
	s := NewInMemoryWorkflowStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Save(ctx, sampleWorkflow("wf-1", core.WorkflowInProgress)); err == nil {
		t.Error("expected error from cancelled context")
	}
}
