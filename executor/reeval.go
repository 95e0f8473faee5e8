package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/grcflow/grcflow/core"
)

// Re-evaluation helpers. These apply mid-flight workflow adjustments
// produced when an external event changes the request context. Completed
// steps are never touched; only PENDING and ACTIVE steps are adjustable.

// AddStep inserts a new step after the current position. The step starts
// PENDING and activates in normal order as the workflow advances.
func (e *Executor) AddStep(ctx context.Context, workflow *core.Workflow, step core.WorkflowStep, reason string) error {
	if err := ctx.Err(); err != nil {
		return core.NewError("executor.AddStep", core.CodeTimeout, core.ErrContextCanceled)
	}
	if workflow.Status.IsTerminal() || workflow.Status == core.WorkflowApproved || workflow.Status == core.WorkflowAutoApproved {
		return invalidState("executor.AddStep",
			fmt.Sprintf("workflow %s is %s, steps cannot be added", workflow.ID, workflow.Status))
	}

	step.Status = core.StepPending
	insertAt := workflow.CurrentStepIndex + 1
	if insertAt < 0 {
		insertAt = 0
	}
	if insertAt > len(workflow.Steps) {
		insertAt = len(workflow.Steps)
	}
	workflow.Steps = append(workflow.Steps, core.WorkflowStep{})
	copy(workflow.Steps[insertAt+1:], workflow.Steps[insertAt:])
	workflow.Steps[insertAt] = step
	renumber(workflow)

	e.commit(ctx, workflow, "step-added", "re-evaluation", core.ActorPolicy,
		fmt.Sprintf("Step %s (%s) added: %s", step.Name, step.ApproverType, reason),
		map[string]interface{}{"step_id": step.ID, "reason": reason})
	return nil
}

// RemoveStep withdraws a not-yet-decided step. PENDING steps are
// skipped silently; an ACTIVE step is skipped and the workflow advances
// as if it had been approved without a decision.
func (e *Executor) RemoveStep(ctx context.Context, workflow *core.Workflow, stepID, reason string) error {
	if err := ctx.Err(); err != nil {
		return core.NewError("executor.RemoveStep", core.CodeTimeout, core.ErrContextCanceled)
	}
	step := workflow.StepByID(stepID)
	if step == nil {
		return core.NewError("executor.RemoveStep", core.CodeInvalidState, core.ErrStepNotFound)
	}
	if step.Status != core.StepPending && step.Status != core.StepActive {
		return invalidState("executor.RemoveStep",
			fmt.Sprintf("step %s is %s, only PENDING or ACTIVE steps can be removed", stepID, step.Status))
	}

	now := e.clock()
	wasActive := step.Status == core.StepActive
	step.Status = core.StepSkipped
	step.Description = appendNote(step.Description, reason)

	var finished bool
	if wasActive {
		finished = e.advance(workflow, now)
	}

	e.commit(ctx, workflow, "step-removed", "re-evaluation", core.ActorPolicy,
		fmt.Sprintf("Step %d (%s) removed: %s", step.StepNumber, step.ApproverType, reason),
		map[string]interface{}{"step_id": step.ID, "reason": reason})

	if finished && e.callbacks.OnWorkflowComplete != nil {
		e.callbacks.OnWorkflowComplete(workflow)
	}
	return nil
}

// AutoApproveRemaining skips every remaining step and finalizes the
// workflow as APPROVED by policy, recording the triggering rule.
func (e *Executor) AutoApproveRemaining(ctx context.Context, workflow *core.Workflow, ruleID, reason string) error {
	if err := ctx.Err(); err != nil {
		return core.NewError("executor.AutoApproveRemaining", core.CodeTimeout, core.ErrContextCanceled)
	}
	if workflow.Status != core.WorkflowInProgress && workflow.Status != core.WorkflowWaitingApproval && workflow.Status != core.WorkflowPending {
		return invalidState("executor.AutoApproveRemaining",
			fmt.Sprintf("workflow %s is %s", workflow.ID, workflow.Status))
	}

	now := e.clock()
	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		if step.Status == core.StepPending || step.Status == core.StepActive {
			step.Status = core.StepSkipped
			step.Description = appendNote(step.Description, reason)
		}
	}
	workflow.CurrentStepIndex = len(workflow.Steps)
	workflow.Status = core.WorkflowApproved
	workflow.FinalDecision = core.DecisionApproved
	workflow.CompletedAt = &now

	e.commit(ctx, workflow, "auto-approved-remaining", ruleID, core.ActorPolicy,
		fmt.Sprintf("Remaining steps auto-approved by rule %s: %s", ruleID, reason),
		map[string]interface{}{"rule_id": ruleID, "reason": reason})

	if e.callbacks.OnWorkflowComplete != nil {
		e.callbacks.OnWorkflowComplete(workflow)
	}
	return nil
}

// AutoReject finalizes the workflow as AUTO_REJECTED by policy. Remaining
// steps are skipped.
func (e *Executor) AutoReject(ctx context.Context, workflow *core.Workflow, ruleID, reason string) error {
	if err := ctx.Err(); err != nil {
		return core.NewError("executor.AutoReject", core.CodeTimeout, core.ErrContextCanceled)
	}
	if workflow.Status.IsTerminal() {
		return &core.OrchestratorError{
			Op: "executor.AutoReject", Code: core.CodeInvalidState,
			ID: workflow.ID, Err: core.ErrWorkflowTerminal,
		}
	}

	now := e.clock()
	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		if step.Status == core.StepPending || step.Status == core.StepActive {
			step.Status = core.StepSkipped
			step.Description = appendNote(step.Description, reason)
		}
	}
	workflow.Status = core.WorkflowAutoRejected
	workflow.FinalDecision = core.DecisionRejected
	workflow.CompletedAt = &now

	e.commit(ctx, workflow, "auto-rejected", ruleID, core.ActorPolicy,
		fmt.Sprintf("Workflow auto-rejected by rule %s: %s", ruleID, reason),
		map[string]interface{}{"rule_id": ruleID, "reason": reason})
	return nil
}

// Pause moves an in-flight workflow to WAITING_APPROVAL, freezing SLA
// escalation decisions at the orchestration layer while an investigation
// runs. The active step keeps its deadline.
func (e *Executor) Pause(ctx context.Context, workflow *core.Workflow, reason string) error {
	if err := ctx.Err(); err != nil {
		return core.NewError("executor.Pause", core.CodeTimeout, core.ErrContextCanceled)
	}
	if workflow.Status != core.WorkflowInProgress {
		return invalidState("executor.Pause",
			fmt.Sprintf("workflow %s is %s, not IN_PROGRESS", workflow.ID, workflow.Status))
	}

	workflow.Status = core.WorkflowWaitingApproval
	e.commit(ctx, workflow, "workflow-paused", "re-evaluation", core.ActorSystem,
		fmt.Sprintf("Workflow paused: %s", reason),
		map[string]interface{}{"reason": reason})
	return nil
}

// Resume returns a paused workflow to IN_PROGRESS.
func (e *Executor) Resume(ctx context.Context, workflow *core.Workflow, reason string) error {
	if err := ctx.Err(); err != nil {
		return core.NewError("executor.Resume", core.CodeTimeout, core.ErrContextCanceled)
	}
	if workflow.Status != core.WorkflowWaitingApproval {
		return invalidState("executor.Resume",
			fmt.Sprintf("workflow %s is %s, not WAITING_APPROVAL", workflow.ID, workflow.Status))
	}

	workflow.Status = core.WorkflowInProgress
	e.commit(ctx, workflow, "workflow-resumed", "re-evaluation", core.ActorSystem,
		fmt.Sprintf("Workflow resumed: %s", reason),
		map[string]interface{}{"reason": reason})
	return nil
}

// ResetStepSLA restamps the active step's deadline, used when an
// escalation or re-evaluation grants a fresh window.
func (e *Executor) ResetStepSLA(workflow *core.Workflow, stepID string, slaHours float64) error {
	step := workflow.StepByID(stepID)
	if step == nil {
		return core.NewError("executor.ResetStepSLA", core.CodeInvalidState, core.ErrStepNotFound)
	}
	if step.Status != core.StepActive {
		return invalidState("executor.ResetStepSLA",
			fmt.Sprintf("step %s is %s, not ACTIVE", stepID, step.Status))
	}
	now := e.clock()
	step.SLAHours = slaHours
	step.ActivatedAt = &now
	due := now.Add(time.Duration(slaHours * float64(time.Hour)))
	step.DueAt = &due
	return nil
}

func renumber(workflow *core.Workflow) {
	for i := range workflow.Steps {
		workflow.Steps[i].StepNumber = i + 1
	}
}
