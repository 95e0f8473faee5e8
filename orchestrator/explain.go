package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/grcflow/grcflow/core"
)

// Audience selects how much an explanation reveals.
type Audience string

const (
	AudienceRequester Audience = "requester"
	AudienceApprover  Audience = "approver"
	AudienceAuditor   Audience = "auditor"
)

// Explanation is the audience-scoped account of a workflow's shape and
// progress.
type Explanation struct {
	WorkflowID string   `json:"workflow_id"`
	Audience   Audience `json:"audience"`
	Status     string   `json:"status"`
	Summary    string   `json:"summary"`
	Steps      []string `json:"steps,omitempty"`
	// MatchedRules lists every rule that shaped the workflow.
	// Auditor-only.
	MatchedRules  []string `json:"matched_rules,omitempty"`
	PolicySet     string   `json:"policy_set,omitempty"`
	PolicyVersion string   `json:"policy_version,omitempty"`
	AuditTrail    []string `json:"audit_trail,omitempty"`
}

// Explain renders a workflow explanation for an audience. Requesters see
// progress and expectations without approver identities; approvers see
// the step they own in full; auditors see the complete decision basis,
// including every matched rule id.
func (o *Orchestrator) Explain(ctx context.Context, tenant *core.TenantContext, workflowID string, audience Audience) (*Explanation, error) {
	if err := o.admit("orchestrator.Explain", tenant, FeatureOrchestration, ""); err != nil {
		return nil, err
	}
	switch audience {
	case AudienceRequester, AudienceApprover, AudienceAuditor:
	default:
		return nil, &core.OrchestratorError{
			Op: "orchestrator.Explain", Code: core.CodeInvalidState,
			Message: fmt.Sprintf("unknown audience %q", audience),
			Err:     core.ErrInvalidState,
		}
	}

	workflow, err := o.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	explanation := &Explanation{
		WorkflowID: workflow.ID,
		Audience:   audience,
		Status:     string(workflow.Status),
	}

	switch audience {
	case AudienceRequester:
		o.explainForRequester(workflow, explanation)
	case AudienceApprover:
		o.explainForApprover(workflow, explanation)
	case AudienceAuditor:
		o.explainForAuditor(workflow, explanation)
	}
	return explanation, nil
}

// explainForRequester shows progress and what happens next, naming
// approver roles but not people.
func (o *Orchestrator) explainForRequester(workflow *core.Workflow, out *Explanation) {
	decided := 0
	for _, step := range workflow.Steps {
		if step.Status.IsTerminal() {
			decided++
		}
		out.Steps = append(out.Steps, fmt.Sprintf("Step %d: %s approval - %s",
			step.StepNumber, step.ApproverType, step.Status))
	}

	switch {
	case workflow.Status == core.WorkflowAutoApproved:
		out.Summary = "Your request was approved automatically by policy."
	case workflow.Status == core.WorkflowAutoRejected:
		out.Summary = "Your request was rejected automatically by policy."
	case workflow.Status.IsTerminal() || workflow.Status.IsDecided():
		out.Summary = fmt.Sprintf("Your request is %s.", strings.ToLower(strings.ReplaceAll(string(workflow.Status), "_", " ")))
	default:
		current := workflow.CurrentStep()
		if current != nil {
			out.Summary = fmt.Sprintf(
				"Your request needs %d approval(s); %d of %d complete. Currently waiting on %s approval (due within %.0f hours of activation).",
				len(workflow.Steps), decided, len(workflow.Steps), current.ApproverType, current.SLAHours)
		} else {
			out.Summary = fmt.Sprintf("Your request needs %d approval(s); %d complete.", len(workflow.Steps), decided)
		}
	}
}

// explainForApprover details the active step: who holds it, why it
// exists, and when it is due.
func (o *Orchestrator) explainForApprover(workflow *core.Workflow, out *Explanation) {
	current := workflow.CurrentStep()
	if current == nil || current.Status != core.StepActive {
		out.Summary = "No step is currently awaiting a decision."
		return
	}

	due := "no deadline set"
	if current.DueAt != nil {
		due = current.DueAt.Format("2006-01-02 15:04 MST")
	}
	out.Summary = fmt.Sprintf(
		"Step %d (%s approval) is assigned to %s, due %s. It was required by rule %s.",
		current.StepNumber, current.ApproverType, current.Approver.Name, due, current.MatchedRuleID)

	if current.DelegatedFrom != "" {
		out.Steps = append(out.Steps, fmt.Sprintf("Assigned via out-of-office delegation from %s", current.DelegatedFrom))
	}
	for _, delegation := range current.Delegations {
		out.Steps = append(out.Steps, fmt.Sprintf("Delegated from %s to %s: %s",
			delegation.From.Name, delegation.To.Name, delegation.Reason))
	}
	for _, escalation := range current.Escalations {
		out.Steps = append(out.Steps, fmt.Sprintf("Escalated from %s to %s: %s",
			escalation.From.Name, escalation.To.Name, escalation.Reason))
	}
}

// explainForAuditor reproduces the full decision basis: policy set and
// version, every matched rule, per-step provenance, and the audit trail.
func (o *Orchestrator) explainForAuditor(workflow *core.Workflow, out *Explanation) {
	out.PolicySet = workflow.PolicySetID
	out.PolicyVersion = workflow.PolicyVersion
	out.MatchedRules = append(out.MatchedRules, workflow.MatchedRuleIDs...)
	out.Summary = workflow.AssemblyExplanation

	for _, step := range workflow.Steps {
		line := fmt.Sprintf("Step %d: %s approval by %s (%s), SLA %.0fh, required by rule %s",
			step.StepNumber, step.ApproverType, step.Approver.Name, step.Status, step.SLAHours, step.MatchedRuleID)
		if step.DecidedAt != nil {
			line += fmt.Sprintf(", decided %s", step.DecidedAt.Format("2006-01-02 15:04 MST"))
		}
		out.Steps = append(out.Steps, line)
	}
	for _, entry := range workflow.AuditLog {
		out.AuditTrail = append(out.AuditTrail, fmt.Sprintf("[%s] %s (%s): %s",
			entry.Timestamp.Format("2006-01-02 15:04:05"), entry.EventType, entry.Actor, entry.Description))
	}
}
