// Package executor is the deterministic state machine that advances
// workflows: submit, record-decision, delegate, escalate, cancel,
// provision. Every successful operation appends exactly one primary
// audit entry and emits one execution event; failed validation changes
// nothing.
//
// The executor mutates workflows it is handed; serializing access per
// workflow id is the orchestrator's responsibility.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/resolver"
	"github.com/grcflow/grcflow/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// ProvisionFunc enacts approved access. A nil error moves the workflow
// to COMPLETED; any error moves it to FAILED and is retriable with a new
// Provision call.
type ProvisionFunc func(ctx context.Context, workflow *core.Workflow) error

// Callbacks are invoked after an operation commits, outside any
// per-workflow lock the caller holds.
type Callbacks struct {
	OnStepComplete     func(workflow *core.Workflow, step *core.WorkflowStep)
	OnWorkflowComplete func(workflow *core.Workflow)
	OnProvision        ProvisionFunc
}

// Executor advances workflow state machines.
type Executor struct {
	registry  *resolver.Registry
	callbacks Callbacks
	logger    core.Logger
	clock     func() time.Time
	seq       eventSequence
	sink      EventSink
}

// Option configures the executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger core.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.clock = clock }
}

// WithCallbacks registers completion and provisioning callbacks.
func WithCallbacks(callbacks Callbacks) Option {
	return func(e *Executor) { e.callbacks = callbacks }
}

// WithEventSink registers a sink receiving committed execution events.
func WithEventSink(sink EventSink) Option {
	return func(e *Executor) { e.sink = sink }
}

// New creates an executor. The resolver registry staffs escalation
// targets; it may be nil when Escalate is always called with an explicit
// principal.
func New(registry *resolver.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		logger:   &core.NoOpLogger{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func invalidState(op, msg string) error {
	return &core.OrchestratorError{
		Op:      op,
		Code:    core.CodeInvalidState,
		Message: msg,
		Err:     core.ErrInvalidState,
	}
}

// Submit moves an assembled workflow from DRAFT/PENDING to IN_PROGRESS
// and activates its first step. Auto-decided workflows are not
// submittable.
func (e *Executor) Submit(ctx context.Context, workflow *core.Workflow) error {
	if err := ctx.Err(); err != nil {
		return core.NewError("executor.Submit", core.CodeTimeout, core.ErrContextCanceled)
	}
	if workflow.Status != core.WorkflowDraft && workflow.Status != core.WorkflowPending {
		return invalidState("executor.Submit",
			fmt.Sprintf("workflow %s is %s, not submittable", workflow.ID, workflow.Status))
	}
	if len(workflow.Steps) == 0 {
		return invalidState("executor.Submit",
			fmt.Sprintf("workflow %s has no steps", workflow.ID))
	}

	now := e.clock()
	workflow.Status = core.WorkflowInProgress
	workflow.SubmittedAt = &now
	workflow.CurrentStepIndex = 0
	e.activateStep(&workflow.Steps[0], now)

	e.commit(ctx, workflow, "workflow-submitted", workflow.Context.Requester.UserID, core.ActorUser,
		fmt.Sprintf("Workflow submitted; step 1 (%s) activated", workflow.Steps[0].ApproverType),
		map[string]interface{}{"first_step": workflow.Steps[0].ID})
	return nil
}

// RecordDecision records an approver's decision on the active step.
// The step must be ACTIVE and the workflow IN_PROGRESS or
// WAITING_APPROVAL. The step update, audit entry, workflow advance and
// callbacks commit together; any validation failure leaves no trace.
func (e *Executor) RecordDecision(ctx context.Context, workflow *core.Workflow, stepID string, decision core.Decision, by core.Principal, comments string) error {
	if err := ctx.Err(); err != nil {
		return core.NewError("executor.RecordDecision", core.CodeTimeout, core.ErrContextCanceled)
	}
	if workflow.Status != core.WorkflowInProgress && workflow.Status != core.WorkflowWaitingApproval {
		return invalidState("executor.RecordDecision",
			fmt.Sprintf("workflow %s is %s, decisions not accepted", workflow.ID, workflow.Status))
	}
	step := workflow.StepByID(stepID)
	if step == nil {
		return core.NewError("executor.RecordDecision", core.CodeInvalidState, core.ErrStepNotFound)
	}
	if step.Status != core.StepActive {
		return invalidState("executor.RecordDecision",
			fmt.Sprintf("step %s is %s, not ACTIVE", stepID, step.Status))
	}
	if decision != core.DecisionApproved && decision != core.DecisionRejected {
		return invalidState("executor.RecordDecision",
			fmt.Sprintf("unknown decision %q", decision))
	}

	now := e.clock()
	step.Decision = decision
	step.DecisionComments = comments
	step.DecidedAt = &now

	var finished bool
	if decision == core.DecisionApproved {
		step.Status = core.StepApproved
		finished = e.advance(workflow, now)
	} else {
		step.Status = core.StepRejected
		workflow.Status = core.WorkflowRejected
		workflow.FinalDecision = core.DecisionRejected
		workflow.CompletedAt = &now
		e.skipRemaining(workflow, "workflow rejected", now)
		finished = true
	}

	e.commit(ctx, workflow, "decision-recorded", by.ID, core.ActorUser,
		fmt.Sprintf("Step %d (%s) %s by %s", step.StepNumber, step.ApproverType, decision, by.Name),
		map[string]interface{}{
			"step_id":  step.ID,
			"decision": string(decision),
			"comments": comments,
		})
	telemetry.Counter("executor.decisions.total",
		"decision", string(decision),
		"approver_type", string(step.ApproverType))

	if e.callbacks.OnStepComplete != nil {
		e.callbacks.OnStepComplete(workflow, step)
	}
	if finished && workflow.FinalDecision == core.DecisionApproved && e.callbacks.OnWorkflowComplete != nil {
		e.callbacks.OnWorkflowComplete(workflow)
	}
	return nil
}

// advance moves the current-step index forward after an approval,
// activating the next eligible step or finalizing the workflow. Returns
// true when the workflow reached APPROVED.
func (e *Executor) advance(workflow *core.Workflow, now time.Time) bool {
	for i := workflow.CurrentStepIndex + 1; i < len(workflow.Steps); i++ {
		step := &workflow.Steps[i]
		if step.Status != core.StepPending {
			continue
		}
		workflow.CurrentStepIndex = i
		e.activateStep(step, now)
		return false
	}
	workflow.CurrentStepIndex = len(workflow.Steps)
	workflow.Status = core.WorkflowApproved
	workflow.FinalDecision = core.DecisionApproved
	workflow.CompletedAt = &now
	return true
}

func (e *Executor) activateStep(step *core.WorkflowStep, now time.Time) {
	step.Status = core.StepActive
	activated := now
	step.ActivatedAt = &activated
	due := now.Add(time.Duration(step.SLAHours * float64(time.Hour)))
	step.DueAt = &due
	step.DecidedAt = nil
	step.Decision = ""
}

func (e *Executor) skipRemaining(workflow *core.Workflow, reason string, now time.Time) {
	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		if step.Status == core.StepPending {
			step.Status = core.StepSkipped
			step.Description = appendNote(step.Description, reason)
		}
	}
}

// Delegate hands the active step to another principal. The step
// re-activates with a fresh SLA window; the hand-off is recorded in the
// step's delegation history.
func (e *Executor) Delegate(ctx context.Context, workflow *core.Workflow, stepID string, by core.Principal, to core.Principal, reason string) error {
	if err := ctx.Err(); err != nil {
		return core.NewError("executor.Delegate", core.CodeTimeout, core.ErrContextCanceled)
	}
	step, err := e.activeStep(workflow, stepID, "executor.Delegate")
	if err != nil {
		return err
	}

	now := e.clock()
	step.Status = core.StepDelegated
	step.Delegations = append(step.Delegations, core.DelegationRecord{
		From: step.Approver, To: to, Reason: reason, At: now,
	})
	step.Approver = to
	step.DelegatedFrom = ""
	e.activateStep(step, now)

	e.commit(ctx, workflow, "step-delegated", by.ID, core.ActorUser,
		fmt.Sprintf("Step %d delegated to %s", step.StepNumber, to.Name),
		map[string]interface{}{"step_id": step.ID, "to": to.ID, "reason": reason})
	return nil
}

// Escalate redirects the active step to a higher-authority approver.
// When to is nil, toType is resolved through the registry. The step
// re-activates with a fresh SLA window.
func (e *Executor) Escalate(ctx context.Context, workflow *core.Workflow, stepID string, by core.Principal, toType core.ApproverType, to *core.Principal, trigger core.EscalationTrigger, reason string) error {
	if err := ctx.Err(); err != nil {
		return core.NewError("executor.Escalate", core.CodeTimeout, core.ErrContextCanceled)
	}
	step, err := e.activeStep(workflow, stepID, "executor.Escalate")
	if err != nil {
		return err
	}

	target := to
	if target == nil {
		if e.registry == nil {
			return invalidState("executor.Escalate", "no resolver registry and no explicit target")
		}
		resolution, rerr := e.registry.Resolve(ctx, toType, &workflow.Context)
		if rerr != nil {
			return rerr
		}
		target = &resolution.Principal
	}

	now := e.clock()
	step.Status = core.StepEscalated
	step.Escalations = append(step.Escalations, core.DelegationRecord{
		From: step.Approver, To: *target, Reason: reason, At: now,
	})
	previousType := step.ApproverType
	if toType != "" {
		step.ApproverType = toType
	}
	step.Approver = *target
	e.activateStep(step, now)

	e.commit(ctx, workflow, "step-escalated", by.ID, core.ActorSystem,
		fmt.Sprintf("Step %d escalated from %s to %s (%s)", step.StepNumber, previousType, step.ApproverType, trigger),
		map[string]interface{}{
			"step_id": step.ID,
			"trigger": string(trigger),
			"to":      target.ID,
			"reason":  reason,
		})
	telemetry.Counter("executor.escalations.total", "trigger", string(trigger))
	return nil
}

// Cancel aborts a non-terminal workflow. Already-terminal workflows are
// refused.
func (e *Executor) Cancel(ctx context.Context, workflow *core.Workflow, by core.Principal, reason string) error {
	if err := ctx.Err(); err != nil {
		return core.NewError("executor.Cancel", core.CodeTimeout, core.ErrContextCanceled)
	}
	if workflow.Status.IsTerminal() {
		return &core.OrchestratorError{
			Op: "executor.Cancel", Code: core.CodeInvalidState,
			ID: workflow.ID, Err: core.ErrWorkflowTerminal,
		}
	}

	now := e.clock()
	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		if step.Status == core.StepPending || step.Status == core.StepActive {
			step.Status = core.StepCancelled
		}
	}
	workflow.Status = core.WorkflowCancelled
	workflow.CompletedAt = &now

	e.commit(ctx, workflow, "workflow-cancelled", by.ID, core.ActorUser,
		fmt.Sprintf("Workflow cancelled: %s", reason),
		map[string]interface{}{"reason": reason})
	return nil
}

// Provision enacts an approved workflow through the registered
// on-provision callback. Valid only when the final decision is APPROVED;
// a FAILED workflow may be retried. The caller must not hold the
// per-workflow lock across the callback; the orchestrator releases it
// after the PROVISIONING transition.
func (e *Executor) Provision(ctx context.Context, workflow *core.Workflow, by core.Principal) error {
	if err := e.BeginProvisioning(ctx, workflow, by); err != nil {
		return err
	}

	var provisionErr error
	if e.callbacks.OnProvision != nil {
		provisionErr = e.callbacks.OnProvision(ctx, workflow)
	}
	return e.FinishProvisioning(ctx, workflow, provisionErr)
}

// BeginProvisioning validates and transitions the workflow to
// PROVISIONING. Split from FinishProvisioning so the orchestrator can
// release the per-workflow lock while the callback runs.
func (e *Executor) BeginProvisioning(ctx context.Context, workflow *core.Workflow, by core.Principal) error {
	if err := ctx.Err(); err != nil {
		return core.NewError("executor.Provision", core.CodeTimeout, core.ErrContextCanceled)
	}
	if workflow.FinalDecision != core.DecisionApproved {
		return invalidState("executor.Provision",
			fmt.Sprintf("workflow %s final decision is %q, not APPROVED", workflow.ID, workflow.FinalDecision))
	}
	switch workflow.Status {
	case core.WorkflowApproved, core.WorkflowAutoApproved, core.WorkflowFailed:
	default:
		return invalidState("executor.Provision",
			fmt.Sprintf("workflow %s is %s, not provisionable", workflow.ID, workflow.Status))
	}

	workflow.Status = core.WorkflowProvisioning
	e.commit(ctx, workflow, "provisioning-started", by.ID, core.ActorUser,
		"Provisioning started", nil)
	return nil
}

// FinishProvisioning applies the provisioning outcome: nil moves the
// workflow to COMPLETED, an error to FAILED wrapped as a provisioning
// error.
func (e *Executor) FinishProvisioning(ctx context.Context, workflow *core.Workflow, provisionErr error) error {
	if workflow.Status != core.WorkflowProvisioning {
		return invalidState("executor.Provision",
			fmt.Sprintf("workflow %s is %s, not PROVISIONING", workflow.ID, workflow.Status))
	}

	now := e.clock()
	if provisionErr != nil {
		workflow.Status = core.WorkflowFailed
		e.commit(ctx, workflow, "provisioning-failed", "provisioner", core.ActorSystem,
			fmt.Sprintf("Provisioning failed: %v", provisionErr),
			map[string]interface{}{"error": provisionErr.Error()})
		telemetry.Counter("executor.provisioning.total", "outcome", "failed")
		return &core.OrchestratorError{
			Op: "executor.Provision", Code: core.CodeProvisioning,
			ID: workflow.ID, Err: core.ErrProvisioningFailed,
			Message: provisionErr.Error(),
		}
	}

	workflow.Status = core.WorkflowCompleted
	workflow.CompletedAt = &now
	e.commit(ctx, workflow, "provisioning-succeeded", "provisioner", core.ActorSystem,
		"Provisioning completed", nil)
	telemetry.Counter("executor.provisioning.total", "outcome", "completed")
	return nil
}

func (e *Executor) activeStep(workflow *core.Workflow, stepID, op string) (*core.WorkflowStep, error) {
	if workflow.Status != core.WorkflowInProgress && workflow.Status != core.WorkflowWaitingApproval {
		return nil, invalidState(op,
			fmt.Sprintf("workflow %s is %s", workflow.ID, workflow.Status))
	}
	step := workflow.StepByID(stepID)
	if step == nil {
		return nil, core.NewError(op, core.CodeInvalidState, core.ErrStepNotFound)
	}
	if step.Status != core.StepActive {
		return nil, invalidState(op,
			fmt.Sprintf("step %s is %s, not ACTIVE", stepID, step.Status))
	}
	return step, nil
}

// commit appends the primary audit entry and emits the execution event
// for a successful operation.
func (e *Executor) commit(ctx context.Context, workflow *core.Workflow, eventType, actor string, actorType core.ActorType, description string, details map[string]interface{}) {
	now := e.clock()
	eventID := uuid.New().String()

	workflow.AppendAudit(core.AuditEntry{
		EventID:     eventID,
		EventType:   eventType,
		Timestamp:   now,
		Actor:       actor,
		ActorType:   actorType,
		Description: description,
		Details:     details,
	})

	event := ExecutionEvent{
		Seq:        e.seq.next(),
		Type:       eventType,
		WorkflowID: workflow.ID,
		Actor:      actor,
		At:         now,
		Payload:    details,
	}
	if stepID, ok := details["step_id"].(string); ok {
		event.StepID = stepID
	}
	if e.sink != nil {
		e.sink(event)
	}

	telemetry.AddSpanEvent(ctx, "executor."+eventType,
		attribute.String("workflow_id", workflow.ID),
		attribute.String("workflow_status", string(workflow.Status)),
	)
	e.logger.Info(description, map[string]interface{}{
		"workflow_id": workflow.ID,
		"event_type":  eventType,
		"status":      string(workflow.Status),
	})
}

func appendNote(description, note string) string {
	if description == "" {
		return note
	}
	return description + "; " + note
}
