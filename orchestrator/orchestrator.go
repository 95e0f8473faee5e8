// Package orchestrator is the single entry point callers use: it runs
// admission checks, serializes access per workflow, coordinates the
// assembler, executor, SLA manager and provisioning gate, and persists
// every state change through the workflow store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grcflow/grcflow/assembler"
	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/eventbus"
	"github.com/grcflow/grcflow/executor"
	"github.com/grcflow/grcflow/provisioning"
	"github.com/grcflow/grcflow/sla"
	"github.com/grcflow/grcflow/store"
	"github.com/grcflow/grcflow/telemetry"
)

// Feature and module names checked at admission.
const (
	FeatureOrchestration = "workflow-orchestration"
	FeatureSimulation    = "workflow-simulation"
)

// processModules maps process types to the tenant module that must be
// enabled to run them.
var processModules = map[core.ProcessType]string{
	core.ProcessAccessRequest:   "access-requests",
	core.ProcessRoleAssignment:  "role-management",
	core.ProcessRoleChange:      "role-management",
	core.ProcessEmergencyAccess: "emergency-access",
	core.ProcessUserLifecycle:   "user-lifecycle",
	core.ProcessCertification:   "certification",
	core.ProcessPolicyException: "policy-exceptions",
}

// Orchestrator is the facade over the workflow subsystems.
type Orchestrator struct {
	assembler *assembler.Assembler
	exec      *executor.Executor
	workflows store.WorkflowStore
	slas      *sla.Manager
	gate      *provisioning.Gate
	bus       *eventbus.Bus
	reeval    *eventbus.ReEvaluator
	provision executor.ProvisionFunc
	logger    core.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger core.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithGate attaches a provisioning gate for item-level release decisions.
func WithGate(gate *provisioning.Gate) Option {
	return func(o *Orchestrator) { o.gate = gate }
}

// WithBus attaches an event bus; assembly failures and provisioning
// outcomes are published on it, and workflow events received on it feed
// re-evaluation.
func WithBus(bus *eventbus.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithReEvaluator attaches the re-evaluation planner used by HandleEvent.
func WithReEvaluator(reeval *eventbus.ReEvaluator) Option {
	return func(o *Orchestrator) { o.reeval = reeval }
}

// WithProvisionFunc sets the callback that enacts approved access. It
// runs outside the per-workflow lock.
func WithProvisionFunc(fn executor.ProvisionFunc) Option {
	return func(o *Orchestrator) { o.provision = fn }
}

// New wires the facade. The executor is used for state transitions
// only; its own provisioning callback is bypassed in favor of the
// orchestrator's lock-aware flow.
func New(asm *assembler.Assembler, exec *executor.Executor, workflows store.WorkflowStore, slas *sla.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		assembler: asm,
		exec:      exec,
		workflows: workflows,
		slas:      slas,
		logger:    &core.NoOpLogger{},
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bus != nil && o.reeval != nil {
		o.bus.SubscribeAll(o.HandleEvent)
	}
	return o
}

// admit runs the tenant gate. All admission failures happen before any
// state is read or written.
func (o *Orchestrator) admit(op string, tenant *core.TenantContext, feature string, processType core.ProcessType) error {
	if tenant == nil || tenant.TenantID == "" {
		return core.NewError(op, core.CodeTenantRequired, core.ErrTenantRequired)
	}
	if !tenant.Capabilities.HasFeature(feature) {
		return &core.OrchestratorError{
			Op: op, Code: core.CodeFeatureNotAvailable,
			ID: tenant.TenantID, Err: core.ErrFeatureNotAvailable,
			Message: fmt.Sprintf("feature %q not enabled", feature),
		}
	}
	if processType != "" {
		module, ok := processModules[processType]
		if !ok {
			return &core.OrchestratorError{
				Op: op, Code: core.CodeInvalidState,
				Message: fmt.Sprintf("unknown process type %q", processType),
				Err:     core.ErrInvalidState,
			}
		}
		if !tenant.Capabilities.HasModule(module) {
			return &core.OrchestratorError{
				Op: op, Code: core.CodeModuleNotEnabled,
				ID: tenant.TenantID, Err: core.ErrModuleNotEnabled,
				Message: fmt.Sprintf("module %q not enabled", module),
			}
		}
	}
	return nil
}

// lockFor returns the mutex serializing one workflow's mutations.
func (o *Orchestrator) lockFor(workflowID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[workflowID] = lock
	}
	return lock
}

// SubmitRequest assembles a workflow for the context, persists it, and
// activates the first step. Auto-decided workflows are persisted in
// their terminal status. Assembly failures publish an assembly-failed
// event and return the error.
func (o *Orchestrator) SubmitRequest(ctx context.Context, tenant *core.TenantContext, wctx *core.WorkflowContext, policySetID string) (*core.Workflow, error) {
	if err := o.admit("orchestrator.SubmitRequest", tenant, FeatureOrchestration, wctx.ProcessType); err != nil {
		return nil, err
	}

	result, err := o.assembler.Assemble(ctx, wctx, policySetID)
	if err != nil {
		o.publishAssemblyFailure(ctx, wctx, err)
		return nil, err
	}
	workflow := result.Workflow

	if workflow.Status == core.WorkflowPending {
		if err := o.exec.Submit(ctx, workflow); err != nil {
			return nil, err
		}
	}
	if err := o.workflows.Save(ctx, workflow); err != nil {
		return nil, err
	}

	telemetry.Counter("orchestrator.submissions.total",
		"tenant", tenant.TenantID,
		"process_type", string(wctx.ProcessType),
		"status", string(workflow.Status))
	o.logger.Info("Request submitted", map[string]interface{}{
		"tenant":      tenant.TenantID,
		"workflow_id": workflow.ID,
		"status":      string(workflow.Status),
	})
	return workflow, nil
}

// Simulate assembles a workflow without persisting or activating
// anything: the caller sees the steps, diagnostics and decision path a
// real submission would produce.
func (o *Orchestrator) Simulate(ctx context.Context, tenant *core.TenantContext, wctx *core.WorkflowContext, policySetID string) (*assembler.Result, error) {
	if err := o.admit("orchestrator.Simulate", tenant, FeatureSimulation, wctx.ProcessType); err != nil {
		return nil, err
	}
	return o.assembler.Assemble(ctx, wctx, policySetID)
}

// GetWorkflow loads a workflow.
func (o *Orchestrator) GetWorkflow(ctx context.Context, tenant *core.TenantContext, workflowID string) (*core.Workflow, error) {
	if err := o.admit("orchestrator.GetWorkflow", tenant, FeatureOrchestration, ""); err != nil {
		return nil, err
	}
	return o.workflows.Get(ctx, workflowID)
}

// RecordDecision applies an approver's decision under the workflow lock.
func (o *Orchestrator) RecordDecision(ctx context.Context, tenant *core.TenantContext, workflowID, stepID string, decision core.Decision, by core.Principal, comments string) (*core.Workflow, error) {
	if err := o.admit("orchestrator.RecordDecision", tenant, FeatureOrchestration, ""); err != nil {
		return nil, err
	}
	return o.mutate(ctx, workflowID, func(workflow *core.Workflow) error {
		return o.exec.RecordDecision(ctx, workflow, stepID, decision, by, comments)
	})
}

// Delegate hands the active step to another principal.
func (o *Orchestrator) Delegate(ctx context.Context, tenant *core.TenantContext, workflowID, stepID string, by, to core.Principal, reason string) (*core.Workflow, error) {
	if err := o.admit("orchestrator.Delegate", tenant, FeatureOrchestration, ""); err != nil {
		return nil, err
	}
	return o.mutate(ctx, workflowID, func(workflow *core.Workflow) error {
		return o.exec.Delegate(ctx, workflow, stepID, by, to, reason)
	})
}

// Escalate redirects the active step up the authority chain. An empty
// target type escalates along the fixed chain.
func (o *Orchestrator) Escalate(ctx context.Context, tenant *core.TenantContext, workflowID, stepID string, by core.Principal, toType core.ApproverType, reason string) (*core.Workflow, error) {
	if err := o.admit("orchestrator.Escalate", tenant, FeatureOrchestration, ""); err != nil {
		return nil, err
	}
	return o.mutate(ctx, workflowID, func(workflow *core.Workflow) error {
		target := toType
		if target == "" {
			if step := workflow.StepByID(stepID); step != nil {
				target = sla.EscalationTarget(step.ApproverType)
			}
		}
		return o.exec.Escalate(ctx, workflow, stepID, by, target, nil, core.TriggerManual, reason)
	})
}

// Cancel aborts a non-terminal workflow.
func (o *Orchestrator) Cancel(ctx context.Context, tenant *core.TenantContext, workflowID string, by core.Principal, reason string) (*core.Workflow, error) {
	if err := o.admit("orchestrator.Cancel", tenant, FeatureOrchestration, ""); err != nil {
		return nil, err
	}
	return o.mutate(ctx, workflowID, func(workflow *core.Workflow) error {
		return o.exec.Cancel(ctx, workflow, by, reason)
	})
}

// Provision enacts an approved workflow. The transition to PROVISIONING
// commits and the lock is released before the provisioning callback
// runs; the outcome is applied after re-checking that nothing moved the
// workflow meanwhile.
func (o *Orchestrator) Provision(ctx context.Context, tenant *core.TenantContext, workflowID string, by core.Principal) (*core.Workflow, error) {
	if err := o.admit("orchestrator.Provision", tenant, FeatureOrchestration, ""); err != nil {
		return nil, err
	}

	workflow, err := o.mutate(ctx, workflowID, func(workflow *core.Workflow) error {
		return o.exec.BeginProvisioning(ctx, workflow, by)
	})
	if err != nil {
		return nil, err
	}

	// Callback runs unlocked: provisioning can take arbitrarily long and
	// must not block decisions on other workflows or SLA sweeps.
	var provisionErr error
	if o.provision != nil {
		provisionErr = o.provision(ctx, workflow)
	}

	finished, err := o.finishProvisioning(ctx, workflowID, provisionErr)
	o.publishProvisioningOutcome(ctx, workflowID, provisionErr)
	return finished, err
}

// finishProvisioning applies the provisioning outcome under the
// workflow lock. Unlike mutate, the workflow is saved even when the
// outcome is a provisioning failure: the FAILED transition and its
// audit entry must persist so a new Provision call can retry. Only
// validation failures that changed nothing skip the save.
func (o *Orchestrator) finishProvisioning(ctx context.Context, workflowID string, provisionErr error) (*core.Workflow, error) {
	lock := o.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	workflow, err := o.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	finishErr := o.exec.FinishProvisioning(ctx, workflow, provisionErr)
	if finishErr != nil && !errors.Is(finishErr, core.ErrProvisioningFailed) {
		return nil, finishErr
	}
	if saveErr := o.workflows.Save(ctx, workflow); saveErr != nil {
		return nil, saveErr
	}
	return workflow, finishErr
}

// ReleaseItems runs the provisioning gate over an access request,
// marking cleared items PROVISIONED. Requires a configured gate.
func (o *Orchestrator) ReleaseItems(ctx context.Context, tenant *core.TenantContext, request *core.AccessRequest) (*provisioning.Result, error) {
	if err := o.admit("orchestrator.ReleaseItems", tenant, FeatureOrchestration, ""); err != nil {
		return nil, err
	}
	if o.gate == nil {
		return nil, &core.OrchestratorError{
			Op: "orchestrator.ReleaseItems", Code: core.CodeInvalidState,
			Message: "no provisioning gate configured", Err: core.ErrInvalidState,
		}
	}
	result := o.gate.Evaluate(request)
	o.gate.Apply(request, result)
	return result, nil
}

// CheckSLA reports the SLA health of a workflow.
func (o *Orchestrator) CheckSLA(ctx context.Context, tenant *core.TenantContext, workflowID string) (*sla.WorkflowCheck, error) {
	if err := o.admit("orchestrator.CheckSLA", tenant, FeatureOrchestration, ""); err != nil {
		return nil, err
	}
	workflow, err := o.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	check := o.slas.CheckWorkflow(workflow)
	return &check, nil
}

// HandleEvent re-evaluates every workflow an event names. Failures on
// one workflow do not stop the others; the first error is returned so
// the bus can redeliver.
func (o *Orchestrator) HandleEvent(ctx context.Context, event *core.WorkflowEvent) error {
	if o.reeval == nil {
		return nil
	}
	var firstErr error
	for _, workflowID := range event.AffectedWorkflowIDs {
		_, err := o.mutate(ctx, workflowID, func(workflow *core.Workflow) error {
			actions, err := o.reeval.Plan(ctx, workflow, event)
			if err != nil {
				return err
			}
			return o.reeval.Apply(ctx, workflow, actions)
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			o.logger.Error("Re-evaluation failed", map[string]interface{}{
				"event_id":    event.EventID,
				"workflow_id": workflowID,
				"error":       err.Error(),
			})
		}
	}
	return firstErr
}

// mutate loads, mutates and saves one workflow under its lock. The save
// happens only when the mutation succeeded.
func (o *Orchestrator) mutate(ctx context.Context, workflowID string, fn func(*core.Workflow) error) (*core.Workflow, error) {
	lock := o.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	workflow, err := o.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := fn(workflow); err != nil {
		return nil, err
	}
	if err := o.workflows.Save(ctx, workflow); err != nil {
		return nil, err
	}
	return workflow, nil
}

func (o *Orchestrator) publishAssemblyFailure(ctx context.Context, wctx *core.WorkflowContext, cause error) {
	telemetry.RecordError("orchestrator.assembly", core.ErrorCode(cause))
	if o.bus == nil {
		return
	}
	event := &core.WorkflowEvent{
		EventID:   uuid.New().String(),
		EventType: core.EventAssemblyFailed,
		Priority:  core.PriorityHigh,
		Source:    "orchestrator",
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"request_id": wctx.RequestID,
			"error":      cause.Error(),
			"error_code": core.ErrorCode(cause),
		},
	}
	if err := o.bus.Publish(ctx, event); err != nil {
		o.logger.Error("Failed to publish assembly failure", map[string]interface{}{
			"request_id": wctx.RequestID,
			"error":      err.Error(),
		})
	}
}

func (o *Orchestrator) publishProvisioningOutcome(ctx context.Context, workflowID string, provisionErr error) {
	if o.bus == nil {
		return
	}
	eventType := core.EventProvisioningSucceeded
	payload := map[string]interface{}{}
	if provisionErr != nil {
		eventType = core.EventProvisioningFailed
		payload["error"] = provisionErr.Error()
	}
	event := &core.WorkflowEvent{
		EventID:             uuid.New().String(),
		EventType:           eventType,
		Priority:            core.PriorityNormal,
		Source:              "orchestrator",
		Timestamp:           time.Now(),
		Payload:             payload,
		AffectedWorkflowIDs: []string{workflowID},
	}
	if err := o.bus.Publish(ctx, event); err != nil {
		o.logger.Error("Failed to publish provisioning outcome", map[string]interface{}{
			"workflow_id": workflowID,
			"error":       err.Error(),
		})
	}
}
