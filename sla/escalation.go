package sla

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/telemetry"
)

// escalationChain is the fixed authority chain used when no target type
// is given explicitly.
var escalationChain = map[core.ApproverType]core.ApproverType{
	core.ApproverLineManager:       core.ApproverSecurityOfficer,
	core.ApproverSecurityOfficer:   core.ApproverComplianceOfficer,
	core.ApproverComplianceOfficer: core.ApproverCISO,
}

// EscalationTarget returns the next approver type in the chain. Types
// with no explicit successor escalate to the governance desk.
func EscalationTarget(from core.ApproverType) core.ApproverType {
	if to, ok := escalationChain[from]; ok {
		return to
	}
	return core.ApproverGovernanceDesk
}

// EscalationCallback is invoked once per executed escalation, after the
// action is committed. Implementations notify the new approver.
type EscalationCallback func(action *core.EscalationAction)

// Escalator creates and executes escalation actions. Execution is
// idempotent with respect to the action id.
type Escalator struct {
	manager  *Manager
	logger   core.Logger
	clock    func() time.Time
	callback EscalationCallback

	mu       sync.Mutex
	executed map[string]bool
}

// NewEscalator creates an escalator bound to an SLA manager.
func NewEscalator(manager *Manager, logger core.Logger) *Escalator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Escalator{
		manager:  manager,
		logger:   logger,
		clock:    manager.clock,
		executed: make(map[string]bool),
	}
}

// SetCallback registers the post-commit notification hook.
func (e *Escalator) SetCallback(callback EscalationCallback) {
	e.mu.Lock()
	e.callback = callback
	e.mu.Unlock()
}

// CreateEscalation constructs an EscalationAction for the step. When
// targetType is empty, the fixed chain supplies it.
func (e *Escalator) CreateEscalation(step *core.WorkflowStep, workflow *core.Workflow, trigger core.EscalationTrigger, targetType core.ApproverType, reason string) *core.EscalationAction {
	if targetType == "" {
		targetType = EscalationTarget(step.ApproverType)
	}
	var elapsed float64
	if step.ActivatedAt != nil {
		elapsed = e.manager.elapsedHours(*step.ActivatedAt, e.clock())
	}
	return &core.EscalationAction{
		ID:             uuid.New().String(),
		WorkflowID:     workflow.ID,
		StepID:         step.ID,
		Trigger:        trigger,
		Reason:         reason,
		FromApprover:   step.Approver,
		ToApproverType: targetType,
		OriginalSLA:    step.SLAHours,
		ElapsedHours:   elapsed,
		CreatedAt:      e.clock(),
	}
}

// ExecuteEscalation marks the action executed, appends it to the step's
// escalation history, and invokes the registered callback. Calling it
// again with the same action id performs the external effect exactly
// once and returns without error.
func (e *Escalator) ExecuteEscalation(workflow *core.Workflow, action *core.EscalationAction, to core.Principal) error {
	e.mu.Lock()
	if e.executed[action.ID] {
		e.mu.Unlock()
		return nil
	}
	e.executed[action.ID] = true
	callback := e.callback
	e.mu.Unlock()

	step := workflow.StepByID(action.StepID)
	if step == nil {
		return core.NewError("sla.ExecuteEscalation", core.CodeInvalidState, core.ErrStepNotFound)
	}

	now := e.clock()
	action.Executed = true
	action.ExecutedAt = &now
	action.ToApprover = &to

	step.Escalations = append(step.Escalations, core.DelegationRecord{
		From:   action.FromApprover,
		To:     to,
		Reason: action.Reason,
		At:     now,
	})

	telemetry.Counter("sla.escalations.total",
		"trigger", string(action.Trigger),
		"to_type", string(action.ToApproverType))
	e.logger.Info("Escalation executed", map[string]interface{}{
		"escalation_id": action.ID,
		"workflow_id":   action.WorkflowID,
		"step_id":       action.StepID,
		"trigger":       string(action.Trigger),
		"to":            to.ID,
	})

	if callback != nil {
		callback(action)
	}
	return nil
}
