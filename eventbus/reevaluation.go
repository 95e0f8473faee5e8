package eventbus

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/executor"
	"github.com/grcflow/grcflow/policy"
	"github.com/grcflow/grcflow/resolver"
	"github.com/grcflow/grcflow/sla"
	"github.com/grcflow/grcflow/telemetry"
)

// ActionType names one re-evaluation adjustment.
type ActionType string

const (
	ActionNoChange             ActionType = "NO_CHANGE"
	ActionAddStep              ActionType = "ADD_STEP"
	ActionRemoveStep           ActionType = "REMOVE_STEP"
	ActionReorder              ActionType = "REORDER"
	ActionEscalate             ActionType = "ESCALATE"
	ActionAutoApproveRemaining ActionType = "AUTO_APPROVE_REMAINING"
	ActionAutoReject           ActionType = "AUTO_REJECT"
	ActionPause                ActionType = "PAUSE"
	ActionNotifyOnly           ActionType = "NOTIFY_ONLY"
)

// ReEvaluationAction is one planned adjustment to an in-flight workflow.
type ReEvaluationAction struct {
	Type         ActionType         `json:"type"`
	StepID       string             `json:"step_id,omitempty"`
	Step         *core.WorkflowStep `json:"step,omitempty"`
	ApproverType core.ApproverType  `json:"approver_type,omitempty"`
	RuleID       string             `json:"rule_id,omitempty"`
	Reason       string             `json:"reason"`
}

// ReEvaluator re-runs policy against an updated context when an event
// arrives and plans the minimal set of adjustments. Completed and
// rejected steps are never touched; only the remaining approval chain is
// adjustable.
type ReEvaluator struct {
	engine   *policy.Engine
	registry *resolver.Registry
	exec     *executor.Executor
	slas     *sla.Manager
	logger   core.Logger
	clock    func() time.Time
}

// ReEvaluatorOption configures the re-evaluator.
type ReEvaluatorOption func(*ReEvaluator)

// WithReEvaluatorLogger sets the logger.
func WithReEvaluatorLogger(logger core.Logger) ReEvaluatorOption {
	return func(r *ReEvaluator) { r.logger = logger }
}

// WithReEvaluatorClock overrides the time source for tests.
func WithReEvaluatorClock(clock func() time.Time) ReEvaluatorOption {
	return func(r *ReEvaluator) { r.clock = clock }
}

// NewReEvaluator wires the planner to its collaborators.
func NewReEvaluator(engine *policy.Engine, registry *resolver.Registry, exec *executor.Executor, slas *sla.Manager, opts ...ReEvaluatorOption) *ReEvaluator {
	r := &ReEvaluator{
		engine:   engine,
		registry: registry,
		exec:     exec,
		slas:     slas,
		logger:   &core.NoOpLogger{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Plan computes the adjustments an event demands for one workflow. The
// workflow is not mutated.
func (r *ReEvaluator) Plan(ctx context.Context, workflow *core.Workflow, event *core.WorkflowEvent) ([]ReEvaluationAction, error) {
	if workflow.Status.IsTerminal() {
		return []ReEvaluationAction{{Type: ActionNoChange, Reason: "workflow is terminal"}}, nil
	}

	switch event.EventType {
	case core.EventUserTerminated:
		return []ReEvaluationAction{{
			Type:   ActionAutoReject,
			RuleID: string(event.EventType),
			Reason: "target user terminated",
		}}, nil

	case core.EventRoleRevoked:
		return []ReEvaluationAction{{
			Type:   ActionAutoReject,
			RuleID: string(event.EventType),
			Reason: "requested role revoked",
		}}, nil

	case core.EventFraudAlert:
		return []ReEvaluationAction{{
			Type:   ActionPause,
			Reason: "fraud alert on requester; workflow held pending investigation",
		}}, nil

	case core.EventSLAWarning:
		return []ReEvaluationAction{{
			Type:   ActionNotifyOnly,
			StepID: payloadString(event.Payload, "step_id"),
			Reason: "SLA warning reminder",
		}}, nil

	case core.EventSLABreach:
		return []ReEvaluationAction{{
			Type:   ActionEscalate,
			StepID: payloadString(event.Payload, "step_id"),
			Reason: "SLA breached",
		}}, nil
	}

	// Context-changing events re-run the policy set against the updated
	// context and diff the remaining approval chain.
	updated := applyPayload(&workflow.Context, event.Payload)
	evaluation, err := r.engine.Evaluate(ctx, updated, workflow.PolicySetID)
	if err != nil {
		return nil, err
	}
	return r.diff(ctx, workflow, updated, evaluation), nil
}

// diff compares the required approver chain from a fresh evaluation
// against the workflow's remaining steps.
func (r *ReEvaluator) diff(ctx context.Context, workflow *core.Workflow, updated *core.WorkflowContext, evaluation *policy.EvaluationResult) []ReEvaluationAction {
	required := make(map[core.ApproverType]policy.BoundAction)
	autoApprove := false
	var autoApproveRule string
	for _, bound := range evaluation.Actions {
		switch bound.Action.Type {
		case policy.ActionAddApprover:
			if existing, ok := required[bound.Action.ApproverType]; !ok || bound.RulePriority < existing.RulePriority {
				required[bound.Action.ApproverType] = bound
			}
		case policy.ActionAutoReject:
			return []ReEvaluationAction{{
				Type:   ActionAutoReject,
				RuleID: bound.RuleID,
				Reason: bound.Action.Reason,
			}}
		case policy.ActionAutoApprove:
			autoApprove = true
			autoApproveRule = bound.RuleID
		}
	}

	// Decided steps always satisfy their approver type; remaining steps
	// satisfy it only while still required.
	var actions []ReEvaluationAction
	covered := make(map[core.ApproverType]bool)
	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		switch step.Status {
		case core.StepApproved, core.StepRejected:
			covered[step.ApproverType] = true
		case core.StepPending, core.StepActive:
			if _, ok := required[step.ApproverType]; ok {
				covered[step.ApproverType] = true
			} else {
				actions = append(actions, ReEvaluationAction{
					Type:   ActionRemoveStep,
					StepID: step.ID,
					Reason: fmt.Sprintf("approver %s no longer required after re-evaluation", step.ApproverType),
				})
			}
		}
	}

	// Emit additions in (rule priority, rule id) order so identical
	// inputs always produce the same chain and audit trail.
	var missing []core.ApproverType
	for approverType := range required {
		if !covered[approverType] {
			missing = append(missing, approverType)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		a, b := required[missing[i]], required[missing[j]]
		if a.RulePriority != b.RulePriority {
			return a.RulePriority < b.RulePriority
		}
		return a.RuleID < b.RuleID
	})
	for _, approverType := range missing {
		bound := required[approverType]
		step := r.buildStep(ctx, updated, approverType, bound)
		actions = append(actions, ReEvaluationAction{
			Type:         ActionAddStep,
			Step:         step,
			ApproverType: approverType,
			RuleID:       bound.RuleID,
			Reason:       fmt.Sprintf("rule %s now requires %s approval", bound.RuleID, approverType),
		})
	}

	if len(actions) == 0 {
		if autoApprove && remainingSteps(workflow) > 0 {
			return []ReEvaluationAction{{
				Type:   ActionAutoApproveRemaining,
				RuleID: autoApproveRule,
				Reason: "re-evaluation matched an auto-approve rule",
			}}
		}
		return []ReEvaluationAction{{Type: ActionNoChange, Reason: "required approver chain unchanged"}}
	}
	return actions
}

// buildStep constructs an unactivated step for a newly required
// approver. Resolution failures leave the approver empty; activation
// will retry through the registry.
func (r *ReEvaluator) buildStep(ctx context.Context, wctx *core.WorkflowContext, approverType core.ApproverType, bound policy.BoundAction) *core.WorkflowStep {
	slaHours := r.slas.DefaultSLA(wctx.RiskLevel)
	if bound.Action.SLAHours > 0 {
		slaHours = bound.Action.SLAHours
	}
	step := &core.WorkflowStep{
		ID:              uuid.New().String(),
		Name:            fmt.Sprintf("%s approval", approverType),
		Description:     bound.Action.Reason,
		ApproverType:    approverType,
		SLAHours:        slaHours,
		ReminderAtHours: slaHours * 0.75,
		EscalateAtHours: slaHours * 0.90,
		Status:          core.StepPending,
		MatchedRuleID:   bound.RuleID,
	}
	if r.registry != nil {
		if resolution, err := r.registry.Resolve(ctx, approverType, wctx); err == nil {
			step.Approver = resolution.Principal
			step.DelegatedFrom = resolution.DelegatedFrom
		}
	}
	return step
}

// Apply executes a plan against the workflow through the executor.
func (r *ReEvaluator) Apply(ctx context.Context, workflow *core.Workflow, actions []ReEvaluationAction) error {
	for _, action := range actions {
		var err error
		switch action.Type {
		case ActionNoChange:

		case ActionAddStep:
			err = r.exec.AddStep(ctx, workflow, *action.Step, action.Reason)

		case ActionRemoveStep:
			err = r.exec.RemoveStep(ctx, workflow, action.StepID, action.Reason)

		case ActionEscalate:
			stepID := action.StepID
			if stepID == "" {
				if current := workflow.CurrentStep(); current != nil {
					stepID = current.ID
				}
			}
			if stepID == "" {
				break
			}
			target := action.ApproverType
			if target == "" {
				if step := workflow.StepByID(stepID); step != nil {
					target = sla.EscalationTarget(step.ApproverType)
				}
			}
			err = r.exec.Escalate(ctx, workflow, stepID,
				core.Principal{ID: "sla-manager", Name: "SLA Manager"},
				target, nil, core.TriggerSLABreach, action.Reason)

		case ActionAutoApproveRemaining:
			err = r.exec.AutoApproveRemaining(ctx, workflow, action.RuleID, action.Reason)

		case ActionAutoReject:
			err = r.exec.AutoReject(ctx, workflow, action.RuleID, action.Reason)

		case ActionPause:
			err = r.exec.Pause(ctx, workflow, action.Reason)

		case ActionReorder:
			err = r.promote(workflow, action.StepID)

		case ActionNotifyOnly:
			r.logger.Info("Re-evaluation notification", map[string]interface{}{
				"workflow_id": workflow.ID,
				"step_id":     action.StepID,
				"reason":      action.Reason,
			})
		}
		if err != nil {
			return err
		}
		telemetry.Counter("reevaluation.actions.total", "action", string(action.Type))
	}
	return nil
}

// promote moves a pending step to the front of the remaining chain.
func (r *ReEvaluator) promote(workflow *core.Workflow, stepID string) error {
	from := -1
	for i := range workflow.Steps {
		if workflow.Steps[i].ID == stepID {
			from = i
			break
		}
	}
	if from < 0 {
		return core.NewError("eventbus.promote", core.CodeInvalidState, core.ErrStepNotFound)
	}
	if workflow.Steps[from].Status != core.StepPending {
		return &core.OrchestratorError{
			Op: "eventbus.promote", Code: core.CodeInvalidState,
			Message: "only pending steps can be reordered", Err: core.ErrInvalidState,
		}
	}
	to := workflow.CurrentStepIndex + 1
	if to < 0 {
		to = 0
	}
	if to >= from {
		return nil
	}
	step := workflow.Steps[from]
	copy(workflow.Steps[to+1:from+1], workflow.Steps[to:from])
	workflow.Steps[to] = step
	for i := range workflow.Steps {
		workflow.Steps[i].StepNumber = i + 1
	}
	return nil
}

func remainingSteps(workflow *core.Workflow) int {
	n := 0
	for i := range workflow.Steps {
		switch workflow.Steps[i].Status {
		case core.StepPending, core.StepActive:
			n++
		}
	}
	return n
}

// applyPayload clones the context and folds the event payload into it.
// Typed keys update typed fields; everything else lands in the
// attribute bag.
func applyPayload(wctx *core.WorkflowContext, payload map[string]interface{}) *core.WorkflowContext {
	updated := wctx.Clone()
	for key, value := range payload {
		switch key {
		case "risk_score":
			if score, ok := toFloat(value); ok {
				updated.RiskScore = int(score)
				updated.RiskLevel = core.RiskLevelFromScore(int(score))
			}
		case "sod_conflicts":
			updated.SoDConflicts = toStrings(value)
		case "sensitive_data":
			updated.SensitiveData = toStrings(value)
		case "privileged":
			if b, ok := value.(bool); ok {
				updated.Privileged = b
			}
		default:
			if updated.Attributes == nil {
				updated.Attributes = make(map[string]interface{})
			}
			updated.Attributes[key] = value
		}
	}
	return updated
}

func payloadString(payload map[string]interface{}, key string) string {
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toStrings(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
