// Package assembler turns matched policy actions into a concrete ordered
// list of approval steps. Evaluation stays pure in the policy package;
// everything stateful about shaping a workflow lives here.
package assembler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/policy"
	"github.com/grcflow/grcflow/resolver"
	"github.com/grcflow/grcflow/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds assembly defaults.
type Config struct {
	// DefaultSLAByRisk is the fallback SLA when no action overrides it.
	DefaultSLAByRisk map[core.RiskLevel]float64
}

// DefaultConfig returns the standard risk-level SLA table:
// LOW 72h, MEDIUM 48h, HIGH 24h, CRITICAL 8h.
func DefaultConfig() *Config {
	return &Config{
		DefaultSLAByRisk: map[core.RiskLevel]float64{
			core.RiskLow:      72,
			core.RiskMedium:   48,
			core.RiskHigh:     24,
			core.RiskCritical: 8,
		},
	}
}

// Diagnostics records what assembly saw and decided, for simulation
// output and audit evidence.
type Diagnostics struct {
	RulesEvaluated int      `json:"rules_evaluated"`
	RulesMatched   int      `json:"rules_matched"`
	StepsCreated   int      `json:"steps_created"`
	DecisionPath   []string `json:"decision_path"`
	Warnings       []string `json:"warnings,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// Result is the assembler output: either a fully populated workflow in
// PENDING, or an auto-decided workflow with no steps.
type Result struct {
	Workflow    *core.Workflow `json:"workflow"`
	Diagnostics Diagnostics    `json:"diagnostics"`
}

// Assembler converts evaluation results into workflows.
type Assembler struct {
	engine   *policy.Engine
	registry *resolver.Registry
	config   *Config
	logger   core.Logger
	clock    func() time.Time
	newID    func() string
}

// Option configures the assembler.
type Option func(*Assembler)

// WithLogger sets the assembler logger.
func WithLogger(logger core.Logger) Option {
	return func(a *Assembler) { a.logger = logger }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Assembler) { a.clock = clock }
}

// WithIDGenerator overrides id generation; tests use it for byte-stable
// output.
func WithIDGenerator(newID func() string) Option {
	return func(a *Assembler) { a.newID = newID }
}

// WithConfig replaces the default SLA table.
func WithConfig(config *Config) Option {
	return func(a *Assembler) { a.config = config }
}

// New creates an assembler over the given engine and resolver registry.
func New(engine *policy.Engine, registry *resolver.Registry, opts ...Option) *Assembler {
	a := &Assembler{
		engine:   engine,
		registry: registry,
		config:   DefaultConfig(),
		logger:   &core.NoOpLogger{},
		clock:    time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble evaluates policy for the context and builds the workflow.
// Given the same policy set, context and resolver outputs, two calls
// produce identical steps modulo generated ids; simulation reuses this
// without persisting.
//
// AUTO_REJECT dominates every other action. AUTO_APPROVE short-circuits
// only when no ADD_APPROVER action survives deduplication.
func (a *Assembler) Assemble(ctx context.Context, wctx *core.WorkflowContext, policySetID string) (*Result, error) {
	evaluation, err := a.engine.Evaluate(ctx, wctx, policySetID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Diagnostics: Diagnostics{
			RulesEvaluated: evaluation.RulesEvaluated,
			RulesMatched:   len(evaluation.Matches),
		},
	}
	now := a.clock()

	workflow := &core.Workflow{
		ID:               a.newID(),
		ProcessType:      wctx.ProcessType,
		Context:          *wctx.Clone(),
		CurrentStepIndex: -1,
		Status:           core.WorkflowDraft,
		CreatedAt:        now,
		PolicySetID:      evaluation.PolicySetID,
		PolicyVersion:    evaluation.PolicyVersion,
	}
	for _, match := range evaluation.Matches {
		workflow.MatchedRuleIDs = append(workflow.MatchedRuleIDs, match.RuleID)
		result.Diagnostics.DecisionPath = append(result.Diagnostics.DecisionPath,
			fmt.Sprintf("rule %s matched (priority %d)", match.RuleID, match.Priority))
	}

	plan := splitActions(evaluation.Actions)

	if plan.autoReject != nil {
		a.autoDecide(workflow, result, core.WorkflowAutoRejected, core.DecisionRejected, plan.autoReject, now)
		return result, nil
	}
	if plan.autoApprove != nil && len(plan.approvers) == 0 {
		a.autoDecide(workflow, result, core.WorkflowAutoApproved, core.DecisionApproved, plan.autoApprove, now)
		return result, nil
	}

	for i, bound := range plan.approvers {
		step, err := a.buildStep(ctx, wctx, bound, plan, i+1)
		if err != nil {
			telemetry.RecordError("assembler.failures.total", "resolution",
				"approver_type", string(bound.Action.ApproverType))
			result.Diagnostics.Errors = append(result.Diagnostics.Errors,
				fmt.Sprintf("step %d (%s) could not be staffed: %v", i+1, bound.Action.ApproverType, err))
			return result, core.NewError(
				fmt.Sprintf("assembler.Assemble step %d %s", i+1, bound.Action.ApproverType),
				core.CodeResolution, err)
		}
		workflow.Steps = append(workflow.Steps, *step)
	}

	workflow.PostApprovalTags = plan.tags
	workflow.Status = core.WorkflowPending
	workflow.AssemblyExplanation = explanation(workflow.Steps)
	result.Workflow = workflow
	result.Diagnostics.StepsCreated = len(workflow.Steps)
	result.Diagnostics.DecisionPath = append(result.Diagnostics.DecisionPath,
		workflow.AssemblyExplanation)

	workflow.AppendAudit(core.AuditEntry{
		EventID:     a.newID(),
		EventType:   "workflow-assembled",
		Timestamp:   now,
		Actor:       "policy-engine",
		ActorType:   core.ActorPolicy,
		Description: workflow.AssemblyExplanation,
		Details: map[string]interface{}{
			"policy_set":     workflow.PolicySetID,
			"policy_version": workflow.PolicyVersion,
			"matched_rules":  workflow.MatchedRuleIDs,
		},
	})

	telemetry.AddSpanEvent(ctx, "workflow.assembled",
		attribute.String("workflow_id", workflow.ID),
		attribute.Int("step_count", len(workflow.Steps)),
	)
	telemetry.Counter("assembler.workflows.total",
		"process_type", string(wctx.ProcessType),
		"outcome", "assembled")
	a.logger.Info("Workflow assembled", map[string]interface{}{
		"workflow_id": workflow.ID,
		"steps":       len(workflow.Steps),
		"policy_set":  workflow.PolicySetID,
	})

	return result, nil
}

// actionPlan is the deduplicated, ordered view of the evaluation output.
type actionPlan struct {
	approvers   []policy.BoundAction
	slaByType   map[core.ApproverType]float64
	tags        []string
	autoApprove *policy.BoundAction
	autoReject  *policy.BoundAction
}

// splitActions partitions actions by type and deduplicates ADD_APPROVER
// by approver type, keeping the action from the lowest-priority-integer
// rule (ties resolved by evaluation order) together with its SLA override.
func splitActions(actions []policy.BoundAction) *actionPlan {
	plan := &actionPlan{slaByType: make(map[core.ApproverType]float64)}
	seen := make(map[core.ApproverType]int) // approver type -> rule priority

	for i := range actions {
		bound := actions[i]
		switch bound.Action.Type {
		case policy.ActionAutoReject:
			if plan.autoReject == nil {
				plan.autoReject = &actions[i]
			}
		case policy.ActionAutoApprove:
			if plan.autoApprove == nil {
				plan.autoApprove = &actions[i]
			}
		case policy.ActionAddApprover:
			prev, dup := seen[bound.Action.ApproverType]
			if dup && prev <= bound.RulePriority {
				continue
			}
			if dup {
				// A lower-priority rule displaces the earlier step.
				for j := range plan.approvers {
					if plan.approvers[j].Action.ApproverType == bound.Action.ApproverType {
						plan.approvers[j] = bound
						break
					}
				}
			} else {
				plan.approvers = append(plan.approvers, bound)
			}
			seen[bound.Action.ApproverType] = bound.RulePriority
		case policy.ActionSetSLA:
			if existing, ok := plan.slaByType[bound.Action.ApproverType]; !ok || bound.Action.SLAHours < existing {
				plan.slaByType[bound.Action.ApproverType] = bound.Action.SLAHours
			}
		case policy.ActionAddPostReview:
			plan.tags = append(plan.tags, "post-review:"+bound.Action.Target)
		case policy.ActionNotify:
			plan.tags = append(plan.tags, "notify:"+bound.Action.Target)
		case policy.ActionTag:
			plan.tags = append(plan.tags, bound.Action.Tag)
		case policy.ActionRequireJustification:
			plan.tags = append(plan.tags, "justification-required")
		}
	}
	sort.Strings(plan.tags)
	return plan
}

func (a *Assembler) buildStep(ctx context.Context, wctx *core.WorkflowContext, bound policy.BoundAction, plan *actionPlan, stepNumber int) (*core.WorkflowStep, error) {
	resolution, err := a.registry.Resolve(ctx, bound.Action.ApproverType, wctx)
	if err != nil {
		return nil, err
	}

	sla := a.stepSLA(wctx, bound, plan)
	step := &core.WorkflowStep{
		ID:            a.newID(),
		StepNumber:    stepNumber,
		Name:          fmt.Sprintf("%s approval", bound.Action.ApproverType),
		Description:   bound.Action.Reason,
		ApproverType:  bound.Action.ApproverType,
		Approver:      resolution.Principal,
		DelegatedFrom: resolution.DelegatedFrom,
		SLAHours:      sla,
		// Reminder and escalation points follow the SLA manager's
		// warning/critical thresholds.
		ReminderAtHours: sla * 0.75,
		EscalateAtHours: sla * 0.90,
		Status:          core.StepPending,
		MatchedRuleID:   bound.RuleID,
	}
	return step, nil
}

// stepSLA is the minimum of the action's own override, any SET_SLA action
// targeting the approver type, and the risk-level default.
func (a *Assembler) stepSLA(wctx *core.WorkflowContext, bound policy.BoundAction, plan *actionPlan) float64 {
	sla := a.config.DefaultSLAByRisk[wctx.RiskLevel]
	if sla == 0 {
		sla = 48
	}
	if set, ok := plan.slaByType[bound.Action.ApproverType]; ok && set > 0 && set < sla {
		sla = set
	}
	if bound.Action.SLAHours > 0 && bound.Action.SLAHours < sla {
		sla = bound.Action.SLAHours
	}
	return sla
}

func (a *Assembler) autoDecide(workflow *core.Workflow, result *Result, status core.WorkflowStatus, decision core.Decision, cause *policy.BoundAction, now time.Time) {
	workflow.Status = status
	workflow.FinalDecision = decision
	workflow.CompletedAt = &now
	workflow.AssemblyExplanation = fmt.Sprintf("Workflow %s by rule %s", strings.ToLower(string(status)), cause.RuleID)
	result.Workflow = workflow
	result.Diagnostics.DecisionPath = append(result.Diagnostics.DecisionPath, workflow.AssemblyExplanation)

	workflow.AppendAudit(core.AuditEntry{
		EventID:     a.newID(),
		EventType:   strings.ToLower(string(status)),
		Timestamp:   now,
		Actor:       cause.RuleID,
		ActorType:   core.ActorPolicy,
		Description: workflow.AssemblyExplanation,
		Details:     map[string]interface{}{"rule_id": cause.RuleID},
	})
	telemetry.Counter("assembler.workflows.total",
		"process_type", string(workflow.ProcessType),
		"outcome", strings.ToLower(string(status)))
	a.logger.Info("Workflow auto-decided", map[string]interface{}{
		"workflow_id": workflow.ID,
		"status":      string(status),
		"rule_id":     cause.RuleID,
	})
}

// explanation renders "Workflow assembled with N step(s): {types}".
func explanation(steps []core.WorkflowStep) string {
	types := make([]string, len(steps))
	for i, step := range steps {
		types[i] = string(step.ApproverType)
	}
	return fmt.Sprintf("Workflow assembled with %d step(s): %s",
		len(steps), strings.Join(types, ", "))
}
