package assembler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/policy"
	"github.com/grcflow/grcflow/resolver"
)

const accessPolicies = `
policy_set: access-standard
version: "1"
process_type: ACCESS_REQUEST
rules:
  - id: baseline-manager
    name: Manager approval
    priority: 10
    active: true
    when:
      - path: context.risk_score
        op: ">="
        value: 25
    then:
      - type: ADD_APPROVER
        approver_type: LINE_MANAGER
        reason: Manager sign-off for non-trivial risk
  - id: elevated-risk
    name: Security review
    priority: 20
    active: true
    when:
      - path: context.risk_score
        op: ">="
        value: 25
    then:
      - type: ADD_APPROVER
        approver_type: SYSTEM_OWNER
  - id: high-risk
    name: High risk chain
    priority: 30
    active: true
    when:
      - path: context.risk_score
        op: ">="
        value: 60
    then:
      - type: ADD_APPROVER
        approver_type: SECURITY_OFFICER
      - type: SET_SLA
        approver_type: LINE_MANAGER
        sla_hours: 24
  - id: low-risk-auto
    name: Low risk auto approval
    priority: 5
    active: true
    when:
      - path: context.risk_score
        op: "<"
        value: 25
    then:
      - type: AUTO_APPROVE
        reason: Low risk standard access
  - id: terminated-reject
    name: Terminated requester
    priority: 1
    active: true
    when:
      - path: context.attributes.requester_status
        op: "="
        value: terminated
    then:
      - type: AUTO_REJECT
        reason: Requester is terminated
`

func newTestRegistry() *resolver.Registry {
	registry := resolver.NewRegistry()
	static := resolver.NewStaticResolver(map[core.ApproverType]core.Principal{
		core.ApproverLineManager:     {ID: "mgr-1", Name: "Morgan Manager"},
		core.ApproverSystemOwner:     {ID: "own-1", Name: "Avery Owner"},
		core.ApproverSecurityOfficer: {ID: "sec-1", Name: "Sam Security"},
	})
	registry.Register(core.ApproverLineManager, static)
	registry.Register(core.ApproverSystemOwner, static)
	registry.Register(core.ApproverSecurityOfficer, static)
	return registry
}

func newTestAssembler(t *testing.T, registry *resolver.Registry) *Assembler {
	t.Helper()
	engine := policy.NewEngine()
	engine.Activate(policy.MustLoadSet([]byte(accessPolicies)))
	n := 0
	return New(engine, registry, WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}))
}

func requestContext(riskScore int) *core.WorkflowContext {
	return &core.WorkflowContext{
		RequestID:   "req-1",
		ProcessType: core.ProcessAccessRequest,
		Requester:   core.Identity{UserID: "u-1", Name: "Dana"},
		TargetUser:  core.Identity{UserID: "u-1", Name: "Dana", ManagerID: "mgr-1"},
		SystemID:    "sap-fi",
		RiskScore:   riskScore,
		RiskLevel:   core.RiskLevelFromScore(riskScore),
	}
}

func TestAssembleMediumRiskTwoSteps(t *testing.T) {
	asm := newTestAssembler(t, newTestRegistry())
	result, err := asm.Assemble(context.Background(), requestContext(35), "access-standard")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	workflow := result.Workflow
	if workflow.Status != core.WorkflowPending {
		t.Errorf("status = %s, want PENDING", workflow.Status)
	}
	if len(workflow.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(workflow.Steps))
	}
	if workflow.Steps[0].ApproverType != core.ApproverLineManager {
		t.Errorf("step 1 = %s, want LINE_MANAGER", workflow.Steps[0].ApproverType)
	}
	if workflow.Steps[1].ApproverType != core.ApproverSystemOwner {
		t.Errorf("step 2 = %s, want SYSTEM_OWNER", workflow.Steps[1].ApproverType)
	}
	// MEDIUM risk default.
	for _, step := range workflow.Steps {
		if step.SLAHours != 48 {
			t.Errorf("step %d SLA = %.0f, want 48", step.StepNumber, step.SLAHours)
		}
	}
	if workflow.Steps[0].Approver.ID != "mgr-1" {
		t.Errorf("step 1 approver = %s, want mgr-1", workflow.Steps[0].Approver.ID)
	}
}

func TestAssembleHighRiskThreeStepsWithSLAOverride(t *testing.T) {
	asm := newTestAssembler(t, newTestRegistry())
	result, err := asm.Assemble(context.Background(), requestContext(82), "access-standard")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	workflow := result.Workflow
	if len(workflow.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(workflow.Steps))
	}
	want := []core.ApproverType{
		core.ApproverLineManager, core.ApproverSystemOwner, core.ApproverSecurityOfficer,
	}
	for i, approverType := range want {
		if workflow.Steps[i].ApproverType != approverType {
			t.Errorf("step %d = %s, want %s", i+1, workflow.Steps[i].ApproverType, approverType)
		}
		// HIGH risk default is 24h; the SET_SLA on LINE_MANAGER also says
		// 24, so every step lands on 24.
		if workflow.Steps[i].SLAHours != 24 {
			t.Errorf("step %d SLA = %.0f, want 24", i+1, workflow.Steps[i].SLAHours)
		}
	}
}

func TestAssembleLowRiskAutoApproves(t *testing.T) {
	asm := newTestAssembler(t, newTestRegistry())
	result, err := asm.Assemble(context.Background(), requestContext(12), "access-standard")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	workflow := result.Workflow
	if workflow.Status != core.WorkflowAutoApproved {
		t.Fatalf("status = %s, want AUTO_APPROVED", workflow.Status)
	}
	if workflow.FinalDecision != core.DecisionApproved {
		t.Errorf("final decision = %s, want APPROVED", workflow.FinalDecision)
	}
	if len(workflow.Steps) != 0 {
		t.Errorf("steps = %d, want 0", len(workflow.Steps))
	}
	if workflow.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if len(workflow.AuditLog) == 0 {
		t.Error("auto-decision must be audited")
	}
}

func TestAutoRejectDominates(t *testing.T) {
	asm := newTestAssembler(t, newTestRegistry())
	wctx := requestContext(82)
	wctx.Attributes = map[string]interface{}{"requester_status": "terminated"}

	result, err := asm.Assemble(context.Background(), wctx, "access-standard")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	workflow := result.Workflow
	if workflow.Status != core.WorkflowAutoRejected {
		t.Fatalf("status = %s, want AUTO_REJECTED", workflow.Status)
	}
	if workflow.FinalDecision != core.DecisionRejected {
		t.Errorf("final decision = %s, want REJECTED", workflow.FinalDecision)
	}
	if len(workflow.Steps) != 0 {
		t.Errorf("steps = %d, want 0 despite matched approver rules", len(workflow.Steps))
	}
}

func TestDeduplicateApproversKeepsLowestPriorityRule(t *testing.T) {
	engine := policy.NewEngine()
	engine.Activate(policy.MustLoadSet([]byte(`
policy_set: dedupe
version: "1"
rules:
  - id: later-rule
    name: Duplicate manager
    priority: 50
    active: true
    when:
      - path: context.risk_score
        op: ">="
        value: 0
    then:
      - type: ADD_APPROVER
        approver_type: LINE_MANAGER
        sla_hours: 8
  - id: earlier-rule
    name: Manager
    priority: 10
    active: true
    when:
      - path: context.risk_score
        op: ">="
        value: 0
    then:
      - type: ADD_APPROVER
        approver_type: LINE_MANAGER
        reason: canonical
`)))

	asm := New(engine, newTestRegistry())
	result, err := asm.Assemble(context.Background(), requestContext(35), "dedupe")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	workflow := result.Workflow
	if len(workflow.Steps) != 1 {
		t.Fatalf("steps = %d, want 1 after dedupe", len(workflow.Steps))
	}
	if workflow.Steps[0].MatchedRuleID != "earlier-rule" {
		t.Errorf("kept rule = %s, want earlier-rule", workflow.Steps[0].MatchedRuleID)
	}
}

func TestPostApprovalTags(t *testing.T) {
	engine := policy.NewEngine()
	engine.Activate(policy.MustLoadSet([]byte(`
policy_set: tags
version: "1"
rules:
  - id: tagged
    name: Tagging rule
    priority: 10
    active: true
    when:
      - path: context.risk_score
        op: ">="
        value: 0
    then:
      - type: ADD_APPROVER
        approver_type: LINE_MANAGER
      - type: REQUIRE_JUSTIFICATION
      - type: ADD_POST_REVIEW
        target: compliance
      - type: NOTIFY
        target: security-team
`)))

	asm := New(engine, newTestRegistry())
	result, err := asm.Assemble(context.Background(), requestContext(35), "tags")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	want := []string{"justification-required", "notify:security-team", "post-review:compliance"}
	got := result.Workflow.PostApprovalTags
	if len(got) != len(want) {
		t.Fatalf("tags = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tag[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAssembleFailsWhenStepCannotBeStaffed(t *testing.T) {
	// No SECURITY_OFFICER resolver registered.
	registry := resolver.NewRegistry()
	static := resolver.NewStaticResolver(map[core.ApproverType]core.Principal{
		core.ApproverLineManager: {ID: "mgr-1"},
		core.ApproverSystemOwner: {ID: "own-1"},
	})
	registry.Register(core.ApproverLineManager, static)
	registry.Register(core.ApproverSystemOwner, static)

	asm := newTestAssembler(t, registry)
	_, err := asm.Assemble(context.Background(), requestContext(82), "access-standard")
	if err == nil {
		t.Fatal("expected assembly failure")
	}
	if !errors.Is(err, core.ErrResolutionFailed) && !errors.Is(err, core.ErrNoResolver) {
		t.Errorf("error = %v, want resolution failure", err)
	}
	if core.ErrorCode(err) != core.CodeResolution {
		t.Errorf("code = %s, want %s", core.ErrorCode(err), core.CodeResolution)
	}
}

func TestAssemblyExplanation(t *testing.T) {
	asm := newTestAssembler(t, newTestRegistry())
	result, err := asm.Assemble(context.Background(), requestContext(35), "access-standard")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	want := "Workflow assembled with 2 step(s): LINE_MANAGER, SYSTEM_OWNER"
	if result.Workflow.AssemblyExplanation != want {
		t.Errorf("explanation = %q, want %q", result.Workflow.AssemblyExplanation, want)
	}
	if len(result.Workflow.MatchedRuleIDs) != 2 {
		t.Errorf("matched rules = %v, want 2 entries", result.Workflow.MatchedRuleIDs)
	}
}
