package core

import "time"

// ApproverType is an abstract approval role resolved to a concrete
// Principal at assembly time.
type ApproverType string

const (
	ApproverLineManager           ApproverType = "LINE_MANAGER"
	ApproverRoleOwner             ApproverType = "ROLE_OWNER"
	ApproverProcessOwner          ApproverType = "PROCESS_OWNER"
	ApproverDataOwner             ApproverType = "DATA_OWNER"
	ApproverSystemOwner           ApproverType = "SYSTEM_OWNER"
	ApproverSecurityOfficer       ApproverType = "SECURITY_OFFICER"
	ApproverComplianceOfficer     ApproverType = "COMPLIANCE_OFFICER"
	ApproverCISO                  ApproverType = "CISO"
	ApproverFirefighterSupervisor ApproverType = "FIREFIGHTER_SUPERVISOR"
	ApproverGovernanceDesk        ApproverType = "GOVERNANCE_DESK"
	ApproverStatic                ApproverType = "STATIC"
)

// WorkflowStatus is the workflow-level state machine state.
type WorkflowStatus string

const (
	WorkflowDraft           WorkflowStatus = "DRAFT"
	WorkflowPending         WorkflowStatus = "PENDING"
	WorkflowInProgress      WorkflowStatus = "IN_PROGRESS"
	WorkflowWaitingApproval WorkflowStatus = "WAITING_APPROVAL"
	WorkflowApproved        WorkflowStatus = "APPROVED"
	WorkflowRejected        WorkflowStatus = "REJECTED"
	WorkflowAutoApproved    WorkflowStatus = "AUTO_APPROVED"
	WorkflowAutoRejected    WorkflowStatus = "AUTO_REJECTED"
	WorkflowCancelled       WorkflowStatus = "CANCELLED"
	WorkflowProvisioning    WorkflowStatus = "PROVISIONING"
	WorkflowCompleted       WorkflowStatus = "COMPLETED"
	WorkflowFailed          WorkflowStatus = "FAILED"
)

// IsTerminal reports whether the status is absorbing. APPROVED and
// AUTO_APPROVED are not terminal for provisioning purposes: they admit the
// PROVISIONING -> COMPLETED/FAILED tail.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowRejected, WorkflowAutoRejected, WorkflowCancelled,
		WorkflowCompleted, WorkflowFailed:
		return true
	}
	return false
}

// IsDecided reports whether a final decision has been reached.
func (s WorkflowStatus) IsDecided() bool {
	switch s {
	case WorkflowApproved, WorkflowAutoApproved, WorkflowRejected,
		WorkflowAutoRejected, WorkflowCancelled, WorkflowProvisioning,
		WorkflowCompleted, WorkflowFailed:
		return true
	}
	return false
}

// StepStatus is the step-level state machine state.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepActive    StepStatus = "ACTIVE"
	StepApproved  StepStatus = "APPROVED"
	StepRejected  StepStatus = "REJECTED"
	StepDelegated StepStatus = "DELEGATED"
	StepEscalated StepStatus = "ESCALATED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// IsTerminal reports whether the step can change no further.
// DELEGATED and ESCALATED are transient: they re-activate the step.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepApproved, StepRejected, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// Decision is the recorded outcome of a step or a workflow.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// DelegationRecord captures one hand-off of a step between principals.
type DelegationRecord struct {
	From   Principal `json:"from"`
	To     Principal `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// WorkflowStep is one approval node. A workflow exclusively owns its steps.
type WorkflowStep struct {
	ID          string       `json:"id"`
	StepNumber  int          `json:"step_number"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`

	ApproverType ApproverType `json:"approver_type"`
	Approver     Principal    `json:"approver"`
	// DelegatedFrom is set when OOO resolution substituted a delegate.
	DelegatedFrom string `json:"delegated_from,omitempty"`

	SLAHours        float64 `json:"sla_hours"`
	ReminderAtHours float64 `json:"reminder_at_hours,omitempty"`
	EscalateAtHours float64 `json:"escalate_at_hours,omitempty"`

	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`

	Status           StepStatus         `json:"status"`
	Decision         Decision           `json:"decision,omitempty"`
	DecisionComments string             `json:"decision_comments,omitempty"`
	Delegations      []DelegationRecord `json:"delegations,omitempty"`
	Escalations      []DelegationRecord `json:"escalations,omitempty"`

	// MatchedRuleID names the policy rule whose ADD_APPROVER action
	// produced this step.
	MatchedRuleID string `json:"matched_rule_id,omitempty"`
}

// stepTransitions is the permitted step-level state graph.
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:   {StepActive, StepSkipped, StepCancelled},
	StepActive:    {StepApproved, StepRejected, StepDelegated, StepEscalated, StepSkipped, StepCancelled},
	StepDelegated: {StepActive},
	StepEscalated: {StepActive},
}

// CanTransition reports whether the step may move to the target status.
func (s *WorkflowStep) CanTransition(to StepStatus) bool {
	for _, allowed := range stepTransitions[s.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Workflow is the root aggregate. It owns its steps and audit log; the
// orchestrator owns the registry of live workflows.
type Workflow struct {
	ID          string          `json:"id"`
	ProcessType ProcessType     `json:"process_type"`
	Context     WorkflowContext `json:"context"`

	Steps            []WorkflowStep `json:"steps"`
	CurrentStepIndex int            `json:"current_step_index"`

	Status        WorkflowStatus `json:"status"`
	FinalDecision Decision       `json:"final_decision,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	PolicySetID    string   `json:"policy_set_id,omitempty"`
	PolicyVersion  string   `json:"policy_version,omitempty"`
	MatchedRuleIDs []string `json:"matched_rule_ids,omitempty"`

	AssemblyExplanation string   `json:"assembly_explanation,omitempty"`
	PostApprovalTags    []string `json:"post_approval_tags,omitempty"`

	AuditLog []AuditEntry `json:"audit_log"`
}

// CurrentStep returns the step at the current index, or nil past the end.
func (w *Workflow) CurrentStep() *WorkflowStep {
	if w.CurrentStepIndex < 0 || w.CurrentStepIndex >= len(w.Steps) {
		return nil
	}
	return &w.Steps[w.CurrentStepIndex]
}

// StepByID finds a step by id. Returns nil when absent.
func (w *Workflow) StepByID(stepID string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].ID == stepID {
			return &w.Steps[i]
		}
	}
	return nil
}

// RemainingSteps returns the steps that are still PENDING or ACTIVE,
// i.e. the portion of the workflow a re-evaluation may reshape.
func (w *Workflow) RemainingSteps() []*WorkflowStep {
	var out []*WorkflowStep
	for i := range w.Steps {
		switch w.Steps[i].Status {
		case StepPending, StepActive:
			out = append(out, &w.Steps[i])
		}
	}
	return out
}

// AppendAudit appends an entry to the workflow's append-only audit log.
func (w *Workflow) AppendAudit(entry AuditEntry) {
	w.AuditLog = append(w.AuditLog, entry)
}

// ItemStatus tracks one access item through decision and enactment.
type ItemStatus string

const (
	ItemPending     ItemStatus = "PENDING"
	ItemApproved    ItemStatus = "APPROVED"
	ItemRejected    ItemStatus = "REJECTED"
	ItemProvisioned ItemStatus = "PROVISIONED"
	ItemFailed      ItemStatus = "FAILED"
)

// AccessItem is one system+role pair within an access request. Items are
// decided and, depending on strategy, provisioned independently.
type AccessItem struct {
	ID         string     `json:"id"`
	SystemID   string     `json:"system_id"`
	SystemName string     `json:"system_name,omitempty"`
	RoleID     string     `json:"role_id"`
	RoleName   string     `json:"role_name,omitempty"`
	RiskLevel  RiskLevel  `json:"risk_level"`
	Tags       []string   `json:"tags,omitempty"`
	Status     ItemStatus `json:"status"`
}

// AccessRequest groups the items of one request for the provisioning gate.
type AccessRequest struct {
	ID         string       `json:"id"`
	WorkflowID string       `json:"workflow_id,omitempty"`
	Items      []AccessItem `json:"items"`
}

// EscalationTrigger names what caused an escalation to be created.
type EscalationTrigger string

const (
	TriggerSLAWarning   EscalationTrigger = "SLA_WARNING"
	TriggerSLABreach    EscalationTrigger = "SLA_BREACH"
	TriggerOOO          EscalationTrigger = "OOO"
	TriggerUnresponsive EscalationTrigger = "UNRESPONSIVE"
	TriggerManual       EscalationTrigger = "MANUAL"
	TriggerPredictive   EscalationTrigger = "PREDICTIVE"
)

// EscalationAction is an append-only record of one escalation. Executed
// at most once; ExecutedAt is set exactly when the external effect ran.
type EscalationAction struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id"`
	StepID         string            `json:"step_id"`
	Trigger        EscalationTrigger `json:"trigger"`
	Reason         string            `json:"reason,omitempty"`
	FromApprover   Principal         `json:"from_approver"`
	ToApproverType ApproverType      `json:"to_approver_type"`
	ToApprover     *Principal        `json:"to_approver,omitempty"`
	OriginalSLA    float64           `json:"original_sla_hours"`
	ElapsedHours   float64           `json:"elapsed_hours"`
	CreatedAt      time.Time         `json:"created_at"`
	Executed       bool              `json:"executed"`
	ExecutedAt     *time.Time        `json:"executed_at,omitempty"`
}
