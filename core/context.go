package core

import "time"

// ProcessType identifies the business process a request belongs to.
// The set is closed: the policy engine validates documents against it.
type ProcessType string

const (
	ProcessAccessRequest   ProcessType = "ACCESS_REQUEST"
	ProcessRoleAssignment  ProcessType = "ROLE_ASSIGNMENT"
	ProcessEmergencyAccess ProcessType = "EMERGENCY_ACCESS"
	ProcessRoleChange      ProcessType = "ROLE_CHANGE"
	ProcessUserLifecycle   ProcessType = "USER_LIFECYCLE"
	ProcessCertification   ProcessType = "CERTIFICATION"
	ProcessPolicyException ProcessType = "POLICY_EXCEPTION"
)

// RiskLevel is the banded form of the 0-100 risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelFromScore maps a numeric risk score to its band.
// Bands: LOW [0,25), MEDIUM [25,60), HIGH [60,85), CRITICAL [85,100].
func RiskLevelFromScore(score int) RiskLevel {
	switch {
	case score >= 85:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 25:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Principal is a concrete person or service account that can act on a step.
type Principal struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Identity describes a user referenced by a request (requester or target).
type Identity struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	ManagerID string `json:"manager_id,omitempty"`
}

// WorkflowContext is the immutable input to policy evaluation and assembly.
// It is created by the caller, consumed read-only by the engine, and kept
// on the resulting Workflow for re-evaluation.
type WorkflowContext struct {
	RequestID     string      `json:"request_id"`
	ProcessType   ProcessType `json:"process_type"`
	Requester     Identity    `json:"requester"`
	TargetUser    Identity    `json:"target_user"`
	TargetManager *Principal  `json:"target_manager,omitempty"`

	SystemID   string `json:"system_id"`
	SystemName string `json:"system_name"`
	RoleID     string `json:"role_id"`
	RoleName   string `json:"role_name"`

	RiskScore     int       `json:"risk_score"`
	RiskLevel     RiskLevel `json:"risk_level"`
	SoDConflicts  []string  `json:"sod_conflicts,omitempty"`
	SensitiveData []string  `json:"sensitive_data,omitempty"`
	Privileged    bool      `json:"privileged"`

	// Attributes is the open-ended bag for custom rule predicates.
	// Everything the policy engine needs beyond the typed fields goes here.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy safe to mutate during re-evaluation without
// touching the workflow's captured context.
func (c *WorkflowContext) Clone() *WorkflowContext {
	cp := *c
	if c.TargetManager != nil {
		m := *c.TargetManager
		cp.TargetManager = &m
	}
	cp.SoDConflicts = append([]string(nil), c.SoDConflicts...)
	cp.SensitiveData = append([]string(nil), c.SensitiveData...)
	if c.Attributes != nil {
		cp.Attributes = make(map[string]interface{}, len(c.Attributes))
		for k, v := range c.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}

// TenantCapabilities gates which core features a tenant may use.
// Admission checks at the orchestrator boundary consult it before any
// state is touched.
type TenantCapabilities struct {
	Features map[string]bool `json:"features"`
	Modules  map[string]bool `json:"modules"`
}

// HasFeature reports whether the named feature is enabled for the tenant.
func (tc TenantCapabilities) HasFeature(name string) bool {
	return tc.Features[name]
}

// HasModule reports whether the named module is enabled for the tenant.
func (tc TenantCapabilities) HasModule(name string) bool {
	return tc.Modules[name]
}

// TenantContext carries tenant identity and capabilities explicitly through
// every core call. There is no ambient tenant state anywhere in the module.
type TenantContext struct {
	TenantID     string             `json:"tenant_id"`
	Capabilities TenantCapabilities `json:"capabilities"`
}
