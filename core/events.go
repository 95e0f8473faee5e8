package core

import "time"

// EventType is the closed set of event kinds flowing through the bus.
type EventType string

const (
	EventRiskChanged           EventType = "risk-changed"
	EventSoDDetected           EventType = "sod-detected"
	EventSLAWarning            EventType = "sla-warning"
	EventSLABreach             EventType = "sla-breach"
	EventFraudAlert            EventType = "fraud-alert"
	EventUserTerminated        EventType = "user-terminated"
	EventRoleRevoked           EventType = "role-revoked"
	EventProvisioningSucceeded EventType = "provisioning-succeeded"
	EventProvisioningFailed    EventType = "provisioning-failed"
	EventExternalWebhook       EventType = "external-webhook"
	EventAssemblyFailed        EventType = "assembly-failed"
)

// EventPriority orders delivery: CRITICAL > HIGH > NORMAL > LOW, then
// submission order within a priority.
type EventPriority int

const (
	PriorityLow EventPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p EventPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "LOW"
	}
}

// WorkflowEvent is the single integration surface for continuous
// re-evaluation. Event IDs are universally unique and serve as the
// deduplication key for at-least-once delivery.
type WorkflowEvent struct {
	EventID             string                 `json:"event_id"`
	EventType           EventType              `json:"event_type"`
	Priority            EventPriority          `json:"priority"`
	Source              string                 `json:"source"`
	Timestamp           time.Time              `json:"timestamp"`
	Payload             map[string]interface{} `json:"payload,omitempty"`
	AffectedWorkflowIDs []string               `json:"affected_workflow_ids,omitempty"`
}

// ActorType classifies who caused an audited change.
type ActorType string

const (
	ActorUser   ActorType = "USER"
	ActorSystem ActorType = "SYSTEM"
	ActorPolicy ActorType = "POLICY"
)

// AuditEntry is one record in a workflow's append-only audit log. The log
// is the source of truth for compliance reporting; every state-changing
// operation appends exactly one primary entry.
type AuditEntry struct {
	EventID     string                 `json:"event_id"`
	EventType   string                 `json:"event_type"`
	Timestamp   time.Time              `json:"timestamp"`
	Actor       string                 `json:"actor"`
	ActorType   ActorType              `json:"actor_type"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Evidence    map[string]interface{} `json:"evidence,omitempty"`
}
