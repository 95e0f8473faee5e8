// Package policy implements the rule engine that decides how approval
// workflows are shaped. Evaluation is a pure function over a
// WorkflowContext; assembly of the matched actions into steps happens in
// the assembler package.
package policy

import (
	"time"

	"github.com/grcflow/grcflow/core"
)

// Operator is a condition comparison operator. The set is closed; the
// loader rejects documents using anything else.
type Operator string

const (
	OpEquals       Operator = "="
	OpNotEquals    Operator = "!="
	OpLessThan     Operator = "<"
	OpLessOrEqual  Operator = "<="
	OpGreaterThan  Operator = ">"
	OpGreaterEqual Operator = ">="
	OpIn           Operator = "in"
	OpNotIn        Operator = "not-in"
	OpContains     Operator = "contains"
	OpMatchesRegex Operator = "matches-regex"
	OpIsEmpty      Operator = "is-empty"
	OpAnyOf        Operator = "any-of"
	OpAllOf        Operator = "all-of"
)

// knownOperators is consulted by the loader.
var knownOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpLessThan: true, OpLessOrEqual: true,
	OpGreaterThan: true, OpGreaterEqual: true,
	OpIn: true, OpNotIn: true,
	OpContains: true, OpMatchesRegex: true,
	OpIsEmpty: true, OpAnyOf: true, OpAllOf: true,
}

// Combinator joins a rule's conditions.
type Combinator string

const (
	CombinatorAnd Combinator = "AND"
	CombinatorOr  Combinator = "OR"
)

// Condition is one predicate over a dotted attribute path, e.g.
// "context.risk_score" or "context.sod_conflicts.length".
type Condition struct {
	Path  string      `json:"path" yaml:"path"`
	Op    Operator    `json:"op" yaml:"op"`
	Value interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// ActionType is the declarative effect a matched rule produces.
type ActionType string

const (
	ActionAddApprover          ActionType = "ADD_APPROVER"
	ActionAutoApprove          ActionType = "AUTO_APPROVE"
	ActionAutoReject           ActionType = "AUTO_REJECT"
	ActionSetSLA               ActionType = "SET_SLA"
	ActionRequireJustification ActionType = "REQUIRE_JUSTIFICATION"
	ActionAddPostReview        ActionType = "ADD_POST_REVIEW"
	ActionNotify               ActionType = "NOTIFY"
	ActionTag                  ActionType = "TAG"
)

var knownActionTypes = map[ActionType]bool{
	ActionAddApprover: true, ActionAutoApprove: true, ActionAutoReject: true,
	ActionSetSLA: true, ActionRequireJustification: true,
	ActionAddPostReview: true, ActionNotify: true, ActionTag: true,
}

// Action is one effect carried by a rule. Only the fields relevant to its
// type are set.
type Action struct {
	Type ActionType `json:"type" yaml:"type"`

	// ADD_APPROVER / SET_SLA
	ApproverType core.ApproverType `json:"approver_type,omitempty" yaml:"approver_type,omitempty"`
	SLAHours     float64           `json:"sla_hours,omitempty" yaml:"sla_hours,omitempty"`
	Reason       string            `json:"reason,omitempty" yaml:"reason,omitempty"`

	// NOTIFY / ADD_POST_REVIEW / TAG
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	Tag    string `json:"tag,omitempty" yaml:"tag,omitempty"`

	// Free-form parameters for anything else.
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// Rule is a named, versioned predicate-plus-actions. Rules are shared
// read-only across all requests once loaded.
type Rule struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	Layer      string      `json:"layer,omitempty" yaml:"layer,omitempty"`
	Priority   int         `json:"priority" yaml:"priority"`
	Active     bool        `json:"active" yaml:"active"`
	Strict     bool        `json:"strict,omitempty" yaml:"strict,omitempty"`
	Combinator Combinator  `json:"combinator,omitempty" yaml:"combinator,omitempty"`
	Conditions []Condition `json:"when" yaml:"when"`
	Actions    []Action    `json:"then" yaml:"then"`

	// Includes names other rules whose conditions must also hold.
	// The loader expands includes at compile time and rejects cycles.
	Includes []string `json:"includes,omitempty" yaml:"includes,omitempty"`

	ValidFrom  *time.Time `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
}

// activeAt reports whether the rule may fire at the given instant.
func (r *Rule) activeAt(now time.Time) bool {
	if !r.Active {
		return false
	}
	if r.ValidFrom != nil && now.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && now.After(*r.ValidUntil) {
		return false
	}
	return true
}

// Set is the active rule collection for a tenant/process type. Sets are
// immutable after compilation; activation swaps the whole set.
type Set struct {
	ID          string           `json:"policy_set" yaml:"policy_set"`
	Version     string           `json:"version" yaml:"version"`
	ProcessType core.ProcessType `json:"process_type,omitempty" yaml:"process_type,omitempty"`
	Rules       []Rule           `json:"rules" yaml:"rules"`

	// VersionHash is the SHA-256 of the canonical serialization,
	// computed by the loader.
	VersionHash string `json:"-" yaml:"-"`
}

// RuleMatch records one rule that fired during evaluation.
type RuleMatch struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Layer    string `json:"layer,omitempty"`
	Priority int    `json:"priority"`
}

// BoundAction is an action together with the rule that produced it.
// Evaluation emits bound actions in (priority, rule id) order.
type BoundAction struct {
	Action       Action `json:"action"`
	RuleID       string `json:"rule_id"`
	RulePriority int    `json:"rule_priority"`
}

// EvaluationResult is the full, side-effect-free output of Evaluate.
type EvaluationResult struct {
	PolicySetID   string        `json:"policy_set_id"`
	PolicyVersion string        `json:"policy_version"`
	RulesEvaluated int          `json:"rules_evaluated"`
	Matches       []RuleMatch   `json:"matches"`
	Actions       []BoundAction `json:"actions"`
	// Misses records non-strict attribute reference misses for diagnostics.
	Misses []string `json:"misses,omitempty"`
}
