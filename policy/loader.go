package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// knownPaths is the context schema the loader validates attribute paths
// against. Paths under "context.attributes." are always accepted since
// the bag is open-ended.
var knownPaths = map[string]bool{
	"context.request_id":     true,
	"context.process_type":   true,
	"context.system_id":      true,
	"context.system_name":    true,
	"context.role_id":        true,
	"context.role_name":      true,
	"context.risk_score":     true,
	"context.risk_level":     true,
	"context.sod_conflicts":  true,
	"context.sensitive_data": true,
	"context.privileged":     true,
}

var knownIdentityFields = map[string]bool{
	"user_id": true, "name": true, "email": true, "manager_id": true,
}

// LoadSet parses a declarative YAML policy document into a compiled Set.
// Unknown keys are rejected, operators and action types are validated,
// attribute paths are checked against the context schema, and
// rule-include cycles are detected. On success the set carries the
// SHA-256 hash of its canonical serialization.
func LoadSet(document []byte) (*Set, error) {
	dec := yaml.NewDecoder(bytes.NewReader(document))
	dec.KnownFields(true)

	var set Set
	if err := dec.Decode(&set); err != nil {
		return nil, &CompileError{Message: fmt.Sprintf("parsing policy document: %v", err)}
	}
	if set.ID == "" {
		return nil, &CompileError{Message: "policy_set id is required"}
	}
	if set.Version == "" {
		return nil, &CompileError{SetID: set.ID, Message: "version is required"}
	}

	if err := validateSet(&set); err != nil {
		return nil, err
	}
	if err := expandIncludes(&set); err != nil {
		return nil, err
	}

	hash, err := CanonicalHash(&set)
	if err != nil {
		return nil, &CompileError{SetID: set.ID, Message: fmt.Sprintf("hashing: %v", err)}
	}
	set.VersionHash = hash
	return &set, nil
}

func validateSet(set *Set) error {
	seen := make(map[string]bool, len(set.Rules))
	for i := range set.Rules {
		rule := &set.Rules[i]
		if rule.ID == "" {
			return &CompileError{SetID: set.ID, Message: "rule id is required"}
		}
		if seen[rule.ID] {
			return &CompileError{SetID: set.ID, RuleID: rule.ID, Message: "duplicate rule id"}
		}
		seen[rule.ID] = true

		if rule.Combinator != "" && rule.Combinator != CombinatorAnd && rule.Combinator != CombinatorOr {
			return &CompileError{SetID: set.ID, RuleID: rule.ID,
				Message: fmt.Sprintf("unknown combinator %q", rule.Combinator)}
		}
		for _, cond := range rule.Conditions {
			if !knownOperators[cond.Op] {
				return &CompileError{SetID: set.ID, RuleID: rule.ID, Path: cond.Path,
					Message: fmt.Sprintf("unknown operator %q", cond.Op)}
			}
			if !ValidPath(cond.Path) {
				return &CompileError{SetID: set.ID, RuleID: rule.ID, Path: cond.Path,
					Message: "unknown attribute path"}
			}
		}
		for _, action := range rule.Actions {
			if !knownActionTypes[action.Type] {
				return &CompileError{SetID: set.ID, RuleID: rule.ID,
					Message: fmt.Sprintf("unknown action type %q", action.Type)}
			}
			if action.Type == ActionAddApprover && action.ApproverType == "" {
				return &CompileError{SetID: set.ID, RuleID: rule.ID,
					Message: "ADD_APPROVER requires approver_type"}
			}
		}
	}
	return nil
}

// ValidPath reports whether a dotted attribute path is addressable in the
// context schema.
func ValidPath(path string) bool {
	if !strings.HasPrefix(path, "context.") {
		return false
	}
	base := strings.TrimSuffix(path, ".length")
	if knownPaths[base] {
		return true
	}
	p := strings.TrimPrefix(base, "context.")
	if rest, ok := strings.CutPrefix(p, "requester."); ok {
		return knownIdentityFields[rest]
	}
	if rest, ok := strings.CutPrefix(p, "target_user."); ok {
		return knownIdentityFields[rest]
	}
	if rest, ok := strings.CutPrefix(p, "attributes."); ok {
		return rest != ""
	}
	return false
}

// expandIncludes folds included rules' conditions into the including rule
// (conjunction), rejecting unknown references and cycles.
func expandIncludes(set *Set) error {
	byID := make(map[string]*Rule, len(set.Rules))
	for i := range set.Rules {
		byID[set.Rules[i].ID] = &set.Rules[i]
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(set.Rules))

	var visit func(rule *Rule) ([]Condition, error)
	visit = func(rule *Rule) ([]Condition, error) {
		switch state[rule.ID] {
		case visiting:
			return nil, &CompileError{SetID: set.ID, RuleID: rule.ID, Message: "rule-include cycle"}
		case done:
			return rule.Conditions, nil
		}
		state[rule.ID] = visiting
		for _, includeID := range rule.Includes {
			included, ok := byID[includeID]
			if !ok {
				return nil, &CompileError{SetID: set.ID, RuleID: rule.ID,
					Message: fmt.Sprintf("includes unknown rule %q", includeID)}
			}
			conditions, err := visit(included)
			if err != nil {
				return nil, err
			}
			rule.Conditions = append(rule.Conditions, conditions...)
		}
		state[rule.ID] = done
		return rule.Conditions, nil
	}

	for i := range set.Rules {
		if _, err := visit(&set.Rules[i]); err != nil {
			return err
		}
	}
	return nil
}

// CanonicalHash computes the SHA-256 of the set's canonical serialization.
// Canonical form is JSON with all object keys sorted lexicographically,
// which encoding/json produces for map types.
func CanonicalHash(set *Set) (string, error) {
	structured, err := json.Marshal(set)
	if err != nil {
		return "", err
	}
	var generic interface{}
	if err := json.Unmarshal(structured, &generic); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// MustLoadSet is a test helper that panics on compile failure.
func MustLoadSet(document []byte) *Set {
	set, err := LoadSet(document)
	if err != nil {
		panic(err)
	}
	return set
}
