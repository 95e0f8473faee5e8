package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/grcflow/grcflow/core"
)

// resolvePath looks up a dotted attribute path against a WorkflowContext.
// Paths are rooted at "context."; the ".length" suffix yields the element
// count of a collection. Unknown segments under "attributes." traverse the
// free-form bag. Returns found=false for a reference miss.
func resolvePath(wctx *core.WorkflowContext, path string) (interface{}, bool) {
	p := strings.TrimPrefix(path, "context.")
	wantLength := strings.HasSuffix(p, ".length")
	if wantLength {
		p = strings.TrimSuffix(p, ".length")
	}

	value, found := resolveField(wctx, p)
	if !found {
		return nil, false
	}
	if wantLength {
		switch v := value.(type) {
		case []string:
			return len(v), true
		case []interface{}:
			return len(v), true
		case string:
			return len(v), true
		default:
			return nil, false
		}
	}
	return value, true
}

func resolveField(wctx *core.WorkflowContext, p string) (interface{}, bool) {
	switch p {
	case "request_id":
		return wctx.RequestID, true
	case "process_type":
		return string(wctx.ProcessType), true
	case "system_id":
		return wctx.SystemID, true
	case "system_name":
		return wctx.SystemName, true
	case "role_id":
		return wctx.RoleID, true
	case "role_name":
		return wctx.RoleName, true
	case "risk_score":
		return wctx.RiskScore, true
	case "risk_level":
		return string(wctx.RiskLevel), true
	case "sod_conflicts":
		return wctx.SoDConflicts, true
	case "sensitive_data":
		return wctx.SensitiveData, true
	case "privileged":
		return wctx.Privileged, true
	}

	if rest, ok := strings.CutPrefix(p, "requester."); ok {
		return resolveIdentity(wctx.Requester, rest)
	}
	if rest, ok := strings.CutPrefix(p, "target_user."); ok {
		return resolveIdentity(wctx.TargetUser, rest)
	}
	if rest, ok := strings.CutPrefix(p, "attributes."); ok {
		return resolveBag(wctx.Attributes, rest)
	}
	return nil, false
}

func resolveIdentity(id core.Identity, p string) (interface{}, bool) {
	switch p {
	case "user_id":
		return id.UserID, true
	case "name":
		return id.Name, true
	case "email":
		return id.Email, true
	case "manager_id":
		return id.ManagerID, true
	}
	return nil, false
}

// resolveBag traverses nested maps in the attribute bag.
func resolveBag(bag map[string]interface{}, p string) (interface{}, bool) {
	if bag == nil {
		return nil, false
	}
	segments := strings.Split(p, ".")
	var current interface{} = bag
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// evalCondition evaluates one condition. missing=true marks an attribute
// reference miss; the caller decides whether that is a strict-mode failure
// or a plain non-match.
func evalCondition(wctx *core.WorkflowContext, cond Condition) (matched bool, missing bool, err error) {
	value, found := resolvePath(wctx, cond.Path)
	if !found {
		// A missing attribute compares unequal to any literal;
		// membership over an absent collection is false.
		switch cond.Op {
		case OpNotEquals, OpNotIn, OpIsEmpty:
			return true, true, nil
		default:
			return false, true, nil
		}
	}

	switch cond.Op {
	case OpEquals:
		return looseEquals(value, cond.Value), false, nil
	case OpNotEquals:
		return !looseEquals(value, cond.Value), false, nil
	case OpLessThan, OpLessOrEqual, OpGreaterThan, OpGreaterEqual:
		return evalComparison(value, cond.Op, cond.Value), false, nil
	case OpIn:
		return literalListContains(cond.Value, value), false, nil
	case OpNotIn:
		return !literalListContains(cond.Value, value), false, nil
	case OpContains:
		return collectionContains(value, cond.Value), false, nil
	case OpMatchesRegex:
		return evalRegex(value, cond.Value)
	case OpIsEmpty:
		return isEmpty(value), false, nil
	case OpAnyOf:
		return evalAnyOf(value, cond.Value), false, nil
	case OpAllOf:
		return evalAllOf(value, cond.Value), false, nil
	}
	return false, false, fmt.Errorf("unknown operator %q", cond.Op)
}

// looseEquals compares scalars across the numeric/string boundary the way
// a declarative document expects: 35 == 35.0, "HIGH" == "HIGH".
func looseEquals(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if ab, ok := a.(bool); ok {
		bb, ok2 := b.(bool)
		return ok2 && ab == bb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// evalComparison applies a numeric comparison. Non-numeric operands never
// match: comparison operators have fixed numeric types.
func evalComparison(value interface{}, op Operator, literal interface{}) bool {
	vf, vok := toFloat(value)
	lf, lok := toFloat(literal)
	if !vok || !lok {
		return false
	}
	switch op {
	case OpLessThan:
		return vf < lf
	case OpLessOrEqual:
		return vf <= lf
	case OpGreaterThan:
		return vf > lf
	case OpGreaterEqual:
		return vf >= lf
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// asSlice normalizes collections out of typed fields and YAML decoding.
func asSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

// literalListContains reports whether the literal list contains the value.
func literalListContains(literal, value interface{}) bool {
	list, ok := asSlice(literal)
	if !ok {
		return false
	}
	for _, e := range list {
		if looseEquals(value, e) {
			return true
		}
	}
	return false
}

// collectionContains reports whether the attribute collection (or string)
// contains the literal.
func collectionContains(value, literal interface{}) bool {
	if list, ok := asSlice(value); ok {
		for _, e := range list {
			if looseEquals(e, literal) {
				return true
			}
		}
		return false
	}
	if s, ok := value.(string); ok {
		if sub, ok2 := literal.(string); ok2 {
			return strings.Contains(s, sub)
		}
	}
	return false
}

// evalRegex matches a string attribute against a pattern. The pattern is
// anchored at both ends unless it already carries an unescaped ^ or $.
func evalRegex(value, literal interface{}) (bool, bool, error) {
	s, ok := value.(string)
	if !ok {
		return false, false, nil
	}
	pattern, ok := literal.(string)
	if !ok {
		return false, false, fmt.Errorf("matches-regex requires a string pattern, got %T", literal)
	}
	if !hasUnescapedAnchor(pattern) {
		pattern = "^(?:" + pattern + ")$"
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, false, fmt.Errorf("compiling pattern %q: %w", pattern, err)
	}
	return re.MatchString(s), false, nil
}

func hasUnescapedAnchor(pattern string) bool {
	escaped := false
	for _, r := range pattern {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '^', '$':
			return true
		}
	}
	return false
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	if list, ok := asSlice(v); ok {
		return len(list) == 0
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

// evalAnyOf: at least one literal equals the value or is present in the
// value collection.
func evalAnyOf(value, literal interface{}) bool {
	literals, ok := asSlice(literal)
	if !ok {
		return false
	}
	for _, l := range literals {
		if looseEquals(value, l) || collectionContains(value, l) {
			return true
		}
	}
	return false
}

// evalAllOf: every literal must be present in the value collection.
func evalAllOf(value, literal interface{}) bool {
	literals, ok := asSlice(literal)
	if !ok {
		return false
	}
	for _, l := range literals {
		if !collectionContains(value, l) {
			return false
		}
	}
	return len(literals) > 0
}
