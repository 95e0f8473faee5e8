package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/telemetry"
)

// Engine evaluates compiled policy sets against workflow contexts.
// Evaluation is deterministic and side-effect free; the engine only
// mutates itself on Activate, which atomically swaps a set pointer.
// In-flight evaluations complete against whichever set they captured.
type Engine struct {
	mu     sync.RWMutex
	sets   map[string]*Set
	active string // default set id used when the caller passes none
	logger core.Logger
	clock  func() time.Time
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger core.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source; used by tests for validity windows.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates an empty engine. Load sets through Activate.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		sets:   make(map[string]*Set),
		logger: &core.NoOpLogger{},
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Activate installs a compiled set under its id and makes it the default
// when no default exists yet. The swap is atomic with respect to Evaluate:
// evaluations capture the set pointer at entry.
func (e *Engine) Activate(set *Set) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sets[set.ID] = set
	if e.active == "" {
		e.active = set.ID
	}
	e.logger.Info("Policy set activated", map[string]interface{}{
		"policy_set": set.ID,
		"version":    set.Version,
		"hash":       set.VersionHash,
		"rules":      len(set.Rules),
	})
}

// SetDefault marks the named set as the default for evaluations that do
// not name one.
func (e *Engine) SetDefault(setID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sets[setID]; !ok {
		return core.NewError("policy.SetDefault", core.CodePolicyCompile, core.ErrPolicySetNotFound)
	}
	e.active = setID
	return nil
}

// lookup captures the set pointer for one evaluation.
func (e *Engine) lookup(setID string) (*Set, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if setID == "" {
		setID = e.active
	}
	set, ok := e.sets[setID]
	if !ok {
		return nil, core.NewError("policy.Evaluate", core.CodePolicyCompile, core.ErrPolicySetNotFound)
	}
	return set, nil
}

// Evaluate runs every active rule in the selected set against the context
// and returns the matches plus the concatenated action list, in ascending
// (priority, rule id) order. It never mutates the context or the set.
//
// A reference to an unknown attribute path fails with a CompileError when
// the rule is strict; otherwise the miss is logged and treated as not
// matched.
func (e *Engine) Evaluate(ctx context.Context, wctx *core.WorkflowContext, setID string) (*EvaluationResult, error) {
	start := time.Now()
	set, err := e.lookup(setID)
	if err != nil {
		return nil, err
	}

	ordered := orderedRules(set)
	now := e.clock()

	result := &EvaluationResult{
		PolicySetID:   set.ID,
		PolicyVersion: set.VersionHash,
	}

	for _, rule := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, core.NewError("policy.Evaluate", core.CodeTimeout, core.ErrContextCanceled)
		}
		if !rule.activeAt(now) {
			continue
		}
		result.RulesEvaluated++

		matched, misses, err := e.evalRule(wctx, rule)
		if err != nil {
			return nil, err
		}
		for _, miss := range misses {
			result.Misses = append(result.Misses, rule.ID+":"+miss)
			e.logger.Debug("Attribute reference miss", map[string]interface{}{
				"rule_id": rule.ID,
				"path":    miss,
			})
		}
		if !matched {
			continue
		}

		result.Matches = append(result.Matches, RuleMatch{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Layer:    rule.Layer,
			Priority: rule.Priority,
		})
		for _, action := range rule.Actions {
			result.Actions = append(result.Actions, BoundAction{
				Action:       action,
				RuleID:       rule.ID,
				RulePriority: rule.Priority,
			})
		}
	}

	telemetry.Histogram("policy.evaluate.duration_ms",
		float64(time.Since(start).Milliseconds()),
		"policy_set", set.ID)
	telemetry.Counter("policy.evaluate.total",
		"policy_set", set.ID,
		"matched", boolLabel(len(result.Matches) > 0))

	return result, nil
}

// evalRule combines the rule's conditions via its combinator. Rules
// without conditions never match on their own; they exist to be included.
func (e *Engine) evalRule(wctx *core.WorkflowContext, rule *Rule) (bool, []string, error) {
	if len(rule.Conditions) == 0 {
		return false, nil, nil
	}

	combinator := rule.Combinator
	if combinator == "" {
		combinator = CombinatorAnd
	}

	var misses []string
	anyMatched := false
	allMatched := true

	for _, cond := range rule.Conditions {
		matched, missing, err := evalCondition(wctx, cond)
		if missing {
			if rule.Strict {
				return false, nil, &CompileError{
					RuleID:  rule.ID,
					Path:    cond.Path,
					Message: "unknown attribute path in strict rule",
				}
			}
			misses = append(misses, cond.Path)
		}
		if err != nil {
			return false, misses, &CompileError{
				RuleID:  rule.ID,
				Path:    cond.Path,
				Message: err.Error(),
			}
		}
		if matched {
			anyMatched = true
		} else {
			allMatched = false
		}
	}

	if combinator == CombinatorOr {
		return anyMatched, misses, nil
	}
	return allMatched, misses, nil
}

// orderedRules returns the set's rules sorted by (priority, rule id).
// The set itself is never reordered.
func orderedRules(set *Set) []*Rule {
	out := make([]*Rule, len(set.Rules))
	for i := range set.Rules {
		out[i] = &set.Rules[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
