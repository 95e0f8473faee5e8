package policy

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/grcflow/grcflow/core"
	"gopkg.in/yaml.v3"
)

// The canvas is the visual builder's output: a block graph of typed nodes
// and directed edges. It is never evaluated at runtime; CompileCanvas
// lowers it to an equivalent rule stream for the normal engine.

// CanvasNodeType is the closed set of canvas block types.
type CanvasNodeType string

const (
	NodeTrigger          CanvasNodeType = "trigger"
	NodeCondition        CanvasNodeType = "condition"
	NodeApproval         CanvasNodeType = "approval"
	NodeApprovalGroup    CanvasNodeType = "approval-group"
	NodeProvisioningGate CanvasNodeType = "provisioning-gate"
	NodeAction           CanvasNodeType = "action"
	NodeSplit            CanvasNodeType = "split"
	NodeJoin             CanvasNodeType = "join"
)

// CanvasNode is one block on the canvas.
type CanvasNode struct {
	ID   string         `yaml:"id" json:"id"`
	Type CanvasNodeType `yaml:"type" json:"type"`

	// condition nodes
	Condition *Condition `yaml:"condition,omitempty" json:"condition,omitempty"`

	// approval nodes
	ApproverType core.ApproverType `yaml:"approver_type,omitempty" json:"approver_type,omitempty"`
	SLAHours     float64           `yaml:"sla_hours,omitempty" json:"sla_hours,omitempty"`

	// approval-group nodes
	ApproverTypes []core.ApproverType `yaml:"approver_types,omitempty" json:"approver_types,omitempty"`

	// action nodes
	Action *Action `yaml:"action,omitempty" json:"action,omitempty"`

	// trigger nodes
	ProcessType core.ProcessType `yaml:"process_type,omitempty" json:"process_type,omitempty"`

	// provisioning-gate nodes
	Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty"`
}

// CanvasEdge is a directed connection between two nodes.
type CanvasEdge struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// CanvasDocument is the serialized form produced by the visual builder.
type CanvasDocument struct {
	ID      string       `yaml:"canvas" json:"canvas"`
	Version string       `yaml:"version" json:"version"`
	Nodes   []CanvasNode `yaml:"nodes" json:"nodes"`
	Edges   []CanvasEdge `yaml:"edges" json:"edges"`
}

// CompileCanvas lowers a canvas document into a compiled policy Set.
// Every path from the trigger accumulates the condition nodes it passes
// through; each approval / action / gate node reached emits one rule
// guarded by those conditions. Rule priority follows path order so the
// assembler preserves the canvas's top-to-bottom reading.
func CompileCanvas(document []byte) (*Set, error) {
	dec := yaml.NewDecoder(bytes.NewReader(document))
	dec.KnownFields(true)

	var doc CanvasDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, &CompileError{Message: fmt.Sprintf("parsing canvas document: %v", err)}
	}
	if doc.ID == "" {
		return nil, &CompileError{Message: "canvas id is required"}
	}

	nodes := make(map[string]*CanvasNode, len(doc.Nodes))
	var trigger *CanvasNode
	for i := range doc.Nodes {
		node := &doc.Nodes[i]
		if node.ID == "" {
			return nil, &CompileError{SetID: doc.ID, Message: "node id is required"}
		}
		if _, dup := nodes[node.ID]; dup {
			return nil, &CompileError{SetID: doc.ID, Message: fmt.Sprintf("duplicate node id %q", node.ID)}
		}
		nodes[node.ID] = node
		if node.Type == NodeTrigger {
			if trigger != nil {
				return nil, &CompileError{SetID: doc.ID, Message: "canvas must have exactly one trigger"}
			}
			trigger = node
		}
	}
	if trigger == nil {
		return nil, &CompileError{SetID: doc.ID, Message: "canvas must have exactly one trigger"}
	}

	out := make(map[string][]string, len(doc.Edges))
	for _, edge := range doc.Edges {
		if _, ok := nodes[edge.From]; !ok {
			return nil, &CompileError{SetID: doc.ID, Message: fmt.Sprintf("edge from unknown node %q", edge.From)}
		}
		if _, ok := nodes[edge.To]; !ok {
			return nil, &CompileError{SetID: doc.ID, Message: fmt.Sprintf("edge to unknown node %q", edge.To)}
		}
		out[edge.From] = append(out[edge.From], edge.To)
	}
	for from := range out {
		sort.Strings(out[from])
	}

	compiler := &canvasCompiler{
		doc:      &doc,
		nodes:    nodes,
		out:      out,
		onPath:   make(map[string]bool),
		priority: 10,
	}
	if err := compiler.walk(trigger.ID, nil); err != nil {
		return nil, err
	}

	set := &Set{
		ID:          doc.ID,
		Version:     doc.Version,
		ProcessType: trigger.ProcessType,
		Rules:       compiler.rules,
	}
	hash, err := CanonicalHash(set)
	if err != nil {
		return nil, &CompileError{SetID: doc.ID, Message: fmt.Sprintf("hashing: %v", err)}
	}
	set.VersionHash = hash
	return set, nil
}

type canvasCompiler struct {
	doc      *CanvasDocument
	nodes    map[string]*CanvasNode
	out      map[string][]string
	onPath   map[string]bool
	rules    []Rule
	priority int
}

func (c *canvasCompiler) walk(nodeID string, conditions []Condition) error {
	if c.onPath[nodeID] {
		return &CompileError{SetID: c.doc.ID, Message: fmt.Sprintf("cycle through node %q", nodeID)}
	}
	c.onPath[nodeID] = true
	defer delete(c.onPath, nodeID)

	node := c.nodes[nodeID]
	next := conditions

	switch node.Type {
	case NodeTrigger, NodeSplit, NodeJoin:
		// Structural nodes carry no semantics of their own.
	case NodeCondition:
		if node.Condition == nil {
			return &CompileError{SetID: c.doc.ID, Message: fmt.Sprintf("condition node %q has no condition", nodeID)}
		}
		if !knownOperators[node.Condition.Op] {
			return &CompileError{SetID: c.doc.ID, Path: node.Condition.Path,
				Message: fmt.Sprintf("unknown operator %q in node %q", node.Condition.Op, nodeID)}
		}
		if !ValidPath(node.Condition.Path) {
			return &CompileError{SetID: c.doc.ID, Path: node.Condition.Path,
				Message: fmt.Sprintf("unknown attribute path in node %q", nodeID)}
		}
		next = append(append([]Condition(nil), conditions...), *node.Condition)
	case NodeApproval:
		if node.ApproverType == "" {
			return &CompileError{SetID: c.doc.ID, Message: fmt.Sprintf("approval node %q has no approver_type", nodeID)}
		}
		c.emit(nodeID, next, []Action{{
			Type:         ActionAddApprover,
			ApproverType: node.ApproverType,
			SLAHours:     node.SLAHours,
			Reason:       fmt.Sprintf("Canvas approval node %s", nodeID),
		}})
	case NodeApprovalGroup:
		if len(node.ApproverTypes) == 0 {
			return &CompileError{SetID: c.doc.ID, Message: fmt.Sprintf("approval-group node %q is empty", nodeID)}
		}
		actions := make([]Action, 0, len(node.ApproverTypes))
		for _, at := range node.ApproverTypes {
			actions = append(actions, Action{
				Type:         ActionAddApprover,
				ApproverType: at,
				SLAHours:     node.SLAHours,
				Reason:       fmt.Sprintf("Canvas approval group %s", nodeID),
			})
		}
		c.emit(nodeID, next, actions)
	case NodeProvisioningGate:
		c.emit(nodeID, next, []Action{{
			Type:   ActionTag,
			Tag:    "provisioning-gate",
			Params: map[string]interface{}{"strategy": node.Strategy},
		}})
	case NodeAction:
		if node.Action == nil {
			return &CompileError{SetID: c.doc.ID, Message: fmt.Sprintf("action node %q has no action", nodeID)}
		}
		if !knownActionTypes[node.Action.Type] {
			return &CompileError{SetID: c.doc.ID,
				Message: fmt.Sprintf("unknown action type %q in node %q", node.Action.Type, nodeID)}
		}
		c.emit(nodeID, next, []Action{*node.Action})
	default:
		return &CompileError{SetID: c.doc.ID, Message: fmt.Sprintf("unknown node type %q", node.Type)}
	}

	for _, to := range c.out[nodeID] {
		if err := c.walk(to, next); err != nil {
			return err
		}
	}
	return nil
}

// emit appends one rule for the node. Nodes with no upstream conditions
// get a tautological guard so the rule always fires for the trigger's
// process type.
func (c *canvasCompiler) emit(nodeID string, conditions []Condition, actions []Action) {
	when := append([]Condition(nil), conditions...)
	if len(when) == 0 {
		when = []Condition{{Path: "context.process_type", Op: OpNotEquals, Value: ""}}
	}
	c.rules = append(c.rules, Rule{
		ID:         fmt.Sprintf("%s-%s", c.doc.ID, nodeID),
		Name:       fmt.Sprintf("canvas node %s", nodeID),
		Layer:      "canvas",
		Priority:   c.priority,
		Active:     true,
		Combinator: CombinatorAnd,
		Conditions: when,
		Actions:    actions,
	})
	c.priority += 10
}
