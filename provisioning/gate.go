// Package provisioning decides when approved access items may be
// enacted. The gate never enacts an item that is not APPROVED; the
// strategies only control how approved items wait on their siblings.
package provisioning

import (
	"fmt"
	"sort"

	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/telemetry"
)

// Strategy names a provisioning gating policy.
type Strategy string

const (
	// AllOrNothing holds every item until all items are approved.
	AllOrNothing Strategy = "ALL_OR_NOTHING"
	// PartialAllowed enacts each approved item immediately.
	PartialAllowed Strategy = "PARTIAL_ALLOWED"
	// RiskBasedPartial enacts approved LOW and MEDIUM items immediately;
	// HIGH and CRITICAL items wait until every item is decided and
	// approved.
	RiskBasedPartial Strategy = "RISK_BASED_PARTIAL"
	// TagBased holds approved items carrying a blocked tag until all
	// items are approved; untagged approved items enact immediately.
	TagBased Strategy = "TAG_BASED"
)

var knownStrategies = map[Strategy]bool{
	AllOrNothing:     true,
	PartialAllowed:   true,
	RiskBasedPartial: true,
	TagBased:         true,
}

// ItemVerdict is the gate's ruling for one access item.
type ItemVerdict struct {
	ItemID string `json:"item_id"`
	Enact  bool   `json:"enact"`
	Reason string `json:"reason"`
}

// Result is the gate's ruling for a whole request.
type Result struct {
	RequestID string        `json:"request_id"`
	Strategy  Strategy      `json:"strategy"`
	Verdicts  []ItemVerdict `json:"verdicts"`
	// AllDecided is true when no item remains PENDING.
	AllDecided bool `json:"all_decided"`
}

// EnactIDs returns the ids of items cleared for provisioning.
func (r *Result) EnactIDs() []string {
	var ids []string
	for _, v := range r.Verdicts {
		if v.Enact {
			ids = append(ids, v.ItemID)
		}
	}
	return ids
}

// Gate evaluates access requests against a provisioning strategy.
type Gate struct {
	strategy    Strategy
	blockedTags map[string]bool
	logger      core.Logger
}

// GateOption configures the gate.
type GateOption func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(logger core.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// WithBlockedTags sets the tags that hold items under the TAG_BASED
// strategy.
func WithBlockedTags(tags ...string) GateOption {
	return func(g *Gate) {
		g.blockedTags = make(map[string]bool, len(tags))
		for _, t := range tags {
			g.blockedTags[t] = true
		}
	}
}

// NewGate creates a gate for the given strategy. Unknown strategies are
// rejected.
func NewGate(strategy Strategy, opts ...GateOption) (*Gate, error) {
	if !knownStrategies[strategy] {
		return nil, &core.OrchestratorError{
			Op:      "provisioning.NewGate",
			Code:    core.CodeInvalidState,
			Message: fmt.Sprintf("unknown strategy %q", strategy),
			Err:     core.ErrInvalidState,
		}
	}
	g := &Gate{
		strategy: strategy,
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Strategy returns the gate's configured strategy.
func (g *Gate) Strategy() Strategy { return g.strategy }

// Evaluate rules on every item of the request. Non-approved items are
// never cleared; the verdict reason explains each hold.
func (g *Gate) Evaluate(request *core.AccessRequest) *Result {
	result := &Result{
		RequestID:  request.ID,
		Strategy:   g.strategy,
		AllDecided: true,
	}

	allApproved := true
	for _, item := range request.Items {
		switch item.Status {
		case core.ItemPending:
			result.AllDecided = false
			allApproved = false
		case core.ItemApproved, core.ItemProvisioned:
		default:
			allApproved = false
		}
	}

	for _, item := range request.Items {
		verdict := ItemVerdict{ItemID: item.ID}
		switch {
		case item.Status == core.ItemProvisioned:
			verdict.Reason = "already provisioned"
		case item.Status != core.ItemApproved:
			verdict.Reason = fmt.Sprintf("item is %s, only approved items can be enacted", item.Status)
		default:
			verdict.Enact, verdict.Reason = g.ruleOn(&item, allApproved)
		}
		result.Verdicts = append(result.Verdicts, verdict)
	}

	sort.Slice(result.Verdicts, func(i, j int) bool {
		return result.Verdicts[i].ItemID < result.Verdicts[j].ItemID
	})

	enacted := len(result.EnactIDs())
	telemetry.Counter("provisioning.gate.evaluations.total",
		"strategy", string(g.strategy))
	g.logger.Debug("Provisioning gate evaluated", map[string]interface{}{
		"request_id": request.ID,
		"strategy":   string(g.strategy),
		"items":      len(request.Items),
		"enacted":    enacted,
	})
	return result
}

// ruleOn rules on a single approved item.
func (g *Gate) ruleOn(item *core.AccessItem, allApproved bool) (bool, string) {
	switch g.strategy {
	case AllOrNothing:
		if allApproved {
			return true, "all items approved"
		}
		return false, "waiting for remaining items (all-or-nothing)"

	case PartialAllowed:
		return true, "approved; partial provisioning allowed"

	case RiskBasedPartial:
		switch item.RiskLevel {
		case core.RiskLow, core.RiskMedium:
			return true, fmt.Sprintf("approved %s-risk item provisions immediately", item.RiskLevel)
		default:
			if allApproved {
				return true, fmt.Sprintf("%s-risk item released; all items approved", item.RiskLevel)
			}
			return false, fmt.Sprintf("%s-risk item held until all items are approved", item.RiskLevel)
		}

	case TagBased:
		for _, tag := range item.Tags {
			if g.blockedTags[tag] {
				if allApproved {
					return true, fmt.Sprintf("tag %q released; all items approved", tag)
				}
				return false, fmt.Sprintf("held by tag %q until all items are approved", tag)
			}
		}
		return true, "no blocking tags"
	}
	return false, "unknown strategy"
}

// Apply marks the cleared items PROVISIONED on the request. Items the
// gate held keep their status.
func (g *Gate) Apply(request *core.AccessRequest, result *Result) {
	enact := make(map[string]bool)
	for _, v := range result.Verdicts {
		if v.Enact {
			enact[v.ItemID] = true
		}
	}
	for i := range request.Items {
		if enact[request.Items[i].ID] && request.Items[i].Status == core.ItemApproved {
			request.Items[i].Status = core.ItemProvisioned
		}
	}
}
