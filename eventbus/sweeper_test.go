package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/sla"
)

type staticLister struct {
	workflows []*core.Workflow
}

func (l *staticLister) ListActive(ctx context.Context) ([]*core.Workflow, error) {
	return l.workflows, nil
}

func slaWorkflow(id string, activated time.Time, slaHours float64) *core.Workflow {
	due := activated.Add(time.Duration(slaHours * float64(time.Hour)))
	return &core.Workflow{
		ID:     id,
		Status: core.WorkflowInProgress,
		Steps: []core.WorkflowStep{
			{
				ID: id + "-s1", StepNumber: 1,
				ApproverType: core.ApproverLineManager,
				SLAHours:     slaHours,
				ActivatedAt:  &activated, DueAt: &due,
				Status: core.StepActive,
			},
		},
	}
}

func TestSweepPublishesWarningsAndBreaches(t *testing.T) {
	now := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	manager := sla.NewManager(sla.WithClock(func() time.Time { return now }))

	lister := &staticLister{workflows: []*core.Workflow{
		slaWorkflow("wf-ok", now.Add(-2*time.Hour), 24),       // on track
		slaWorkflow("wf-warn", now.Add(-19*time.Hour), 24),    // past 75%
		slaWorkflow("wf-breach", now.Add(-30*time.Hour), 24),  // past due
	}}

	bus := NewBus()
	var mu sync.Mutex
	events := make(map[core.EventType][]*core.WorkflowEvent)
	bus.SubscribeAll(func(ctx context.Context, event *core.WorkflowEvent) error {
		mu.Lock()
		events[event.EventType] = append(events[event.EventType], event)
		mu.Unlock()
		return nil
	})

	sweeper := NewSweeper(bus, lister, manager)
	sweeper.Sweep(context.Background())
	bus.Close()

	mu.Lock()
	defer mu.Unlock()

	warnings := events[core.EventSLAWarning]
	if len(warnings) != 1 {
		t.Fatalf("warnings = %d, want 1", len(warnings))
	}
	if warnings[0].AffectedWorkflowIDs[0] != "wf-warn" {
		t.Errorf("warning for %v", warnings[0].AffectedWorkflowIDs)
	}
	if warnings[0].Priority != core.PriorityHigh {
		t.Errorf("warning priority = %s, want HIGH", warnings[0].Priority)
	}

	breaches := events[core.EventSLABreach]
	if len(breaches) != 1 {
		t.Fatalf("breaches = %d, want 1", len(breaches))
	}
	if breaches[0].AffectedWorkflowIDs[0] != "wf-breach" {
		t.Errorf("breach for %v", breaches[0].AffectedWorkflowIDs)
	}
	if breaches[0].Priority != core.PriorityCritical {
		t.Errorf("breach priority = %s, want CRITICAL", breaches[0].Priority)
	}
	if breaches[0].Payload["step_id"] != "wf-breach-s1" {
		t.Errorf("breach payload = %v, want step id for escalation", breaches[0].Payload)
	}
}
