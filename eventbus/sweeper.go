package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/sla"
	"github.com/grcflow/grcflow/telemetry"
	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the SLA sweep at the top of every hour.
const DefaultSweepSchedule = "0 * * * *"

// WorkflowLister supplies the in-flight workflows to sweep.
type WorkflowLister interface {
	ListActive(ctx context.Context) ([]*core.Workflow, error)
}

// Sweeper periodically checks every in-flight workflow against its SLAs
// and publishes sla-warning and sla-breach events on the bus. Breach
// events carry the step id so the re-evaluation loop can escalate.
type Sweeper struct {
	bus      *Bus
	lister   WorkflowLister
	manager  *sla.Manager
	logger   core.Logger
	schedule string
	cron     *cron.Cron
}

// SweeperOption configures the sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperLogger sets the sweeper logger.
func WithSweeperLogger(logger core.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// WithSchedule overrides the cron schedule.
func WithSchedule(spec string) SweeperOption {
	return func(s *Sweeper) { s.schedule = spec }
}

// NewSweeper wires a sweeper to the bus and workflow source.
func NewSweeper(bus *Bus, lister WorkflowLister, manager *sla.Manager, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		bus:      bus,
		lister:   lister,
		manager:  manager,
		logger:   &core.NoOpLogger{},
		schedule: DefaultSweepSchedule,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the sweep and begins running it.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("SLA sweeper started", map[string]interface{}{
		"schedule": s.schedule,
	})
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep checks every active workflow once. Warning and critical steps
// produce sla-warning events; breached steps produce sla-breach events.
// The bus's dedupe does not apply here: each sweep mints fresh event
// ids, and escalation idempotency lives downstream.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()
	workflows, err := s.lister.ListActive(ctx)
	if err != nil {
		telemetry.RecordError("eventbus.sweep", "list")
		s.logger.Error("SLA sweep failed to list workflows", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	warnings, breaches := 0, 0
	for _, workflow := range workflows {
		check := s.manager.CheckWorkflow(workflow)
		for _, stepCheck := range check.Steps {
			switch stepCheck.Status {
			case sla.StatusWarning, sla.StatusCritical:
				warnings++
				s.publish(ctx, core.EventSLAWarning, core.PriorityHigh, workflow.ID, stepCheck)
			case sla.StatusBreached:
				breaches++
				s.publish(ctx, core.EventSLABreach, core.PriorityCritical, workflow.ID, stepCheck)
			}
		}
	}

	telemetry.Histogram("eventbus.sweep.duration_ms", float64(time.Since(start).Milliseconds()))
	s.logger.Info("SLA sweep complete", map[string]interface{}{
		"workflows": len(workflows),
		"warnings":  warnings,
		"breaches":  breaches,
	})
}

func (s *Sweeper) publish(ctx context.Context, eventType core.EventType, priority core.EventPriority, workflowID string, check sla.StepCheck) {
	event := &core.WorkflowEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Priority:  priority,
		Source:    "sla-sweeper",
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"step_id":         check.StepID,
			"sla_status":      string(check.Status),
			"elapsed_hours":   check.ElapsedHours,
			"remaining_hours": check.RemainingHours,
			"percent_used":    check.PercentUsed,
		},
		AffectedWorkflowIDs: []string{workflowID},
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Error("Failed to publish SLA event", map[string]interface{}{
			"workflow_id": workflowID,
			"event_type":  string(eventType),
			"error":       err.Error(),
		})
	}
}
