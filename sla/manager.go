// Package sla tracks per-step deadlines, derives warning/critical/breach
// status, schedules reminders, and drives escalations along a fixed
// authority chain.
package sla

import (
	"fmt"
	"time"

	"github.com/grcflow/grcflow/core"
)

// Status is the SLA health of a step or workflow.
type Status string

const (
	StatusOnTrack   Status = "ON_TRACK"
	StatusWarning   Status = "WARNING"
	StatusCritical  Status = "CRITICAL"
	StatusBreached  Status = "BREACHED"
	StatusEscalated Status = "ESCALATED"
	StatusCompleted Status = "COMPLETED"
)

// severity orders statuses for workflow-level aggregation.
var severity = map[Status]int{
	StatusCompleted: 0,
	StatusOnTrack:   1,
	StatusWarning:   2,
	StatusEscalated: 3,
	StatusCritical:  4,
	StatusBreached:  5,
}

// StepCheck is the result of checking one step against its SLA.
type StepCheck struct {
	StepID           string  `json:"step_id"`
	Status           Status  `json:"status"`
	ElapsedHours     float64 `json:"elapsed_hours"`
	SLAHours         float64 `json:"sla_hours"`
	RemainingHours   float64 `json:"remaining_hours"`
	PercentUsed      float64 `json:"percent_used"`
	Recommendation   string  `json:"recommendation"`
	EscalationNeeded bool    `json:"escalation_needed"`
}

/// WorkflowCheck aggregates step checks: overall status is the worst
// per-step status, total SLA is the sum of step SLAs, elapsed is
// wall-clock from submit time.
type WorkflowCheck struct {
	WorkflowID    string      `json:"workflow_id"`
	Overall       Status      `json:"overall"`
	TotalSLAHours float64     `json:"total_sla_hours"`
	ElapsedHours  float64     `json:"elapsed_hours"`
	Steps         []StepCheck `json:"steps"`
}

// BusinessHours configures business-hours elapsed counting. Hours count
// only within [StartHour, EndHour) local time, optionally skipping
// weekends. Partial hours at the boundary are counted precisely.
type BusinessHours struct {
	StartHour       int
	EndHour         int
	ExcludeWeekends bool
	Location        *time.Location
}

// Config holds thresholds and defaults.
type Config struct {
	// WarningThreshold and CriticalThreshold are fractions of the SLA.
	WarningThreshold  float64
	CriticalThreshold float64
	// DefaultSLAByRisk supplies SLA hours when a step carries none.
	DefaultSLAByRisk map[core.RiskLevel]float64
	// ReminderOffsets are hours before due_at to remind at.
	ReminderOffsets []float64
	// Business is nil for wall-clock counting (the default).
	Business *BusinessHours
}

// DefaultConfig returns WARNING at 75%, CRITICAL at 90%, the standard
// risk-level SLA table, and reminders at 12, 6 and 2 hours before due.
func DefaultConfig() *Config {
	return &Config{
		WarningThreshold:  0.75,
		CriticalThreshold: 0.90,
		DefaultSLAByRisk: map[core.RiskLevel]float64{
			core.RiskLow:      72,
			core.RiskMedium:   48,
			core.RiskHigh:     24,
			core.RiskCritical: 8,
		},
		ReminderOffsets: []float64{12, 6, 2},
	}
}

// Manager checks SLAs and manages escalations.
type Manager struct {
	config *Config
	logger core.Logger
	clock  func() time.Time
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger core.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithConfig replaces the default configuration.
func WithConfig(config *Config) Option {
	return func(m *Manager) { m.config = config }
}

// NewManager creates a manager with defaults.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		config: DefaultConfig(),
		logger: &core.NoOpLogger{},
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultSLA returns the configured SLA hours for a risk level.
func (m *Manager) DefaultSLA(level core.RiskLevel) float64 {
	if sla, ok := m.config.DefaultSLAByRisk[level]; ok {
		return sla
	}
	return 48
}

// CheckStep evaluates one step's SLA health at the current instant.
func (m *Manager) CheckStep(step *core.WorkflowStep) StepCheck {
	check := StepCheck{
		StepID:   step.ID,
		SLAHours: step.SLAHours,
		Status:   StatusOnTrack,
	}

	if step.Status.IsTerminal() {
		check.Status = StatusCompleted
		check.Recommendation = "Step is complete; no action needed."
		if step.ActivatedAt != nil && step.DecidedAt != nil {
			check.ElapsedHours = m.elapsedHours(*step.ActivatedAt, *step.DecidedAt)
		}
		return check
	}
	if step.ActivatedAt == nil {
		check.RemainingHours = step.SLAHours
		check.Recommendation = "Step not yet activated."
		return check
	}

	check.ElapsedHours = m.elapsedHours(*step.ActivatedAt, m.clock())
	check.RemainingHours = step.SLAHours - check.ElapsedHours
	if step.SLAHours > 0 {
		check.PercentUsed = check.ElapsedHours / step.SLAHours * 100
	}

	switch {
	case check.PercentUsed >= 100:
		check.Status = StatusBreached
		check.EscalationNeeded = true
		check.Recommendation = fmt.Sprintf("SLA breached %.1fh ago; escalate to %s.",
			-check.RemainingHours, EscalationTarget(step.ApproverType))
	case check.PercentUsed >= m.config.CriticalThreshold*100:
		check.Status = StatusCritical
		check.EscalationNeeded = true
		check.Recommendation = fmt.Sprintf("%.1fh remaining; prepare escalation to %s.",
			check.RemainingHours, EscalationTarget(step.ApproverType))
	case check.PercentUsed >= m.config.WarningThreshold*100:
		check.Status = StatusWarning
		check.Recommendation = fmt.Sprintf("%.1fh remaining; send reminder to %s.",
			check.RemainingHours, step.Approver.Name)
	default:
		check.Recommendation = "On track."
	}

	if len(step.Escalations) > 0 && check.Status != StatusBreached {
		check.Status = StatusEscalated
		check.EscalationNeeded = false
		check.Recommendation = "Step already escalated; monitoring new approver."
	}

	return check
}

// CheckWorkflow aggregates the per-step checks for a workflow.
func (m *Manager) CheckWorkflow(workflow *core.Workflow) WorkflowCheck {
	check := WorkflowCheck{
		WorkflowID: workflow.ID,
		Overall:    StatusCompleted,
	}
	for i := range workflow.Steps {
		sc := m.CheckStep(&workflow.Steps[i])
		check.Steps = append(check.Steps, sc)
		check.TotalSLAHours += workflow.Steps[i].SLAHours
		if severity[sc.Status] > severity[check.Overall] {
			check.Overall = sc.Status
		}
	}
	if len(check.Steps) == 0 {
		check.Overall = StatusCompleted
	}
	if workflow.SubmittedAt != nil {
		check.ElapsedHours = m.clock().Sub(*workflow.SubmittedAt).Hours()
	}
	return check
}

// ReminderScheduleFor returns the future reminder instants for a step:
// due_at minus each configured offset, dropping times already past.
func (m *Manager) ReminderScheduleFor(step *core.WorkflowStep) []time.Time {
	if step.DueAt == nil {
		return nil
	}
	now := m.clock()
	var schedule []time.Time
	for _, offset := range m.config.ReminderOffsets {
		at := step.DueAt.Add(-time.Duration(offset * float64(time.Hour)))
		if at.After(now) {
			schedule = append(schedule, at)
		}
	}
	return schedule
}

// elapsedHours counts hours between two instants, using the business
// clock when configured.
func (m *Manager) elapsedHours(from, to time.Time) float64 {
	if m.config.Business != nil {
		return businessHoursBetween(from, to, m.config.Business)
	}
	return to.Sub(from).Hours()
}

// BreachPrediction is the structured output of PredictBreach.
type BreachPrediction struct {
	StepID     string  `json:"step_id"`
	WillBreach bool    `json:"will_breach"`
	Confidence float64 `json:"confidence"`
	Basis      string  `json:"basis"`
}

// PredictBreach estimates whether the step will miss its SLA. With
// historical data (avgResponseHours > 0) the prediction is activation +
// average response past due, at confidence 0.7. Without data it falls
// back to percent-used > 75 at confidence 0.3.
func (m *Manager) PredictBreach(step *core.WorkflowStep, avgResponseHours float64) BreachPrediction {
	prediction := BreachPrediction{StepID: step.ID}

	if step.ActivatedAt == nil || step.DueAt == nil {
		prediction.Basis = "step not active"
		return prediction
	}

	if avgResponseHours > 0 {
		expected := step.ActivatedAt.Add(time.Duration(avgResponseHours * float64(time.Hour)))
		prediction.WillBreach = expected.After(*step.DueAt)
		prediction.Confidence = 0.7
		prediction.Basis = fmt.Sprintf("historical average response %.1fh", avgResponseHours)
		return prediction
	}

	check := m.CheckStep(step)
	prediction.WillBreach = check.PercentUsed > 75
	prediction.Confidence = 0.3
	prediction.Basis = fmt.Sprintf("percent of SLA used: %.0f%%", check.PercentUsed)
	return prediction
}
