package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskLevelFromScore(t *testing.T) {
	cases := []struct {
		score int
		level RiskLevel
	}{
		{0, RiskLow},
		{12, RiskLow},
		{24, RiskLow},
		{25, RiskMedium},
		{35, RiskMedium},
		{59, RiskMedium},
		{60, RiskHigh},
		{82, RiskHigh},
		{84, RiskHigh},
		{85, RiskCritical},
		{100, RiskCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.level, RiskLevelFromScore(tc.score), "score %d", tc.score)
	}
}

func TestWorkflowStatusTerminality(t *testing.T) {
	terminal := []WorkflowStatus{
		WorkflowRejected, WorkflowAutoRejected, WorkflowCancelled,
		WorkflowCompleted, WorkflowFailed,
	}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	open := []WorkflowStatus{
		WorkflowDraft, WorkflowPending, WorkflowInProgress,
		WorkflowWaitingApproval, WorkflowApproved, WorkflowAutoApproved,
		WorkflowProvisioning,
	}
	for _, s := range open {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}

	// APPROVED admits the provisioning tail but counts as decided.
	assert.True(t, WorkflowApproved.IsDecided())
	assert.False(t, WorkflowInProgress.IsDecided())
}

func TestStepTransitions(t *testing.T) {
	step := &WorkflowStep{Status: StepPending}
	assert.True(t, step.CanTransition(StepActive))
	assert.False(t, step.CanTransition(StepApproved))

	step.Status = StepActive
	assert.True(t, step.CanTransition(StepApproved))
	assert.True(t, step.CanTransition(StepDelegated))
	assert.False(t, step.CanTransition(StepPending))

	step.Status = StepDelegated
	assert.True(t, step.CanTransition(StepActive))

	step.Status = StepApproved
	assert.False(t, step.CanTransition(StepActive))
	assert.True(t, step.Status.IsTerminal())
}

func TestWorkflowStepAccessors(t *testing.T) {
	workflow := &Workflow{
		CurrentStepIndex: 1,
		Steps: []WorkflowStep{
			{ID: "s1", Status: StepApproved},
			{ID: "s2", Status: StepActive},
			{ID: "s3", Status: StepPending},
		},
	}

	current := workflow.CurrentStep()
	require.NotNil(t, current)
	assert.Equal(t, "s2", current.ID)

	assert.NotNil(t, workflow.StepByID("s3"))
	assert.Nil(t, workflow.StepByID("nope"))

	remaining := workflow.RemainingSteps()
	require.Len(t, remaining, 2)
	assert.Equal(t, "s2", remaining[0].ID)

	workflow.CurrentStepIndex = 5
	assert.Nil(t, workflow.CurrentStep())
}

func TestContextCloneIsDeep(t *testing.T) {
	original := &WorkflowContext{
		RequestID:     "req-1",
		TargetManager: &Principal{ID: "mgr-1"},
		SoDConflicts:  []string{"pay-create-vs-approve"},
		Attributes:    map[string]interface{}{"department": "finance"},
	}

	clone := original.Clone()
	clone.TargetManager.ID = "changed"
	clone.SoDConflicts[0] = "changed"
	clone.Attributes["department"] = "changed"

	assert.Equal(t, "mgr-1", original.TargetManager.ID)
	assert.Equal(t, "pay-create-vs-approve", original.SoDConflicts[0])
	assert.Equal(t, "finance", original.Attributes["department"])
}

func TestAppendAudit(t *testing.T) {
	workflow := &Workflow{}
	workflow.AppendAudit(AuditEntry{
		EventID:   "e1",
		EventType: "workflow-submitted",
		Timestamp: time.Now(),
		Actor:     "u-1",
		ActorType: ActorUser,
	})
	workflow.AppendAudit(AuditEntry{EventID: "e2", EventType: "decision-recorded"})

	require.Len(t, workflow.AuditLog, 2)
	assert.Equal(t, "e1", workflow.AuditLog[0].EventID)
}
