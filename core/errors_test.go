package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrchestratorErrorWrapping(t *testing.T) {
	err := NewError("executor.RecordDecision", CodeInvalidState, ErrInvalidState)

	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, CodeInvalidState, ErrorCode(err))
	assert.Contains(t, err.Error(), "executor.RecordDecision")

	withID := &OrchestratorError{
		Op: "executor.Cancel", Code: CodeInvalidState,
		ID: "wf-1", Err: ErrWorkflowTerminal,
	}
	assert.Contains(t, withID.Error(), "wf-1")
	assert.True(t, IsStateError(withID))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsRetryable(NewError("x", CodeTimeout, ErrTimeout)))
	assert.True(t, IsRetryable(ErrResolutionFailed))
	assert.False(t, IsRetryable(ErrInvalidState))

	assert.True(t, IsAdmissionError(NewError("x", CodeTenantRequired, ErrTenantRequired)))
	assert.True(t, IsAdmissionError(ErrModuleNotEnabled))
	assert.False(t, IsAdmissionError(ErrTimeout))

	assert.Equal(t, "", ErrorCode(errors.New("plain")))
}
