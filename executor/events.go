package executor

import (
	"sync/atomic"
	"time"
)

// ExecutionEvent records one successful executor operation. Sequence
// numbers are monotonic within an executor instance; within a single
// workflow the audit log carries the same entries in the same order.
type ExecutionEvent struct {
	Seq        int64                  `json:"seq"`
	Type       string                 `json:"type"`
	WorkflowID string                 `json:"workflow_id"`
	StepID     string                 `json:"step_id,omitempty"`
	Actor      string                 `json:"actor"`
	At         time.Time              `json:"at"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// EventSink receives execution events after they commit.
type EventSink func(event ExecutionEvent)

type eventSequence struct {
	counter atomic.Int64
}

func (s *eventSequence) next() int64 {
	return s.counter.Add(1)
}
