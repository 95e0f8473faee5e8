// Package store persists workflows. A Redis-backed store serves
// production; an in-memory store serves tests and single-process use.
// Workflows are stored as JSON blobs keyed by id, with a live-id set for
// the SLA sweep.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/grcflow/grcflow/core"
)

// WorkflowStore persists and retrieves workflows.
type WorkflowStore interface {
	// Save writes the workflow, overwriting any previous version.
	Save(ctx context.Context, workflow *core.Workflow) error
	// Get returns the workflow or core.ErrWorkflowNotFound.
	Get(ctx context.Context, workflowID string) (*core.Workflow, error)
	// Delete removes the workflow. Deleting a missing id is not an error.
	Delete(ctx context.Context, workflowID string) error
	// ListActive returns every workflow not in a terminal status.
	ListActive(ctx context.Context) ([]*core.Workflow, error)
}

// InMemoryWorkflowStore is a concurrency-safe map-backed store.
type InMemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]*core.Workflow
}

// NewInMemoryWorkflowStore creates an empty store.
func NewInMemoryWorkflowStore() *InMemoryWorkflowStore {
	return &InMemoryWorkflowStore{
		workflows: make(map[string]*core.Workflow),
	}
}

// Save stores a deep-enough copy: the caller keeps ownership of the
// workflow it passed in.
func (s *InMemoryWorkflowStore) Save(ctx context.Context, workflow *core.Workflow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := cloneWorkflow(workflow)
	s.mu.Lock()
	s.workflows[workflow.ID] = cp
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the stored workflow.
func (s *InMemoryWorkflowStore) Get(ctx context.Context, workflowID string) (*core.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	workflow, ok := s.workflows[workflowID]
	s.mu.RUnlock()
	if !ok {
		return nil, core.NewError("store.Get", core.CodeInvalidState, core.ErrWorkflowNotFound)
	}
	return cloneWorkflow(workflow), nil
}

// Delete removes the workflow.
func (s *InMemoryWorkflowStore) Delete(ctx context.Context, workflowID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.workflows, workflowID)
	s.mu.Unlock()
	return nil
}

// ListActive returns non-terminal workflows ordered by id.
func (s *InMemoryWorkflowStore) ListActive(ctx context.Context) ([]*core.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var active []*core.Workflow
	for _, workflow := range s.workflows {
		if !workflow.Status.IsTerminal() {
			active = append(active, cloneWorkflow(workflow))
		}
	}
	s.mu.RUnlock()
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

// cloneWorkflow deep-copies the mutable slices so stored state cannot be
// aliased by callers.
func cloneWorkflow(workflow *core.Workflow) *core.Workflow {
	cp := *workflow
	cp.Steps = make([]core.WorkflowStep, len(workflow.Steps))
	copy(cp.Steps, workflow.Steps)
	for i := range cp.Steps {
		cp.Steps[i].Delegations = append([]core.DelegationRecord(nil), workflow.Steps[i].Delegations...)
		cp.Steps[i].Escalations = append([]core.DelegationRecord(nil), workflow.Steps[i].Escalations...)
	}
	cp.MatchedRuleIDs = append([]string(nil), workflow.MatchedRuleIDs...)
	cp.PostApprovalTags = append([]string(nil), workflow.PostApprovalTags...)
	cp.AuditLog = append([]core.AuditEntry(nil), workflow.AuditLog...)
	cp.Context = *workflow.Context.Clone()
	return &cp
}

var _ WorkflowStore = (*InMemoryWorkflowStore)(nil)
