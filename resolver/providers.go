package resolver

import (
	"context"
	"sync"

	"github.com/grcflow/grcflow/core"
)

// StaticResolver serves principals from a fixed table. Used for the
// STATIC approver type and as the terminal fallback for governance-desk
// style catch-alls.
type StaticResolver struct {
	mu    sync.RWMutex
	table map[core.ApproverType]core.Principal
}

// NewStaticResolver creates a resolver over the given table.
func NewStaticResolver(table map[core.ApproverType]core.Principal) *StaticResolver {
	cp := make(map[core.ApproverType]core.Principal, len(table))
	for k, v := range table {
		cp[k] = v
	}
	return &StaticResolver{table: cp}
}

// Set adds or replaces the principal for an approver type.
func (s *StaticResolver) Set(approverType core.ApproverType, principal core.Principal) {
	s.mu.Lock()
	s.table[approverType] = principal
	s.mu.Unlock()
}

func (s *StaticResolver) Resolve(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (*Resolution, error) {
	s.mu.RLock()
	principal, ok := s.table[approverType]
	s.mu.RUnlock()
	if !ok {
		return nil, core.NewError("resolver.static", core.CodeResolution, core.ErrResolutionFailed)
	}
	return &Resolution{
		Principal: principal,
		Source:    SourceStatic,
		Available: true,
	}, nil
}

// ManagerResolver binds LINE_MANAGER from the request context: the target
// user's manager when present, sourced from HR.
type ManagerResolver struct{}

func (ManagerResolver) Resolve(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (*Resolution, error) {
	if wctx.TargetManager != nil && wctx.TargetManager.ID != "" {
		return &Resolution{
			Principal: *wctx.TargetManager,
			Source:    SourceHR,
			Available: true,
		}, nil
	}
	if wctx.TargetUser.ManagerID != "" {
		return &Resolution{
			Principal: core.Principal{ID: wctx.TargetUser.ManagerID},
			Source:    SourceHR,
			Available: true,
		}, nil
	}
	return nil, core.NewError("resolver.manager", core.CodeResolution, core.ErrResolutionFailed)
}

// DirectoryFunc looks a principal up in an external directory. The
// registry's timeout and circuit breaker bound the call.
type DirectoryFunc func(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (core.Principal, *OOOWindow, *core.Principal, error)

// DirectoryResolver adapts an external directory lookup (IAM, LDAP) into
// a Resolver, attaching the source tag and OOO information.
type DirectoryResolver struct {
	Source Source
	Lookup DirectoryFunc
}

func (d *DirectoryResolver) Resolve(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (*Resolution, error) {
	principal, ooo, delegate, err := d.Lookup(ctx, approverType, wctx)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Principal: principal,
		Source:    d.Source,
		Available: true,
		OOO:       ooo,
		Delegate:  delegate,
	}, nil
}

var (
	_ Resolver = (*StaticResolver)(nil)
	_ Resolver = ManagerResolver{}
	_ Resolver = (*DirectoryResolver)(nil)
)
