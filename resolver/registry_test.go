package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/grcflow/grcflow/core"
)

func wctxWithManager() *core.WorkflowContext {
	return &core.WorkflowContext{
		RequestID:     "req-1",
		TargetUser:    core.Identity{UserID: "u-1", ManagerID: "mgr-fallback"},
		TargetManager: &core.Principal{ID: "mgr-1", Name: "Morgan"},
	}
}

func TestResolveStatic(t *testing.T) {
	registry := NewRegistry()
	registry.Register(core.ApproverSecurityOfficer, NewStaticResolver(map[core.ApproverType]core.Principal{
		core.ApproverSecurityOfficer: {ID: "sec-1", Name: "Sam"},
	}))

	resolution, err := registry.Resolve(context.Background(), core.ApproverSecurityOfficer, wctxWithManager())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolution.Principal.ID != "sec-1" {
		t.Errorf("principal = %s, want sec-1", resolution.Principal.ID)
	}
	if resolution.Source != SourceStatic {
		t.Errorf("source = %s, want static", resolution.Source)
	}
	if resolution.ResolvedVia != core.ApproverSecurityOfficer {
		t.Errorf("resolved via = %s", resolution.ResolvedVia)
	}
}

func TestResolveManagerFromContext(t *testing.T) {
	registry := NewRegistry()
	registry.Register(core.ApproverLineManager, ManagerResolver{})

	resolution, err := registry.Resolve(context.Background(), core.ApproverLineManager, wctxWithManager())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolution.Principal.ID != "mgr-1" {
		t.Errorf("principal = %s, want mgr-1 from TargetManager", resolution.Principal.ID)
	}
	if resolution.Source != SourceHR {
		t.Errorf("source = %s, want HR", resolution.Source)
	}
}

func TestResolveFallbackChain(t *testing.T) {
	registry := NewRegistry()
	registry.Register(core.ApproverSystemOwner, ResolverFunc(
		func(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (*Resolution, error) {
			return nil, errors.New("directory unavailable")
		}))
	registry.Register(core.ApproverGovernanceDesk, NewStaticResolver(map[core.ApproverType]core.Principal{
		core.ApproverGovernanceDesk: {ID: "gov-1", Name: "Governance Desk"},
	}))
	registry.SetFallbackChain(core.ApproverSystemOwner, core.ApproverGovernanceDesk)

	resolution, err := registry.Resolve(context.Background(), core.ApproverSystemOwner, wctxWithManager())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolution.Principal.ID != "gov-1" {
		t.Errorf("principal = %s, want gov-1 via fallback", resolution.Principal.ID)
	}
	if resolution.ResolvedVia != core.ApproverGovernanceDesk {
		t.Errorf("resolved via = %s, want GOVERNANCE_DESK", resolution.ResolvedVia)
	}
}

func TestResolveChainExhausted(t *testing.T) {
	registry := NewRegistry()
	registry.Register(core.ApproverDataOwner, ResolverFunc(
		func(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (*Resolution, error) {
			return nil, errors.New("boom")
		}))
	registry.SetFallbackChain(core.ApproverDataOwner, core.ApproverGovernanceDesk)

	_, err := registry.Resolve(context.Background(), core.ApproverDataOwner, wctxWithManager())
	if err == nil {
		t.Fatal("expected chain-exhausted error")
	}
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("error type = %T, want *ResolutionError", err)
	}
	if !errors.Is(err, core.ErrResolutionFailed) {
		t.Error("must unwrap to ErrResolutionFailed")
	}
	// Primary attempt plus the unregistered fallback.
	if len(resErr.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(resErr.Attempts))
	}
}

func TestResolveOOODelegateSubstitution(t *testing.T) {
	now := time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC)
	registry := NewRegistry(WithClock(func() time.Time { return now }))
	registry.Register(core.ApproverLineManager, &DirectoryResolver{
		Source: SourceIAM,
		Lookup: func(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (core.Principal, *OOOWindow, *core.Principal, error) {
			return core.Principal{ID: "mgr-1", Name: "Morgan"},
				&OOOWindow{From: now.Add(-24 * time.Hour), To: now.Add(24 * time.Hour)},
				&core.Principal{ID: "deputy-1", Name: "Devin"},
				nil
		},
	})

	resolution, err := registry.Resolve(context.Background(), core.ApproverLineManager, wctxWithManager())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolution.Principal.ID != "deputy-1" {
		t.Errorf("principal = %s, want deputy-1", resolution.Principal.ID)
	}
	if resolution.DelegatedFrom != "mgr-1" {
		t.Errorf("delegated from = %s, want mgr-1", resolution.DelegatedFrom)
	}
	if !resolution.Available {
		t.Error("delegate substitution must leave the resolution available")
	}
}

func TestResolveOOOWithoutDelegate(t *testing.T) {
	now := time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC)
	registry := NewRegistry(WithClock(func() time.Time { return now }))
	registry.Register(core.ApproverLineManager, &DirectoryResolver{
		Source: SourceIAM,
		Lookup: func(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (core.Principal, *OOOWindow, *core.Principal, error) {
			return core.Principal{ID: "mgr-1"},
				&OOOWindow{From: now.Add(-time.Hour), To: now.Add(time.Hour)},
				nil, nil
		},
	})

	resolution, err := registry.Resolve(context.Background(), core.ApproverLineManager, wctxWithManager())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolution.Available {
		t.Error("OOO principal without delegate must be marked unavailable")
	}
	if resolution.Principal.ID != "mgr-1" {
		t.Errorf("principal = %s, want original mgr-1", resolution.Principal.ID)
	}
}

func TestResolveCallTimeout(t *testing.T) {
	registry := NewRegistry(WithCallTimeout(20 * time.Millisecond))
	registry.Register(core.ApproverCISO, ResolverFunc(
		func(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (*Resolution, error) {
			select {
			case <-time.After(5 * time.Second):
				return &Resolution{Principal: core.Principal{ID: "ciso-1"}}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))

	_, err := registry.Resolve(context.Background(), core.ApproverCISO, wctxWithManager())
	if err == nil {
		t.Fatal("expected timeout")
	}
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("error type = %T, want *ResolutionError", err)
	}
	if len(resErr.Attempts) != 1 || !errors.Is(resErr.Attempts[0], core.ErrTimeout) {
		t.Errorf("attempts = %v, want one timeout", resErr.Attempts)
	}
}

func TestResolveEmptyPrincipalRejected(t *testing.T) {
	registry := NewRegistry()
	registry.Register(core.ApproverRoleOwner, ResolverFunc(
		func(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (*Resolution, error) {
			return &Resolution{}, nil
		}))

	_, err := registry.Resolve(context.Background(), core.ApproverRoleOwner, wctxWithManager())
	if !errors.Is(err, core.ErrResolutionFailed) {
		t.Errorf("error = %v, want resolution failure for empty principal", err)
	}
}
