// Package resolver binds abstract approver types to concrete principals.
// Resolution goes through a pluggable registry keyed by approver type,
// with explicit fallback chains, a per-call timeout, and a circuit
// breaker per registered resolver.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/grcflow/grcflow/core"
)

// Source tags where a principal was found.
type Source string

const (
	SourceHR       Source = "HR"
	SourceIAM      Source = "IAM"
	SourceLDAP     Source = "LDAP"
	SourceRegistry Source = "registry"
	SourceStatic   Source = "static"
	SourceCustom   Source = "custom"
)

// OOOWindow is an out-of-office interval on a resolved principal.
type OOOWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether the instant falls inside the window.
func (w *OOOWindow) Contains(t time.Time) bool {
	return w != nil && !t.Before(w.From) && t.Before(w.To)
}

// Resolution is the result of binding one approver type.
type Resolution struct {
	Principal core.Principal `json:"principal"`
	Source    Source         `json:"source"`
	Available bool           `json:"available"`

	OOO      *OOOWindow      `json:"ooo,omitempty"`
	Delegate *core.Principal `json:"delegate,omitempty"`

	// DelegatedFrom preserves the original approver id when an OOO
	// delegate was substituted.
	DelegatedFrom string `json:"delegated_from,omitempty"`

	// ResolvedVia is the approver type that actually produced the
	// principal; differs from the requested type after fallback.
	ResolvedVia core.ApproverType `json:"resolved_via"`

	Duration time.Duration `json:"duration"`
}

// Resolver binds one approver type to a principal for a given context.
// Implementations may call external directories; the registry bounds them
// with a timeout and circuit breaker.
type Resolver interface {
	Resolve(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (*Resolution, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (*Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (*Resolution, error) {
	return f(ctx, approverType, wctx)
}

// ResolutionError is returned after the fallback chain is exhausted. The
// assembler surfaces it as an assembly failure naming the step that could
// not be staffed.
type ResolutionError struct {
	ApproverType core.ApproverType
	Chain        []core.ApproverType
	Attempts     []error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving %s: all %d resolver(s) in chain failed",
		e.ApproverType, len(e.Chain)+1)
}

// Unwrap lets callers detect resolution failures with errors.Is.
func (e *ResolutionError) Unwrap() error { return core.ErrResolutionFailed }

// Code returns the machine code for the error taxonomy.
func (e *ResolutionError) Code() string { return core.CodeResolution }
