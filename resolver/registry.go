package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/resilience"
	"github.com/grcflow/grcflow/telemetry"
)

// DefaultCallTimeout bounds one resolver call against an external
// directory.
const DefaultCallTimeout = 5 * time.Second

// Registry is the pluggable resolver table. Resolution tries the
// registered resolver for the requested type, then walks the configured
// fallback chain. Each registered resolver is wrapped in its own circuit
// breaker. The registry does not cache across requests.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[core.ApproverType]Resolver
	breakers  map[core.ApproverType]*resilience.CircuitBreaker
	fallbacks map[core.ApproverType][]core.ApproverType

	callTimeout time.Duration
	logger      core.Logger
	clock       func() time.Time
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger core.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) { r.callTimeout = timeout }
}

// WithClock overrides the time source; used by tests for OOO windows.
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		resolvers:   make(map[core.ApproverType]Resolver),
		breakers:    make(map[core.ApproverType]*resilience.CircuitBreaker),
		fallbacks:   make(map[core.ApproverType][]core.ApproverType),
		callTimeout: DefaultCallTimeout,
		logger:      &core.NoOpLogger{},
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs a resolver for an approver type, replacing any
// previous registration and resetting its circuit breaker.
func (r *Registry) Register(approverType core.ApproverType, resolver Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[approverType] = resolver
	cfg := resilience.DefaultCircuitBreakerConfig("resolver." + string(approverType))
	cfg.Logger = r.logger
	r.breakers[approverType] = resilience.NewCircuitBreaker(cfg)
}

// SetFallbackChain configures the ordered fallback approver types tried
// when the primary resolver fails or returns nothing.
func (r *Registry) SetFallbackChain(approverType core.ApproverType, chain ...core.ApproverType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[approverType] = append([]core.ApproverType(nil), chain...)
}

func (r *Registry) lookup(approverType core.ApproverType) (Resolver, *resilience.CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resolvers[approverType]
	if !ok {
		return nil, nil, false
	}
	return res, r.breakers[approverType], true
}

// Resolve binds the approver type to a principal. On resolver error,
// empty result, or timeout, the fallback chain is applied in order; when
// everything fails, a ResolutionError carrying each attempt is returned.
// An OOO principal with a delegate resolves to the delegate with
// DelegatedFrom preserving the original approver id.
func (r *Registry) Resolve(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (*Resolution, error) {
	r.mu.RLock()
	chain := append([]core.ApproverType{approverType}, r.fallbacks[approverType]...)
	r.mu.RUnlock()

	resErr := &ResolutionError{ApproverType: approverType, Chain: chain[1:]}

	for _, candidate := range chain {
		resolution, err := r.resolveOne(ctx, candidate, wctx)
		if err != nil {
			resErr.Attempts = append(resErr.Attempts, err)
			r.logger.Warn("Resolver attempt failed", map[string]interface{}{
				"requested": string(approverType),
				"candidate": string(candidate),
				"error":     err.Error(),
			})
			continue
		}
		resolution.ResolvedVia = candidate
		r.applyOOO(resolution)
		return resolution, nil
	}

	telemetry.RecordError("resolver.failures.total", "chain_exhausted",
		"approver_type", string(approverType))
	return nil, resErr
}

func (r *Registry) resolveOne(ctx context.Context, approverType core.ApproverType, wctx *core.WorkflowContext) (*Resolution, error) {
	resolver, breaker, ok := r.lookup(approverType)
	if !ok {
		return nil, core.NewError("resolver.Resolve", core.CodeResolution, core.ErrNoResolver)
	}

	start := r.clock()
	var resolution *Resolution
	err := breaker.Execute(ctx, r.callTimeout, func(callCtx context.Context) error {
		res, err := resolver.Resolve(callCtx, approverType, wctx)
		if err != nil {
			return err
		}
		if res == nil || res.Principal.ID == "" {
			return core.NewError("resolver.Resolve", core.CodeResolution, core.ErrResolutionFailed)
		}
		resolution = res
		return nil
	})
	duration := r.clock().Sub(start)
	telemetry.Histogram("resolver.duration_ms", float64(duration.Milliseconds()),
		"approver_type", string(approverType),
		"outcome", outcomeLabel(err))
	if err != nil {
		return nil, err
	}
	resolution.Duration = duration
	return resolution, nil
}

// applyOOO substitutes a delegate for an out-of-office principal.
func (r *Registry) applyOOO(resolution *Resolution) {
	if !resolution.OOO.Contains(r.clock()) {
		return
	}
	resolution.Available = false
	if resolution.Delegate == nil {
		return
	}
	resolution.DelegatedFrom = resolution.Principal.ID
	resolution.Principal = *resolution.Delegate
	resolution.Available = true
	r.logger.Info("OOO delegate substituted", map[string]interface{}{
		"delegated_from": resolution.DelegatedFrom,
		"delegate":       resolution.Principal.ID,
	})
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
