package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dimflow/dimflow/core"
	"github.com/dimflow/dimflow/resilience"
)

// ProviderRegistry resolves a Selection's provider name to a concrete
// Provider, as registered via Config.WithProvider.
type ProviderRegistry struct {
	providers map[string]Provider
}

// NewProviderRegistry builds a registry from a name->Provider map.
func NewProviderRegistry(providers map[string]Provider) *ProviderRegistry {
	if providers == nil {
		providers = make(map[string]Provider)
	}
	return &ProviderRegistry{providers: providers}
}

// Get looks up a provider by name.
func (r *ProviderRegistry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// ProviderExecutor runs a dimension's Selection chain: the primary
// selection is retried up to maxRetries+1 attempts with
// retryDelay*2^(attempt-1) backoff between attempts, then each
// fallback selection (in order) gets the same treatment, until one
// succeeds or the chain is exhausted, at which point
// core.ErrAllProvidersFailed is returned. Each provider name gets its
// own resilience.CircuitBreaker, so a provider that is currently
// failing hard is skipped rather than retried into the ground; the
// breaker's pass/fail verdict is orthogonal to, and does not replace,
// the deterministic per-attempt backoff above.
type ProviderExecutor struct {
	registry   *ProviderRegistry
	hooks      *HookDispatcher
	maxRetries int
	retryDelay time.Duration
	logger     core.Logger

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// NewProviderExecutor builds a ProviderExecutor from a Config.
func NewProviderExecutor(registry *ProviderRegistry, hooks *HookDispatcher, cfg *Config) *ProviderExecutor {
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/provider")
	}
	return &ProviderExecutor{
		registry:   registry,
		hooks:      hooks,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
		breakers:   make(map[string]*resilience.CircuitBreaker),
	}
}

// breakerFor returns the (lazily created) circuit breaker for a named
// provider. If the breaker itself fails to construct, execution
// proceeds unprotected rather than failing the whole run over it.
func (p *ProviderExecutor) breakerFor(name string) *resilience.CircuitBreaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()

	if cb, ok := p.breakers[name]; ok {
		return cb
	}
	cb, err := resilience.CreateCircuitBreaker(name, resilience.ResilienceDependencies{Logger: p.logger})
	if err != nil {
		p.logger.Warn("failed to create circuit breaker for provider", map[string]interface{}{
			"provider": name, "error": err.Error(),
		})
		cb = nil
	}
	p.breakers[name] = cb
	return cb
}

// Run executes selection's primary provider, falling back through
// selection.Fallbacks in order, for the dimension/hctx described.
// request is the value produced by the plugin's CreatePrompt.
func (p *ProviderExecutor) Run(ctx context.Context, hctx HookContext, selection Selection, request any) (*ProviderResponse, error) {
	chain := append([]Selection{{Provider: selection.Provider, Options: selection.Options, RetryAfter: selection.RetryAfter}}, selection.Fallbacks...)

	var lastErr error
	var tried []string
	for i, sel := range chain {
		tried = append(tried, sel.Provider)
		resp, err := p.runSelection(ctx, hctx, sel, request)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if i == len(chain)-1 {
			break
		}
		nextProvider := chain[i+1].Provider
		if cancel := p.hooks.HandleProviderFallback(ctx, hctx, err, sel.Provider, nextProvider); cancel {
			break
		}
		p.logger.WarnWithContext(ctx, "provider selection exhausted, falling back", map[string]interface{}{
			"dimension": hctx.Dimension, "failed_provider": sel.Provider, "next_provider": nextProvider,
		})
	}
	return nil, core.NewDimensionError("ProviderExecutor.Run", core.KindAllProvidersFailed, hctx.Dimension,
		fmt.Errorf("%w (tried: %s): %v", core.ErrAllProvidersFailed, strings.Join(tried, ", "), lastErr))
}

// runSelection attempts one Selection up to maxRetries+1 times.
func (p *ProviderExecutor) runSelection(ctx context.Context, hctx HookContext, sel Selection, request any) (*ProviderResponse, error) {
	provider, ok := p.registry.Get(sel.Provider)
	if !ok {
		return nil, core.NewDimensionError("ProviderExecutor.runSelection", core.KindConfigurationError, hctx.Dimension,
			fmt.Errorf("%w: %s", core.ErrProviderNotFound, sel.Provider))
	}

	if sel.RetryAfter > 0 {
		timer := time.NewTimer(sel.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	breaker := p.breakerFor(sel.Provider)
	req := p.hooks.BeforeProviderExecute(ctx, hctx, request)

	var lastErr error
	attempts := p.maxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if breaker != nil && !breaker.CanExecute() {
			lastErr = fmt.Errorf("%w: provider %s", core.ErrCircuitBreakerOpen, sel.Provider)
		} else {
			resp, err := p.attempt(ctx, breaker, provider, req)
			if err == nil {
				return p.hooks.AfterProviderExecute(ctx, hctx, resp), nil
			}
			lastErr = err
		}

		if attempt == attempts {
			break
		}

		newReq, veto := p.hooks.HandleRetry(ctx, hctx, attempt, lastErr, req)
		if veto {
			break
		}
		req = newReq

		delay := p.retryDelay * time.Duration(1<<uint(attempt-1))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// attempt runs one provider call, through the circuit breaker when one
// is available, folding a non-empty ProviderResponse.Error into the
// returned error same as a hard Execute failure.
func (p *ProviderExecutor) attempt(ctx context.Context, breaker *resilience.CircuitBreaker, provider Provider, req any) (*ProviderResponse, error) {
	call := func() (*ProviderResponse, error) {
		resp, err := provider.Execute(ctx, req)
		if err == nil && resp != nil && resp.Error != "" {
			err = fmt.Errorf("%s", resp.Error)
		}
		return resp, err
	}

	if breaker == nil {
		resp, err := call()
		if err != nil {
			return nil, err
		}
		if resp == nil {
			resp = &ProviderResponse{}
		}
		return resp, nil
	}

	var resp *ProviderResponse
	cbErr := breaker.Execute(ctx, func() error {
		var err error
		resp, err = call()
		return err
	})
	if cbErr != nil {
		return nil, cbErr
	}
	if resp == nil {
		resp = &ProviderResponse{}
	}
	return resp, nil
}
