package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dimflow/dimflow/core"
)

// echoProvider returns request wrapped in a map, optionally failing the
// first N calls to exercise retry/fallback paths.
type echoProvider struct {
	name       string
	failFirst  int
	mu         sync.Mutex
	calls      int
	fixedError string
}

func (p *echoProvider) Execute(ctx context.Context, request any) (*ProviderResponse, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()

	if p.fixedError != "" {
		return nil, fmt.Errorf("%s", p.fixedError)
	}
	if call <= p.failFirst {
		return nil, fmt.Errorf("%s: transient failure on call %d", p.name, call)
	}
	return &ProviderResponse{Data: map[string]any{"provider": p.name, "request": request}}, nil
}

// stubPlugin is a minimal, table-configurable Plugin for the seed
// scenarios: dimensions and their provider selections are supplied by
// the test, and CreatePrompt just echoes the dependency map so a test
// can assert on what the resolver produced.
type stubPlugin struct {
	name       string
	dimensions []core.DimensionDeclaration
	selections map[string]Selection
	deps       map[string][]string

	mu      sync.Mutex
	prompts []HookContext
}

func (p *stubPlugin) Name() string { return p.name }

func (p *stubPlugin) Dimensions() []core.DimensionDeclaration { return p.dimensions }

// DefineDependencies implements DependencyDefiner (returning nil when
// deps is unset), letting tests supply dependency edges without baking
// them into a Config option (edges belong to the plugin, not the run config).
func (p *stubPlugin) DefineDependencies() (map[string][]string, error) {
	return p.deps, nil
}

func (p *stubPlugin) CreatePrompt(ctx context.Context, hctx HookContext) (any, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, hctx)
	p.mu.Unlock()
	return map[string]any{"dimension": hctx.Dimension}, nil
}

func (p *stubPlugin) SelectProvider(dimension string) (Selection, error) {
	sel, ok := p.selections[dimension]
	if !ok {
		return Selection{}, fmt.Errorf("no selection configured for %s", dimension)
	}
	return sel, nil
}

func (p *stubPlugin) promptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

// timestampProvider records the wall-clock time of each call, so a
// test can assert on the gap a Selection.RetryAfter delay should leave
// before the first attempt.
type timestampProvider struct {
	mu    sync.Mutex
	calls []time.Time
}

func (p *timestampProvider) Execute(ctx context.Context, request any) (*ProviderResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, time.Now())
	p.mu.Unlock()
	return &ProviderResponse{Data: "ok"}, nil
}

func (p *timestampProvider) firstCallAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[0]
}
