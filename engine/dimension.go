package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dimflow/dimflow/core"
	"github.com/dimflow/dimflow/telemetry"
)

// DimensionExecutor runs one dependency-plan group's dimensions against
// State: global dimensions in the group run concurrently with each
// other; section dimensions in the group run as a bounded-concurrency
// work queue over (dimension, section) pairs, guarded by a semaphore
// sized to Config.Concurrency, mirroring the teacher's goroutine-per-
// task-with-semaphore-acquire dispatch pattern. A panicking task is
// recovered and folded into a failed DimensionResult rather than taking
// the run down.
type DimensionExecutor struct {
	state        *State
	resolver     *Resolver
	hooks        *HookDispatcher
	providerExec *ProviderExecutor
	plugin       Plugin
	cfg          *Config
	tracer       *telemetry.Tracer
	metrics      *telemetry.Metrics
	logger       core.Logger
	sem          chan struct{}
}

// NewDimensionExecutor builds a DimensionExecutor from its collaborators.
func NewDimensionExecutor(state *State, resolver *Resolver, hooks *HookDispatcher, providerExec *ProviderExecutor, plugin Plugin, cfg *Config) *DimensionExecutor {
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/dimension")
	}
	return &DimensionExecutor{
		state:        state,
		resolver:     resolver,
		hooks:        hooks,
		providerExec: providerExec,
		plugin:       plugin,
		cfg:          cfg,
		tracer:       cfg.Tracer,
		metrics:      cfg.Metrics,
		logger:       logger,
		sem:          make(chan struct{}, cfg.Concurrency),
	}
}

// RunGlobals runs every global-scoped declaration in one plan group
// concurrently, waiting for all of them to complete (sibling tasks
// already dispatched always finish, even if one fails and
// ContinueOnError is false). It returns the first failure encountered,
// if ContinueOnError is false, after every task has finished.
func (d *DimensionExecutor) RunGlobals(ctx context.Context, decls []core.DimensionDeclaration, depsOf map[string][]string) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, decl := range decls {
		decl := decl
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.runOne(ctx, decl, -1, depsOf[decl.Name])
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firstErr != nil && !d.cfg.ContinueOnError {
		return firstErr
	}
	return nil
}

// RunSections runs every section-scoped declaration in one plan group,
// over every section, as a bounded-concurrency work queue.
func (d *DimensionExecutor) RunSections(ctx context.Context, decls []core.DimensionDeclaration, depsOf map[string][]string) error {
	sectionCount := d.state.SectionCount()
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, decl := range decls {
		decl := decl
		for i := 0; i < sectionCount; i++ {
			idx := i
			d.sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-d.sem }()
				_, err := d.runOne(ctx, decl, idx, depsOf[decl.Name])
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	if firstErr != nil && !d.cfg.ContinueOnError {
		return firstErr
	}
	return nil
}

// runOne executes a single dimension task (one global dimension, or one
// section dimension against one section): skip check, dependency
// resolution, prompt construction, provider execution with retry and
// fallback, and result storage — all wrapped in panic recovery and a
// per-task timeout.
func (d *DimensionExecutor) runOne(ctx context.Context, decl core.DimensionDeclaration, sectionIndex int, deps []string) (result core.DimensionResult, runErr error) {
	hctx := HookContext{
		RunID:     d.state.ID,
		Dimension: decl.Name,
		Scope:     decl.Scope,
	}
	if sectionIndex >= 0 {
		idx := sectionIndex
		hctx.SectionIndex = &idx
	}

	defer func() {
		if r := recover(); r != nil {
			result = core.DimensionResult{
				Error: fmt.Sprintf("dimension %s panicked: %v\n%s", decl.Name, r, debug.Stack()),
			}
			d.logger.ErrorWithContext(ctx, "dimension task panicked", map[string]interface{}{
				"dimension": decl.Name, "panic": r,
			})
			d.store(decl.Scope, sectionIndex, decl.Name, result)
			runErr = fmt.Errorf("%s", result.Error)
		}
	}()

	timeout := d.cfg.timeoutFor(decl.Name)
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var span telemetry.Span
	if d.tracer != nil {
		taskCtx, span = d.tracer.StartDimensionSpan(taskCtx, decl.Name, decl.Scope.String(), sectionIndex)
		defer span.End()
	}

	start := time.Now()
	result, runErr = d.execute(taskCtx, decl, sectionIndex, deps, hctx, timeout)
	if d.metrics != nil {
		outcome := "success"
		if result.Failed() {
			outcome = "error"
		}
		if result.Metadata.Skipped {
			outcome = "skip"
		}
		d.metrics.RecordDimensionOutcome(ctx, decl.Name, time.Since(start), outcome)
	}
	if span != nil && result.Failed() {
		span.RecordError(fmt.Errorf("%s", result.Error))
	}
	return result, runErr
}

func (d *DimensionExecutor) execute(ctx context.Context, decl core.DimensionDeclaration, sectionIndex int, deps []string, hctx HookContext, timeout time.Duration) (core.DimensionResult, error) {
	var skip bool
	var reason string
	if decl.Scope == core.ScopeGlobal {
		skip, reason = d.hooks.ShouldSkipGlobal(ctx, hctx)
	} else {
		skip, reason = d.hooks.ShouldSkipSection(ctx, hctx)
	}
	if skip {
		result := core.DimensionResult{
			Metadata: core.ResultMetadata{Skipped: true, Reason: reason},
		}
		d.store(decl.Scope, sectionIndex, decl.Name, result)
		return result, nil
	}

	resolved := d.resolver.Resolve(decl.Name, decl.Scope, sectionIndex, deps)
	resolved = d.hooks.TransformDependencies(ctx, hctx, resolved)
	hctx.Dependencies = resolved
	hctx.Sections = d.state.Sections()

	d.hooks.BeforeDimensionExecute(ctx, hctx)

	request, err := d.plugin.CreatePrompt(ctx, hctx)
	if err != nil {
		return d.fail(ctx, decl, sectionIndex, hctx, err, timeout)
	}

	selection, err := d.plugin.SelectProvider(decl.Name)
	if err != nil {
		return d.fail(ctx, decl, sectionIndex, hctx, err, timeout)
	}

	resp, err := d.providerExec.Run(ctx, hctx, selection, request)
	if err != nil {
		return d.fail(ctx, decl, sectionIndex, hctx, err, timeout)
	}

	result := core.DimensionResult{Data: resp.Data, Metadata: resp.Metadata}
	d.store(decl.Scope, sectionIndex, decl.Name, result)

	hctx.Result = &result
	d.hooks.AfterDimensionExecute(ctx, hctx, result)

	return result, nil
}

// fail builds the failed DimensionResult for a dimension task, giving
// HandleDimensionFailure a chance to supply an override (marked
// Fallback=true) before falling back to recording the raw error. If the
// task's own context deadline is what caused taskErr, it is retagged as
// a DimensionTimeout error carrying the "timed out after <N>ms" message
// regardless of which step (prompt, selection, or provider) surfaced it.
func (d *DimensionExecutor) fail(ctx context.Context, decl core.DimensionDeclaration, sectionIndex int, hctx HookContext, taskErr error, timeout time.Duration) (core.DimensionResult, error) {
	if ctx.Err() == context.DeadlineExceeded && core.KindOf(taskErr) != core.KindDimensionTimeout {
		taskErr = core.NewDimensionError("DimensionExecutor.fail", core.KindDimensionTimeout, decl.Name,
			fmt.Errorf("%w: timed out after %dms", core.ErrDimensionTimeout, timeout.Milliseconds()))
	}

	var result core.DimensionResult
	if override := d.hooks.HandleDimensionFailure(ctx, hctx, taskErr); override != nil {
		result = *override
		result.Metadata.Fallback = true
	} else {
		result = core.DimensionResult{Error: taskErr.Error()}
	}
	d.store(decl.Scope, sectionIndex, decl.Name, result)

	if d.cfg.OnError != nil {
		d.cfg.OnError(decl.Name, taskErr)
	}

	hctx.Result = &result
	d.hooks.AfterDimensionExecute(ctx, hctx, result)

	if result.Failed() {
		return result, taskErr
	}
	return result, nil
}

func (d *DimensionExecutor) store(scope core.Scope, sectionIndex int, name string, result core.DimensionResult) {
	if scope == core.ScopeGlobal {
		d.state.SetGlobalResult(name, result)
	} else {
		d.state.SetSectionResult(sectionIndex, name, result)
	}
}
