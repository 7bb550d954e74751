package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dimflow/dimflow/core"
	"github.com/dimflow/dimflow/dag"
)

// PhaseExecutor drives one Process call through its five phases:
// pre-process (BeforeProcessStart), plan (dependency graph + group
// ordering), execute (dimension execution group by group, transforming
// sections between a group's globals and its sections), finalize
// (flattening results and invoking FinalizeResults/the cost
// calculator), and post-process (AfterProcessComplete). A failure in
// any phase builds the best partial Result available and routes it
// through HandleProcessFailure before surfacing an error.
type PhaseExecutor struct {
	plugin Plugin
	cfg    *Config
	hooks  *HookDispatcher
	logger core.Logger
}

// NewPhaseExecutor builds a PhaseExecutor for plugin under cfg.
func NewPhaseExecutor(plugin Plugin, cfg *Config) *PhaseExecutor {
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/phase")
	}
	return &PhaseExecutor{
		plugin: plugin,
		cfg:    cfg,
		hooks:  NewHookDispatcher(plugin, cfg.Logger),
		logger: logger,
	}
}

// Run processes sections through every phase and returns the Result.
func (p *PhaseExecutor) Run(ctx context.Context, sections []core.Section) (result *Result, err error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	state := NewState(sections)

	defer func() {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordRunOutcome(ctx, time.Since(start), err == nil)
		}
	}()

	// Phase 1: pre-process.
	if newSections, meta, perr := p.hooks.BeforeProcessStart(ctx); perr != nil {
		return p.fail(ctx, perr, nil)
	} else {
		if len(newSections) > 0 {
			state.ReplaceSections(newSections)
		}
		for k, v := range meta {
			state.SetMetadata(k, v)
		}
	}
	if state.SectionCount() == 0 {
		return p.fail(ctx, core.NewEngineError("PhaseExecutor.Run", core.KindNoSections, core.ErrNoSections), nil)
	}

	// Phase 2: plan.
	plan, decls, depsOf, err := p.buildPlan()
	if err != nil {
		return p.fail(ctx, err, p.partialResult(state))
	}

	resolver := NewResolver(state, decls)
	registry := NewProviderRegistry(p.cfg.Providers)
	providerExec := NewProviderExecutor(registry, p.hooks, p.cfg)
	dimExec := NewDimensionExecutor(state, resolver, p.hooks, providerExec, p.plugin, p.cfg)
	transformMgr := NewTransformManager(state, p.hooks)

	declByName := make(map[string]core.DimensionDeclaration, len(decls))
	for _, d := range decls {
		declByName[d.Name] = d
	}

	// Phase 3: execute, group by group.
	for _, group := range plan.Groups {
		var globals, sectionDims []core.DimensionDeclaration
		for _, name := range group {
			decl := declByName[name]
			if decl.Scope == core.ScopeGlobal {
				globals = append(globals, decl)
			} else {
				sectionDims = append(sectionDims, decl)
			}
		}

		if len(globals) > 0 {
			if gerr := dimExec.RunGlobals(ctx, globals, depsOf); gerr != nil {
				return p.fail(ctx, gerr, p.partialResult(state))
			}
			transformMgr.Apply(ctx, globals, state.ID)
		}

		if len(sectionDims) > 0 {
			if serr := dimExec.RunSections(ctx, sectionDims, depsOf); serr != nil {
				return p.fail(ctx, serr, p.partialResult(state))
			}
		}

		if ctx.Err() != nil {
			return p.fail(ctx, ctx.Err(), p.partialResult(state))
		}
	}

	// Phase 4: finalize.
	flat := flatten(state)
	flat, ferr := p.hooks.FinalizeResults(ctx, flat)
	if ferr != nil {
		return p.fail(ctx, ferr, p.partialResult(state))
	}

	result = p.buildResult(state)
	if p.cfg.Pricing != nil && p.cfg.Pricing.Calculator != nil {
		if costs, cerr := p.cfg.Pricing.Calculator.Calculate(flat); cerr == nil {
			result.Costs = costs
		} else {
			p.logger.WarnWithContext(ctx, "cost calculation failed", map[string]interface{}{"error": cerr.Error()})
		}
	}

	// Phase 5: post-process.
	summary := RunSummary{
		Total:    len(flat),
		Duration: time.Since(start),
	}
	for _, r := range flat {
		if r.Failed() {
			summary.Failure++
		} else {
			summary.Success++
		}
	}
	result = p.hooks.AfterProcessComplete(ctx, summary, result)

	return result, nil
}

// buildPlan assembles the full dimension declaration list (plugin
// declarations plus any DependencyDefiner-contributed edges), builds
// the dag execution plan from it, and returns the name->dependency-list
// map the resolver and dimension executor need per task.
func (p *PhaseExecutor) buildPlan() (*dag.Plan, []core.DimensionDeclaration, map[string][]string, error) {
	decls := p.plugin.Dimensions()
	if len(decls) == 0 {
		return nil, nil, nil, core.NewEngineError("PhaseExecutor.buildPlan", core.KindValidationError, core.ErrInvalidConfiguration)
	}

	names := make([]string, len(decls))
	deps := make(map[string][]string, len(decls))
	for i, d := range decls {
		names[i] = d.Name
	}

	extra, err := p.hooks.DefineDependencies()
	if err != nil {
		return nil, nil, nil, core.NewEngineError("PhaseExecutor.buildPlan", core.KindValidationError, err)
	}
	for name, edges := range extra {
		deps[name] = append(deps[name], edges...)
	}

	plan, perr := dag.BuildPlan(names, deps)
	if perr != nil {
		return nil, nil, nil, mapPlanError(perr)
	}
	return plan, decls, deps, nil
}

func mapPlanError(err error) error {
	switch e := err.(type) {
	case *dag.ErrDependencyNotFound:
		return core.NewEngineError("PhaseExecutor.buildPlan", core.KindDependencyNotFound,
			fmt.Errorf("%s: %w", e.Error(), core.ErrDependencyNotFound))
	case *dag.ErrCircularDependency:
		return core.NewEngineError("PhaseExecutor.buildPlan", core.KindCircularDependency,
			fmt.Errorf("%s: %w", e.Error(), core.ErrCircularDependency))
	default:
		return err
	}
}

// partialResult builds the best-effort Result available mid-run, for
// HandleProcessFailure to inspect or replace.
func (p *PhaseExecutor) partialResult(state *State) *Result {
	if state == nil {
		return nil
	}
	return p.buildResult(state)
}

func (p *PhaseExecutor) buildResult(state *State) *Result {
	sections := state.Sections()
	views := make([]SectionResultView, len(sections))
	for i, s := range sections {
		views[i] = SectionResultView{Section: s, Results: state.AllSectionResults(i)}
	}
	return &Result{
		Sections:           views,
		GlobalResults:      state.AllGlobalResults(),
		TransformedSections: sections,
		Metadata:           state.MetadataSnapshot(),
	}
}

func (p *PhaseExecutor) fail(ctx context.Context, failureErr error, partial *Result) (*Result, error) {
	p.logger.ErrorWithContext(ctx, "process failed", map[string]interface{}{"error": failureErr.Error()})
	if override := p.hooks.HandleProcessFailure(ctx, failureErr, partial); override != nil {
		return override, nil
	}
	return partial, failureErr
}

// flatten merges global and section results into one name-keyed view,
// section-scoped names suffixed by index to disambiguate, for
// FinalizeResults/CostCalculator consumption.
func flatten(state *State) map[string]core.DimensionResult {
	flat := make(map[string]core.DimensionResult)
	for name, r := range state.AllGlobalResults() {
		flat[name] = r
	}
	sections := state.Sections()
	for i := range sections {
		for name, r := range state.AllSectionResults(i) {
			flat[sectionKey(name, i)] = r
		}
	}
	return flat
}

func sectionKey(name string, index int) string {
	return name + "_section_" + strconv.Itoa(index)
}
