// Package engine implements the dimensional analysis DAG engine: the
// phase executor that drives a user-supplied Plugin through dependency
// planning, dimension execution, transformation, and finalization.
package engine

import (
	"context"
	"time"

	"github.com/dimflow/dimflow/core"
)

// HookContext carries the information passed to every optional plugin
// hook: the run id, the dimension under execution, its scope, the
// section index (nil for global dimensions), the resolved dependency
// map, a snapshot of the current sections, and the result produced so
// far (nil until the dimension has actually run).
type HookContext struct {
	RunID        string
	Dimension    string
	Scope        core.Scope
	SectionIndex *int
	Dependencies map[string]core.DimensionResult
	Sections     []core.Section
	Result       *core.DimensionResult
}

// Selection names the provider a dimension should use, plus ordered
// fallback selections tried in turn if the primary is exhausted.
type Selection struct {
	Provider   string
	Options    map[string]any
	Fallbacks  []Selection
	RetryAfter time.Duration
}

// ProviderResponse is what a Provider returns on success.
type ProviderResponse struct {
	Data     any
	Error    string
	Metadata core.ResultMetadata
}

// Provider executes one dimension's request. Implementations must be
// safe for concurrent invocation; the engine resolves selections by
// name against a ProviderRegistry.
type Provider interface {
	Execute(ctx context.Context, request any) (*ProviderResponse, error)
}

// CostSummary is the output of an external CostCalculator.
type CostSummary struct {
	TotalCost   float64
	TotalTokens int
	ByDimension map[string]float64
	ByProvider  map[string]float64
	Currency    string
}

// CostCalculator consumes the finalized flat results view and produces
// a cost summary. The engine calls it once per run, after finalize,
// when Config.Pricing is set.
type CostCalculator interface {
	Calculate(results map[string]core.DimensionResult) (*CostSummary, error)
}

// Plugin is the user-supplied contract: dimension declarations, prompt
// construction, and provider selection are required; everything else
// is an optional hook probed once via type assertion in New.
type Plugin interface {
	Name() string
	Dimensions() []core.DimensionDeclaration
	CreatePrompt(ctx context.Context, hctx HookContext) (any, error)
	SelectProvider(dimension string) (Selection, error)
}

// DependencyDefiner supplies the dependency edges between the plugin's
// declared dimensions. DimensionDeclaration carries no dependencies of
// its own, so this hook is the only source of edges for the planner.
type DependencyDefiner interface {
	DefineDependencies() (map[string][]string, error)
}

// ProcessStarter runs once before planning. A returned section list
// replaces the input sections; a returned metadata map seeds
// State.Metadata.
type ProcessStarter interface {
	BeforeProcessStart(ctx context.Context) ([]core.Section, map[string]any, error)
}

// GlobalDimensionSkipper decides whether a global dimension should be
// skipped this run.
type GlobalDimensionSkipper interface {
	ShouldSkipGlobalDimension(ctx context.Context, hctx HookContext) (skip bool, reason string, err error)
}

// SectionDimensionSkipper decides whether a section dimension should be
// skipped for one section.
type SectionDimensionSkipper interface {
	ShouldSkipSectionDimension(ctx context.Context, hctx HookContext) (skip bool, reason string, err error)
}

// DependencyTransformer may rewrite the resolved dependency map before
// CreatePrompt/SelectProvider see it — typically used to replace
// not-found placeholders with defaults.
type DependencyTransformer interface {
	TransformDependencies(ctx context.Context, hctx HookContext, deps map[string]core.DimensionResult) (map[string]core.DimensionResult, error)
}

// BeforeDimensionExecutor observes a dimension right before its prompt
// is constructed.
type BeforeDimensionExecutor interface {
	BeforeDimensionExecute(ctx context.Context, hctx HookContext) error
}

// BeforeProviderExecutor may rewrite the provider request before the
// first attempt of a selection.
type BeforeProviderExecutor interface {
	BeforeProviderExecute(ctx context.Context, hctx HookContext, request any) (any, error)
}

// RetryHandler observes a failed provider attempt. It may replace the
// next attempt's request and/or veto further retries of this selection.
type RetryHandler interface {
	HandleRetry(ctx context.Context, hctx HookContext, attempt int, attemptErr error, request any) (newRequest any, veto bool, err error)
}

// ProviderFallbackHandler observes exhaustion of one selection before
// the executor advances to the next. Returning cancel=true stops the
// fallback chain entirely.
type ProviderFallbackHandler interface {
	HandleProviderFallback(ctx context.Context, hctx HookContext, selErr error, failedProvider, nextProvider string) (cancel bool, err error)
}

// AfterProviderExecutor may rewrite a successful provider response.
type AfterProviderExecutor interface {
	AfterProviderExecute(ctx context.Context, hctx HookContext, response *ProviderResponse) (*ProviderResponse, error)
}

// AfterDimensionExecutor observes a dimension's final result.
type AfterDimensionExecutor interface {
	AfterDimensionExecute(ctx context.Context, hctx HookContext, result core.DimensionResult) error
}

// DimensionFailureHandler is invoked on every provider-exhaustion
// failure, regardless of scope. A non-nil returned result is used in
// place of the error (marked Metadata.Fallback=true).
type DimensionFailureHandler interface {
	HandleDimensionFailure(ctx context.Context, hctx HookContext, failureErr error) (*core.DimensionResult, error)
}

// SectionsTransformer runs after a global dimension's legacy
// DimensionDeclaration.Transform, and may itself replace the section
// list a second time.
type SectionsTransformer interface {
	TransformSections(ctx context.Context, hctx HookContext) ([]core.Section, error)
}

// ResultsFinalizer may replace the flat results view built at finalize
// time. A structural hook: an error here propagates to the process
// failure path even though execution itself has already completed.
type ResultsFinalizer interface {
	FinalizeResults(ctx context.Context, flat map[string]core.DimensionResult) (map[string]core.DimensionResult, error)
}

// RunSummary carries the counts handed to AfterProcessComplete.
type RunSummary struct {
	Total    int
	Success  int
	Failure  int
	Duration time.Duration
}

// ProcessCompleter observes the finished result and may replace it.
type ProcessCompleter interface {
	AfterProcessComplete(ctx context.Context, summary RunSummary, result *Result) (*Result, error)
}

// ProcessFailureHandler is invoked when a phase fails catastrophically.
// A non-nil returned result is surfaced in place of the error.
type ProcessFailureHandler interface {
	HandleProcessFailure(ctx context.Context, failureErr error, partial *Result) (*Result, error)
}

// ErrorObserver receives every error the hook dispatcher contains,
// purely for side-effecting telemetry; it cannot affect control flow.
type ErrorObserver interface {
	OnError(ctx context.Context, hctx HookContext, err error)
}

// SectionResultView is one section's content plus its dimension results
// in the Result returned by Process.
type SectionResultView struct {
	Section core.Section
	Results map[string]core.DimensionResult
}

// Result is the process() return value: section-scoped and
// global-scoped results, the (possibly transformed) section list, and
// optional cost/metadata enrichment.
type Result struct {
	Sections            []SectionResultView
	GlobalResults        map[string]core.DimensionResult
	TransformedSections  []core.Section
	Costs                *CostSummary
	Metadata             map[string]any
}
