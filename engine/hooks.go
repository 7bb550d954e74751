package engine

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/dimflow/dimflow/core"
)

// HookDispatcher probes a Plugin once, at construction, for each optional
// hook interface and stores the result as a nil-able field. Every
// dispatch method recovers from a panicking hook and converts it into an
// error so that one misbehaving plugin method can never take the whole
// run down with it.
//
// Hooks split into two families. Structural hooks influence data the
// rest of the run depends on (the section list, the dependency map,
// the finalized results); an error there is re-raised to the caller,
// who routes it through the process failure path. Advisory hooks only
// observe or offer an optional override; an error or panic there is
// swallowed, logged, reported to an ErrorObserver if the plugin
// implements one, and replaced by a documented default so the run keeps
// moving.
type HookDispatcher struct {
	logger core.Logger

	starter               ProcessStarter
	depDefiner            DependencyDefiner
	globalSkipper         GlobalDimensionSkipper
	sectionSkipper        SectionDimensionSkipper
	depTransformer        DependencyTransformer
	beforeDim             BeforeDimensionExecutor
	beforeProvider        BeforeProviderExecutor
	retryHandler          RetryHandler
	fallbackHandler       ProviderFallbackHandler
	afterProvider         AfterProviderExecutor
	afterDim              AfterDimensionExecutor
	failureHandler        DimensionFailureHandler
	sectionsTransformer   SectionsTransformer
	resultsFinalizer      ResultsFinalizer
	processCompleter      ProcessCompleter
	processFailureHandler ProcessFailureHandler
	errorObserver         ErrorObserver
}

// NewHookDispatcher probes plugin for every optional hook interface.
func NewHookDispatcher(plugin Plugin, logger core.Logger) *HookDispatcher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/hooks")
	}
	d := &HookDispatcher{logger: logger}
	d.starter, _ = plugin.(ProcessStarter)
	d.depDefiner, _ = plugin.(DependencyDefiner)
	d.globalSkipper, _ = plugin.(GlobalDimensionSkipper)
	d.sectionSkipper, _ = plugin.(SectionDimensionSkipper)
	d.depTransformer, _ = plugin.(DependencyTransformer)
	d.beforeDim, _ = plugin.(BeforeDimensionExecutor)
	d.beforeProvider, _ = plugin.(BeforeProviderExecutor)
	d.retryHandler, _ = plugin.(RetryHandler)
	d.fallbackHandler, _ = plugin.(ProviderFallbackHandler)
	d.afterProvider, _ = plugin.(AfterProviderExecutor)
	d.afterDim, _ = plugin.(AfterDimensionExecutor)
	d.failureHandler, _ = plugin.(DimensionFailureHandler)
	d.sectionsTransformer, _ = plugin.(SectionsTransformer)
	d.resultsFinalizer, _ = plugin.(ResultsFinalizer)
	d.processCompleter, _ = plugin.(ProcessCompleter)
	d.processFailureHandler, _ = plugin.(ProcessFailureHandler)
	d.errorObserver, _ = plugin.(ErrorObserver)
	return d
}

// recoverPanic converts a panicking hook invocation into an error,
// capturing a stack trace the way the teacher's callback wrappers do.
func recoverPanic(hook string) error {
	if r := recover(); r != nil {
		return fmt.Errorf("hook %s panicked: %v\n%s", hook, r, debug.Stack())
	}
	return nil
}

// swallow logs an advisory hook's error/panic, notifies an error
// observer if the plugin has one, and returns nothing: callers proceed
// with their documented default.
func (d *HookDispatcher) swallow(ctx context.Context, hctx HookContext, hook string, err error) {
	if err == nil {
		return
	}
	d.logger.WarnWithContext(ctx, "advisory hook failed, using default", map[string]interface{}{
		"hook": hook, "dimension": hctx.Dimension, "error": err.Error(),
	})
	if d.errorObserver != nil {
		func() {
			defer func() { recover() }()
			d.errorObserver.OnError(ctx, hctx, err)
		}()
	}
}

// BeforeProcessStart is structural: its error propagates.
func (d *HookDispatcher) BeforeProcessStart(ctx context.Context) (sections []core.Section, metadata map[string]any, err error) {
	if d.starter == nil {
		return nil, nil, nil
	}
	defer func() {
		if perr := recoverPanic("BeforeProcessStart"); perr != nil {
			err = perr
		}
	}()
	return d.starter.BeforeProcessStart(ctx)
}

// DefineDependencies is structural: its error propagates.
func (d *HookDispatcher) DefineDependencies() (deps map[string][]string, err error) {
	if d.depDefiner == nil {
		return nil, nil
	}
	defer func() {
		if perr := recoverPanic("DefineDependencies"); perr != nil {
			err = perr
		}
	}()
	return d.depDefiner.DefineDependencies()
}

// ShouldSkipGlobal is advisory: default is "do not skip".
func (d *HookDispatcher) ShouldSkipGlobal(ctx context.Context, hctx HookContext) (skip bool, reason string) {
	if d.globalSkipper == nil {
		return false, ""
	}
	var err error
	func() {
		defer func() {
			if perr := recoverPanic("ShouldSkipGlobalDimension"); perr != nil {
				err = perr
			}
		}()
		skip, reason, err = d.globalSkipper.ShouldSkipGlobalDimension(ctx, hctx)
	}()
	if err != nil {
		d.swallow(ctx, hctx, "ShouldSkipGlobalDimension", err)
		return false, ""
	}
	return skip, reason
}

// ShouldSkipSection is advisory: default is "do not skip".
func (d *HookDispatcher) ShouldSkipSection(ctx context.Context, hctx HookContext) (skip bool, reason string) {
	if d.sectionSkipper == nil {
		return false, ""
	}
	var err error
	func() {
		defer func() {
			if perr := recoverPanic("ShouldSkipSectionDimension"); perr != nil {
				err = perr
			}
		}()
		skip, reason, err = d.sectionSkipper.ShouldSkipSectionDimension(ctx, hctx)
	}()
	if err != nil {
		d.swallow(ctx, hctx, "ShouldSkipSectionDimension", err)
		return false, ""
	}
	return skip, reason
}

// TransformDependencies is advisory: default is the original map.
func (d *HookDispatcher) TransformDependencies(ctx context.Context, hctx HookContext, deps map[string]core.DimensionResult) map[string]core.DimensionResult {
	if d.depTransformer == nil {
		return deps
	}
	var out map[string]core.DimensionResult
	var err error
	func() {
		defer func() {
			if perr := recoverPanic("TransformDependencies"); perr != nil {
				err = perr
			}
		}()
		out, err = d.depTransformer.TransformDependencies(ctx, hctx, deps)
	}()
	if err != nil {
		d.swallow(ctx, hctx, "TransformDependencies", err)
		return deps
	}
	return out
}

// BeforeDimensionExecute is advisory: errors are observed only.
func (d *HookDispatcher) BeforeDimensionExecute(ctx context.Context, hctx HookContext) {
	if d.beforeDim == nil {
		return
	}
	var err error
	func() {
		defer func() {
			if perr := recoverPanic("BeforeDimensionExecute"); perr != nil {
				err = perr
			}
		}()
		err = d.beforeDim.BeforeDimensionExecute(ctx, hctx)
	}()
	d.swallow(ctx, hctx, "BeforeDimensionExecute", err)
}

// BeforeProviderExecute is advisory: default is the original request.
func (d *HookDispatcher) BeforeProviderExecute(ctx context.Context, hctx HookContext, request any) any {
	if d.beforeProvider == nil {
		return request
	}
	var out any
	var err error
	func() {
		defer func() {
			if perr := recoverPanic("BeforeProviderExecute"); perr != nil {
				err = perr
			}
		}()
		out, err = d.beforeProvider.BeforeProviderExecute(ctx, hctx, request)
	}()
	if err != nil {
		d.swallow(ctx, hctx, "BeforeProviderExecute", err)
		return request
	}
	return out
}

// HandleRetry is advisory: default is the original request, no veto.
func (d *HookDispatcher) HandleRetry(ctx context.Context, hctx HookContext, attempt int, attemptErr error, request any) (newRequest any, veto bool) {
	if d.retryHandler == nil {
		return request, false
	}
	var err error
	func() {
		defer func() {
			if perr := recoverPanic("HandleRetry"); perr != nil {
				err = perr
			}
		}()
		newRequest, veto, err = d.retryHandler.HandleRetry(ctx, hctx, attempt, attemptErr, request)
	}()
	if err != nil {
		d.swallow(ctx, hctx, "HandleRetry", err)
		return request, false
	}
	return newRequest, veto
}

// HandleProviderFallback is advisory: default is "do not cancel".
func (d *HookDispatcher) HandleProviderFallback(ctx context.Context, hctx HookContext, selErr error, failedProvider, nextProvider string) (cancel bool) {
	if d.fallbackHandler == nil {
		return false
	}
	var err error
	func() {
		defer func() {
			if perr := recoverPanic("HandleProviderFallback"); perr != nil {
				err = perr
			}
		}()
		cancel, err = d.fallbackHandler.HandleProviderFallback(ctx, hctx, selErr, failedProvider, nextProvider)
	}()
	if err != nil {
		d.swallow(ctx, hctx, "HandleProviderFallback", err)
		return false
	}
	return cancel
}

// AfterProviderExecute is advisory: default is the original response.
func (d *HookDispatcher) AfterProviderExecute(ctx context.Context, hctx HookContext, response *ProviderResponse) *ProviderResponse {
	if d.afterProvider == nil {
		return response
	}
	var out *ProviderResponse
	var err error
	func() {
		defer func() {
			if perr := recoverPanic("AfterProviderExecute"); perr != nil {
				err = perr
			}
		}()
		out, err = d.afterProvider.AfterProviderExecute(ctx, hctx, response)
	}()
	if err != nil {
		d.swallow(ctx, hctx, "AfterProviderExecute", err)
		return response
	}
	return out
}

// AfterDimensionExecute is advisory: errors are observed only.
func (d *HookDispatcher) AfterDimensionExecute(ctx context.Context, hctx HookContext, result core.DimensionResult) {
	if d.afterDim == nil {
		return
	}
	var err error
	func() {
		defer func() {
			if perr := recoverPanic("AfterDimensionExecute"); perr != nil {
				err = perr
			}
		}()
		err = d.afterDim.AfterDimensionExecute(ctx, hctx, result)
	}()
	d.swallow(ctx, hctx, "AfterDimensionExecute", err)
}

// HandleDimensionFailure is advisory: default is nil (caller keeps the
// original failure as the dimension's result).
func (d *HookDispatcher) HandleDimensionFailure(ctx context.Context, hctx HookContext, failureErr error) *core.DimensionResult {
	if d.failureHandler == nil {
		return nil
	}
	var out *core.DimensionResult
	var err error
	func() {
		defer func() {
			if perr := recoverPanic("HandleDimensionFailure"); perr != nil {
				err = perr
			}
		}()
		out, err = d.failureHandler.HandleDimensionFailure(ctx, hctx, failureErr)
	}()
	if err != nil {
		d.swallow(ctx, hctx, "HandleDimensionFailure", err)
		return nil
	}
	return out
}

// TransformSections is advisory: default is "no change" (nil slice).
func (d *HookDispatcher) TransformSections(ctx context.Context, hctx HookContext) []core.Section {
	if d.sectionsTransformer == nil {
		return nil
	}
	var out []core.Section
	var err error
	func() {
		defer func() {
			if perr := recoverPanic("TransformSections"); perr != nil {
				err = perr
			}
		}()
		out, err = d.sectionsTransformer.TransformSections(ctx, hctx)
	}()
	if err != nil {
		d.swallow(ctx, hctx, "TransformSections", err)
		return nil
	}
	return out
}

// FinalizeResults is structural: its error propagates to the process
// failure path even though dimension execution already completed.
func (d *HookDispatcher) FinalizeResults(ctx context.Context, flat map[string]core.DimensionResult) (out map[string]core.DimensionResult, err error) {
	if d.resultsFinalizer == nil {
		return flat, nil
	}
	defer func() {
		if perr := recoverPanic("FinalizeResults"); perr != nil {
			err = perr
		}
	}()
	return d.resultsFinalizer.FinalizeResults(ctx, flat)
}

// AfterProcessComplete is advisory: default is the original result.
func (d *HookDispatcher) AfterProcessComplete(ctx context.Context, summary RunSummary, result *Result) *Result {
	if d.processCompleter == nil {
		return result
	}
	var out *Result
	var err error
	func() {
		defer func() {
			if perr := recoverPanic("AfterProcessComplete"); perr != nil {
				err = perr
			}
		}()
		out, err = d.processCompleter.AfterProcessComplete(ctx, summary, result)
	}()
	if err != nil {
		d.logger.WarnWithContext(ctx, "advisory hook failed, using default", map[string]interface{}{
			"hook": "AfterProcessComplete", "error": err.Error(),
		})
		return result
	}
	return out
}

// HandleProcessFailure is the terminal failure hook: its own error is
// logged and swallowed, since there is no further fallback to route to.
func (d *HookDispatcher) HandleProcessFailure(ctx context.Context, failureErr error, partial *Result) *Result {
	if d.processFailureHandler == nil {
		return nil
	}
	var out *Result
	var err error
	func() {
		defer func() {
			if perr := recoverPanic("HandleProcessFailure"); perr != nil {
				err = perr
			}
		}()
		out, err = d.processFailureHandler.HandleProcessFailure(ctx, failureErr, partial)
	}()
	if err != nil {
		d.logger.ErrorWithContext(ctx, "process failure hook itself failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	return out
}
