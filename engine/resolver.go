package engine

import (
	"fmt"

	"github.com/dimflow/dimflow/core"
)

// Resolver computes the dependency map handed to a dimension's
// CreatePrompt/SelectProvider call, following the scope-crossing rules:
//
//   - global depends on global: passthrough, the dependency's own result.
//   - global depends on section: aggregated into a single synthetic
//     result whose Data is {"aggregated": true, "sections": [...],
//     "totalSections": N}; sections whose dimension has not yet produced
//     a result are represented by an ordered {"error": "not yet
//     produced"} placeholder so the aggregate's length always matches
//     totalSections.
//   - section depends on section (same index): passthrough.
//   - section depends on global: passthrough.
//   - dependency not declared in the graph at all: a synthetic
//     {"error": "<name> not found in results"} result, which a plugin's
//     TransformDependencies hook may then rewrite.
type Resolver struct {
	state *State
	known map[string]core.Scope
}

// NewResolver builds a Resolver over state, given the full set of
// declared dimension scopes (as known to the dependency graph).
func NewResolver(state *State, declared []core.DimensionDeclaration) *Resolver {
	known := make(map[string]core.Scope, len(declared))
	for _, d := range declared {
		known[d.Name] = d.Scope
	}
	return &Resolver{state: state, known: known}
}

// Resolve computes the dependency results visible to dimension (declared
// with scope) when it runs. sectionIndex is ignored for global
// dimensions and must name a valid section index for section-scoped
// ones.
func (r *Resolver) Resolve(dimension string, scope core.Scope, sectionIndex int, deps []string) map[string]core.DimensionResult {
	out := make(map[string]core.DimensionResult, len(deps))
	for _, dep := range deps {
		depScope, declared := r.known[dep]
		if !declared {
			out[dep] = notFoundResult(dep)
			continue
		}
		switch {
		case depScope == core.ScopeGlobal:
			if res, ok := r.state.GlobalResult(dep); ok {
				out[dep] = res
			} else {
				out[dep] = notFoundResult(dep)
			}
		case scope == core.ScopeGlobal && depScope == core.ScopeSection:
			out[dep] = r.aggregateSection(dep)
		case scope == core.ScopeSection && depScope == core.ScopeSection:
			if res, ok := r.state.SectionResult(sectionIndex, dep); ok {
				out[dep] = res
			} else {
				out[dep] = notFoundResult(dep)
			}
		default:
			out[dep] = notFoundResult(dep)
		}
	}
	return out
}

// aggregateSection builds the {"aggregated":true,...} synthetic result
// a global dimension sees when it depends on a section-scoped dimension.
func (r *Resolver) aggregateSection(dep string) core.DimensionResult {
	total := r.state.SectionCount()
	sections := make([]any, total)
	for i := 0; i < total; i++ {
		if res, ok := r.state.SectionResult(i, dep); ok {
			sections[i] = res
		} else {
			sections[i] = map[string]any{"error": "not yet produced"}
		}
	}
	return core.DimensionResult{
		Data: map[string]any{
			"aggregated":    true,
			"sections":      sections,
			"totalSections": total,
		},
	}
}

// HasFailedDependencies reports whether any of the already-resolved
// dependency results represents a failure, letting callers decide
// whether a dependent dimension should be skipped rather than run
// against broken upstream data.
func HasFailedDependencies(deps map[string]core.DimensionResult) bool {
	for _, r := range deps {
		if r.Failed() {
			return true
		}
	}
	return false
}

func notFoundResult(name string) core.DimensionResult {
	return core.DimensionResult{
		Error: fmt.Sprintf("%s not found in results", name),
	}
}
