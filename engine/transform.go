package engine

import (
	"context"

	"github.com/dimflow/dimflow/core"
)

// TransformManager applies a group's section-rewriting side effects
// after its global dimensions have all run, and before its section
// dimensions start. The globals take turns sequentially, in declaration
// order, each seeing the previous one's output sections: for each one,
// first its own legacy DimensionDeclaration.Transform function, then the
// plugin's transformSections hook, which may rewrite the list a second
// time. Either source replacing the section
// list resets every section's recorded dimension results, since their
// index alignment with the new sections can no longer be assumed.
type TransformManager struct {
	state *State
	hooks *HookDispatcher
}

// NewTransformManager builds a TransformManager over state.
func NewTransformManager(state *State, hooks *HookDispatcher) *TransformManager {
	return &TransformManager{state: state, hooks: hooks}
}

// Apply runs the legacy per-global Transform functions for globals in
// this group (in order), then the transformSections hook, for each
// completed global dimension's run-id-scoped hook context.
func (m *TransformManager) Apply(ctx context.Context, globals []core.DimensionDeclaration, runID string) {
	for _, decl := range globals {
		result, ok := m.state.GlobalResult(decl.Name)
		if decl.Transform != nil && ok && !result.Failed() {
			if newSections := decl.Transform(result, m.state.Sections()); len(newSections) > 0 {
				m.state.ReplaceSections(newSections)
			}
		}

		hctx := HookContext{RunID: runID, Dimension: decl.Name, Scope: decl.Scope, Sections: m.state.Sections()}
		if ok {
			hctx.Result = &result
		}
		if newSections := m.hooks.TransformSections(ctx, hctx); len(newSections) > 0 {
			m.state.ReplaceSections(newSections)
		}
	}
}
