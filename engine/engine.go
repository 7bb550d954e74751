package engine

import (
	"context"

	"github.com/dimflow/dimflow/core"
)

// Engine is the entry point: build one with New for a Plugin and a set
// of Options, then call Process once per batch of sections.
type Engine struct {
	plugin Plugin
	cfg    *Config
	phases *PhaseExecutor
}

// New validates plugin and opts into a Config and wires up an Engine.
func New(plugin Plugin, opts ...Option) (*Engine, error) {
	if plugin == nil {
		return nil, core.NewEngineError("engine.New", core.KindConfigurationError, core.ErrMissingConfiguration)
	}
	if len(plugin.Dimensions()) == 0 {
		return nil, core.NewEngineError("engine.New", core.KindValidationError, core.ErrInvalidConfiguration)
	}
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	return &Engine{
		plugin: plugin,
		cfg:    cfg,
		phases: NewPhaseExecutor(plugin, cfg),
	}, nil
}

// Process runs sections through the plugin's full dimensional analysis:
// dependency planning, dimension execution, section transformation, and
// finalization, returning the assembled Result.
func (e *Engine) Process(ctx context.Context, sections []core.Section) (*Result, error) {
	return e.phases.Run(ctx, sections)
}
