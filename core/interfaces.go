package core

import (
	"context"
)

// Logger is the minimal structured-logging interface used throughout the
// engine. Every component accepts one and tolerates nil (falling back to
// NoOpLogger), per the hook dispatcher's "absence tolerance" design.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with component context support, so
// different engine components can tag their structured logs while sharing
// one base logger configuration.
//
// Component naming convention:
//   - "engine/dag"        - dependency graph manager
//   - "engine/state"      - process state
//   - "engine/hooks"      - hook dispatcher
//   - "engine/resolver"   - dependency resolver
//   - "engine/provider"   - provider executor
//   - "engine/dimension"  - dimension executor
//   - "engine/transform"  - transformation manager
//   - "engine/phase"      - phase executor
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger is the default Logger: every engine constructor falls back to
// it when the caller passes nil, so components never need a nil check.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
