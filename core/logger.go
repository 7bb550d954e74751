package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// LoggingConfig controls how a ProductionLogger renders events.
type LoggingConfig struct {
	Level  string `json:"level" default:"info"`
	Format string `json:"format" default:"json"` // "json" or "text"
	Output string `json:"output" default:"stdout"`
}

// DefaultLoggingConfig returns sensible defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Level: "info", Format: "json", Output: "stdout"}
}

// ProductionLogger is the engine's structured logger: JSON or text output,
// one component tag per instance, context-aware logging for correlation.
//
// Component naming convention is documented on ComponentAwareLogger.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
}

// NewProductionLogger creates a logger from LoggingConfig. serviceName
// identifies the owning process in every log line (e.g. the run's plugin
// name); component defaults to "engine/core" until WithComponent is used.
func NewProductionLogger(logging LoggingConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	format := logging.Format
	if format == "" {
		format = "json"
	}

	return &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       strings.ToLower(logging.Level) == "debug",
		serviceName: serviceName,
		component:   "engine/core",
		format:      format,
		output:      output,
	}
}

// WithComponent returns a new logger tagged with the given component,
// preserving every other setting of the receiver.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

// GetComponent returns the component tag this logger writes.
func (p *ProductionLogger) GetComponent() string {
	return p.component
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": p.component,
			"message":   msg,
		}
		for k, v := range fields {
			logEntry[k] = v
		}
		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		for k, v := range fields {
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}
	fmt.Fprintf(p.output, "%s [%s] [%s] %s%s\n", timestamp, level, p.serviceName, msg, fieldStr.String())
}

// createComponentLogger tags base with component if it supports
// ComponentAwareLogger, otherwise returns it unchanged.
func createComponentLogger(base Logger, component string) Logger {
	if cal, ok := base.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return base
}
