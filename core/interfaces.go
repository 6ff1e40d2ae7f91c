package core

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger produces child loggers tagged with a component name
// so log streams can be segregated per subsystem.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Button is an interactive control attached to an Ask notification.
// The callback ID round-trips through the external channel unchanged.
type Button struct {
	Label      string `json:"label"`
	CallbackID string `json:"callback_id"`
}

// Notifier delivers human-facing messages. Transport (chat bot, email,
// webhook) is an external collaborator; the core only sees this contract.
// Notifier failures are recovered locally by callers and never propagate
// into task outcomes.
type Notifier interface {
	// Notify sends a one-way message.
	Notify(ctx context.Context, text string) error

	// Ask sends a message with interactive buttons. The reply arrives
	// asynchronously through the approval callback surface, not here.
	Ask(ctx context.Context, text string, buttons []Button) error
}

// Memory interface for state storage
type Memory interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// CircuitBreaker provides circuit breaker functionality for fault tolerance.
// Implementations should protect against cascading failures by temporarily
// blocking requests when a threshold of failures is reached.
type CircuitBreaker interface {
	// Execute runs the provided function with circuit breaker protection.
	// If the circuit is open, it returns ErrCircuitBreakerOpen immediately.
	Execute(ctx context.Context, fn func() error) error

	// ExecuteWithTimeout runs the function with both circuit breaker
	// protection and a timeout, for operations that might hang.
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error

	// GetState returns the current state: "closed", "open", "half-open".
	GetState() string

	// CanExecute returns true if the circuit breaker would allow execution.
	CanExecute() bool

	// Reset manually resets the circuit breaker to closed state.
	Reset()
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}

// NoOpNotifier discards notifications. Used when no transport is wired.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Notify(ctx context.Context, text string) error { return nil }
func (n *NoOpNotifier) Ask(ctx context.Context, text string, buttons []Button) error {
	return nil
}
