// Package core provides the fundamental abstractions for the ATLAS platform:
// the task model, the worker contract, the registry, configuration, logging,
// and the error taxonomy shared by every other package.
package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Worker is the uniform contract every component that executes tasks must
// honor. Workers must not panic on bad input; malformed payloads map to a
// failed TaskResult with a diagnostic in Errors.
type Worker interface {
	// Name returns the unique registry key for this worker.
	Name() string

	// Run performs the work described by the task.
	Run(ctx context.Context, task *Task) *TaskResult

	// Analyze classifies raw result data into risk, urgency, action and
	// summary fields. Called by the worker itself as part of Run; its
	// output surfaces in TaskResult.Data["analysis"].
	Analyze(data map[string]interface{}) map[string]interface{}

	// Report renders a human-readable summary of a result for the notifier.
	Report(result *TaskResult) string
}

// BaseWorker carries the plumbing shared by concrete workers: identity,
// logging and telemetry. Embed it and override the domain hooks.
type BaseWorker struct {
	WorkerName string
	Logger     Logger
	Telemetry  Telemetry
}

// NewBaseWorker creates the shared worker plumbing with no-op observability.
func NewBaseWorker(name string) *BaseWorker {
	return &BaseWorker{
		WorkerName: name,
		Logger:     &NoOpLogger{},
		Telemetry:  &NoOpTelemetry{},
	}
}

// Name returns the worker's registry key.
func (b *BaseWorker) Name() string { return b.WorkerName }

// SetLogger configures the logger for this worker.
func (b *BaseWorker) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		b.Logger = cal.WithComponent("workers/" + b.WorkerName)
	} else {
		b.Logger = logger
	}
}

// SetTelemetry configures the telemetry provider for this worker.
func (b *BaseWorker) SetTelemetry(telemetry Telemetry) {
	if telemetry != nil {
		b.Telemetry = telemetry
	}
}

// Analyze provides the default pass-through classification. Concrete
// workers override this with domain heuristics.
func (b *BaseWorker) Analyze(data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"risk":    string(RiskLow),
		"urgency": string(UrgencyLow),
		"action":  string(ActionLog),
		"summary": fmt.Sprintf("%s completed", b.WorkerName),
	}
}

// Report renders the default human-readable result summary.
func (b *BaseWorker) Report(result *TaskResult) string {
	if result == nil {
		return fmt.Sprintf("[%s] no result", b.WorkerName)
	}
	status := "OK"
	if !result.Success {
		status = "FAILED"
	}
	text := fmt.Sprintf("[%s] %s: %s", b.WorkerName, status, result.Message)
	for _, e := range result.Errors {
		text += fmt.Sprintf("\n  - %s", e)
	}
	return text
}

// WorkerRegistry is the name-keyed mapping of live workers.
// Registration is rare and writer-exclusive; routing reads take a shared
// lock, so lookups stay cheap on the hot path.
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[string]Worker
	logger  Logger
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{
		workers: make(map[string]Worker),
		logger:  &NoOpLogger{},
	}
}

// SetLogger configures the logger for registry events.
func (r *WorkerRegistry) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cal, ok := logger.(ComponentAwareLogger); ok {
		r.logger = cal.WithComponent("core/registry")
	} else {
		r.logger = logger
	}
}

// Register adds a worker under its name. Re-registering an existing name
// replaces the previous worker and logs a warning; in-flight calls against
// the old worker are unaffected because callers hold their own reference.
func (r *WorkerRegistry) Register(w Worker) error {
	if w == nil {
		return NewAtlasError("registry.Register", "registry", ErrInvalidConfiguration)
	}
	name := w.Name()
	if name == "" {
		return &AtlasError{Op: "registry.Register", Kind: "registry", Message: "worker name cannot be empty"}
	}

	r.mu.Lock()
	_, replaced := r.workers[name]
	r.workers[name] = w
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("Worker replaced", map[string]interface{}{
			"worker": name,
		})
	} else {
		r.logger.Info("Worker registered", map[string]interface{}{
			"worker": name,
		})
	}
	return nil
}

// Unregister removes a worker by name.
func (r *WorkerRegistry) Unregister(name string) error {
	r.mu.Lock()
	_, exists := r.workers[name]
	delete(r.workers, name)
	r.mu.Unlock()

	if !exists {
		return &AtlasError{Op: "registry.Unregister", Kind: "registry", ID: name, Err: ErrWorkerNotFound}
	}
	r.logger.Info("Worker unregistered", map[string]interface{}{
		"worker": name,
	})
	return nil
}

// Get returns the worker registered under name.
func (r *WorkerRegistry) Get(name string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	return w, ok
}

// List returns the registered worker names in sorted order.
func (r *WorkerRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered workers.
func (r *WorkerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
